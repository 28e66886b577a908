package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vidscribe/processor"
	"vidscribe/speech"
	"vidscribe/transcript"
)

// TUI message types
type statusMsg processor.Stats
type captionMsg speech.Result
type interimMsg string
type errorMsg string
type showUIMsg struct{}
type videoMsg struct {
	ID       string
	Added    bool
	HasAudio bool
}
type toggledMsg struct {
	On  bool
	Err error
}
type tickMsg time.Time

const maxCaptions = 50

// controls is what the TUI needs from the pipeline.
type controls interface {
	Toggle() (bool, error)
	Export(transcript.Options) string
	Clear()
	Stats() processor.Stats
}

type tuiModel struct {
	ctl        controls
	copy       func(string) error
	exportOpts transcript.Options

	stats     processor.Stats
	toggling  bool
	captions  []speech.Result
	interim   string
	notice    string // last error or action feedback
	noticeErr bool
	details   bool
	videos    []videoMsg
	frame     int
	width     int
	height    int
}

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	captionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	interimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

func newTUIModel(ctl controls, opts transcript.Options, copy func(string) error) tuiModel {
	return tuiModel{ctl: ctl, copy: copy, exportOpts: opts, stats: ctl.Stats()}
}

func tuiTick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "t", " ":
			if m.toggling {
				return m, nil
			}
			m.toggling = true
			ctl := m.ctl
			return m, func() tea.Msg {
				on, err := ctl.Toggle()
				return toggledMsg{On: on, Err: err}
			}
		case "e":
			m.export()
		case "c":
			m.ctl.Clear()
			m.captions = nil
			m.interim = ""
			m.setNotice("transcripts cleared", false)
		case "d":
			m.details = !m.details
		}

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case toggledMsg:
		m.toggling = false
		if msg.Err != nil {
			m.setNotice("start failed: "+msg.Err.Error(), true)
		}
		m.stats = m.ctl.Stats()

	case statusMsg:
		m.stats = processor.Stats(msg)

	case captionMsg:
		m.captions = append(m.captions, speech.Result(msg))
		if len(m.captions) > maxCaptions {
			m.captions = m.captions[len(m.captions)-maxCaptions:]
		}
		m.interim = ""

	case interimMsg:
		m.interim = string(msg)

	case errorMsg:
		m.setNotice(string(msg), true)

	case videoMsg:
		m.trackVideo(msg)

	case showUIMsg:
		m.details = true
	}
	return m, nil
}

func (m *tuiModel) export() {
	text := m.ctl.Export(m.exportOpts)
	if text == "" {
		m.setNotice("nothing to export", true)
		return
	}
	if m.copy != nil {
		if err := m.copy(text); err != nil {
			m.setNotice("clipboard: "+err.Error(), true)
			return
		}
	}
	m.setNotice(fmt.Sprintf("copied %d lines", strings.Count(text, "\n\n")+1), false)
}

func (m *tuiModel) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
}

func (m *tuiModel) trackVideo(v videoMsg) {
	for i, known := range m.videos {
		if known.ID == v.ID {
			if !v.Added {
				m.videos = append(m.videos[:i:i], m.videos[i+1:]...)
			}
			return
		}
	}
	if v.Added {
		m.videos = append(m.videos, v)
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const sideWidth = 34
	var side []string

	switch {
	case m.toggling:
		side = append(side, idleStyle.Render("◌ working..."))
	case m.stats.Active:
		dot := "●"
		if m.frame%2 == 1 {
			dot = "○"
		}
		side = append(side, recStyle.Render(dot+" CAPTURING"))
	default:
		side = append(side, idleStyle.Render("○ STANDBY"))
	}
	side = append(side,
		dimStyle.Render("platform: "+m.stats.Platform),
		dimStyle.Render(fmt.Sprintf("videos:   %d", m.stats.VideosActive)),
		dimStyle.Render(fmt.Sprintf("streams:  %d", m.stats.AudioStreamsActive)),
		dimStyle.Render(fmt.Sprintf("finals:   %d", m.stats.TotalTranscriptions)),
	)
	if m.details {
		side = append(side, "")
		for _, v := range m.videos {
			mark := "·"
			if v.HasAudio {
				mark = "♪"
			}
			side = append(side, dimStyle.Render(fmt.Sprintf("%s %s", mark, short(v.ID))))
		}
		if !m.stats.LastTranscription.IsZero() {
			side = append(side, dimStyle.Render("last: "+m.stats.LastTranscription.Format("15:04:05")))
		}
	}
	if m.notice != "" {
		side = append(side, "")
		style := okStyle
		if m.noticeErr {
			style = errStyle
		}
		for _, line := range wrapText(m.notice, sideWidth-2) {
			side = append(side, style.Render(line))
		}
	}
	side = append(side, "",
		keyStyle.Render("t")+helpStyle.Render(" toggle  ")+keyStyle.Render("e")+helpStyle.Render(" export"),
		keyStyle.Render("c")+helpStyle.Render(" clear   ")+keyStyle.Render("d")+helpStyle.Render(" details"),
		keyStyle.Render("q")+helpStyle.Render(" quit"),
		helpStyle.Render("vidscribe "+version),
	)

	logWidth := max(m.width-sideWidth-1, 20)
	wrapWidth := max(logWidth-2, 10)

	var lines []string
	for _, r := range m.captions {
		for _, line := range wrapText(transcript.Line(r, m.exportOpts), wrapWidth) {
			lines = append(lines, captionStyle.Render(line))
		}
	}
	if m.interim != "" {
		for _, line := range wrapText(m.interim, wrapWidth) {
			lines = append(lines, interimStyle.Render(line))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, idleStyle.Render("No captions yet"))
	}
	if len(lines) > m.height {
		lines = lines[len(lines)-m.height:]
	}

	sidePanel := lipgloss.NewStyle().
		Width(sideWidth).
		Height(m.height).
		Render(strings.Join(side, "\n"))
	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(strings.Join(lines, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, sidePanel, logPanel)
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
