package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a leveled, component-tagged logger. It is created once at the
// composition root and handed to every component that needs it.
type Logger struct {
	zl zerolog.Logger
}

func New(w io.Writer, level zerolog.Level) Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	return Logger{zl: zerolog.New(consoleWriter).Level(level).With().Timestamp().Logger()}
}

func Nop() Logger {
	return Logger{zl: zerolog.Nop()}
}

// Component returns a child logger whose lines carry component=name.
func (l Logger) Component(name string) Logger {
	return Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// With returns a child logger carrying an extra string field.
func (l Logger) With(key, value string) Logger {
	return Logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l Logger) Zerolog() *zerolog.Logger { return &l.zl }

func (l Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

func (l Logger) Infof(format string, args ...any) {
	l.zl.Info().Msg(fmt.Sprintf(format, args...))
}

func (l Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

func (l Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l Logger) Error(msg string) {
	l.zl.Error().Msg(msg)
}

func (l Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msg(fmt.Sprintf(format, args...))
}

// Err logs err at error level with msg as the message.
func (l Logger) Err(err error, msg string) {
	l.zl.Error().Err(err).Msg(msg)
}

// Files owns the diagnostics and transcript log files in one directory.
type Files struct {
	mu             sync.Mutex
	dir            string
	pid            int
	diagFile       *os.File
	transcribeFile *os.File
	logger         Logger
}

// Open creates dir if needed and opens both log files in append mode.
func Open(dir string, level zerolog.Level) (*Files, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	diagFile, err := os.OpenFile(filepath.Join(dir, "diagnostics_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	transcribeFile, err := os.OpenFile(filepath.Join(dir, "transcribe_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return nil, err
	}

	pid := os.Getpid()
	logger := New(diagFile, level)
	logger.zl = logger.zl.With().Int("pid", pid).Logger()

	return &Files{
		dir:            dir,
		pid:            pid,
		diagFile:       diagFile,
		transcribeFile: transcribeFile,
		logger:         logger,
	}, nil
}

func (f *Files) Dir() string { return f.dir }

func (f *Files) Logger() Logger { return f.logger }

// TranscriptionText appends one "time\t[pid]\ttext" line to the transcript log.
func (f *Files) TranscriptionText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcribeFile == nil {
		return
	}
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), f.pid, text)
	f.transcribeFile.WriteString(line)
}

func (f *Files) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.diagFile != nil {
		f.diagFile.Close()
		f.diagFile = nil
	}
	if f.transcribeFile != nil {
		f.transcribeFile.Close()
		f.transcribeFile = nil
	}
	f.logger = Nop()
}
