// Package transcript renders final results as plain text.
package transcript

import (
	"fmt"
	"io"
	"math"
	"strings"

	"vidscribe/speech"
)

type Options struct {
	Timestamps bool
	Speakers   bool
	Confidence bool
}

func DefaultOptions() Options {
	return Options{Timestamps: true, Speakers: true, Confidence: false}
}

// Line formats one entry as "[15:04:05] speaker: text (NN%)", with each
// part present only when enabled and available.
func Line(r speech.Result, opts Options) string {
	var b strings.Builder
	if opts.Timestamps && !r.Timestamp.IsZero() {
		b.WriteString("[")
		b.WriteString(r.Timestamp.Format("15:04:05"))
		b.WriteString("] ")
	}
	if opts.Speakers && r.SpeakerID != "" {
		b.WriteString(r.SpeakerID)
		b.WriteString(": ")
	}
	b.WriteString(r.Text)
	if opts.Confidence {
		fmt.Fprintf(&b, " (%d%%)", int(math.Round(r.Confidence*100)))
	}
	return b.String()
}

// Export joins the final results with a blank line between entries.
// Interim results are skipped.
func Export(results []speech.Result, opts Options) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if !r.IsFinal {
			continue
		}
		lines = append(lines, Line(r, opts))
	}
	return strings.Join(lines, "\n\n")
}

func Write(w io.Writer, results []speech.Result, opts Options) error {
	text := Export(results, opts)
	if text == "" {
		return nil
	}
	_, err := io.WriteString(w, text+"\n")
	return err
}
