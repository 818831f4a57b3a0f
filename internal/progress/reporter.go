// Package progress reports the stages of an answer session on the terminal
// while the caller waits for the first answer text.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter provides progress feedback while an answer is being prepared.
type Reporter interface {
	// Stage reports that the session entered the named stage.
	Stage(name, detail string)
	// Finish removes the progress display before answer text is printed.
	Finish()
}

// NewReporter returns a TerminalReporter if running in an interactive terminal,
// or a CIReporter if the CI environment variable is set.
func NewReporter(w io.Writer) Reporter {
	if os.Getenv("CI") != "" || os.Getenv("GITHUB_ACTIONS") != "" {
		return &CIReporter{w: w}
	}
	return &TerminalReporter{w: w}
}

var stageLabels = map[string]string{
	"planning":     "Understanding the question",
	"retrieving":   "Searching party programs",
	"synthesizing": "Writing the answer",
}

func label(name string) string {
	if l, ok := stageLabels[name]; ok {
		return l
	}
	return name
}

// TerminalReporter displays a spinner in the terminal.
type TerminalReporter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (r *TerminalReporter) Stage(name, detail string) {
	if r.bar == nil {
		r.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
	}
	r.bar.Describe(label(name))
	_ = r.bar.Add(1)
}

func (r *TerminalReporter) Finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

// CIReporter prints line-by-line progress suitable for CI logs.
type CIReporter struct {
	w     io.Writer
	steps int
}

func (r *CIReporter) Stage(name, detail string) {
	r.steps++
	if detail != "" {
		fmt.Fprintf(r.w, "[%d] %s (%s)\n", r.steps, label(name), detail)
		return
	}
	fmt.Fprintf(r.w, "[%d] %s\n", r.steps, label(name))
}

func (r *CIReporter) Finish() {}
