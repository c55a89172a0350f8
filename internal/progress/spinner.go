// Package progress displays status lines for long-running store operations
// (import, patchset apply, gc) the way the teacher's suppressed-in-CI
// spinner did, rebuilt on pterm so it gets TTY detection and color handling
// for free instead of hand-rolling both.
package progress

import "github.com/pterm/pterm"

// Spinner wraps pterm's spinner with the msg/Start/Stop shape the CLI
// commands call it with. pterm already no-ops the animation when stderr
// isn't a terminal, so there is no separate non-interactive branch here.
type Spinner struct {
	inner *pterm.SpinnerPrinter
	msg   string
}

// New creates a Spinner that will display msg alongside the animation.
func New(msg string) *Spinner {
	return &Spinner{msg: msg}
}

// Start begins the spinner animation, writing to stderr.
func (s *Spinner) Start() {
	p := pterm.DefaultSpinner.WithWriter(pterm.Error.Writer)
	started, err := p.Start(s.msg)
	if err != nil {
		return
	}
	s.inner = started
}

// Success stops the spinner and marks it as having completed msg.
func (s *Spinner) Success(msg string) {
	if s.inner == nil {
		return
	}
	s.inner.Success(msg)
}

// Stop halts the spinner without a final status line.
func (s *Spinner) Stop() {
	if s.inner == nil {
		return
	}
	s.inner.Stop()
}
