// Package progress reports the advance of long running CLI operations.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Reporter counts finished units of work.
type Reporter interface {
	Start(total int64, description string)
	Add(n int64)
	Finish()
	Error(err error)
}

// CLIProgress implements progress reporting with a terminal progress bar.
type CLIProgress struct {
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a progress bar reporter writing to out.
func NewCLIProgress(out io.Writer) *CLIProgress {
	return &CLIProgress{out: out}
}

// Start initializes the progress bar with the number of units and a description.
func (p *CLIProgress) Start(total int64, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add advances the bar by n units. Safe for concurrent use.
func (p *CLIProgress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Add64(n)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message below the bar.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// NoOpProgress is a progress reporter that does nothing (for quiet runs).
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

// Start does nothing.
func (p *NoOpProgress) Start(total int64, description string) {}

// Add does nothing.
func (p *NoOpProgress) Add(n int64) {}

// Finish does nothing.
func (p *NoOpProgress) Finish() {}

// Error does nothing.
func (p *NoOpProgress) Error(err error) {}
