// Package progress delivers run progress to the terminal, the log and the
// status server. Reports are notifications only; nothing reads them back to
// make control decisions.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Sink receives progress reports. percent is in [0,100], label names the
// channel being processed and suffix carries free-form detail.
type Sink interface {
	Report(percent int, label, suffix string)
}

// Func adapts a plain function to Sink
type Func func(percent int, label, suffix string)

// Report implements Sink
func (f Func) Report(percent int, label, suffix string) {
	f(percent, label, suffix)
}

// Clamp limits percent to [0,100]
func Clamp(percent float64) int {
	if percent != percent || percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return int(percent)
}

// Bar draws a single-line progress bar, rewriting it in place with \r:
//
//	Ex_488_Em_0: [#####     ] 50% found: 512, time: 1.3s/thread
type Bar struct {
	mu    sync.Mutex
	out   io.Writer
	width int
}

// NewBar creates a ten-cell bar writing to out
func NewBar(out io.Writer) *Bar {
	return &Bar{out: out, width: 10}
}

// Report implements Sink
func (b *Bar) Report(percent int, label, suffix string) {
	percent = Clamp(float64(percent))
	filled := percent * b.width / 100

	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.out, "\r%s: [%s%s] %d%% %s",
		label, strings.Repeat("#", filled), strings.Repeat(" ", b.width-filled), percent, suffix)
	if percent >= 100 {
		fmt.Fprintln(b.out)
	}
}

// Log writes each report as a debug event
type Log struct {
	Logger zerolog.Logger
}

// Report implements Sink
func (l Log) Report(percent int, label, suffix string) {
	l.Logger.Debug().Int("percent", percent).Str("channel", label).Msg(suffix)
}

// Multi fans a report out to several sinks
type Multi []Sink

// Report implements Sink
func (m Multi) Report(percent int, label, suffix string) {
	for _, s := range m {
		if s != nil {
			s.Report(percent, label, suffix)
		}
	}
}
