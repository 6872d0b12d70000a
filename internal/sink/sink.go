// Package sink carries the human-readable progress lines produced by an
// upload run. A Sink is passed explicitly into every component that reports
// progress; there is no package-level logger.
package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Sink accepts lines of text destined for the invoking user.
type Sink interface {
	Println(line string)
}

// Printf formats a line and sends it to s.
func Printf(s Sink, format string, args ...any) {
	s.Println(fmt.Sprintf(format, args...))
}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Sink writing one line per call to w.
func NewWriter(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

type loggerSink struct {
	logger zerolog.Logger
}

// NewLogger returns a Sink emitting each line as an info-level event on
// logger.
func NewLogger(logger zerolog.Logger) Sink {
	return loggerSink{logger: logger}
}

func (s loggerSink) Println(line string) {
	s.logger.Info().Msg(line)
}

// Discard drops every line.
var Discard Sink = discard{}

type discard struct{}

func (discard) Println(string) {}

// Lines records lines in memory. The zero value is ready to use and Lines is
// safe for concurrent use.
type Lines struct {
	mu    sync.Mutex
	lines []string
}

func (l *Lines) Println(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

// Snapshot returns a copy of the lines recorded so far.
func (l *Lines) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Tee returns a Sink forwarding every line to each of sinks in order.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Println(line string) {
	for _, s := range t {
		s.Println(line)
	}
}
