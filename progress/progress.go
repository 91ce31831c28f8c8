// Package progress carries run progress from a bulk send to whoever displays it.
// Reporting is one-way and never blocks the sender.
package progress

import (
	"context"
	"log/slog"
)

// Snapshot is the cumulative state of a run.
type Snapshot struct {
	RunID      string `json:"run_id,omitempty"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
}

// Percent returns the completed share of the run, 0..100.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Done reports whether every recipient has an outcome.
func (s Snapshot) Done() bool {
	return s.Total > 0 && s.Completed == s.Total
}

// Sink receives snapshots. Implementations must return quickly.
type Sink interface {
	Report(s Snapshot)
}

// Func adapts a function to Sink.
type Func func(s Snapshot)

func (f Func) Report(s Snapshot) { f(s) }

// Noop discards snapshots.
var Noop Sink = Func(func(Snapshot) {})

// Multi reports to every sink in order.
type Multi []Sink

func (m Multi) Report(s Snapshot) {
	for _, sink := range m {
		sink.Report(s)
	}
}

// Chan delivers snapshots on a buffered channel. When the reader lags, the
// oldest pending snapshot is dropped; newer snapshots supersede older ones.
type Chan struct {
	ch chan Snapshot
}

func NewChan(buffer int) *Chan {
	if buffer < 1 {
		buffer = 1
	}
	return &Chan{ch: make(chan Snapshot, buffer)}
}

// C returns the receive side.
func (c *Chan) C() <-chan Snapshot { return c.ch }

func (c *Chan) Report(s Snapshot) {
	for {
		select {
		case c.ch <- s:
			return
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

// Close closes the channel. Report must not be called afterwards.
func (c *Chan) Close() { close(c.ch) }

// Log writes each snapshot as a structured log line.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, level: level}
}

func (l *Log) Report(s Snapshot) {
	l.logger.Log(context.Background(), l.level, "bulk send progress",
		"run_id", s.RunID,
		"current", s.Current,
		"total", s.Total,
		"completed", s.Completed,
		"successful", s.Successful,
		"failed", s.Failed,
	)
}
