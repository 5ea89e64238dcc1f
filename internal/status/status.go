package status

import (
	"log/slog"
	"sync"
	"time"
)

// Reporter receives human-readable progress and status lines.
type Reporter interface {
	Report(message string)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(message string)

func (f ReporterFunc) Report(message string) { f(message) }

// Discard drops every message.
var Discard Reporter = ReporterFunc(func(string) {})

// Entry is one line of the scrollback.
type Entry struct {
	Seq     int64     `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Log is an append-only status sink. Lines are kept in call order in a
// bounded scrollback, mirrored to slog and fanned out to extra sinks.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
	next    int64
	logger  *slog.Logger
	sinks   []Reporter
	clock   func() time.Time
}

func NewLog(limit int, logger *slog.Logger, sinks ...Reporter) *Log {
	if limit <= 0 {
		limit = 1000
	}
	return &Log{
		limit:  limit,
		logger: logger.With(slog.String("component", "status")),
		sinks:  sinks,
		clock:  time.Now,
	}
}

// AddSink attaches another reporter that receives every subsequent line.
func (l *Log) AddSink(sink Reporter) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

func (l *Log) Report(message string) {
	l.mu.Lock()
	l.next++
	entry := Entry{Seq: l.next, Time: l.clock().UTC(), Message: "[status] " + message}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	sinks := l.sinks
	l.mu.Unlock()

	l.logger.Info(message, slog.Int64("seq", entry.Seq))
	for _, sink := range sinks {
		sink.Report(message)
	}
}

// Since returns entries with a sequence number greater than seq.
func (l *Log) Since(seq int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Lines returns the message text of the whole scrollback.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		lines = append(lines, e.Message)
	}
	return lines
}
