// Package corelog implements the buffered logger external collaborator of
// spec.md §6: extract/clear/disableTraceToUART over a bounded in-memory
// ring of log lines the host can pull via the Log/LogClear requests. It
// is fed by a logrus hook, the same logging library the teacher repo
// configures in main.go, so kernel log lines flow through the same
// structured logger as every other diagnostic message.
package corelog

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the host-visible buffered sink. One instance is shared by the
// whole process (spec.md refers to "the buffered logger", singular).
type Logger struct {
	mu    sync.Mutex
	lines []string
	cap   int

	traceToUART bool
}

func New(capacity int) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Logger{cap: capacity, traceToUART: true}
}

// Hook implements logrus.Hook, capturing every log entry into the ring
// buffer in addition to wherever logrus already sends it.
func (l *Logger) Hook() logrus.Hook { return (*hook)(l) }

type hook Logger

func (h *hook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *hook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	(*Logger)(h).append(line)
	return nil
}

func (l *Logger) append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, strings.TrimRight(line, "\n"))
	if over := len(l.lines) - l.cap; over > 0 {
		l.lines = l.lines[over:]
	}
}

// Extract returns the buffered log text, newline-joined.
func (l *Logger) Extract() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// Clear empties the buffer.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = l.lines[:0]
}

// DisableTraceToUART clears the trace-to-UART flag, called once the
// supervisor finishes its startup sequence (spec.md §4.7 step 2). The
// flag is only reported through TraceToUART; it does not change what the
// hook captures or what logrus emits.
func (l *Logger) DisableTraceToUART() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.traceToUART = false
}

func (l *Logger) TraceToUART() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.traceToUART
}
