package executor

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// TradeLog collects the human-readable lines of one attempt. It is a logrus
// hook so every component logging through the attempt logger feeds it.
type TradeLog struct {
	mu    sync.Mutex
	lines []string
}

// Levels implements logrus.Hook. Debug output stays out of the stored log.
func (t *TradeLog) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

// Fire implements logrus.Hook.
func (t *TradeLog) Fire(e *logrus.Entry) error {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(e.Level.String()))
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == "attempt_id" || k == "component" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	t.mu.Lock()
	t.lines = append(t.lines, b.String())
	t.mu.Unlock()
	return nil
}

// Lines returns a copy of the collected lines.
func (t *TradeLog) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func (t *TradeLog) String() string {
	return strings.Join(t.Lines(), "\n")
}

// forwardHook re-emits entries on the process logger so its level and
// formatter still apply.
type forwardHook struct {
	base *logrus.Logger
}

func (h forwardHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h forwardHook) Fire(e *logrus.Entry) error {
	h.base.WithFields(e.Data).WithTime(e.Time).Log(e.Level, e.Message)
	return nil
}

// NewAttemptLogger returns a logger that records into tl and forwards to base.
func NewAttemptLogger(base *logrus.Logger, tl *TradeLog) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.InfoLevel)
	if base.GetLevel() > logrus.InfoLevel {
		l.SetLevel(base.GetLevel())
	}
	l.AddHook(tl)
	l.AddHook(forwardHook{base: base})
	return l
}
