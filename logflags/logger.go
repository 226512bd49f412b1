package logflags

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger represents the generic interface for logging inside of stepwin32.
// It is satisfied by logrus entries but components should not depend on that.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// recent log entries are retained so that they can be inspected from inside
// the debugger with the LOG command, even when no log output is enabled
const maxTailLen = 256

type tailHook struct {
	crit    sync.Mutex
	entries []string
}

var tail = &tailHook{}

func (h *tailHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *tailHook) Fire(entry *logrus.Entry) error {
	h.crit.Lock()
	defer h.crit.Unlock()

	s := entry.Message
	if layer, ok := entry.Data["layer"]; ok {
		s = fmt.Sprintf("%s: %s", layer, s)
	}
	h.entries = append(h.entries, s)
	if len(h.entries) > maxTailLen {
		h.entries = h.entries[1:]
	}
	return nil
}

// Tail writes the last n log entries to w. A negative value for n writes all
// retained entries.
func Tail(w io.Writer, n int) {
	tail.crit.Lock()
	defer tail.crit.Unlock()

	s := tail.entries
	if n >= 0 && n < len(s) {
		s = s[len(s)-n:]
	}
	for _, e := range s {
		fmt.Fprintln(w, e)
	}
}
