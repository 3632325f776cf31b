package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RemovedLog appends one line per market that disappeared from the live
// snapshot, as an audit trail separate from the seen store.
type RemovedLog struct {
	path string
	mu   sync.Mutex
}

// NewRemovedLog creates the log. An empty path disables it.
func NewRemovedLog(path string) *RemovedLog {
	return &RemovedLog{path: path}
}

// Append records one removed market. Failures are logged, never fatal: the
// audit trail must not take the watcher down.
func (l *RemovedLog) Append(key, reason string) {
	if l == nil || l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("failed to open removed-markets log", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%s | REMOVED | %s | reason=%s\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"), key, reason)
	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed writing removed-markets log", "path", l.path, "error", err)
	}
}
