package xata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xataio/xtools/internal/logging"
)

// ErrorLog appends one multi-line entry per failed request to a file shared
// by every producer and consumer of a run.
type ErrorLog struct {
	mu      sync.Mutex
	path    string
	entries int
	now     func() time.Time
}

// NewErrorLog returns a log writing to path. The file and its directory are
// created lazily on the first entry.
func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{path: path, now: time.Now}
}

// Path returns the log file location.
func (l *ErrorLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Entries returns how many entries were written during this run.
func (l *ErrorLog) Entries() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// Record appends an entry. Failures to write are logged and otherwise ignored.
func (l *ErrorLog) Record(method, url string, payload []byte, status int, body []byte) {
	if l == nil || l.path == "" {
		return
	}
	entry := fmt.Sprintf("%s %s request failed %s\n", l.now().Format(time.RFC3339Nano), method, url)
	if payload != nil {
		entry += string(payload) + "\n"
	}
	entry += fmt.Sprintf("%d %s\n", status, body)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(entry); err != nil {
		logging.Warn("Cannot write error log %s: %v", l.path, err)
		return
	}
	l.entries++
}

// Write records a free-form failure, used by sinks that are not HTTP based.
func (l *ErrorLog) Write(op, detail string, err error) {
	if l == nil || l.path == "" {
		return
	}
	entry := fmt.Sprintf("%s %s failed %s\n%v\n", l.now().Format(time.RFC3339Nano), op, detail, err)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.append(entry); err != nil {
		logging.Warn("Cannot write error log %s: %v", l.path, err)
		return
	}
	l.entries++
}

func (l *ErrorLog) append(entry string) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
