package lockercycletest

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// auditLogger appends timestamped event lines to a size-rotated file: run
// starts and stops, phase transitions, retries, terminal outcomes. A nil
// *auditLogger is valid and drops every event, so the trail is optional.
type auditLogger struct {
	mu sync.Mutex
	w  io.WriteCloser
}

func newAuditLogger(path string) *auditLogger {
	return &auditLogger{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		},
	}
}

func (a *auditLogger) record(format string, args ...interface{}) {
	if a == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.w, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
}

func (a *auditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Close()
}
