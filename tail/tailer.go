// Package tail follows growing job log files by polling, emitting complete
// lines exactly once, and serves bounded historical reads plus coarse
// derived statistics.
//
// Polling is a deliberate choice over OS file-change notification: it is
// uniform across platforms and filesystems. The Tailer type is the seam to
// swap in an event-driven backend.
package tail

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultInterval is the poll cadence for watched files.
	DefaultInterval = 200 * time.Millisecond
	// historyLimit bounds cold reads of finished job logs.
	historyLimit = 1 << 20 // 1 MiB
)

// Tailer polls watched log files and emits newly appended lines in order.
type Tailer struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	path   string
	offset int64
	onLine func(string)
	stop   chan struct{}
	done   chan struct{}
}

// New creates a tailer with the default poll interval.
func New(logger *slog.Logger) *Tailer {
	return NewWithInterval(logger, DefaultInterval)
}

// NewWithInterval creates a tailer with a custom poll interval. Tests use a
// short one.
func NewWithInterval(logger *slog.Logger, interval time.Duration) *Tailer {
	return &Tailer{
		logger:   logger,
		interval: interval,
		watches:  make(map[string]*watch),
	}
}

// Watch begins tailing path under jobID, delivering each completed line to
// onLine. The file not existing yet is fine; it is picked up when created.
func (t *Tailer) Watch(jobID, path string, onLine func(string)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.watches[jobID]; exists {
		return fmt.Errorf("job %s is already being watched", jobID)
	}

	w := &watch{
		path:   path,
		onLine: onLine,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.watches[jobID] = w
	go t.poll(w)
	return nil
}

// Stop ends the watch for jobID. Idempotent. Any bytes appended after the
// final poll are not delivered.
func (t *Tailer) Stop(jobID string) {
	t.mu.Lock()
	w := t.watches[jobID]
	delete(t.watches, jobID)
	t.mu.Unlock()

	if w == nil {
		return
	}
	close(w.stop)
	<-w.done
}

// StopAll ends every active watch.
func (t *Tailer) StopAll() {
	t.mu.Lock()
	watches := t.watches
	t.watches = make(map[string]*watch)
	t.mu.Unlock()

	for _, w := range watches {
		close(w.stop)
		<-w.done
	}
}

func (t *Tailer) poll(w *watch) {
	defer close(w.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			// Final drain so lines written just before stop are not lost.
			t.readNew(w)
			return
		case <-ticker.C:
			t.readNew(w)
		}
	}
}

// readNew reads bytes appended since the recorded offset and emits every
// complete line. The offset is rolled back to the start of a trailing
// partial line so it is re-read whole on the next poll: no line is ever
// truncated or delivered twice.
func (t *Tailer) readNew(w *watch) {
	f, err := os.Open(w.path)
	if err != nil {
		// Not created yet, or transiently unreadable.
		return
	}
	defer f.Close()

	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}
	if len(data) == 0 {
		return
	}

	consumed := len(data)
	if idx := bytes.LastIndexByte(data, '\n'); idx >= 0 {
		consumed = idx + 1
	} else {
		// Only a partial line arrived; wait for its newline.
		return
	}

	for _, line := range bytes.Split(data[:consumed-1], []byte("\n")) {
		w.onLine(strings.TrimRight(string(line), "\r"))
	}
	w.offset += int64(consumed)
}

// History returns up to the last MiB of an existing log file, for cold reads
// of finished jobs. When the read is truncated the leading partial line is
// dropped.
func History(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log: %w", err)
	}

	truncated := false
	if info.Size() > historyLimit {
		if _, err := f.Seek(info.Size()-historyLimit, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to seek log: %w", err)
		}
		truncated = true
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read log: %w", err)
	}

	out := string(data)
	if truncated {
		if idx := strings.IndexByte(out, '\n'); idx >= 0 {
			out = out[idx+1:]
		}
	}
	return out, nil
}

// Stats are coarse, best-effort signals derived from a job log. UI aids
// only, never correctness-bearing.
type Stats struct {
	Lines       int   `json:"lines"`
	FileEdits   int   `json:"fileEdits"`   // Heuristic count of file-mutating tool invocations
	TestsPassed *bool `json:"testsPassed"` // nil when the log gives no signal
}

// mutatingTools are tool names that modify files, matched as substrings of
// structured tool_use events.
var mutatingTools = []string{`"name":"Edit"`, `"name":"Write"`, `"name":"MultiEdit"`, `"name":"NotebookEdit"`}

// GetStats derives signals from a finished job's log and exit code.
func GetStats(path string, exitCode int) (*Stats, error) {
	content, err := History(path)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	var sawPass, sawFail bool

	for _, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		stats.Lines++

		if strings.Contains(line, `"type":"tool_use"`) {
			for _, tool := range mutatingTools {
				if strings.Contains(line, tool) {
					stats.FileEdits++
					break
				}
			}
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "tests passed") || strings.Contains(lower, "all tests pass") || strings.Contains(line, "PASS") {
			sawPass = true
		}
		if strings.Contains(lower, "tests failed") || strings.Contains(line, "FAIL") {
			sawFail = true
		}
	}

	switch {
	case exitCode != 0 || sawFail:
		v := false
		stats.TestsPassed = &v
	case sawPass:
		v := true
		stats.TestsPassed = &v
	}
	return stats, nil
}
