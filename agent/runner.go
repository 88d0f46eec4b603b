// Package agent spawns the external coding agent as a subprocess, streaming
// its combined output to a log file and to callers line by line.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// DefaultBinary is the agent executable looked up on PATH when no override
// is configured.
const DefaultBinary = "claude"

// ErrAgentNotFound is returned when the agent binary cannot be located.
var ErrAgentNotFound = errors.New("agent binary not found")

// Locate resolves the agent binary: explicit override first, then PATH.
func Locate(override string) (string, error) {
	if override != "" {
		if filepath.IsAbs(override) {
			if _, err := os.Stat(override); err != nil {
				return "", fmt.Errorf("%w: configured binary %s: %v", ErrAgentNotFound, override, err)
			}
			return override, nil
		}
		path, err := exec.LookPath(override)
		if err != nil {
			return "", fmt.Errorf("%w: configured binary %q not on PATH", ErrAgentNotFound, override)
		}
		return path, nil
	}

	path, err := exec.LookPath(DefaultBinary)
	if err != nil {
		return "", fmt.Errorf("%w: install it with `npm install -g @anthropic-ai/claude-code` or set an agent binary override", ErrAgentNotFound)
	}
	return path, nil
}

// RunOptions configures one agent invocation.
type RunOptions struct {
	Prompt         string
	Dir            string // Working directory for the agent
	LogPath        string // Combined output is appended here
	Binary         string // Optional override; otherwise PATH lookup
	MaxTurns       int    // Hard turn-count ceiling
	PermissionMode string // e.g. acceptEdits; "bypass" skips permission prompts
	OnLine         func(line string)
}

// RunResult is the outcome of a finished agent process.
type RunResult struct {
	ExitCode int
	Output   []byte // Retained combined output, for plan extraction
}

// Runner supervises agent subprocesses, at most one per tracking id.
type Runner struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewRunner creates a subprocess runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger,
		procs:  make(map[string]*exec.Cmd),
	}
}

// Run spawns the agent and blocks until it exits, streaming combined
// stdout/stderr to the log file and, split into complete lines, to
// opts.OnLine. A non-zero exit is reported through RunResult, not as an
// error; the error return covers spawn and I/O failures only.
func (r *Runner) Run(ctx context.Context, trackingID string, opts RunOptions) (*RunResult, error) {
	binary, err := Locate(opts.Binary)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	switch opts.PermissionMode {
	case "", "bypass":
		args = append(args, "--dangerously-skip-permissions")
	default:
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.Dir
	cmd.Stdin = strings.NewReader(opts.Prompt)

	// Single pipe carries stdout and stderr interleaved, preserving the
	// byte order the process produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := r.track(trackingID, cmd); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	defer r.untrack(trackingID)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	// Child holds its own copy; close ours so the read side sees EOF.
	pw.Close()

	r.logger.Info("agent started", "tracking_id", trackingID, "pid", cmd.Process.Pid, "dir", opts.Dir)

	output, streamErr := streamOutput(pr, logFile, opts.OnLine)
	pr.Close()

	waitErr := cmd.Wait()
	result := &RunResult{Output: output}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("agent wait failed: %w", waitErr)
		}
	}
	if streamErr != nil {
		return result, fmt.Errorf("failed streaming agent output: %w", streamErr)
	}

	r.logger.Info("agent exited", "tracking_id", trackingID, "exit_code", result.ExitCode)
	return result, nil
}

// streamOutput copies everything from r into logFile, retains it, and
// delivers complete lines to onLine. A trailing partial line is buffered
// until completed or until EOF, when it is flushed as a final line.
func streamOutput(r io.Reader, logFile io.Writer, onLine func(string)) ([]byte, error) {
	var retained []byte
	var pending []byte
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := logFile.Write(chunk); werr != nil {
				return retained, werr
			}
			retained = append(retained, chunk...)

			if onLine != nil {
				pending = append(pending, chunk...)
				for {
					idx := bytes.IndexByte(pending, '\n')
					if idx < 0 {
						break
					}
					onLine(strings.TrimRight(string(pending[:idx]), "\r"))
					pending = pending[idx+1:]
				}
			}
		}
		if err != nil {
			if onLine != nil && len(pending) > 0 {
				onLine(string(pending))
			}
			if err == io.EOF {
				return retained, nil
			}
			return retained, err
		}
	}
}

// Cancel sends SIGTERM to the process tracked under id, if any. The caller
// does not wait for the process to die; cancellation is best effort.
func (r *Runner) Cancel(trackingID string) {
	r.mu.Lock()
	cmd := r.procs[trackingID]
	delete(r.procs, trackingID)
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.logger.Warn("failed to signal agent", "tracking_id", trackingID, "error", err)
	}
}

// IsRunning reports whether a process is currently tracked under id.
func (r *Runner) IsRunning(trackingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[trackingID]
	return ok
}

func (r *Runner) track(trackingID string, cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[trackingID]; exists {
		return fmt.Errorf("agent already running for %s", trackingID)
	}
	r.procs[trackingID] = cmd
	return nil
}

func (r *Runner) untrack(trackingID string) {
	r.mu.Lock()
	delete(r.procs, trackingID)
	r.mu.Unlock()
}
