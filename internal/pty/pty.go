// Package pty hosts the child process and its pseudo-terminal.
//
// The Host owns the master side of the PTY. Exactly one goroutine reads it
// (the session's PTY reader) and exactly one writes it (the input merger);
// the Host itself does not serialize concurrent readers or writers.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	ptylib "github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nn1a/rwshell/internal/model"
)

const (
	// DefaultGracePeriod is how long teardown waits between SIGHUP and
	// SIGKILL for the child's process group.
	DefaultGracePeriod = 3 * time.Second

	// DefaultCols and DefaultRows are used when a dimension is zero.
	DefaultCols uint16 = 80
	DefaultRows uint16 = 25
)

// SpawnOptions configures a new PTY host.
type SpawnOptions struct {
	// Command is the program to run. Required.
	Command string

	// Args are the program arguments.
	Args []string

	// Env is the child environment. If nil, the current process
	// environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory.
	Dir string

	// InitialCols and InitialRows set the PTY window size at spawn.
	InitialCols uint16
	InitialRows uint16

	// GracePeriod overrides DefaultGracePeriod when positive.
	GracePeriod time.Duration
}

// Host owns a child process attached to a freshly allocated pseudo-terminal.
type Host struct {
	cmd  *exec.Cmd
	ptmx *os.File

	grace time.Duration

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	closed bool

	// done is closed once the child has been reaped; exitCode and waitErr
	// are valid afterwards.
	done     chan struct{}
	exitCode int
	waitErr  error
}

// Spawn allocates a PTY pair and starts the command with the slave side as
// its stdin/stdout/stderr and controlling terminal.
func Spawn(opts SpawnOptions) (*Host, error) {
	if opts.Command == "" {
		return nil, model.ErrCommandRequired
	}

	if _, err := exec.LookPath(opts.Command); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("spawn %s: %w", opts.Command, model.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("spawn %s: %w", opts.Command, model.ErrCommandNotFound)
	}

	cols := clampDim(opts.InitialCols, DefaultCols)
	rows := clampDim(opts.InitialRows, DefaultRows)

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("spawn %s: %w", opts.Command, model.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	h := &Host{
		cmd:   cmd,
		ptmx:  ptmx,
		grace: grace,
		cols:  cols,
		rows:  rows,
		done:  make(chan struct{}),
	}

	// Reap the child exactly once; Wait and Close both observe done.
	go h.reap()

	return h, nil
}

func (h *Host) reap() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.waitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Read reads available output bytes from the PTY master. On Linux a read
// after the child closed the slave fails with EIO; callers should treat any
// error as end of stream.
func (h *Host) Read(p []byte) (int, error) {
	return h.ptmx.Read(p)
}

// Write writes keystroke bytes to the PTY master. Partial writes must be
// retried by the caller.
func (h *Host) Write(p []byte) (int, error) {
	return h.ptmx.Write(p)
}

// Resize updates the kernel-tracked window size. Out-of-range values are
// clamped to [1, 65535].
func (h *Host) Resize(cols, rows uint16) error {
	cols = clampDim(cols, 1)
	rows = clampDim(rows, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return model.ErrSessionClosed
	}
	h.mu.Unlock()

	if err := ptylib.Setsize(h.ptmx, &ptylib.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize: %w", err)
	}

	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return nil
}

// Size returns the last-applied window size.
func (h *Host) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// PID returns the child process ID.
func (h *Host) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Wait blocks until the child process has been reaped and returns its exit
// code. The code is -1 when the process was killed by a signal.
func (h *Host) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waitErr
}

// Done returns a channel that is closed once the child has been reaped.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the exit code and true once the child has been reaped.
func (h *Host) ExitCode() (int, bool) {
	select {
	case <-h.done:
	default:
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Close tears the session down: it closes the master fd, sends SIGHUP to the
// child's process group, and escalates to SIGKILL if the child has not been
// reaped within the grace period. Close is idempotent and blocks until the
// child is gone.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	// Closing the master unblocks the reader and delivers EOF/EIO; most
	// children exit on the resulting SIGHUP from the kernel already.
	closeErr := h.ptmx.Close()

	if pid := h.PID(); pid > 0 {
		// The child was started with setsid, so -pid addresses its group.
		_ = unix.Kill(-pid, unix.SIGHUP)

		select {
		case <-h.done:
		case <-time.After(h.grace):
			_ = unix.Kill(-pid, unix.SIGKILL)
			<-h.done
		}
	} else {
		<-h.done
	}

	return closeErr
}

// LocalSize reports the dimensions of the process's controlling terminal.
// Used in server-driven mode, where the local terminal is authoritative.
func LocalSize() (cols, rows uint16, err error) {
	w, hgt, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil {
		return 0, 0, fmt.Errorf("get terminal size: %w", err)
	}
	return clampInt(w), clampInt(hgt), nil
}

func clampDim(v, fallback uint16) uint16 {
	if v == 0 {
		return fallback
	}
	return v
}

func clampInt(v int) uint16 {
	if v < 1 {
		return 1
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
