package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrCommandTimeout is returned when a bounded command exceeds its allotted
// time. The process is killed before the error is raised.
var ErrCommandTimeout = errors.New("command timed out")

// pipeWaitDelay bounds Wait after the process has exited or its context is
// done: once it elapses the merged-output pipe is abandoned even if an
// orphaned descendant still holds the write end open.
const pipeWaitDelay = 10 * time.Second

// ExitError reports a command that ran but exited non-zero. Output holds
// the merged stdout+stderr captured up to exit.
type ExitError struct {
	Argv   []string
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited: %v", e.Argv[0], e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Invocation is a transient value object describing one external command:
// argument vector, optional working directory, optional timeout. It is
// consumed by a Runner call and not retained afterward.
type Invocation struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

// Runner abstracts external process invocation so the lifecycle manager can
// be tested without a Docker daemon.
type Runner interface {
	// Run spawns the command, blocks until exit or timeout, and returns
	// the merged stdout+stderr. A non-zero exit surfaces as *ExitError
	// carrying the captured output; a timeout kills the process and
	// surfaces ErrCommandTimeout.
	Run(ctx context.Context, inv Invocation) (string, error)

	// Stream spawns the command and exposes its merged output as it is
	// written. The caller must drain Lines and then call Wait to reap
	// the process.
	Stream(ctx context.Context, inv Invocation) (*StreamHandle, error)
}

// Executor invokes external commands. The zero value is usable.
type Executor struct{}

// NewExecutor creates an Executor.
func NewExecutor() *Executor { return &Executor{} }

// Run implements Runner.Run. Stdout and stderr are merged into one captured
// buffer; stdin is not inherited.
func (e *Executor) Run(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Argv) == 0 {
		return "", errors.New("empty argv")
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	setProcessGroup(cmd)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		// CommandContext has already killed the process on deadline.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("%w: %s", ErrCommandTimeout, inv.Argv[0])
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{Argv: inv.Argv, Output: output, Err: err}
		}
		// Spawn failure: executable missing or unrunnable. Never retried.
		return output, fmt.Errorf("start %s: %w", inv.Argv[0], err)
	}
	return output, nil
}

// Stream implements Runner.Stream.
func (e *Executor) Stream(ctx context.Context, inv Invocation) (*StreamHandle, error) {
	if len(inv.Argv) == 0 {
		return nil, errors.New("empty argv")
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	setProcessGroup(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", inv.Argv[0], err)
	}

	h := &StreamHandle{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	// Reader: pipe → lines channel, preserving order. The channel closes
	// when the pipe closes, which happens once the process has exited.
	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()

	// Reaper: waits on the process, then closes the write end so the
	// reader observes EOF. No zombie survives the handle.
	go func() {
		h.waitErr = cmd.Wait()
		pw.Close()
		close(h.done)
	}()

	return h, nil
}

// StreamHandle is a running streamed command. It is finite and not
// restartable: once Lines closes the command has exited and only Wait
// remains.
type StreamHandle struct {
	cmd      *exec.Cmd
	lines    chan string
	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// Lines returns the merged output, one line per receive. The channel
// closes when the process's output stream closes.
func (h *StreamHandle) Lines() <-chan string { return h.lines }

// Wait blocks until the process has been reaped and returns its exit error,
// if any.
func (h *StreamHandle) Wait() error {
	<-h.done
	return h.waitErr
}

// Stop asks the process to terminate: SIGTERM first, escalating to SIGKILL
// if it has not exited within grace. Signals go to the whole process group
// so forked helpers die with their parent; Wait's pipe drain is bounded by
// pipeWaitDelay, so Stop returns in finite time even if a descendant
// escaped the group.
func (h *StreamHandle) Stop(grace time.Duration) {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		_ = signalGroup(h.cmd, syscall.SIGTERM)

		select {
		case <-h.done:
		case <-time.After(grace):
			_ = signalGroup(h.cmd, syscall.SIGKILL)
			<-h.done
		}
	})
}

// setProcessGroup starts cmd as the leader of its own process group and
// bounds Wait's pipe drain. Forked helpers inherit the merged-output pipe;
// without both, a kill reaps only the direct child and the orphan keeps the
// pipe open, blocking Wait forever.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeWaitDelay
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}
}

// signalGroup delivers sig to cmd's process group, falling back to the
// direct child when the group is already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}
