package archive

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pipeDrainDelay bounds how long Wait keeps copying output after the process exits.
const pipeDrainDelay = 2 * time.Second

// ErrStopUnconfirmed is returned when a process group could not be signalled
// and its leader is still running afterwards.
var ErrStopUnconfirmed = errors.New("process exit not confirmed")

// process is a child started as the leader of its own process group. A single
// waiter goroutine reaps it and closes done; all other observation is a
// non-blocking select on done.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	kill func(pid int, sig unix.Signal) error

	// Set by the waiter before done is closed.
	exitCode int
	waitErr  error
}

func startProcess(cmd *exec.Cmd) (*process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = pipeDrainDelay
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, done: make(chan struct{}), kill: unix.Kill, exitCode: -1}
	go func() {
		err := cmd.Wait()
		p.waitErr = err
		p.exitCode = exitCodeOf(err)
		close(p.done)
	}()
	return p, nil
}

// exitCodeOf maps a Wait error to an exit code; -1 means killed by a signal
// or not observable.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

// exited reports whether the process has been reaped and, if so, its exit code.
func (p *process) exited() (bool, int) {
	select {
	case <-p.done:
		return true, p.exitCode
	default:
		return false, 0
	}
}

// signalGroup delivers sig to every member of the process group.
func (p *process) signalGroup(sig unix.Signal) error {
	// The leader was started with Setpgid, so its pgid equals its pid.
	if err := p.kill(-p.pid(), sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %v to group %d: %w", sig, p.pid(), err)
	}
	return nil
}

// terminate sends SIGTERM to the group, waits up to grace for exit, then
// sends SIGKILL and waits for the reap. It reports whether SIGKILL was needed.
// A failed SIGTERM still gets the grace period and SIGKILL. When SIGKILL
// cannot be delivered either, the process gets one more grace period before
// terminate gives up with ErrStopUnconfirmed.
// Calling it on an exited process does nothing.
func (p *process) terminate(grace time.Duration) (killed bool, err error) {
	if done, _ := p.exited(); done {
		return false, nil
	}
	termErr := p.signalGroup(unix.SIGTERM)
	if p.waitDone(grace) {
		return false, nil
	}

	killErr := p.signalGroup(unix.SIGKILL)
	if killErr == nil {
		<-p.done
		return true, nil
	}
	if p.waitDone(grace) {
		return true, nil
	}
	return true, fmt.Errorf("%w: pid %d: %w", ErrStopUnconfirmed, p.pid(), errors.Join(termErr, killErr))
}

// waitDone blocks until the process is reaped or d elapses.
func (p *process) waitDone(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
