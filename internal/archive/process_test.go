package archive

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func startSleep(t *testing.T) *process {
	t.Helper()
	p, err := startProcess(exec.Command("sleep", "60"))
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Kill(-p.pid(), unix.SIGKILL)
		<-p.done
	})
	return p
}

func TestProcess_terminate(t *testing.T) {
	t.Run("exits_on_term", func(t *testing.T) {
		p := startSleep(t)
		killed, err := p.terminate(5 * time.Second)
		if err != nil || killed {
			t.Fatalf("expected (false, nil), got (%v, %v)", killed, err)
		}
		if done, code := p.exited(); !done || code != -1 {
			t.Errorf("expected reaped process with code -1, got (%v, %d)", done, code)
		}
	})

	t.Run("failed_term_still_kills", func(t *testing.T) {
		p := startSleep(t)
		p.kill = func(pid int, sig unix.Signal) error {
			if sig == unix.SIGTERM {
				return unix.EPERM
			}
			return unix.Kill(pid, sig)
		}
		killed, err := p.terminate(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("terminate: %v", err)
		}
		if !killed {
			t.Error("expected SIGKILL to be needed")
		}
		if done, _ := p.exited(); !done {
			t.Error("expected process to be reaped")
		}
	})

	t.Run("failed_kill_is_unconfirmed", func(t *testing.T) {
		p := startSleep(t)
		p.kill = func(int, unix.Signal) error { return unix.EPERM }
		start := time.Now()
		_, err := p.terminate(50 * time.Millisecond)
		if !errors.Is(err, ErrStopUnconfirmed) {
			t.Fatalf("expected ErrStopUnconfirmed, got %v", err)
		}
		if !errors.Is(err, unix.EPERM) {
			t.Errorf("expected signal error to be wrapped, got %v", err)
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("expected two grace periods before giving up, took %s", elapsed)
		}
		if done, _ := p.exited(); done {
			t.Error("expected process to still be running")
		}
	})

	t.Run("exited_is_noop", func(t *testing.T) {
		p, err := startProcess(exec.Command("true"))
		if err != nil {
			t.Fatalf("startProcess: %v", err)
		}
		<-p.done
		p.kill = func(int, unix.Signal) error {
			t.Error("expected no signal to an exited process")
			return nil
		}
		if killed, err := p.terminate(time.Second); killed || err != nil {
			t.Errorf("expected (false, nil), got (%v, %v)", killed, err)
		}
	})
}
