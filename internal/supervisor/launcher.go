package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"botfleet/internal/worker"

	"golang.org/x/sys/unix"
)

// Process is a launched worker. Signals go to the whole process group.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	// ExitErr is valid once Done is closed; nil means exit code 0.
	ExitErr() error
	Interrupt() error
	Kill() error
}

// Launcher starts worker processes and cleans up ones left behind by a
// previous supervisor.
type Launcher interface {
	Launch(ctx context.Context, args worker.Args) (Process, error)
	KillOrphan(pid int) error
}

// ExecLauncher runs the botworker binary, each worker in its own process
// group.
type ExecLauncher struct {
	Bin    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

func (l *ExecLauncher) Launch(ctx context.Context, args worker.Args) (Process, error) {
	if l.Bin == "" {
		return nil, errors.New("supervisor: worker binary not configured")
	}
	cmd := exec.Command(l.Bin, args.Argv()...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Bin, err)
	}
	p := &osProcess{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// KillOrphan kills the process group led by pid if it still exists.
func (l *ExecLauncher) KillOrphan(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return signalGroup(pid, unix.SIGKILL)
}

type osProcess struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *osProcess) Pid() int              { return p.pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *osProcess) Interrupt() error { return signalGroup(p.pid, unix.SIGINT) }
func (p *osProcess) Kill() error      { return signalGroup(p.pid, unix.SIGKILL) }

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// exitCode extracts the numeric exit status of err, -1 when unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
