// Package process provides spawning and supervision of scanner worker processes.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Handle is what the host needs from a spawned worker.
type Handle interface {
	Pid() int
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	Kill() error
}

// Spawner launches workers.
type Spawner interface {
	Spawn(ctx context.Context, name string, args []string, env []string) (Handle, error)
}

// Process is a spawned worker. Its exit is observed by a monitor goroutine so
// callers can select on Done instead of blocking in Wait.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Fork starts path with args and env. The child's stdout and stderr are
// forwarded to output (os.Stderr when nil); the protocol never uses them.
func Fork(path string, args []string, env []string, output io.Writer) (*Process, error) {
	if output == nil {
		output = os.Stderr
	}

	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.monitor()
	return p, nil
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if err != nil {
		p.exitErr = fmt.Errorf("process exited with error: %w", err)
	}
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the exit error after Done is closed; nil for a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Kill terminates the process. Killing an exited process is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// ExecSpawner launches workers as real child processes.
type ExecSpawner struct {
	// Output receives the workers' stdout and stderr. Defaults to os.Stderr.
	Output io.Writer
}

// Spawn starts name with args and env. ctx only bounds the start itself; the
// child outlives it and is stopped through Kill.
func (s ExecSpawner) Spawn(ctx context.Context, name string, args []string, env []string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := Fork(name, args, env, s.Output)
	if err != nil {
		return nil, err
	}
	return p, nil
}
