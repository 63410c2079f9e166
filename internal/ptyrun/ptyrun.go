// Package ptyrun implements the runtime plugin on pseudo-terminals: the
// agent runs as a direct child of the orchestrator, attached to a pty so
// interactive CLIs behave as if a human were at the terminal.
//
// Unlike the tmux runtime, pty sessions die with the orchestrator process.
// It exists for hosts without tmux and for tests.
package ptyrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/hexid"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

const (
	defaultRows = 40
	defaultCols = 120

	// outputBufferLimit bounds retained terminal output per session.
	outputBufferLimit = 256 * 1024

	readBufferLen = 4096
)

// process is one running pty-attached agent.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	output []byte
	exited bool
}

func (p *process) appendOutput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = append(p.output, data...)
	if len(p.output) > outputBufferLimit {
		p.output = p.output[len(p.output)-outputBufferLimit:]
	}
}

func (p *process) tail(lastN int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := strings.Split(string(p.output), "\n")
	if lastN > 0 && len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	return strings.Join(lines, "\n")
}

func (p *process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *process) markExited() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

// Runtime hosts pty-attached agent processes in-process.
type Runtime struct {
	mu    sync.Mutex
	procs map[string]*process
}

// New returns an empty pty runtime.
func New() *Runtime {
	return &Runtime{procs: make(map[string]*process)}
}

// Start launches the command on a fresh pty and returns an opaque handle.
func (r *Runtime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("ptyrun: empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	attrs := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attrs

	ptmx, err := pty.StartWithAttrs(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols}, attrs)
	if err != nil {
		return "", fmt.Errorf("ptyrun: starting %s: %w", spec.Command[0], err)
	}

	p := &process{cmd: cmd, ptmx: ptmx}
	handle := "pty-" + spec.Name + "-" + hexid.New()

	r.mu.Lock()
	r.procs[handle] = p
	r.mu.Unlock()

	go func() {
		buf := make([]byte, readBufferLen)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				p.appendOutput(buf[:n])
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					debug.LogKV("ptyrun", "pty read ended", "handle", handle, "error", readErr)
				}
				return
			}
		}
	}()
	go func() {
		err := cmd.Wait()
		p.markExited()
		debug.LogKV("ptyrun", "process exited", "handle", handle, "error", err)
	}()

	debug.LogKV("ptyrun", "started", "handle", handle, "cmd", spec.Command[0], "dir", spec.Dir)
	return handle, nil
}

func (r *Runtime) lookup(handle string) *process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[handle]
}

// IsAlive reports whether the handle's process is still running.
func (r *Runtime) IsAlive(ctx context.Context, handle string) bool {
	p := r.lookup(handle)
	return p != nil && p.alive()
}

// Output returns the last lines of retained terminal output.
func (r *Runtime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	p := r.lookup(handle)
	if p == nil {
		return "", fmt.Errorf("ptyrun: unknown handle %q", handle)
	}
	return p.tail(lastN), nil
}

// Send writes text plus a newline to the process's terminal.
func (r *Runtime) Send(ctx context.Context, handle, text string) error {
	p := r.lookup(handle)
	if p == nil {
		return fmt.Errorf("ptyrun: unknown handle %q", handle)
	}
	if !p.alive() {
		return fmt.Errorf("ptyrun: process behind %q has exited", handle)
	}
	if _, err := p.ptmx.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("ptyrun: writing to %q: %w", handle, err)
	}
	return nil
}

// Stop kills the process group and releases the handle. Stopping an unknown
// or exited handle is not an error.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	r.mu.Lock()
	p := r.procs[handle]
	delete(r.procs, handle)
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	p.ptmx.Close()
	if p.alive() && p.cmd.Process != nil && p.cmd.Process.Pid > 0 {
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	return nil
}
