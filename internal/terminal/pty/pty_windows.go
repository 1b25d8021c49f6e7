//go:build windows

package pty

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/UserExistsError/conpty"
)

// windowsPTY wraps a Windows ConPTY pseudo-console.
type windowsPTY struct {
	cpty *conpty.ConPty
}

func (p *windowsPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *windowsPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *windowsPTY) Close() error                { return p.cpty.Close() }

func (p *windowsPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// startPTY starts the command inside a Windows ConPTY. ConPTY creates the
// process itself, so the exec.Cmd is flattened into a command line first and
// cmd.Process is populated afterwards so the lifecycle helpers work.
func startPTY(cmd *exec.Cmd, cols, rows int) (PtyHandle, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(cols, rows),
	}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsPTY{cpty: cpty}, nil
}

// sendInterrupt writes ETX (Ctrl-C) to the console input; Windows has no
// SIGINT delivery for ConPTY children.
func sendInterrupt(_ *exec.Cmd, h PtyHandle) error {
	_, err := h.Write([]byte{0x03})
	return err
}

// terminateProcess kills the process; Windows termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// waitProcess waits on cmd.Process directly since the process was started
// via ConPTY rather than cmd.Start().
func waitProcess(cmd *exec.Cmd, _ PtyHandle) int {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
