package pty

import (
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/camdev/cam/internal/platform"
)

// isWindows is a seam for tests; it mirrors runtime.GOOS at init.
var isWindows = runtime.GOOS == "windows"

// nestedMarkerEnv is set by some agents inside their own sessions to detect
// nesting. It is cleared before spawning so agents can be launched from
// within an agent-driven terminal.
const nestedMarkerEnv = "CLAUDECODE"

// RuntimeLinuxSubenv marks commands that must be dispatched through the
// Linux sub-environment (WSL) when the host is Windows.
const RuntimeLinuxSubenv = "linux-subenv"

// resolveCwd picks the working directory from the first existing candidate
// among the caller-supplied dir, $HOME, $USERPROFILE and the process cwd,
// falling back to /tmp.
func resolveCwd(requested string) string {
	candidates := make([]string, 0, 4)
	if requested != "" {
		candidates = append(candidates, platform.NormalizePath(requested))
	}
	for _, env := range []string{"HOME", "USERPROFILE"} {
		if dir := os.Getenv(env); dir != "" {
			candidates = append(candidates, dir)
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, cwd)
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return "/tmp"
}

// detectShell returns the interactive shell to launch when no explicit
// command was requested.
func detectShell() (string, []string) {
	if isWindows {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo", "-NoExit"}
		}
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// buildEnviron merges extra vars over the process environment and strips the
// nested-session marker.
func buildEnviron(extra map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name == nestedMarkerEnv {
			continue
		}
		if _, shadowed := extra[name]; shadowed {
			continue
		}
		env = append(env, kv)
	}
	names := make([]string, 0, len(extra))
	for name := range extra {
		if name == nestedMarkerEnv {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+extra[name])
	}
	return env
}

// shellQuote single-quotes a token for a POSIX shell command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// wslWrap rewrites a command for dispatch through WSL as a login-shell
// invocation. Environment forwarding into the sub-environment is unreliable,
// so the env map is injected as leading KEY=VAL tokens on the shell command
// line instead.
func wslWrap(file string, args []string, env map[string]string, cwd string) (string, []string) {
	tokens := make([]string, 0, len(env)+len(args)+2)
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tokens = append(tokens, name+"="+shellQuote(env[name]))
	}
	tokens = append(tokens, shellQuote(file))
	for _, arg := range args {
		tokens = append(tokens, shellQuote(arg))
	}
	line := "cd " + shellQuote(platform.ToWSLPath(cwd)) + " && " + strings.Join(tokens, " ")
	return "wsl.exe", []string{"bash", "-l", "-c", line}
}

// cmdExeWrap routes an explicit file+args through the command interpreter so
// .cmd/.bat launchers resolve on native Windows.
func cmdExeWrap(file string, args []string) (string, []string) {
	return "cmd.exe", append([]string{"/c", file}, args...)
}

// buildCommand assembles the exec.Cmd for a session spawn. The returned
// shell string is the descriptor reported back to the client.
func buildCommand(opts CreateOptions) (*exec.Cmd, string) {
	cwd := resolveCwd(opts.Cwd)

	file := opts.File
	args := opts.Args
	if file == "" && opts.Shell != "" {
		file = opts.Shell
	}
	explicit := file != ""
	if !explicit {
		file, args = detectShell()
	}
	shellDesc := file

	env := buildEnviron(opts.Env)

	switch {
	case opts.Runtime == RuntimeLinuxSubenv && isWindows:
		file, args = wslWrap(file, args, opts.Env, cwd)
	case isWindows && explicit:
		file, args = cmdExeWrap(file, args)
	}

	cmd := exec.Command(file, args...)
	cmd.Dir = cwd
	cmd.Env = env
	return cmd, shellDesc
}
