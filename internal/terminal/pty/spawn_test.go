package pty

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCwdPrefersExistingRequested(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, resolveCwd(dir))
}

func TestResolveCwdFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, home, resolveCwd("/definitely/not/a/real/dir"))
}

func TestResolveCwdLastResortTmp(t *testing.T) {
	t.Setenv("HOME", "/nope/home")
	t.Setenv("USERPROFILE", "/nope/profile")
	cwd, err := os.Getwd()
	require.NoError(t, err)
	got := resolveCwd("/nope/requested")
	// The process cwd exists in tests, so it wins before /tmp.
	assert.Contains(t, []string{cwd, "/tmp"}, got)
}

func TestBuildEnvironStripsNestedMarker(t *testing.T) {
	t.Setenv(nestedMarkerEnv, "1")
	env := buildEnviron(map[string]string{"FOO": "bar"})
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, nestedMarkerEnv+"=")
	assert.Contains(t, env, "FOO=bar")
}

func TestBuildEnvironExtraShadowsInherited(t *testing.T) {
	t.Setenv("CAM_TEST_SHADOW", "inherited")
	env := buildEnviron(map[string]string{"CAM_TEST_SHADOW": "override"})
	var hits []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "CAM_TEST_SHADOW=") {
			hits = append(hits, kv)
		}
	}
	assert.Equal(t, []string{"CAM_TEST_SHADOW=override"}, hits)
}

func TestWSLWrapInjectsEnvAsLeadingTokens(t *testing.T) {
	file, args := wslWrap("claude", []string{"--continue"}, map[string]string{
		"API_KEY": "secret value",
	}, `C:\work\repo`)

	assert.Equal(t, "wsl.exe", file)
	require.Len(t, args, 4)
	assert.Equal(t, []string{"bash", "-l", "-c"}, args[:3])

	line := args[3]
	assert.Contains(t, line, "cd '/mnt/c/work/repo'")
	// Env tokens lead the command inside the shell line.
	idxEnv := strings.Index(line, "API_KEY='secret value'")
	idxCmd := strings.Index(line, "'claude' '--continue'")
	require.GreaterOrEqual(t, idxEnv, 0)
	require.GreaterOrEqual(t, idxCmd, 0)
	assert.Less(t, idxEnv, idxCmd)
}

func TestCmdExeWrap(t *testing.T) {
	file, args := cmdExeWrap("claude.cmd", []string{"--resume", "abc"})
	assert.Equal(t, "cmd.exe", file)
	assert.Equal(t, []string{"/c", "claude.cmd", "--resume", "abc"}, args)
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.in), tt.in)
	}
}

func TestBuildCommandDetectsShellWhenNoFile(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	cmd, shell := buildCommand(CreateOptions{UserID: "u1"})
	if isWindows {
		t.Skip("unix shell detection")
	}
	assert.Equal(t, "/bin/bash", shell)
	assert.Equal(t, []string{"/bin/bash", "-l"}, cmd.Args)
}

func TestBuildCommandWrapsForWSLOnWindows(t *testing.T) {
	orig := isWindows
	isWindows = true
	defer func() { isWindows = orig }()

	cmd, shell := buildCommand(CreateOptions{
		UserID:  "u1",
		File:    "claude",
		Args:    []string{"--continue"},
		Runtime: RuntimeLinuxSubenv,
		Cwd:     t.TempDir(),
	})
	assert.Equal(t, "claude", shell)
	assert.Equal(t, "wsl.exe", cmd.Args[0])
	assert.Contains(t, cmd.Args[3], "'claude' '--continue'")
}

func TestBuildCommandWrapsExplicitFileThroughCmdExeOnWindows(t *testing.T) {
	orig := isWindows
	isWindows = true
	defer func() { isWindows = orig }()

	cmd, _ := buildCommand(CreateOptions{
		UserID: "u1",
		File:   "codex.cmd",
		Args:   []string{"--full-auto"},
		Cwd:    t.TempDir(),
	})
	assert.Equal(t, []string{"cmd.exe", "/c", "codex.cmd", "--full-auto"}, cmd.Args)
}

func TestEscapeArg(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", `""`},
		{"simple", "simple"},
		{"has space", `"has space"`},
		{`back\slash`, `back\slash`},
		{`quote"inside`, `quote\"inside`},
		{`trailing\ space `, `"trailing\ space "`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeArg(tt.in), tt.in)
	}
}

func TestBuildCmdLine(t *testing.T) {
	got := buildCmdLine([]string{"claude", "--resume", "id with space"})
	assert.Equal(t, `claude --resume "id with space"`, got)
}
