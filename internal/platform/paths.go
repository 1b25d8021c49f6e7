// Package platform normalizes user-supplied paths to the form the local
// file system expects and bridges Windows paths into their WSL form when
// commands are dispatched through the Linux sub-environment.
package platform

import (
	"runtime"
	"strings"
)

// isWindows is a seam for tests; it mirrors runtime.GOOS at init.
var isWindows = runtime.GOOS == "windows"

// IsWindows reports whether the host is Windows.
func IsWindows() bool {
	return isWindows
}

// NormalizePath converts a user-supplied path to the canonical form for the
// local file system. On a non-Windows host, drive-letter paths become their
// /mnt/<drive> mounts and \\wsl$ UNC paths are unwrapped; POSIX paths pass
// through untouched. On Windows the input is kept verbatim. Normalization
// never fails: unrecognized input is returned as-is.
func NormalizePath(p string) string {
	if p == "" || isWindows {
		return p
	}
	if unwrapped, ok := stripWSLPrefix(p); ok {
		return unwrapped
	}
	if mounted, ok := driveToMount(p); ok {
		return mounted
	}
	return p
}

// ToWSLPath converts a Windows path to the form the Linux sub-environment
// expects. Used on Windows hosts when dispatching commands through WSL.
func ToWSLPath(p string) string {
	if p == "" {
		return p
	}
	if unwrapped, ok := stripWSLPrefix(p); ok {
		return unwrapped
	}
	if mounted, ok := driveToMount(p); ok {
		return mounted
	}
	return p
}

// stripWSLPrefix unwraps \\wsl$\<distro>\rest into /rest.
func stripWSLPrefix(p string) (string, bool) {
	lower := strings.ToLower(p)
	for _, prefix := range []string{`\\wsl$\`, `\\wsl.localhost\`} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := p[len(prefix):]
		// Drop the distro segment.
		if i := strings.IndexAny(rest, `\/`); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = ""
		}
		return "/" + strings.ReplaceAll(rest, `\`, "/"), true
	}
	return "", false
}

// driveToMount converts X:\a\b (or X:/a/b) into /mnt/x/a/b.
func driveToMount(p string) (string, bool) {
	if len(p) < 2 || p[1] != ':' {
		return "", false
	}
	drive := p[0]
	if !(drive >= 'a' && drive <= 'z') && !(drive >= 'A' && drive <= 'Z') {
		return "", false
	}
	rest := strings.ReplaceAll(p[2:], `\`, "/")
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return "/mnt/" + strings.ToLower(string(drive)) + rest, true
}
