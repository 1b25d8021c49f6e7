package pty

import "strings"

// escapeArg rewrites one argument per the CommandLineToArgvW parsing rules
// (the algorithm Go's syscall.EscapeArg uses on Windows): backslashes are
// doubled when they precede a double quote, double quotes are escaped, and
// the result is wrapped in quotes only when it contains whitespace.
func escapeArg(s string) string {
	if s == "" {
		return `""`
	}
	hasSpecial := false
	hasSpace := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			hasSpecial = true
		case ' ', '\t':
			hasSpace = true
		}
	}
	if !hasSpecial && !hasSpace {
		return s
	}
	if !hasSpecial {
		return `"` + s + `"`
	}

	var b []byte
	if hasSpace {
		b = append(b, '"')
	}
	slashes := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			for ; slashes > 0; slashes-- {
				b = append(b, '\\')
			}
			b = append(b, '\\')
		default:
			slashes = 0
		}
		b = append(b, c)
	}
	if hasSpace {
		for ; slashes > 0; slashes-- {
			b = append(b, '\\')
		}
		b = append(b, '"')
	}
	return string(b)
}

// buildCmdLine joins arguments into a single command line with proper
// quoting for Windows CreateProcess.
func buildCmdLine(args []string) string {
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = escapeArg(arg)
	}
	return strings.Join(escaped, " ")
}
