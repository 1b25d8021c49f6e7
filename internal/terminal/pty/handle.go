package pty

import "io"

// PtyHandle abstracts PTY operations across Unix and Windows.
// On Unix it wraps the creack/pty master (*os.File); on Windows it wraps
// a ConPTY pseudo-console.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
