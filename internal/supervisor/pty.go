package supervisor

import "io"

// PtyHandle abstracts pseudo-terminal operations across Unix and Windows:
// on Unix it wraps creack/pty (*os.File), on Windows it wraps
// UserExistsError/conpty.
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
