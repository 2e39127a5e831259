// Package terminal bridges an interactive remote shell to a message stream.
//
// A Shell is a PTY-backed login shell on an SSH connection: callers Write
// keyboard input and Read terminal output. Resize and close are out-of-band
// control operations.
package terminal

// Shell is the stream side of an interactive session.
type Shell interface {
	// Write sends bytes to the remote stdin.
	Write(p []byte) (n int, err error)
	// Read receives bytes from the remote stdout/stderr.
	Read(p []byte) (n int, err error)
	// Resize changes the remote PTY dimensions.
	Resize(rows, cols int) error
	// Close ends the shell channel. The SSH connection is left open.
	Close() error
}

const (
	DefaultTerm = "xterm-256color"
	DefaultRows = 24
	DefaultCols = 80
	// MaxDimension caps resize requests.
	MaxDimension = 500
)

// Options configure the PTY request.
type Options struct {
	Term string
	Rows int
	Cols int
	// Command runs instead of the login shell when set.
	Command string
}

func (o Options) withDefaults() Options {
	if o.Term == "" {
		o.Term = DefaultTerm
	}
	o.Rows = clamp(o.Rows, DefaultRows)
	o.Cols = clamp(o.Cols, DefaultCols)
	return o
}

// clamp bounds v to [1, MaxDimension], using def for non-positive values.
func clamp(v, def int) int {
	if v <= 0 {
		return def
	}
	if v > MaxDimension {
		return MaxDimension
	}
	return v
}
