package terminal

import (
	"errors"
	"fmt"
	"io"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"
)

// ErrInvalidSize is returned by Resize for non-positive dimensions.
var ErrInvalidSize = errors.New("terminal: rows and cols must be positive")

// sshShell wraps an SSH session running a login shell on a remote PTY.
type sshShell struct {
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	mu      sync.Mutex
	once    sync.Once
}

// Open requests a PTY on client and starts the login shell. Closing the
// returned Shell does not close client.
func Open(client *cryptossh.Client, opts Options) (Shell, error) {
	opts = opts.withDefaults()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}
	// The PTY merges stderr into stdout; anything left on the extended
	// stream is discarded by the session.

	// sess.Shell asks the server for the user's login shell; sess.Start("$SHELL")
	// would send the literal string, which servers do not expand.
	if opts.Command != "" {
		err = sess.Start(opts.Command)
	} else {
		err = sess.Shell()
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start shell: %w", err)
	}

	return &sshShell{
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (s *sshShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshShell) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return ErrInvalidSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.WindowChange(min(rows, MaxDimension), min(cols, MaxDimension))
}

func (s *sshShell) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

var _ Shell = (*sshShell)(nil)
