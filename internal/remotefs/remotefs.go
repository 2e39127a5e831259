// Package remotefs performs file operations on one SFTP subsystem. Remote
// paths are always POSIX paths, whatever the server's OS.
package remotefs

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/deskgate/internal/protocol"
)

const (
	DefaultMaxReadBytes   = 16 << 20 // 16 MB
	DefaultMaxUploadBytes = 50 << 20 // 50 MB
)

// ErrInvalidName rejects names that would escape their parent directory.
var ErrInvalidName = errors.New("invalid name")

// Client wraps a single SFTP subsystem handle.
type Client struct {
	sftp           *sftp.Client
	maxReadBytes   int64
	maxUploadBytes int64
}

// Option tunes a Client.
type Option func(*Client)

// WithMaxReadBytes limits ReadFile.
func WithMaxReadBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxReadBytes = n
		}
	}
}

// WithMaxUploadBytes limits Upload.
func WithMaxUploadBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxUploadBytes = n
		}
	}
}

// Open starts the SFTP subsystem on an authenticated SSH connection. Closing
// the Client leaves the SSH connection open.
func Open(sshClient *cryptossh.Client, opts ...Option) (*Client, error) {
	sc, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("sftp: open subsystem: %w", err)
	}
	return New(sc, opts...), nil
}

// New wraps an existing SFTP client.
func New(sc *sftp.Client, opts ...Option) *Client {
	c := &Client{
		sftp:           sc,
		maxReadBytes:   DefaultMaxReadBytes,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the subsystem handle and unblocks in-flight calls.
func (c *Client) Close() error {
	return c.sftp.Close()
}

// List returns the entries of dir, folders first, then by name ignoring case.
// Symlinks are typed by their target when it can be resolved.
func (c *Client) List(dir string) ([]protocol.Entry, error) {
	infos, err := c.sftp.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftp: list %q: %w", dir, translate(err))
	}

	entries := make([]protocol.Entry, 0, len(infos))
	for _, fi := range infos {
		full := path.Join(dir, fi.Name())
		if fi.Mode()&os.ModeSymlink != 0 {
			if target, serr := c.sftp.Stat(full); serr == nil {
				fi = target
			}
		}
		t := protocol.EntryFile
		if fi.IsDir() {
			t = protocol.EntryFolder
		}
		entries = append(entries, protocol.Entry{
			Name:         path.Base(full),
			Path:         full,
			Type:         t,
			Size:         fi.Size(),
			ModifiedTime: fi.ModTime().UTC(),
		})
	}
	SortEntries(entries)
	return entries, nil
}

// SortEntries orders folders before files, then by case-insensitive name.
func SortEntries(entries []protocol.Entry) {
	slices.SortStableFunc(entries, func(a, b protocol.Entry) int {
		if a.Type != b.Type {
			if a.Type == protocol.EntryFolder {
				return -1
			}
			if b.Type == protocol.EntryFolder {
				return 1
			}
		}
		return cmp.Or(
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			strings.Compare(a.Name, b.Name),
		)
	})
}

// ReadFile reads a whole remote file. Nothing is returned on a partial read.
func (c *Client) ReadFile(p string) (string, error) {
	f, err := c.sftp.Open(p)
	if err != nil {
		return "", fmt.Errorf("sftp: open %q: %w", p, translate(err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.maxReadBytes+1))
	if err != nil {
		return "", fmt.Errorf("sftp: read %q: %w", p, translate(err))
	}
	if int64(len(data)) > c.maxReadBytes {
		return "", fmt.Errorf("sftp: read %q: %w (limit %d bytes)", p, protocol.ErrTooLarge, c.maxReadBytes)
	}
	return string(data), nil
}

// Upload writes src to dir/name, creating or truncating it. size is the
// expected length and is checked against the upload limit before anything
// is written. A failed write leaves the partial remote file in place.
func (c *Client) Upload(dir, name string, src io.Reader, size int64) (string, error) {
	target, err := Child(dir, name)
	if err != nil {
		return "", fmt.Errorf("sftp: upload: %w", err)
	}
	if size > c.maxUploadBytes {
		return target, fmt.Errorf("sftp: upload %q: %w (limit %d bytes)", target, protocol.ErrTooLarge, c.maxUploadBytes)
	}
	return target, c.WriteFile(target, src)
}

// WriteFile replaces the content of p with src.
func (c *Client) WriteFile(p string, src io.Reader) error {
	f, err := c.sftp.Create(p)
	if err != nil {
		return fmt.Errorf("sftp: create %q: %w", p, translate(err))
	}
	n, err := io.Copy(f, io.LimitReader(src, c.maxUploadBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("sftp: write %q: %w", p, translate(err))
	}
	if n > c.maxUploadBytes {
		return fmt.Errorf("sftp: write %q: %w (limit %d bytes)", p, protocol.ErrTooLarge, c.maxUploadBytes)
	}
	return nil
}

// Download streams a remote file to dst.
func (c *Client) Download(remotePath string, dst io.Writer) (int64, error) {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("sftp: open %q: %w", remotePath, translate(err))
	}
	defer f.Close()
	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("sftp: download %q: %w", remotePath, translate(err))
	}
	return n, nil
}

// Mkdir creates parent/name. It fails if the entry exists.
func (c *Client) Mkdir(parent, name string) (string, error) {
	target, err := c.vacant(parent, name, "mkdir")
	if err != nil {
		return target, err
	}
	if err := c.sftp.Mkdir(target); err != nil {
		return target, fmt.Errorf("sftp: mkdir %q: %w", target, translate(err))
	}
	return target, nil
}

// CreateFile creates an empty parent/name. It fails if the entry exists.
func (c *Client) CreateFile(parent, name string) (string, error) {
	target, err := c.vacant(parent, name, "create")
	if err != nil {
		return target, err
	}
	f, err := c.sftp.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return target, fmt.Errorf("sftp: create %q: %w", target, translate(err))
	}
	if err := f.Close(); err != nil {
		return target, fmt.Errorf("sftp: create %q: %w", target, translate(err))
	}
	return target, nil
}

// Rename gives p a new name in the same directory.
func (c *Client) Rename(p, newName string) (string, error) {
	target, err := c.vacant(path.Dir(p), newName, "rename")
	if err != nil {
		return target, err
	}
	return target, c.rename(p, target)
}

// Move relocates src into destDir, keeping its name.
func (c *Client) Move(src, destDir string) (string, error) {
	target, err := c.vacant(destDir, path.Base(src), "move")
	if err != nil {
		return target, err
	}
	return target, c.rename(src, target)
}

func (c *Client) rename(from, to string) error {
	if err := c.sftp.Rename(from, to); err != nil {
		return fmt.Errorf("sftp: rename %q to %q: %w", from, to, translate(err))
	}
	return nil
}

// Delete unlinks a file or symlink, or removes an empty directory. The
// server's view of the entry type decides which.
func (c *Client) Delete(p string) error {
	fi, err := c.sftp.Lstat(p)
	if err != nil {
		return fmt.Errorf("sftp: delete %q: %w", p, translate(err))
	}
	if fi.IsDir() {
		if err := c.sftp.RemoveDirectory(p); err != nil {
			return fmt.Errorf("sftp: rmdir %q: %w", p, translate(err))
		}
		return nil
	}
	if err := c.sftp.Remove(p); err != nil {
		return fmt.Errorf("sftp: remove %q: %w", p, translate(err))
	}
	return nil
}

// vacant resolves parent/name and checks that nothing is there yet.
func (c *Client) vacant(parent, name, op string) (string, error) {
	target, err := Child(parent, name)
	if err != nil {
		return "", fmt.Errorf("sftp: %s: %w", op, err)
	}
	_, err = c.sftp.Lstat(target)
	switch {
	case err == nil:
		return target, fmt.Errorf("sftp: %s %q: %w", op, target, fs.ErrExist)
	case errors.Is(translate(err), fs.ErrNotExist):
		return target, nil
	default:
		return target, fmt.Errorf("sftp: %s %q: %w", op, target, translate(err))
	}
}

// Child joins a single path element onto dir.
func Child(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "", protocol.WithCode(protocol.CodeBadRequest, fmt.Errorf("%w %q", ErrInvalidName, name))
	}
	if dir == "" {
		dir = "."
	}
	return path.Join(dir, name), nil
}
