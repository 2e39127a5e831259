package remotefs_test

import (
	"bytes"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/remotefs"
)

// newClient serves root over an in-memory pipe.
func newClient(t *testing.T, root string, opts ...remotefs.Option) *remotefs.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv, err := sftp.NewServer(serverConn, sftp.WithServerWorkingDirectory(root))
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()

	sc, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	c := remotefs.New(sc, opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Close()
	})
	return c
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestListSortedFoldersFirst(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "A.txt"), "aa")
	require.NoError(t, os.Mkdir(filepath.Join(root, "zdir"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "Adir"), 0o755))

	c := newClient(t, root)
	items, err := c.List(root)
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.Name)
		assert.Equal(t, root+"/"+it.Name, it.Path)
	}
	assert.Equal(t, []string{"Adir", "zdir", "A.txt", "b.txt"}, names)
	assert.Equal(t, protocol.EntryFolder, items[0].Type)
	assert.Equal(t, protocol.EntryFile, items[2].Type)
	assert.EqualValues(t, 2, items[2].Size)
}

func TestListRelativeDot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.txt"), "x")

	items, err := newClient(t, root).List(".")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x.txt", items[0].Path)
}

func TestListMissing(t *testing.T) {
	root := t.TempDir()
	c := newClient(t, root)
	_, err := c.List(root + "/nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), root+"/nope")
	assert.Equal(t, protocol.CodeNotFound, protocol.Classify(err))
}

func TestSortEntries(t *testing.T) {
	entries := []protocol.Entry{
		{Name: "b", Type: protocol.EntryFile},
		{Name: "B", Type: protocol.EntryFile},
		{Name: "a", Type: protocol.EntryFolder},
		{Name: "c", Type: protocol.EntryFolder},
	}
	remotefs.SortEntries(entries)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "c", entries[1].Name)
	assert.Equal(t, "B", entries[2].Name)
	assert.Equal(t, "b", entries[3].Name)
}

func TestUploadThenList(t *testing.T) {
	root := t.TempDir()
	c := newClient(t, root)

	target, err := c.Upload(root, "x.txt", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, root+"/x.txt", target)

	items, err := c.List(root)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x.txt", items[0].Name)
	assert.Equal(t, protocol.EntryFile, items[0].Type)

	content, err := c.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	// Overwrite truncates.
	_, err = c.Upload(root, "x.txt", strings.NewReader("hi"), 2)
	require.NoError(t, err)
	content, err = c.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hi", content)
}

func TestUploadLimits(t *testing.T) {
	root := t.TempDir()
	c := newClient(t, root, remotefs.WithMaxUploadBytes(4))

	_, err := c.Upload(root, "big.bin", strings.NewReader("12345"), 5)
	assert.ErrorIs(t, err, protocol.ErrTooLarge)
	_, statErr := os.Stat(filepath.Join(root, "big.bin"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = c.Upload(root, "../escape", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, remotefs.ErrInvalidName)
	assert.Equal(t, protocol.CodeBadRequest, protocol.Classify(err))
}

func TestReadFileLimit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "big.txt"), "0123456789")
	c := newClient(t, root, remotefs.WithMaxReadBytes(4))

	content, err := c.ReadFile(root + "/big.txt")
	assert.ErrorIs(t, err, protocol.ErrTooLarge)
	assert.Empty(t, content)
}

func TestDownload(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "d.txt"), "data")
	c := newClient(t, root)

	var buf bytes.Buffer
	n, err := c.Download(root+"/d.txt", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.Equal(t, "data", buf.String())

	_, err = c.Download(root+"/missing", &buf)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestCreateFolderAndFile(t *testing.T) {
	root := t.TempDir()
	c := newClient(t, root)

	dir, err := c.Mkdir(root, "docs")
	require.NoError(t, err)
	assert.Equal(t, root+"/docs", dir)
	assert.DirExists(t, filepath.Join(root, "docs"))

	_, err = c.Mkdir(root, "docs")
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrExist)
	assert.Equal(t, protocol.CodeAlreadyExists, protocol.Classify(err))

	f, err := c.CreateFile(dir, "empty.txt")
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(root, "docs", "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Equal(t, root+"/docs/empty.txt", f)

	_, err = c.CreateFile(dir, "empty.txt")
	assert.ErrorIs(t, err, fs.ErrExist)
}

func TestRenameAndMove(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "taken.txt"), "t")
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	c := newClient(t, root)

	renamed, err := c.Rename(root+"/a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, root+"/b.txt", renamed)
	assert.FileExists(t, filepath.Join(root, "b.txt"))

	_, err = c.Rename(root+"/b.txt", "taken.txt")
	assert.ErrorIs(t, err, fs.ErrExist)

	moved, err := c.Move(root+"/b.txt", root+"/sub")
	require.NoError(t, err)
	assert.Equal(t, root+"/sub/b.txt", moved)
	assert.FileExists(t, filepath.Join(root, "sub", "b.txt"))

	_, err = c.Move(root+"/missing.txt", root+"/sub")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.txt"), "f")
	writeFile(t, filepath.Join(root, "full", "inner.txt"), "i")
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	c := newClient(t, root)

	require.NoError(t, c.Delete(root+"/f.txt"))
	assert.NoFileExists(t, filepath.Join(root, "f.txt"))

	require.NoError(t, c.Delete(root+"/empty"))
	assert.NoDirExists(t, filepath.Join(root, "empty"))

	err := c.Delete(root + "/full")
	require.Error(t, err)
	assert.DirExists(t, filepath.Join(root, "full"))

	err = c.Delete(root + "/gone")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestChild(t *testing.T) {
	p, err := remotefs.Child("/home/u", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/x.txt", p)

	p, err = remotefs.Child("", "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "x.txt", p)

	for _, bad := range []string{"", ".", "..", "a/b"} {
		_, err := remotefs.Child("/home/u", bad)
		assert.ErrorIs(t, err, remotefs.ErrInvalidName, bad)
	}
}
