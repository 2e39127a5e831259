package fileutil_test

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/deskgate/internal/fileutil"
)

var allowedRoots = []string{"Documents", "Downloads"}

func TestResolveSafePath(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Documents", "notes"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Downloads"), 0o755))

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{name: "documents root", rel: "Documents"},
		{name: "documents subdir", rel: "Documents/notes"},
		{name: "new file", rel: "Documents/notes/todo.txt"},
		{name: "downloads", rel: "Downloads"},

		{name: "forbidden root", rel: "etc/passwd", wantErr: true},
		{name: "dotdot escape", rel: "Documents/../../etc/passwd", wantErr: true},
		{name: "dotdot at start", rel: "../sibling", wantErr: true},
		{name: "leading slash", rel: "/Documents", wantErr: true},
		{name: "empty", rel: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fileutil.ResolveSafePath(base, tt.rel, allowedRoots)
			if tt.wantErr {
				assert.ErrorIs(t, err, fileutil.ErrForbiddenPath, "got %q", got)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(got))
		})
	}
}

func TestResolveSafePathSymlink(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	docs := filepath.Join(base, "Documents")
	require.NoError(t, os.MkdirAll(docs, 0o755))

	if err := os.Symlink(outside, filepath.Join(docs, "escape")); err != nil {
		t.Skip("symlinks not supported:", err)
	}
	_, err := fileutil.ResolveSafePath(base, "Documents/escape/secret.txt", allowedRoots)
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)
}

func TestSandboxResolve(t *testing.T) {
	sb, err := fileutil.NewSandbox(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"", "/", "."} {
		got, err := sb.Resolve(p)
		require.NoError(t, err, p)
		assert.Equal(t, sb.Root(), got, p)
	}

	got, err := sb.Resolve("/Documents/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sb.Root(), "Documents", "a.txt"), got)

	_, err = sb.Resolve("/Documents/../../x")
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func TestSandboxWhitelist(t *testing.T) {
	sb, err := fileutil.NewSandbox(t.TempDir(), allowedRoots...)
	require.NoError(t, err)

	_, err = sb.Resolve("/")
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)
	_, err = sb.Resolve("/Music/x.mp3")
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)
	_, err = sb.Resolve("/Downloads/x.bin")
	assert.NoError(t, err)
}

func TestSandboxCreateAndOpen(t *testing.T) {
	sb, err := fileutil.NewSandbox(t.TempDir())
	require.NoError(t, err)

	f, err := sb.Create("/Downloads/new", "a.txt")
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, size, err := sb.Open("/Downloads/new/a.txt")
	require.NoError(t, err)
	defer r.Close()
	assert.EqualValues(t, 5, size)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = sb.Create("/Downloads", "../x")
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)

	_, _, err = sb.Open("/Downloads/new")
	assert.Error(t, err)

	_, _, err = sb.Open("/Downloads/missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotContains(t, err.Error(), sb.Root())
}

func TestSandboxCreateRefusesSymlink(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	sb, err := fileutil.NewSandbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Symlink(outside, filepath.Join(sb.Root(), "evil.txt")))

	_, err = sb.Create(".", "evil.txt")
	assert.ErrorIs(t, err, fileutil.ErrForbiddenPath)

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestSandboxErrorsHideHostPath(t *testing.T) {
	sb, err := fileutil.NewSandbox(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(sb.Root(), "dir"), 0o755))

	// A directory in the file's place makes the host open fail.
	_, err = sb.Create(".", "dir")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), sb.Root())
	assert.Contains(t, err.Error(), `"dir"`)
}
