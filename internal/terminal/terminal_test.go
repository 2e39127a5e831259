package terminal_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/deskgate/internal/sshconn"
	"github.com/websoft9/deskgate/internal/sshconn/sshtest"
	"github.com/websoft9/deskgate/internal/terminal"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func collect(t *testing.T, r io.Reader) []string {
	t.Helper()
	var got []string
	require.NoError(t, terminal.Relay(r, func(s string) error {
		got = append(got, s)
		return nil
	}))
	return got
}

func TestRelayForwardsEachRead(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{[]byte("a\n"), []byte("b\n")}}
	assert.Equal(t, []string{"a\n", "b\n"}, collect(t, r))
}

func TestRelayHoldsSplitRune(t *testing.T) {
	word := []byte("héllo")
	// Split inside the two-byte é.
	r := &chunkReader{chunks: [][]byte{word[:2], word[2:]}}
	got := collect(t, r)
	assert.Equal(t, []string{"h", "éllo"}, got)
	assert.Equal(t, "héllo", strings.Join(got, ""))
}

func TestRelayFlushesIncompleteTailOnEOF(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{{'x', 0xe2, 0x82}}}
	got := collect(t, r)
	assert.Equal(t, "x\xe2\x82", strings.Join(got, ""))
}

func TestRelayPassesInvalidBytes(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{{'a', 0xff}, {'b'}}}
	assert.Equal(t, []string{"a\xff", "b"}, collect(t, r))
}

func TestRelayErrors(t *testing.T) {
	boom := errors.New("boom")
	err := terminal.Relay(iotest.ErrReader(boom), func(string) error { return nil })
	assert.ErrorIs(t, err, boom)

	r := &chunkReader{chunks: [][]byte{[]byte("x")}}
	err = terminal.Relay(r, func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOpenShellEchoAndResize(t *testing.T) {
	srv := sshtest.New(t, t.TempDir())
	conn, err := (&sshconn.Dialer{Timeout: 5 * time.Second}).Dial(context.Background(), sshconn.Credentials{
		Host: srv.Host(), Port: srv.Port(), Username: sshtest.User, Password: sshtest.Password,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sh, err := terminal.Open(conn.Client(), terminal.Options{Rows: 30, Cols: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sh.Close() })

	_, err = sh.Write([]byte("a\n"))
	require.NoError(t, err)
	_, err = sh.Write([]byte("b\n"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(sh, buf)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(buf))
	assert.Equal(t, "a\nb\n", string(srv.Input()))
	assert.Equal(t, terminal.DefaultTerm, srv.Term())

	require.NoError(t, sh.Resize(40, 1000))
	assert.ErrorIs(t, sh.Resize(0, 10), terminal.ErrInvalidSize)
	require.Eventually(t, func() bool { return len(srv.Windows()) == 2 }, 2*time.Second, 10*time.Millisecond)
	w := srv.Windows()
	assert.Equal(t, sshtest.WindowSize{Rows: 30, Cols: 100}, w[0])
	assert.Equal(t, sshtest.WindowSize{Rows: 40, Cols: terminal.MaxDimension}, w[1])
}
