// Package sshtest runs an in-process SSH server for tests: password auth, a
// PTY "shell" that echoes its input, and an SFTP subsystem rooted at a
// directory. The shell ends with status 0 after echoing a line "exit".
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	cryptossh "golang.org/x/crypto/ssh"
)

const (
	User     = "u"
	Password = "p"
)

// WindowSize is a terminal geometry seen by the server.
type WindowSize struct {
	Rows, Cols uint32
}

// Server is a minimal SSH server bound to 127.0.0.1.
type Server struct {
	Root string

	listener net.Listener
	config   *cryptossh.ServerConfig

	mu       sync.Mutex
	conns    map[*cryptossh.ServerConn]struct{}
	input    []byte
	windows  []WindowSize
	term     string
	inputSig chan struct{}
	wg       sync.WaitGroup
}

// New starts a server whose SFTP subsystem serves root. It is stopped by
// t.Cleanup.
func New(t testing.TB, root string) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshtest: generate host key: %v", err)
	}
	signer, err := cryptossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshtest: signer: %v", err)
	}
	cfg := &cryptossh.ServerConfig{
		PasswordCallback: func(c cryptossh.ConnMetadata, pass []byte) (*cryptossh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return &cryptossh.Permissions{}, nil
			}
			return nil, errAuth
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshtest: listen: %v", err)
	}
	s := &Server{
		Root:     root,
		listener: ln,
		config:   cfg,
		conns:    make(map[*cryptossh.ServerConn]struct{}),
		inputSig: make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

type authError struct{}

func (authError) Error() string { return "sshtest: bad credentials" }

var errAuth = authError{}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Input returns every byte written to shells so far.
func (s *Server) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input...)
}

// InputChanged is signaled after shell input arrives.
func (s *Server) InputChanged() <-chan struct{} { return s.inputSig }

// Windows returns the window sizes requested so far, pty-req first.
func (s *Server) Windows() []WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowSize(nil), s.windows...)
}

// Term returns the TERM value of the last pty request.
func (s *Server) Term() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// Conns reports the number of live client connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every client connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*cryptossh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *Server) handleConn(nc net.Conn) {
	sc, chans, reqs, err := cryptossh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = sc.Close()
	}()

	go cryptossh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(cryptossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type subsystemRequest struct {
	Name string
}

func (s *Server) handleSession(ch cryptossh.Channel, reqs <-chan *cryptossh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			ok := cryptossh.Unmarshal(req.Payload, &p) == nil
			if ok {
				s.mu.Lock()
				s.term = p.Term
				s.windows = append(s.windows, WindowSize{Rows: p.Rows, Cols: p.Cols})
				s.mu.Unlock()
			}
			reply(req, ok)
		case "window-change":
			var w windowChange
			if cryptossh.Unmarshal(req.Payload, &w) == nil {
				s.mu.Lock()
				s.windows = append(s.windows, WindowSize{Rows: w.Rows, Cols: w.Cols})
				s.mu.Unlock()
			}
			reply(req, true)
		case "shell":
			reply(req, true)
			go s.echo(ch)
		case "subsystem":
			var sub subsystemRequest
			if cryptossh.Unmarshal(req.Payload, &sub) != nil || sub.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)
			go s.serveSFTP(ch)
		default:
			reply(req, false)
		}
	}
}

func reply(req *cryptossh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func (s *Server) echo(ch cryptossh.Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.input = append(s.input, buf[:n]...)
			s.mu.Unlock()
			select {
			case s.inputSig <- struct{}{}:
			default:
			}
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
			if bytes.HasPrefix(buf[:n], []byte("exit\n")) || bytes.Contains(buf[:n], []byte("\nexit\n")) {
				_, _ = ch.SendRequest("exit-status", false, cryptossh.Marshal(struct{ Status uint32 }{0}))
				_ = ch.CloseWrite()
				_ = ch.Close()
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = ch.CloseWrite()
			}
			return
		}
	}
}

func (s *Server) serveSFTP(ch cryptossh.Channel) {
	server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.Root))
	if err != nil {
		_ = ch.Close()
		return
	}
	_ = server.Serve()
	_ = server.Close()
}
