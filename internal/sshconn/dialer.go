// Package sshconn opens and supervises outbound SSH connections. Each Conn
// owns exactly one TCP socket; nothing is pooled or shared between callers.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 20 * time.Second
)

var (
	ErrMissingHost = errors.New("host is required")
	ErrMissingUser = errors.New("username is required")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrTimeout     = errors.New("connection timed out")
)

// Credentials identify the remote account. They are consumed by Dial and
// never retained.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
}

// Validate checks required fields and applies the default port.
func (c *Credentials) Validate() error {
	c.Host = strings.TrimSpace(c.Host)
	c.Username = strings.TrimSpace(c.Username)
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Username == "" {
		return ErrMissingUser
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	return nil
}

func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dialer opens authenticated SSH connections.
type Dialer struct {
	// Timeout bounds TCP connect plus handshake. Zero means DefaultConnectTimeout.
	Timeout time.Duration
	// KeepAlive is the interval between keepalive probes. Zero disables them.
	KeepAlive time.Duration
	// HostKeyCallback verifies server keys. Nil accepts any key.
	HostKeyCallback cryptossh.HostKeyCallback
}

// Dial connects and authenticates. The handshake is aborted when ctx is done
// or the timeout elapses, whichever comes first.
func (d *Dialer) Dial(ctx context.Context, creds Credentials) (*Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	auth, err := authMethods(creds)
	if err != nil {
		return nil, fmt.Errorf("ssh: auth config: %w", err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = cryptossh.InsecureIgnoreHostKey() //nolint:gosec // browser client cannot confirm fingerprints
	}
	clientCfg := &cryptossh.ClientConfig{
		User:            creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := creds.Addr()
	var nd net.Dialer
	nc, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, dialError(dialCtx, addr, timeout, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	// Unblock the handshake if the caller gives up early.
	stop := context.AfterFunc(dialCtx, func() { _ = nc.SetDeadline(time.Now()) })

	sc, chans, reqs, err := cryptossh.NewClientConn(nc, addr, clientCfg)
	aborted := !stop()
	if err != nil {
		_ = nc.Close()
		return nil, dialError(dialCtx, addr, timeout, err)
	}
	if aborted {
		_ = sc.Close()
		return nil, dialError(dialCtx, addr, timeout, dialCtx.Err())
	}
	_ = nc.SetDeadline(time.Time{})

	return newConn(cryptossh.NewClient(sc, chans, reqs), d.KeepAlive), nil
}

func dialError(ctx context.Context, addr string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("ssh: connect %s: %w after %s", addr, ErrTimeout, timeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("ssh: connect %s: %w", addr, context.Canceled)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("ssh: %s: %w", addr, ErrAuthFailed)
	default:
		return &ConnectError{Addr: addr, Reason: connectReason(err), Err: err}
	}
}

// ConnectError is a dial failure whose message names only the address and a
// short reason. Err holds the transport error for logs.
type ConnectError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *ConnectError) Error() string { return "ssh: connect " + e.Addr + ": " + e.Reason }
func (e *ConnectError) Unwrap() error { return e.Err }

func connectReason(err error) string {
	var (
		dnsErr  *net.DNSError
		keyErr  *knownhosts.KeyError
		revoked *knownhosts.RevokedError
		opErr   *net.OpError
	)
	switch {
	case errors.As(err, &dnsErr):
		return "host not found"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return "host key verification failed"
	case errors.Is(err, io.EOF):
		return "connection closed during handshake"
	case errors.As(err, &opErr):
		return "network error"
	default:
		return "handshake failed"
	}
}

// authMethods offers the private key when present, then the password both as
// plain password auth and as keyboard-interactive answers.
func authMethods(creds Credentials) ([]cryptossh.AuthMethod, error) {
	var methods []cryptossh.AuthMethod
	if creds.PrivateKey != "" {
		signer, err := cryptossh.ParsePrivateKey([]byte(creds.PrivateKey))
		var missing *cryptossh.PassphraseMissingError
		if errors.As(err, &missing) && creds.Password != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			cryptossh.Password(password),
			cryptossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("password or private key is required")
	}
	return methods, nil
}

// Conn is an authenticated SSH connection.
type Conn struct {
	client  *cryptossh.Client
	done    chan struct{}
	err     error
	closing atomic.Bool
	once    sync.Once
}

func newConn(client *cryptossh.Client, keepAlive time.Duration) *Conn {
	c := &Conn{client: client, done: make(chan struct{})}
	go func() {
		c.err = client.Wait()
		close(c.done)
	}()
	if keepAlive > 0 {
		go c.keepAlive(keepAlive)
	}
	return c
}

// Client returns the underlying SSH client for opening channels.
func (c *Conn) Client() *cryptossh.Client { return c.client }

// Done is closed once the transport has ended for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the transport ended. Valid after Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// ClosedByPeer reports whether the transport ended without a local Close.
func (c *Conn) ClosedByPeer() bool {
	select {
	case <-c.done:
		return !c.closing.Load()
	default:
		return false
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closing.Store(true)
		err = c.client.Close()
	})
	return err
}

// keepAlive probes the server and drops the connection when a probe fails or
// goes unanswered for a full interval.
func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		reply := make(chan error, 1)
		go func() {
			_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()
		select {
		case <-c.done:
			return
		case err := <-reply:
			if err != nil {
				_ = c.client.Close()
				return
			}
		case <-time.After(interval):
			_ = c.client.Close()
			return
		}
	}
}
