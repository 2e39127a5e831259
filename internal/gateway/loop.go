package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/websoft9/deskgate/internal/audit"
	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/remotefs"
	"github.com/websoft9/deskgate/internal/sshconn"
	"github.com/websoft9/deskgate/internal/terminal"
)

// stop explains why a session ends. notify sends status: disconnected
// before the channel closes; it is false when the channel is already gone.
type stop struct {
	why    string
	notify bool
}

// loop is the session's event loop. It is the only goroutine that mutates
// session state.
func (g *Gateway) loop(ctx context.Context, s *Session) stop {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go g.readLoop(ctx, s, frames, readErr)

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if g.cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(g.cfg.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return stop{why: "shutdown", notify: true}
		case err := <-readErr:
			s.log.Debug().Err(err).Msg("channel read ended")
			return stop{why: "channel closed"}
		case data := <-frames:
			if idleTimer != nil {
				idleTimer.Reset(g.cfg.IdleTimeout)
			}
			if st := g.handle(ctx, s, data); st != nil {
				return *st
			}
		case ev := <-s.events:
			if st := g.handleEvent(ctx, s, ev); st != nil {
				return *st
			}
		case <-s.remoteDone():
			return stop{why: "remote closed connection", notify: true}
		case <-idle:
			s.sendErr(protocol.WithCode(protocol.CodeTimeout, errors.New("session idle timeout")))
			return stop{why: "idle timeout", notify: true}
		}
	}
}

// readLoop feeds inbound frames to the event loop. The limiter waits rather
// than drops, so a flooding client is slowed down, not disconnected.
func (g *Gateway) readLoop(ctx context.Context, s *Session, frames chan<- []byte, readErr chan<- error) {
	for {
		data, err := s.ch.Read()
		if err != nil {
			readErr <- err
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// handle dispatches one inbound frame. A non-nil result ends the session.
func (g *Gateway) handle(ctx context.Context, s *Session, data []byte) *stop {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad frame")
		s.sendErr(err)
		return nil
	}

	switch msg.Type {
	case protocol.TypeConnect:
		return g.handleConnect(ctx, s, msg)
	case protocol.TypeDisconnect:
		return &stop{why: "client disconnect", notify: true}
	}

	switch s.Variant {
	case VariantTerminus:
		return g.handleShell(s, msg)
	case VariantSFTP, VariantSync:
		g.handleSFTP(s, msg)
		return nil
	default:
		s.sendErr(fmt.Errorf("unsupported session variant %q", s.Variant))
		return nil
	}
}

func (g *Gateway) handleConnect(ctx context.Context, s *Session, msg protocol.Inbound) *stop {
	switch s.Mode() {
	case ModeUnconnected:
	case ModeConnecting:
		s.sendErr(protocol.WithCode(protocol.CodeBadRequest, errors.New("connection already in progress")))
		return nil
	case ModeShell, ModeSFTP:
		s.sendErr(protocol.WithCode(protocol.CodeBadRequest, errors.New("already connected")))
		return nil
	case ModeError, ModeClosed:
		return &stop{why: "connect after failure", notify: true}
	}

	var p protocol.ConnectPayload
	if err := protocol.DecodePayload(msg, &p); err != nil {
		s.sendErr(err)
		return nil
	}
	creds := sshconn.Credentials{
		Host:       p.Host,
		Port:       p.Port.Int(),
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
	}
	if err := creds.Validate(); err != nil {
		s.sendErr(protocol.WithCode(protocol.CodeBadRequest, err))
		return nil
	}
	if err := s.transition(ModeConnecting); err != nil {
		s.sendErr(err)
		return nil
	}
	s.host, s.user = creds.Host, creds.Username
	s.rows, s.cols = p.Rows, p.Cols
	s.log.Info().Str("addr", creds.Addr()).Str("user", creds.Username).Msg("connecting")

	go func() {
		remote, err := g.connector.Connect(ctx, creds)
		if !s.post(ctx, connectResult{remote: remote, err: err}) && remote != nil {
			_ = remote.Close()
		}
	}()
	return nil
}

func (g *Gateway) handleEvent(ctx context.Context, s *Session, ev event) *stop {
	switch ev := ev.(type) {
	case connectResult:
		return g.onConnected(ctx, s, ev)
	case shellEnded:
		return g.onShellEnded(s, ev)
	default:
		s.log.Error().Type("event", ev).Msg("unknown event")
		return nil
	}
}

func (g *Gateway) onConnected(ctx context.Context, s *Session, res connectResult) *stop {
	if res.err != nil {
		_ = s.transition(ModeError)
		s.log.Warn().Err(res.err).AnErr("cause", errors.Unwrap(res.err)).Msg("connect failed")
		g.auditConnect(s, res.err)
		s.sendErr(protocol.WithCode(protocol.CodeConnectFailed, res.err))
		return &stop{why: "connect failed", notify: true}
	}
	s.remote = res.remote

	var err error
	switch s.Variant {
	case VariantTerminus:
		err = g.startShell(ctx, s)
	default:
		err = g.startSFTP(ctx, s)
	}
	if err != nil {
		_ = s.transition(ModeError)
		s.log.Warn().Err(err).Msg("open stream failed")
		g.auditConnect(s, err)
		s.sendErr(protocol.WithCode(protocol.CodeConnectFailed, err))
		return &stop{why: "open stream failed", notify: true}
	}
	g.auditConnect(s, nil)
	return nil
}

func (g *Gateway) startShell(ctx context.Context, s *Session) error {
	sh, err := s.remote.OpenShell(terminal.Options{Term: g.cfg.Term, Rows: s.rows, Cols: s.cols})
	if err != nil {
		return err
	}
	s.shell = sh
	if err := s.transition(ModeShell); err != nil {
		return err
	}
	// Status goes out before the relay starts so it precedes any output.
	_ = s.send(protocol.Status(protocol.StatusConnected))
	go g.relayShell(ctx, s, sh)
	return nil
}

func (g *Gateway) startSFTP(ctx context.Context, s *Session) error {
	fs, err := s.remote.OpenFS(
		remotefs.WithMaxReadBytes(g.cfg.MaxReadBytes),
		remotefs.WithMaxUploadBytes(g.cfg.MaxUploadBytes),
	)
	if err != nil {
		return err
	}
	s.fs = fs
	if err := s.transition(ModeSFTP); err != nil {
		return err
	}
	if s.Variant == VariantSync {
		s.tracker = g.newTracker(ctx, s)
	}
	g.startWorker(ctx, s)
	_ = s.send(protocol.Status(protocol.StatusConnected))
	g.tryEnqueue(s, g.listOp("."))
	return nil
}

// fsCloseGrace bounds the wait for the SFTP handle to close. A server stuck
// on a call keeps the handle open until the SSH connection itself closes.
const fsCloseGrace = time.Second

func closeFS(fs *remotefs.Client) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fs.Close()
	}()
	t := time.NewTimer(fsCloseGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	}
}

func (g *Gateway) auditConnect(s *Session, err error) {
	entry := audit.Entry{
		SessionID: s.ID,
		Variant:   string(s.Variant),
		Action:    "ssh.connect",
		Host:      s.host,
		User:      s.user,
		IP:        s.ClientIP,
		Status:    audit.StatusSuccess,
	}
	if err != nil {
		entry.Status = audit.StatusFailed
		entry.Error = err.Error()
	}
	g.audit.Write(entry)
}

// teardown releases resources in a fixed order: watchers and timers, the
// stream, the SSH connection, the registry entry, then the client notice.
func (g *Gateway) teardown(s *Session, st stop) {
	s.cancel()

	if s.tracker != nil {
		s.tracker.Close()
	}
	if s.fs != nil {
		closeFS(s.fs)
	}
	if s.shell != nil {
		_ = s.shell.Close()
	}
	if s.remote != nil {
		_ = s.remote.Close()
	}
	// A stalled call returns once the connection is gone.
	if s.workerDone != nil {
		<-s.workerDone
	}
	_ = s.transition(ModeClosed)
	g.registry.Remove(s.ID)

	if st.notify {
		_ = s.send(protocol.Status(protocol.StatusDisconnected))
	}
	_ = s.ch.Close()

	if s.host != "" {
		g.audit.Write(audit.Entry{
			SessionID: s.ID,
			Variant:   string(s.Variant),
			Action:    "ssh.disconnect",
			Host:      s.host,
			User:      s.user,
			IP:        s.ClientIP,
			Status:    audit.StatusSuccess,
			Bytes:     s.BytesIn() + s.BytesOut(),
		})
	}
	s.log.Info().
		Str("reason", st.why).
		Int64("bytes_in", s.BytesIn()).
		Int64("bytes_out", s.BytesOut()).
		Dur("duration", time.Since(s.Created)).
		Msg("session closed")
}
