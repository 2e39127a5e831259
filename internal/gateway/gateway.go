// Package gateway bridges browser WebSocket sessions to SSH shells and SFTP
// subsystems. Each session runs its own event loop; sessions share nothing
// but the Registry.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/websoft9/deskgate/internal/audit"
	"github.com/websoft9/deskgate/internal/autosync"
	"github.com/websoft9/deskgate/internal/fileutil"
	"github.com/websoft9/deskgate/internal/sshconn"
	"github.com/websoft9/deskgate/internal/terminal"
)

const (
	eventQueueSize = 4
	opQueueSize    = 64
)

// Config tunes session behavior. Zero values fall back to defaults.
type Config struct {
	// ConnectTimeout bounds the SSH handshake.
	ConnectTimeout time.Duration
	// OpTimeout bounds each SFTP call. Zero waits for the transport.
	OpTimeout time.Duration
	// IdleTimeout closes sessions with no inbound frames. Zero disables it.
	IdleTimeout time.Duration
	// Term is the TERM value requested for shells.
	Term string

	MaxReadBytes   int64
	MaxUploadBytes int64

	// InboundRate is frames per second per session; zero means unlimited.
	InboundRate  float64
	InboundBurst int

	SyncDir      string
	SyncDebounce time.Duration
}

// Gateway owns the registry and creates sessions.
type Gateway struct {
	cfg       Config
	connector Connector
	registry  *Registry
	sandbox   *fileutil.Sandbox
	audit     *audit.Logger
	log       zerolog.Logger

	newWatcher autosync.WatcherFactory
	afterFunc  autosync.AfterFunc

	base     context.Context
	stopAll  context.CancelFunc
	sessions sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithConnector(c Connector) Option { return func(g *Gateway) { g.connector = c } }
func WithRegistry(r *Registry) Option { return func(g *Gateway) { g.registry = r } }
func WithSandbox(s *fileutil.Sandbox) Option { return func(g *Gateway) { g.sandbox = s } }
func WithAudit(a *audit.Logger) Option { return func(g *Gateway) { g.audit = a } }
func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.log = l } }
func WithAfterFunc(f autosync.AfterFunc) Option { return func(g *Gateway) { g.afterFunc = f } }

func WithWatcherFactory(f autosync.WatcherFactory) Option {
	return func(g *Gateway) { g.newWatcher = f }
}

// New creates a Gateway. Without WithConnector it dials SSH directly using
// cfg.ConnectTimeout and no host key verification.
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = sshconn.DefaultConnectTimeout
	}
	if cfg.Term == "" {
		cfg.Term = terminal.DefaultTerm
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = 1
	}
	g := &Gateway{
		cfg:   cfg,
		audit: audit.Nop(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.connector == nil {
		g.connector = SSHConnector{Dialer: &sshconn.Dialer{Timeout: cfg.ConnectTimeout}}
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	g.base, g.stopAll = context.WithCancel(context.Background())
	return g
}

// Registry returns the gateway's session registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Serve runs a session on ch until the client disconnects, the channel
// closes, the remote hangs up or ctx ends. ch is closed on return.
func (g *Gateway) Serve(ctx context.Context, ch Channel, v Variant, clientIP string) {
	g.sessions.Add(1)
	defer g.sessions.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.base, cancel)
	defer stop()

	s := g.newSession(ch, v, clientIP, cancel)
	g.registry.Put(s.ID, s)
	s.log.Info().Str("ip", clientIP).Msg("session opened")

	reason := g.loop(ctx, s)
	g.teardown(s, reason)
}

// Shutdown ends every session and waits for them to finish tearing down.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopAll()
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("gateway: sessions still closing"), ctx.Err())
	}
}

func (g *Gateway) newSession(ch Channel, v Variant, clientIP string, cancel context.CancelFunc) *Session {
	id := uuid.NewString()
	limit := rate.Inf
	if g.cfg.InboundRate > 0 {
		limit = rate.Limit(g.cfg.InboundRate)
	}
	return &Session{
		ID:       id,
		Variant:  v,
		ClientIP: clientIP,
		Created:  time.Now(),
		ch:       ch,
		log:      g.log.With().Str("session", id).Str("variant", string(v)).Logger(),
		limiter:  rate.NewLimiter(limit, g.cfg.InboundBurst),
		cancel:   cancel,
		events:   make(chan event, eventQueueSize),
	}
}
