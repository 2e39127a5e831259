package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/websoft9/deskgate/internal/autosync"
	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/remotefs"
	"github.com/websoft9/deskgate/internal/terminal"
)

// Variant selects which bridge a session runs.
type Variant string

const (
	VariantTerminus Variant = "terminus"
	VariantSFTP     Variant = "sftp"
	VariantSync     Variant = "sftp-sync"
)

// Mode is the session state.
type Mode int32

const (
	ModeUnconnected Mode = iota
	ModeConnecting
	ModeShell
	ModeSFTP
	ModeError
	ModeClosed
)

var modeNames = [...]string{
	ModeUnconnected: "unconnected",
	ModeConnecting:  "connecting",
	ModeShell:       "interactive-shell",
	ModeSFTP:        "sftp",
	ModeError:       "error",
	ModeClosed:      "closed",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int32(m))
	}
	return modeNames[m]
}

// transitions lists the legal next modes. Closed is reachable from anywhere.
var transitions = map[Mode][]Mode{
	ModeUnconnected: {ModeConnecting},
	ModeConnecting:  {ModeShell, ModeSFTP, ModeError},
	ModeShell:       {ModeError},
	ModeSFTP:        {ModeError},
	ModeError:       {},
}

// Session is one client channel and everything opened on its behalf. All
// fields below the mode are owned by the session's event loop; other
// goroutines only read Mode and the counters.
type Session struct {
	ID       string
	Variant  Variant
	ClientIP string
	Created  time.Time

	mode     atomic.Int32
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	ch      Channel
	log     zerolog.Logger
	limiter *rate.Limiter
	cancel  context.CancelFunc

	host string
	user string
	rows int
	cols int

	remote  Remote
	shell   terminal.Shell
	fs      *remotefs.Client
	tracker *autosync.Tracker

	events     chan event
	ops        chan op
	workerDone chan struct{}
}

// Mode returns the current state. Safe from any goroutine.
func (s *Session) Mode() Mode { return Mode(s.mode.Load()) }

// BytesIn and BytesOut count shell payload bytes in each direction.
func (s *Session) BytesIn() int64  { return s.bytesIn.Load() }
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

func (s *Session) transition(to Mode) error {
	from := s.Mode()
	if to == ModeClosed {
		s.mode.Store(int32(to))
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			s.mode.Store(int32(to))
			s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("session mode")
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, from, to)
}

// send writes to the channel. Failures are logged; the read side notices a
// dead channel and ends the session.
func (s *Session) send(msg protocol.Outbound) error {
	err := s.ch.Send(msg)
	if err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("send failed")
	}
	return err
}

func (s *Session) sendErr(err error) {
	_ = s.send(protocol.ErrorFrame(err))
}

// event is an asynchronous result delivered to the event loop.
type event interface{ isEvent() }

type connectResult struct {
	remote Remote
	err    error
}

type shellEnded struct {
	err error
}

func (connectResult) isEvent() {}
func (shellEnded) isEvent()    {}

// post hands ev to the event loop unless the session is ending.
func (s *Session) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// remoteDone is nil, and so never ready in a select, until connected.
func (s *Session) remoteDone() <-chan struct{} {
	if s.remote == nil {
		return nil
	}
	return s.remote.Done()
}
