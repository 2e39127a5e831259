package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/websoft9/deskgate/internal/protocol"
	"github.com/websoft9/deskgate/internal/terminal"
)

// errChannel marks relay failures caused by the client side going away.
var errChannel = errors.New("channel send failed")

// handleShell serves data and resize on an interactive-shell session.
func (g *Gateway) handleShell(s *Session, msg protocol.Inbound) *stop {
	switch msg.Type {
	case protocol.TypeData, protocol.TypeResize:
	default:
		s.sendErr(protocol.WithCode(protocol.CodeUnknownType, fmt.Errorf("unsupported message type %q", msg.Type)))
		return nil
	}

	switch s.Mode() {
	case ModeShell:
	case ModeUnconnected, ModeConnecting, ModeSFTP, ModeError, ModeClosed:
		s.sendErr(protocol.ErrNotConnected)
		return nil
	}

	if msg.Type == protocol.TypeResize {
		var p protocol.ResizePayload
		if err := protocol.DecodePayload(msg, &p); err != nil {
			s.sendErr(err)
			return nil
		}
		if p.Rows <= 0 || p.Cols <= 0 {
			s.sendErr(protocol.WithCode(protocol.CodeBadRequest, terminal.ErrInvalidSize))
			return nil
		}
		if err := s.shell.Resize(p.Rows, p.Cols); err != nil {
			s.log.Warn().Err(err).Int("rows", p.Rows).Int("cols", p.Cols).Msg("resize failed")
			s.sendErr(fmt.Errorf("resize: %w", err))
		}
		return nil
	}

	var input string
	if err := json.Unmarshal(msg.Payload, &input); err != nil {
		s.sendErr(fmt.Errorf("%w: data payload must be a string", protocol.ErrMalformed))
		return nil
	}
	if input == "" {
		return nil
	}
	if _, err := s.shell.Write([]byte(input)); err != nil {
		s.log.Warn().Err(err).Msg("shell write failed")
		s.sendErr(protocol.WithCode(protocol.CodeStreamError, fmt.Errorf("shell write: %w", err)))
		return &stop{why: "shell write failed", notify: true}
	}
	s.bytesIn.Add(int64(len(input)))
	return nil
}

// relayShell forwards shell output until the stream ends, then reports to
// the event loop.
func (g *Gateway) relayShell(ctx context.Context, s *Session, sh terminal.Shell) {
	err := terminal.Relay(sh, func(chunk string) error {
		if err := s.send(protocol.Data(chunk)); err != nil {
			return fmt.Errorf("%w: %v", errChannel, err)
		}
		s.bytesOut.Add(int64(len(chunk)))
		return nil
	})
	s.post(ctx, shellEnded{err: err})
}

func (g *Gateway) onShellEnded(s *Session, ev shellEnded) *stop {
	switch {
	case ev.err == nil:
		return &stop{why: "shell exited", notify: true}
	case errors.Is(ev.err, errChannel):
		return &stop{why: "channel closed"}
	default:
		_ = s.transition(ModeError)
		s.log.Warn().Err(ev.err).Msg("shell stream error")
		s.sendErr(protocol.WithCode(protocol.CodeStreamError, fmt.Errorf("shell stream: %w", ev.err)))
		return &stop{why: "shell stream error", notify: true}
	}
}
