package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/deskgate/internal/gateway"
)

// Server is the part of the gateway the WebSocket handler needs.
type Server interface {
	Serve(ctx context.Context, ch gateway.Channel, v gateway.Variant, clientIP string)
}

// ChannelOptions bound each upgraded connection.
type ChannelOptions struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

// Gateway upgrades the request and runs a session of variant v on it. The
// session outlives the request context, so it gets a fresh one.
func Gateway(gw Server, v gateway.Variant, opts ChannelOptions) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Str("variant", string(v)).Msg("Failed to upgrade WebSocket")
			return
		}
		ch := gateway.NewWSChannel(conn, opts.WriteTimeout, opts.ReadLimit)
		gw.Serve(context.WithoutCancel(r.Context()), ch, v, r.RemoteAddr)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || set[origin]
	}
}
