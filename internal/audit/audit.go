// Package audit provides a unified helper for writing gateway audit records.
//
// Records go to a dedicated zerolog logger so they can be shipped separately
// from request logs.
package audit

import (
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
type Entry struct {
	// SessionID identifies the WebSocket session.
	SessionID string
	// Variant is the gateway endpoint: "terminus", "sftp" or "sftp-sync".
	Variant string
	// Action is a dot-namespaced verb, e.g. "ssh.connect", "sftp.delete".
	Action string
	// Host and User identify the remote account.
	Host string
	User string
	// Target is the remote path the action touched, if any.
	Target string
	// Status must be StatusSuccess or StatusFailed.
	Status string
	// IP is the client's source address.
	IP string
	// Bytes counts payload bytes moved by the action.
	Bytes int64
	// Error is the failure message for StatusFailed.
	Error string
}

// Logger writes audit entries.
type Logger struct {
	log zerolog.Logger
}

// New returns a Logger writing to base with an "audit" marker.
func New(base zerolog.Logger) *Logger {
	return &Logger{log: base.With().Str("component", "audit").Logger()}
}

// Nop discards every entry.
func Nop() *Logger {
	return &Logger{log: zerolog.Nop()}
}

// Write emits one record. Invalid entries are dropped with a warning; an
// audit failure never breaks the calling operation.
func (l *Logger) Write(entry Entry) {
	if l == nil {
		return
	}
	if !validStatuses[entry.Status] {
		l.log.Warn().Str("action", entry.Action).Str("status", entry.Status).Msg("audit: invalid status, skipping")
		return
	}

	ev := l.log.Info()
	if entry.Status == StatusFailed {
		ev = l.log.Warn()
	}
	ev = ev.Str("session", entry.SessionID).
		Str("variant", entry.Variant).
		Str("action", entry.Action).
		Str("status", entry.Status)
	if entry.Host != "" {
		ev = ev.Str("host", entry.Host)
	}
	if entry.User != "" {
		ev = ev.Str("user", entry.User)
	}
	if entry.Target != "" {
		ev = ev.Str("target", entry.Target)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if entry.Bytes > 0 {
		ev = ev.Int64("bytes", entry.Bytes).Str("size", humanize.Bytes(uint64(entry.Bytes)))
	}
	if entry.Error != "" {
		ev = ev.Str("error", entry.Error)
	}
	ev.Msg("audit")
}
