package audit_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/websoft9/deskgate/internal/audit"
)

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(zerolog.New(&buf))

	l.Write(audit.Entry{
		SessionID: "s1",
		Variant:   "sftp",
		Action:    "sftp.upload",
		Host:      "10.0.0.5",
		User:      "u",
		Target:    "/home/u/x.txt",
		Status:    audit.StatusSuccess,
		Bytes:     2048,
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "audit", rec["component"])
	assert.Equal(t, "sftp.upload", rec["action"])
	assert.Equal(t, "/home/u/x.txt", rec["target"])
	assert.Equal(t, "2.0 kB", rec["size"])
	assert.NotContains(t, rec, "error")
}

func TestWriteFailureAndInvalid(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(zerolog.New(&buf))

	l.Write(audit.Entry{Action: "ssh.connect", Status: audit.StatusFailed, Error: "authentication failed"})
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "authentication failed", rec["error"])

	buf.Reset()
	l.Write(audit.Entry{Action: "ssh.connect", Status: "bogus"})
	assert.Contains(t, buf.String(), "invalid status")

	var nilLogger *audit.Logger
	nilLogger.Write(audit.Entry{Status: audit.StatusSuccess})
	audit.Nop().Write(audit.Entry{Status: audit.StatusSuccess})
}
