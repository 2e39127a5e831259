package protocol

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"list","payload":{"path":"/tmp"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeList, msg.Type)

	var p PathPayload
	require.NoError(t, DecodePayload(msg, &p))
	assert.Equal(t, "/tmp", p.Path)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`{`, `[]`, `{"payload":{}}`, ``} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestDecodePayloadMissing(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"list"}`))
	require.NoError(t, err)
	var p PathPayload
	assert.ErrorIs(t, DecodePayload(msg, &p), ErrMalformed)
}

func TestConnectPort(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`{"host":"h","username":"u"}`, 22},
		{`{"host":"h","username":"u","port":2222}`, 2222},
		{`{"host":"h","username":"u","port":"2200"}`, 2200},
		{`{"host":"h","username":"u","port":"ssh"}`, 22},
		{`{"host":"h","username":"u","port":null}`, 22},
		{`{"host":"h","username":"u","port":70000}`, 22},
		{`{"host":"h","username":"u","port":-1}`, 22},
	}
	for _, tt := range tests {
		var p ConnectPayload
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &p), tt.raw)
		assert.Equal(t, tt.want, p.Port.Int(), tt.raw)
	}
}

func TestOutboundShapes(t *testing.T) {
	out, err := json.Marshal(Status(StatusConnected))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","payload":"connected"}`, string(out))

	out, err = json.Marshal(Error(CodeNotConnected, "not connected"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","payload":"not connected","code":"not_connected"}`, string(out))

	out, err = json.Marshal(List(ListResult{Path: "/empty"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"list","payload":{"path":"/empty","items":[]}}`, string(out))

	out, err = json.Marshal(Success(OperationSuccess{Message: "ok", DirToRefresh: "/home/u"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"operation_success","payload":{"message":"ok","dirToRefresh":"/home/u"}}`, string(out))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("list %q: %w", "/x", fs.ErrNotExist), CodeNotFound},
		{fmt.Errorf("mkdir: %w", fs.ErrExist), CodeAlreadyExists},
		{fmt.Errorf("open: %w", fs.ErrPermission), CodePermissionDenied},
		{fmt.Errorf("rmdir: %w", ErrNotEmpty), CodeNotEmpty},
		{ErrNotConnected, CodeNotConnected},
		{ErrBusy, CodeBusy},
		{fmt.Errorf("read: %w", ErrTooLarge), CodeTooLarge},
		{WithCode(CodeConnectFailed, fmt.Errorf("dial: %w", fs.ErrNotExist)), CodeConnectFailed},
		{fmt.Errorf("boom"), CodeOperationFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}
