package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/websoft9/deskgate/internal/protocol"
)

// Channel is the client-facing side of a session. Send may be called from
// several goroutines; Read is called from one. Close must unblock Read.
type Channel interface {
	Read() ([]byte, error)
	Send(msg protocol.Outbound) error
	Close() error
}

type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	once         sync.Once
}

// NewWSChannel adapts an upgraded WebSocket. Frames larger than readLimit
// bytes end the connection.
func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration, readLimit int64) Channel {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) Read() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes one JSON frame. A slow reader blocks the caller until the
// write deadline, which is what pushes back on the shell relay.
func (c *wsChannel) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(msg)
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
