package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 5 * time.Second

// WebsocketClient adapts a gorilla connection to the Subscriber interface.
type WebsocketClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

// NewWebsocketClient wraps an upgraded connection.
func NewWebsocketClient(conn *websocket.Conn) *WebsocketClient {
	return &WebsocketClient{conn: conn}
}

// Send writes one text message. Gorilla connections allow a single concurrent
// writer, hence the lock.
func (c *WebsocketClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the underlying connection once.
func (c *WebsocketClient) Close() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}
