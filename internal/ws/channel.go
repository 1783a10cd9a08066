// Package ws provides the production text-message channel: one gorilla
// websocket connection per chat room session.
package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"parlor/server/internal/diag"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// ErrNotWebSocket reports a request that did not ask for an upgrade. The
// response has not been written; the caller decides the fallback.
var ErrNotWebSocket = errors.New("request is not a websocket upgrade")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Delegates are the callbacks a channel fires: OnText for each inbound
// text frame (serialised by the read pump), OnClose exactly once when the
// connection dies, and Diag for the channel's own diagnostics.
type Delegates struct {
	OnText  func(data string)
	OnClose func()
	Diag    diag.Sink
}

// Channel is one live websocket connection carrying text frames.
type Channel struct {
	conn   *websocket.Conn
	peerID string

	writeMu sync.Mutex

	mu        sync.Mutex
	delegates Delegates

	closeOnce sync.Once
}

// Open upgrades an HTTP request into a Channel and starts its read pump.
// A plain HTTP request returns ErrNotWebSocket with the response left
// untouched; a failed handshake has already been answered by the upgrader.
func Open(w http.ResponseWriter, r *http.Request, d Delegates) (*Channel, error) {
	if !websocket.IsWebSocketUpgrade(r) {
		return nil, ErrNotWebSocket
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	if d.Diag == nil {
		d.Diag = diag.Discard()
	}

	c := &Channel{
		conn:      conn,
		peerID:    uuid.NewString(),
		delegates: d,
	}
	conn.SetReadLimit(1 << 20)
	c.diag(diag.LevelInfo, fmt.Sprintf("websocket opened for peer %s (%s)", c.peerID, conn.RemoteAddr()))
	go c.readPump()
	return c, nil
}

// PeerID returns the identifier assigned to the remote end.
func (c *Channel) PeerID() string {
	return c.peerID
}

// SendText writes one text frame. A send on a dead connection is a no-op
// beyond a diagnostic; the read pump is what reports the close.
func (c *Channel) SendText(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.diag(diag.LevelInfo, fmt.Sprintf("write text: %v", err))
	}
}

// Close sends a close frame and tears the connection down. Idempotent.
func (c *Channel) Close(code int, reason string) {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout),
	)
	_ = c.conn.Close()
}

// Unsubscribe ends the channel's diagnostics subscription.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegates.Diag = diag.Discard()
}

// readPump delivers inbound text frames until the connection dies, then
// fires OnClose exactly once. Close frames from the peer are echoed by the
// library's default close handler.
func (c *Channel) readPump() {
	defer c.fireClose()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.diag(diag.LevelVerbose, fmt.Sprintf("read: %v", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if onText := c.onText(); onText != nil {
			onText(string(data))
		}
	}
}

func (c *Channel) fireClose() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.diag(diag.LevelInfo, fmt.Sprintf("websocket closed for peer %s", c.peerID))
		c.mu.Lock()
		onClose := c.delegates.OnClose
		c.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}

func (c *Channel) onText() func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegates.OnText
}

func (c *Channel) diag(level int, message string) {
	c.mu.Lock()
	sink := c.delegates.Diag
	c.mu.Unlock()
	if sink != nil {
		sink(c.peerID, level, message)
	}
}
