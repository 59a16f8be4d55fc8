package realtime

import (
	"context"
	"sync"
	"time"

	"carelink/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Patients only send control frames.
	maxMessageSize = 512

	sendBuffer = 32
)

// WSHub is the part of a hub a client needs.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one patient websocket. Every pushed message is a full
// snapshot, so when the buffer is full the oldest queued message is dropped
// in favor of the newest.
type Client struct {
	Hub       WSHub
	Conn      *websocket.Conn
	Send      chan []byte
	PatientID uint

	sendMu     sync.Mutex
	sendClosed bool
}

// NewClient creates a client with an empty send buffer.
func NewClient(hub WSHub, conn *websocket.Conn, patientID uint) *Client {
	return &Client{
		Hub:       hub,
		Conn:      conn,
		PatientID: patientID,
		Send:      make(chan []byte, sendBuffer),
	}
}

// ReadPump keeps the read deadline fresh and discards data frames. It
// unregisters the client when the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				observability.NewWSLogger(c.Hub.Name()).LogError(context.Background(), c.PatientID, err, "read")
			}
			return
		}
	}
}

// WritePump writes queued messages and keepalive pings until Send is closed
// or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case msg, ok := <-c.Send:
			if !ok {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, payload = websocket.TextMessage, msg
		case <-ticker.C:
		}

		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

// TrySend queues message without blocking.
func (c *Client) TrySend(message []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		return
	}

	for {
		select {
		case c.Send <- message:
			return
		default:
		}
		// Only TrySend writes to Send and it holds sendMu, so after one
		// pop there is room.
		select {
		case <-c.Send:
			observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "oldest").Inc()
		default:
		}
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}
