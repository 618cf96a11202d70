package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"live-bidding/pkg/logger"
	"live-bidding/pkg/utils"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// outboxSize is how many frames a client may fall behind before it is
	// disconnected.
	outboxSize = 64
)

var (
	ErrConnectionClosed = errors.New("websocket connection closed")
	ErrSlowConsumer     = errors.New("websocket client is not keeping up")
)

// Connection is one client socket watching one auction. It satisfies
// domain.Observer so the fanout bus can deliver to it directly. Frames are
// queued by Send and written by a single writer goroutine, so a stalled
// client never holds up the caller.
type Connection struct {
	id        string
	conn      *websocket.Conn
	userID    string
	auctionID string
	log       logger.Logger

	outbox    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func NewConnection(conn *websocket.Conn, userID, auctionID string, log logger.Logger) *Connection {
	return newConnection(conn, userID, auctionID, outboxSize, log)
}

func newConnection(conn *websocket.Conn, userID, auctionID string, size int, log logger.Logger) *Connection {
	return &Connection{
		id:        utils.GenerateID("conn"),
		conn:      conn,
		userID:    userID,
		auctionID: auctionID,
		log:       log,
		outbox:    make(chan []byte, size),
		closed:    make(chan struct{}),
	}
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) UserID() string    { return c.userID }
func (c *Connection) AuctionID() string { return c.auctionID }

// Send queues one text frame and returns without waiting for the network.
// A full outbox closes the connection and reports ErrSlowConsumer.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case c.outbox <- payload:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		c.log.Warn("Disconnecting slow client", "connection_id", c.id, "user_id", c.userID, "queued", len(c.outbox))
		_ = c.Close()
		return ErrSlowConsumer
	}
}

func (c *Connection) SendJSON(ctx context.Context, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, payload)
}

// writeLoop is the only writer on the socket. It drains the outbox and pings
// the client until the connection closes. A client that stops answering pings
// is cut off by the read deadline in the read loop.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("Write failed", "connection_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("Ping failed", "connection_id", c.id, "error", err)
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) prepareRead() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
