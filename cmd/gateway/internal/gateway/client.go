package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afifrh/LAEVITAS-PFE-version-finale-sub000/cmd/gateway/internal/hub"
)

const (
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

type outbound struct {
	op      ws.OpCode
	payload []byte
}

// ClientAdapter bridges a raw gobwas connection to the hub. Reads run on
// readPump, all writes go through writePump.
type ClientAdapter struct {
	id     string
	userID string
	conn   net.Conn
	hub    *hub.Hub
	logger *zap.Logger

	writeWait time.Duration

	mu     sync.Mutex
	closed bool
	send   chan outbound
}

func NewClient(conn net.Conn, userID string, h *hub.Hub, logger *zap.Logger) *ClientAdapter {
	id := uuid.NewString()
	return &ClientAdapter{
		id:        id,
		userID:    userID,
		conn:      conn,
		hub:       h,
		logger:    logger.With(zap.String("conn_id", id)),
		writeWait: 5 * time.Second,
		send:      make(chan outbound, sendBuffer),
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string     { return c.id }
func (c *ClientAdapter) UserID() string { return c.userID }

// Send queues a text frame. A closed connection or a full buffer is a
// delivery failure.
func (c *ClientAdapter) Send(msg []byte) error {
	return c.enqueue(outbound{op: ws.OpText, payload: msg})
}

// Ping queues a protocol-level ping; the pong marks the connection alive.
func (c *ClientAdapter) Ping() error {
	return c.enqueue(outbound{op: ws.OpPing})
}

func (c *ClientAdapter) enqueue(m outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", hub.ErrDeliveryFailure)
	}
	select {
	case c.send <- m:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", hub.ErrDeliveryFailure)
	}
}

// Close stops accepting frames; writePump sends the close frame and closes
// the connection.
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *ClientAdapter) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			return
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPong:
			c.hub.MarkAlive(c.id)
		case ws.OpPing:
			c.hub.MarkAlive(c.id)
			_ = c.enqueue(outbound{op: ws.OpPong, payload: payload})
		case ws.OpText:
			c.hub.HandleMessage(ctx, c, payload)
		}
	}
}

func (c *ClientAdapter) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := wsutil.WriteServerMessage(c.conn, msg.op, msg.payload); err != nil {
			c.logger.Debug("Write failed", zap.Error(err))
			c.Close()
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	c.conn.Write(ws.CompiledClose)
}
