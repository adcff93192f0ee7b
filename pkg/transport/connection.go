package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrSendBufferFull = errors.New("transport send buffer full")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, msg []byte)

type OnCloseHandler func(err error)

// ConnectionConfig mirrors config.TransportConfig field for field.
// ReadTimeout bounds how long a ping waits for its pong. The peer may stay
// silent indefinitely as long as it keeps answering pings.
type ConnectionConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	connCtx, cancel := context.WithCancel(parentCtx)
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	// released by Close, which every connection reaches exactly once.
	wg.Add(1)

	return &Connection{
		conn:   conn,
		logger: logger,
		config: config,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()
	if c.config.PingInterval > 0 {
		go c.pingLoop()
	}

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
// Messages are handled one at a time, preserving per-connection order.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		// pongs are consumed inside Reader, so a read never times out on its
		// own; liveness is enforced by pingLoop.
		typ, r, err := c.conn.Reader(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			c.logger.Error("Connection readpump failed", slog.Any("error", err))
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, message)
		}
	}
}

// pingLoop pings the peer every PingInterval and closes the connection when
// a pong does not arrive within ReadTimeout.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("Peer missed heartbeat", slog.Any("error", err))
				}
				c.Close(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ping() error {
	wait := c.config.ReadTimeout
	if wait <= 0 {
		wait = c.config.PingInterval
	}
	ctx, cancel := context.WithTimeout(c.ctx, wait)
	defer cancel()
	return c.conn.Ping(ctx)
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// Send enqueues a message for the write pump. It never blocks and is safe
// for concurrent use.
func (c *Connection) Send(message []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		c.logger.Warn("Send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
