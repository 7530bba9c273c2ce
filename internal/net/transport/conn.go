package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jsonic/netsync/internal/net/proto"
	"jsonic/netsync/internal/neterr"
)

// Conn is one framed, ordered message stream between the host and a client.
// Sends are serialized; Receive must only be called from one goroutine.
type Conn struct {
	id        string
	remote    string
	ws        *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, remote string, cfg Config) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		remote:    remote,
		ws:        ws,
		writeWait: cfg.WriteWait,
		closed:    make(chan struct{}),
	}
	ws.SetReadLimit(cfg.ReadLimit)
	if cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}
	if cfg.PingInterval > 0 {
		go c.keepalive(cfg.PingInterval)
	}
	return c
}

// ID is the connection identity used by the session registry.
func (c *Conn) ID() string { return c.id }

// RemoteAddr is the peer address as seen when the connection was opened.
func (c *Conn) RemoteAddr() string { return c.remote }

// Done is closed once the connection has been closed locally.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send encodes msg and writes it as a single frame.
func (c *Conn) Send(msg proto.Message) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendFrame(data)
}

// SendFrame writes an already encoded frame.
func (c *Conn) SendFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("%w: connection closed", neterr.ErrConnectionLost)
	default:
	}

	if c.writeWait > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", neterr.ErrConnectionLost, err)
	}
	return nil
}

// Receive blocks until a full message arrives. Transport failures wrap
// neterr.ErrConnectionLost; undecodable frames wrap neterr.ErrMalformedPayload
// and leave the connection usable.
func (c *Conn) Receive() (proto.Message, error) {
	data, err := c.ReceiveFrame()
	if err != nil {
		return nil, err
	}
	return proto.Decode(data)
}

// ReceiveFrame blocks until a full frame arrives.
func (c *Conn) ReceiveFrame() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", neterr.ErrConnectionLost, err)
		}
		if messageType == websocket.BinaryMessage || messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a normal-closure frame and tears down the socket. It is safe to
// call more than once and concurrently with Send and Receive.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(closeGracePeriod)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// The peer may already be gone; the socket is closed either way.
		_ = c.ws.WriteControl(websocket.CloseMessage, message, deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeWait)
			if c.writeWait <= 0 {
				deadline = time.Now().Add(closeGracePeriod)
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
