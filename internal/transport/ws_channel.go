package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andres-ax/voicecart/internal/credential"
	"github.com/andres-ax/voicecart/internal/fault"
	"github.com/andres-ax/voicecart/internal/persona"
)

const (
	wsWriteTimeout     = 3 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// WebsocketDialer carries the control channel directly over a realtime
// websocket. The ephemeral secret rides as bearer authorization.
type WebsocketDialer struct {
	BaseURL string
	Model   string
}

func (d *WebsocketDialer) Dial(ctx context.Context, cred credential.Credential, _ persona.Config) (ControlChannel, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/") + "/realtime")
	if err != nil {
		return nil, fault.Wrap(fault.CodeNegotiation, "transport", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if d.Model != "" {
		q.Set("model", d.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.Secret)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fault.Wrap(fault.CodeNegotiation, "transport", fmt.Errorf("dial realtime websocket: %w", err))
	}

	ch := &wsChannel{
		conn: conn,
		recv: make(chan []byte, 256),
	}
	ch.state.Store(ChannelOpen)
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	recv    chan []byte
	state   stateValue

	closeOnce sync.Once
}

// stateValue is a tiny synchronized string holder.
type stateValue struct {
	mu sync.RWMutex
	v  string
}

func (s *stateValue) Store(v string) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *stateValue) Load() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.v == "" {
		return ChannelConnecting
	}
	return s.v
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if c.state.Load() != ChannelOpen {
		return fmt.Errorf("control channel %s", c.state.Load())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.state.Store(ChannelFailed)
		return fmt.Errorf("control channel write: %w", err)
	}
	return nil
}

func (c *wsChannel) Receive() <-chan []byte { return c.recv }

func (c *wsChannel) State() string { return c.state.Load() }

func (c *wsChannel) readLoop() {
	defer close(c.recv)
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.state.Load() == ChannelOpen {
				c.state.Store(ChannelFailed)
			}
			return
		}
		c.recv <- payload
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(ChannelClosed)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
