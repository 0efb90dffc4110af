// Package client implements the websocket session client for the AI
// endpoint. One client serves one session: open, a serialized sequence of
// turns with streamed replies, close.
package client

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/live"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
	"github.com/stagewhisper/stagewhisper/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Config configures a session client.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// APIKey, when set, is sent as a bearer token on the dial request.
	APIKey string

	// HandshakeTimeout bounds the wait for the ready acknowledgment.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds individual frame writes.
	WriteTimeout time.Duration

	// ReadyAck is the acknowledgment text required from the endpoint.
	// Defaults to the pipeline's readiness phrase.
	ReadyAck string

	Logger *slog.Logger
}

// Client is a websocket implementation of live.SessionClient.
type Client struct {
	config Config
	logger *slog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	sessionID string
	system    string
	opened    bool
	lastTurn  string

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a client for the given endpoint.
func New(config Config) *Client {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.ReadyAck == "" {
		config.ReadyAck = live.ReadyAcknowledgment
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Open dials the endpoint, delivers the system context, and blocks until the
// ready acknowledgment arrives. A missing or wrong acknowledgment within the
// handshake timeout is a protocol fault.
func (c *Client) Open(ctx context.Context, system string) error {
	if c.closed.Load() {
		return core.ErrSessionClosed
	}

	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return core.NewProtocolFault("client.open", "session already open", nil)
	}
	c.sessionID = uuid.NewString()
	c.system = system
	c.mu.Unlock()

	if err := c.dial(ctx, ""); err != nil {
		return err
	}

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

// dial establishes the connection and completes the readiness handshake.
// resumeTurnID is set on redials so the endpoint can discard a half-finished
// exchange.
func (c *Client) dial(ctx context.Context, resumeTurnID string) error {
	c.mu.Lock()
	sessionID := c.sessionID
	system := c.system
	c.mu.Unlock()

	headers := make(http.Header)
	if c.config.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.config.URL, headers)
	if err != nil {
		if resp != nil {
			return core.NewNetworkFault("client.dial", "websocket dial failed, status "+resp.Status, err)
		}
		return core.NewNetworkFault("client.dial", "websocket dial failed", err)
	}

	hello := protocol.ClientHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		System:          system,
		ResumeTurnID:    resumeTurnID,
	}
	if err := c.writeJSONConn(conn, hello); err != nil {
		_ = conn.Close()
		return core.NewNetworkFault("client.hello", "failed to send session hello", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return core.NewProtocolFault("client.handshake", "no ready acknowledgment before timeout", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeServerFrame(payload)
	if err != nil {
		_ = conn.Close()
		return core.NewProtocolFault("client.handshake", "undecodable first frame", err)
	}
	ready, ok := frame.(protocol.ServerReady)
	if !ok {
		_ = conn.Close()
		return core.NewProtocolFault("client.handshake", "first frame is not a ready acknowledgment", nil)
	}
	if ready.Ack != c.config.ReadyAck {
		_ = conn.Close()
		return core.NewProtocolFault("client.handshake", "unexpected ready acknowledgment text", nil)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Debug("session handshake complete", "session_id", sessionID)
	return nil
}

// Send submits one turn and returns its streamed reply. The caller
// serializes turns; Send must not race a previous unconsumed stream.
//
// A connection lost on a previous turn is redialed here, which replays the
// full handshake including the system context.
func (c *Client) Send(ctx context.Context, env types.RequestEnvelope) (live.ReplyStream, error) {
	if c.closed.Load() {
		return nil, core.ErrSessionClosed
	}
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil, core.NewProtocolFault("client.send", "session not open", nil)
	}
	conn := c.conn
	lastTurn := c.lastTurn
	c.mu.Unlock()

	if conn == nil {
		if err := c.dial(ctx, lastTurn); err != nil {
			return nil, err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	turnID := uuid.NewString()
	frame := protocol.ClientTurn{
		Type:   protocol.TypeTurn,
		TurnID: turnID,
		Kind:   string(env.Kind),
		Text:   env.Text,
	}
	if len(env.ImagePNG) > 0 {
		frame.ImageB64 = base64.StdEncoding.EncodeToString(env.ImagePNG)
	}

	if err := c.writeJSONConn(conn, frame); err != nil {
		c.dropConn(conn)
		return nil, core.NewNetworkFault("client.send", "failed to send turn", err)
	}

	c.mu.Lock()
	c.lastTurn = turnID
	c.mu.Unlock()

	return &replyStream{client: c, conn: conn, turnID: turnID, ctx: ctx}, nil
}

// writeJSONConn writes one frame under the write lock with a deadline.
func (c *Client) writeJSONConn(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteJSON(v)
}

// dropConn discards a dead connection so the next Send redials.
func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// Close tears the connection down. Idempotent; concurrent and repeat calls
// return nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

// replyStream consumes the frames of one turn's streamed reply.
type replyStream struct {
	client *Client
	conn   *websocket.Conn
	turnID string
	ctx    context.Context

	done bool
	err  error
}

// Next returns the next reply chunk. io.EOF signals the complete reply.
func (s *replyStream) Next() (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	if s.client.closed.Load() {
		s.done = true
		s.err = core.ErrSessionClosed
		return "", s.err
	}

	s.client.readMu.Lock()
	defer s.client.readMu.Unlock()

	for {
		if deadline, ok := s.ctx.Deadline(); ok {
			_ = s.conn.SetReadDeadline(deadline)
		}
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.done = true
			s.client.dropConn(s.conn)
			s.err = core.NewNetworkFault("client.stream", "reply stream broken", err)
			return "", s.err
		}

		frame, err := protocol.DecodeServerFrame(payload)
		if err != nil {
			s.done = true
			s.err = core.NewProtocolFault("client.stream", "undecodable reply frame", err)
			return "", s.err
		}

		switch f := frame.(type) {
		case protocol.ServerReplyDelta:
			if f.TurnID != "" && f.TurnID != s.turnID {
				continue
			}
			return f.Delta, nil
		case protocol.ServerReplyDone:
			if f.TurnID != "" && f.TurnID != s.turnID {
				continue
			}
			s.done = true
			return "", io.EOF
		case protocol.ServerError:
			s.done = true
			s.err = serverError(f)
			return "", s.err
		default:
			// Frames outside the turn exchange are ignored.
			continue
		}
	}
}

// Close abandons the stream. Remaining frames for the turn, if any, are
// skipped by turn-ID filtering on the next exchange.
func (s *replyStream) Close() error {
	s.done = true
	return nil
}

// serverError maps an endpoint error frame to a typed fault.
func serverError(f protocol.ServerError) error {
	switch f.Code {
	case "overloaded", "unavailable", "timeout":
		return core.NewNetworkFault("client.stream", f.Message, nil)
	default:
		return core.NewProtocolFault("client.stream", f.Message, nil)
	}
}
