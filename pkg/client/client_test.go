package client

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagewhisper/stagewhisper/pkg/core"
	"github.com/stagewhisper/stagewhisper/pkg/core/live"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
	"github.com/stagewhisper/stagewhisper/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// newTestEndpoint runs handle for each websocket connection and returns the
// ws:// URL.
func newTestEndpoint(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readHello consumes and decodes the opening hello frame.
func readHello(t *testing.T, conn *websocket.Conn) protocol.ClientHello {
	t.Helper()
	var hello protocol.ClientHello
	if err := conn.ReadJSON(&hello); err != nil {
		t.Errorf("read hello: %v", err)
	}
	return hello
}

func sendReady(conn *websocket.Conn, sessionID string) {
	_ = conn.WriteJSON(protocol.ServerReady{
		Type:      protocol.TypeReady,
		SessionID: sessionID,
		Ack:       live.ReadyAcknowledgment,
	})
}

func faultKind(t *testing.T, err error) core.FaultKind {
	t.Helper()
	var ce *core.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v (%T), want *core.Error", err, err)
	}
	return ce.Kind
}

func TestClient_OpenDeliversSystemContext(t *testing.T) {
	var gotHello protocol.ClientHello
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		gotHello = readHello(t, conn)
		sendReady(conn, gotHello.SessionID)
		time.Sleep(100 * time.Millisecond)
	})

	c := New(Config{URL: url, APIKey: "test-key"})
	defer c.Close()

	if err := c.Open(context.Background(), "the rendered profile context"); err != nil {
		t.Fatal(err)
	}
	if gotHello.Type != protocol.TypeHello {
		t.Errorf("hello type = %q", gotHello.Type)
	}
	if gotHello.System != "the rendered profile context" {
		t.Errorf("system = %q, context not delivered", gotHello.System)
	}
	if gotHello.ProtocolVersion != protocol.ProtocolVersion1 {
		t.Errorf("protocol_version = %q", gotHello.ProtocolVersion)
	}
	if gotHello.SessionID == "" {
		t.Error("hello carries no session id")
	}
	if gotHello.ResumeTurnID != "" {
		t.Errorf("fresh open set resume_turn_id = %q", gotHello.ResumeTurnID)
	}
}

func TestClient_OpenRejectsWrongAcknowledgment(t *testing.T) {
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		readHello(t, conn)
		_ = conn.WriteJSON(protocol.ServerReady{Type: protocol.TypeReady, Ack: "Ready when you are."})
	})

	c := New(Config{URL: url})
	defer c.Close()

	err := c.Open(context.Background(), "ctx")
	if err == nil {
		t.Fatal("open accepted a wrong acknowledgment")
	}
	if kind := faultKind(t, err); kind != core.FaultProtocol {
		t.Errorf("fault kind = %q, want protocol", kind)
	}
}

func TestClient_OpenTimesOutWithoutAcknowledgment(t *testing.T) {
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		readHello(t, conn)
		// Never acknowledge.
		time.Sleep(2 * time.Second)
	})

	c := New(Config{URL: url, HandshakeTimeout: 100 * time.Millisecond})
	defer c.Close()

	start := time.Now()
	err := c.Open(context.Background(), "ctx")
	if err == nil {
		t.Fatal("open succeeded without an acknowledgment")
	}
	if kind := faultKind(t, err); kind != core.FaultProtocol {
		t.Errorf("fault kind = %q, want protocol", kind)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("open blocked %v past the handshake timeout", elapsed)
	}
}

func TestClient_SendStreamsReply(t *testing.T) {
	var gotTurn protocol.ClientTurn
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		hello := readHello(t, conn)
		sendReady(conn, hello.SessionID)
		if err := conn.ReadJSON(&gotTurn); err != nil {
			t.Errorf("read turn: %v", err)
			return
		}
		_ = conn.WriteJSON(protocol.ServerReplyDelta{Type: protocol.TypeReplyDelta, TurnID: gotTurn.TurnID, Delta: "hello "})
		_ = conn.WriteJSON(protocol.ServerReplyDelta{Type: protocol.TypeReplyDelta, TurnID: gotTurn.TurnID, Delta: "there"})
		_ = conn.WriteJSON(protocol.ServerReplyDone{Type: protocol.TypeReplyDone, TurnID: gotTurn.TurnID})
		time.Sleep(100 * time.Millisecond)
	})

	c := New(Config{URL: url})
	defer c.Close()
	if err := c.Open(context.Background(), "ctx"); err != nil {
		t.Fatal(err)
	}

	stream, err := c.Send(context.Background(), types.RequestEnvelope{
		Kind:     types.TriggerPrompt,
		Text:     "what is on screen",
		ImagePNG: []byte("png-bytes"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var reply strings.Builder
	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		reply.WriteString(delta)
	}
	if reply.String() != "hello there" {
		t.Errorf("reply = %q", reply.String())
	}

	if gotTurn.Kind != string(types.TriggerPrompt) || gotTurn.Text != "what is on screen" {
		t.Errorf("turn frame = %+v", gotTurn)
	}
	if want := base64.StdEncoding.EncodeToString([]byte("png-bytes")); gotTurn.ImageB64 != want {
		t.Errorf("image_b64 = %q, screenshot not encoded", gotTurn.ImageB64)
	}

	// The stream stays terminal after completion.
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("next after done = %v, want io.EOF", err)
	}
}

func TestClient_ServerErrorCodesMapToFaults(t *testing.T) {
	cases := []struct {
		code      string
		wantKind  core.FaultKind
		retryable bool
	}{
		{"overloaded", core.FaultNetwork, true},
		{"unavailable", core.FaultNetwork, true},
		{"timeout", core.FaultNetwork, true},
		{"invalid_request", core.FaultProtocol, false},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			url := newTestEndpoint(t, func(conn *websocket.Conn) {
				hello := readHello(t, conn)
				sendReady(conn, hello.SessionID)
				var turn protocol.ClientTurn
				_ = conn.ReadJSON(&turn)
				_ = conn.WriteJSON(protocol.ServerError{
					Type: protocol.TypeError, TurnID: turn.TurnID, Code: tc.code, Message: "nope",
				})
				time.Sleep(100 * time.Millisecond)
			})

			c := New(Config{URL: url})
			defer c.Close()
			if err := c.Open(context.Background(), "ctx"); err != nil {
				t.Fatal(err)
			}
			stream, err := c.Send(context.Background(), types.RequestEnvelope{Kind: types.TriggerPrompt, Text: "q"})
			if err != nil {
				t.Fatal(err)
			}
			_, err = stream.Next()
			if err == nil {
				t.Fatal("stream delivered a delta instead of the server error")
			}
			var ce *core.Error
			if !errors.As(err, &ce) {
				t.Fatalf("error = %T", err)
			}
			if ce.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", ce.Kind, tc.wantKind)
			}
			if ce.IsRetryable() != tc.retryable {
				t.Errorf("retryable = %v, want %v", ce.IsRetryable(), tc.retryable)
			}
		})
	}
}

func TestClient_RedialsWithResumeAfterBrokenStream(t *testing.T) {
	dials := make(chan protocol.ClientHello, 2)
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		hello := readHello(t, conn)
		dials <- hello
		sendReady(conn, hello.SessionID)

		var turn protocol.ClientTurn
		if err := conn.ReadJSON(&turn); err != nil {
			return
		}
		if hello.ResumeTurnID == "" {
			// First connection: die mid-turn without replying.
			return
		}
		_ = conn.WriteJSON(protocol.ServerReplyDelta{Type: protocol.TypeReplyDelta, TurnID: turn.TurnID, Delta: "after resume"})
		_ = conn.WriteJSON(protocol.ServerReplyDone{Type: protocol.TypeReplyDone, TurnID: turn.TurnID})
		time.Sleep(100 * time.Millisecond)
	})

	c := New(Config{URL: url, HandshakeTimeout: 2 * time.Second})
	defer c.Close()
	if err := c.Open(context.Background(), "ctx"); err != nil {
		t.Fatal(err)
	}

	stream, err := c.Send(context.Background(), types.RequestEnvelope{Kind: types.TriggerVoice, Text: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Next(); err == nil {
		t.Fatal("stream survived a dropped connection")
	} else if kind := faultKind(t, err); kind != core.FaultNetwork {
		t.Errorf("fault kind = %q, want network", kind)
	}

	// The next send redials and resumes.
	stream, err = c.Send(context.Background(), types.RequestEnvelope{Kind: types.TriggerVoice, Text: "second"})
	if err != nil {
		t.Fatal(err)
	}
	delta, err := stream.Next()
	if err != nil {
		t.Fatal(err)
	}
	if delta != "after resume" {
		t.Errorf("delta = %q", delta)
	}

	first := <-dials
	second := <-dials
	if first.ResumeTurnID != "" {
		t.Errorf("first dial carried resume_turn_id %q", first.ResumeTurnID)
	}
	if second.ResumeTurnID == "" {
		t.Error("redial carried no resume_turn_id")
	}
	if second.System != "ctx" {
		t.Errorf("redial system = %q, context must be replayed", second.System)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("redial session id %q != %q", second.SessionID, first.SessionID)
	}
}

func TestClient_SendBeforeOpenRejected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0"})
	_, err := c.Send(context.Background(), types.RequestEnvelope{Kind: types.TriggerPrompt, Text: "q"})
	if err == nil {
		t.Fatal("send succeeded before open")
	}
	if kind := faultKind(t, err); kind != core.FaultProtocol {
		t.Errorf("fault kind = %q, want protocol", kind)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		hello := readHello(t, conn)
		sendReady(conn, hello.SessionID)
		time.Sleep(100 * time.Millisecond)
	})

	c := New(Config{URL: url})
	if err := c.Open(context.Background(), "ctx"); err != nil {
		t.Fatal(err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close returned %v", err)
	}

	if _, err := c.Send(context.Background(), types.RequestEnvelope{Kind: types.TriggerPrompt, Text: "q"}); !errors.Is(err, core.ErrSessionClosed) {
		t.Errorf("send after close = %v, want ErrSessionClosed", err)
	}
	if err := c.Open(context.Background(), "ctx"); !errors.Is(err, core.ErrSessionClosed) {
		t.Errorf("open after close = %v, want ErrSessionClosed", err)
	}
}

func TestClient_DoubleOpenRejected(t *testing.T) {
	url := newTestEndpoint(t, func(conn *websocket.Conn) {
		hello := readHello(t, conn)
		sendReady(conn, hello.SessionID)
		time.Sleep(200 * time.Millisecond)
	})

	c := New(Config{URL: url})
	defer c.Close()
	if err := c.Open(context.Background(), "ctx"); err != nil {
		t.Fatal(err)
	}
	err := c.Open(context.Background(), "ctx")
	if err == nil {
		t.Fatal("second open succeeded")
	}
	if kind := faultKind(t, err); kind != core.FaultProtocol {
		t.Errorf("fault kind = %q, want protocol", kind)
	}
}
