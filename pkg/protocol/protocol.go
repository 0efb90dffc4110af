// Package protocol defines the wire frames exchanged with the AI endpoint
// over its websocket interface: one hello carrying the session context, a
// ready acknowledgment, then a strict turn -> streamed-reply exchange.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	TypeHello      = "hello"
	TypeReady      = "ready"
	TypeTurn       = "turn"
	TypeReplyDelta = "reply_delta"
	TypeReplyDone  = "reply_done"
	TypeError      = "error"
)

// ClientHello opens a session. System carries the fully rendered profile
// context; it is sent exactly once per connection.
type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	System          string `json:"system"`
	// ResumeTurnID is set when redialing mid-session so the endpoint can
	// discard any partial state for that turn.
	ResumeTurnID string `json:"resume_turn_id,omitempty"`
}

// ServerReady acknowledges the hello. The endpoint sends it once the system
// context is loaded; no turn may be submitted before it arrives.
type ServerReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Ack       string `json:"ack,omitempty"`
}

// ClientTurn is one request turn. ImageB64 carries an optional PNG
// screenshot, base64 encoded.
type ClientTurn struct {
	Type     string `json:"type"`
	TurnID   string `json:"turn_id"`
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// ServerReplyDelta is one streamed reply fragment for a turn.
type ServerReplyDelta struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Delta  string `json:"delta"`
}

// ServerReplyDone terminates the streamed reply for a turn.
type ServerReplyDone struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

// ServerError reports an endpoint-side failure for the session or a turn.
type ServerError struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Frame   string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Frame == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Frame)
}

// DecodeServerFrame decodes one text frame from the endpoint into its typed
// form. Unknown frame types are returned as UnknownFrame rather than errors
// so the protocol can grow without breaking older clients.
func DecodeServerFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Message: "decode frame envelope: " + err.Error()}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &DecodeError{Message: "frame missing type"}
	}

	switch typ {
	case TypeReady:
		var frame ServerReady
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, &DecodeError{Frame: typ, Message: err.Error()}
		}
		return frame, nil
	case TypeReplyDelta:
		var frame ServerReplyDelta
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, &DecodeError{Frame: typ, Message: err.Error()}
		}
		return frame, nil
	case TypeReplyDone:
		var frame ServerReplyDone
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, &DecodeError{Frame: typ, Message: err.Error()}
		}
		return frame, nil
	case TypeError:
		var frame ServerError
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, &DecodeError{Frame: typ, Message: err.Error()}
		}
		return frame, nil
	default:
		return UnknownFrame{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// UnknownFrame preserves an unrecognized frame for logging.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}
