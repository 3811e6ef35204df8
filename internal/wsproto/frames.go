package wsproto

import (
	"encoding/json"
	"fmt"

	"github.com/agentrelay/gateway/internal/apperr"
)

// Client→server frame kinds (spec §4.10/§6).
const (
	ClientFrameSubscribe   = "subscribe"
	ClientFrameUnsubscribe = "unsubscribe"
	ClientFrameBackfill    = "backfill"
	ClientFramePing        = "ping"
	ClientFrameReconnect   = "reconnect"
	ClientFrameAck         = "ack"
)

// Server→client frame kinds (spec §4.10/§6).
const (
	ServerFrameConnected        = "connected"
	ServerFrameSubscribed       = "subscribed"
	ServerFrameUnsubscribed     = "unsubscribed"
	ServerFrameMessage          = "message"
	ServerFrameBackfillResponse = "backfill_response"
	ServerFramePong             = "pong"
	ServerFrameHeartbeat        = "heartbeat"
	ServerFrameReconnectAck     = "reconnect_ack"
	ServerFrameAckResponse      = "ack_response"
	ServerFrameThrottled        = "throttled"
	ServerFrameError            = "error"
)

// envelope is the wire shape of every frame: a "type" discriminator
// plus a type-specific body. Client and server frames share it.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"-"`
}

// ClientFrame is the total, parsed form of any inbound client message.
// Exactly one of the typed fields is non-nil, selected by Type.
type ClientFrame struct {
	Type string

	Subscribe   *SubscribeFrame
	Unsubscribe *UnsubscribeFrame
	Backfill    *BackfillFrame
	Ping        *PingFrame
	Reconnect   *ReconnectFrame
	Ack         *AckFrame
}

type SubscribeFrame struct {
	Channel string `json:"channel"`
	Cursor  string `json:"cursor,omitempty"`
}

type UnsubscribeFrame struct {
	Channel string `json:"channel"`
}

type BackfillFrame struct {
	Channel    string `json:"channel"`
	FromCursor string `json:"fromCursor"`
	Limit      int    `json:"limit,omitempty"`
}

type PingFrame struct {
	Timestamp int64 `json:"timestamp"`
}

type ReconnectFrame struct {
	Cursors map[string]string `json:"cursors"`
}

type AckFrame struct {
	MessageIDs []string `json:"messageIds"`
}

// ParseClientFrame decodes a raw inbound JSON frame. Parsing is total:
// any malformed input yields a non-nil *apperr.AppError with code
// INVALID_FORMAT rather than panicking.
func ParseClientFrame(raw []byte) (*ClientFrame, *apperr.AppError) {
	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &disc); err != nil {
		return nil, apperr.InvalidFormat("frame is not valid JSON")
	}

	cf := &ClientFrame{Type: disc.Type}
	switch disc.Type {
	case ClientFrameSubscribe:
		cf.Subscribe = &SubscribeFrame{}
		if err := json.Unmarshal(raw, cf.Subscribe); err != nil || cf.Subscribe.Channel == "" {
			return nil, apperr.InvalidFormat("subscribe requires a non-empty channel")
		}
	case ClientFrameUnsubscribe:
		cf.Unsubscribe = &UnsubscribeFrame{}
		if err := json.Unmarshal(raw, cf.Unsubscribe); err != nil || cf.Unsubscribe.Channel == "" {
			return nil, apperr.InvalidFormat("unsubscribe requires a non-empty channel")
		}
	case ClientFrameBackfill:
		cf.Backfill = &BackfillFrame{}
		if err := json.Unmarshal(raw, cf.Backfill); err != nil || cf.Backfill.Channel == "" {
			return nil, apperr.InvalidFormat("backfill requires a non-empty channel")
		}
	case ClientFramePing:
		cf.Ping = &PingFrame{}
		if err := json.Unmarshal(raw, cf.Ping); err != nil {
			return nil, apperr.InvalidFormat("malformed ping frame")
		}
	case ClientFrameReconnect:
		cf.Reconnect = &ReconnectFrame{}
		if err := json.Unmarshal(raw, cf.Reconnect); err != nil {
			return nil, apperr.InvalidFormat("malformed reconnect frame")
		}
	case ClientFrameAck:
		cf.Ack = &AckFrame{}
		if err := json.Unmarshal(raw, cf.Ack); err != nil {
			return nil, apperr.InvalidFormat("malformed ack frame")
		}
	default:
		return nil, apperr.InvalidFormat(fmt.Sprintf("unknown frame type %q", disc.Type))
	}
	return cf, nil
}

// Server frame bodies. Each is marshaled with a "type" field stamped
// by Encode below.

type ConnectedFrame struct {
	ConnectionID      string   `json:"connectionId"`
	ServerTime        string   `json:"serverTime"`
	ServerVersion     string   `json:"serverVersion"`
	Capabilities      []string `json:"capabilities"`
	HeartbeatInterval int64    `json:"heartbeatIntervalMs"`
}

type SubscribedFrame struct {
	Channel string `json:"channel"`
	Cursor  string `json:"cursor,omitempty"`
}

type UnsubscribedFrame struct {
	Channel string `json:"channel"`
}

type MessageFrame struct {
	Message     HubMessage `json:"message"`
	AckRequired bool       `json:"ackRequired,omitempty"`
}

type BackfillResponseFrame struct {
	Channel       string       `json:"channel"`
	Messages      []HubMessage `json:"messages"`
	LastCursor    string       `json:"lastCursor,omitempty"`
	HasMore       bool         `json:"hasMore"`
	CursorExpired bool         `json:"cursorExpired,omitempty"`
}

type PongFrame struct {
	Timestamp     int64             `json:"timestamp"`
	ServerTime    string            `json:"serverTime"`
	Subscriptions []string          `json:"subscriptions"`
	Cursors       map[string]string `json:"cursors"`
}

type HeartbeatFrame struct {
	ServerTime string `json:"serverTime"`
}

type ReconnectAckFrame struct {
	Replayed   map[string]int `json:"replayed"`
	Expired    []string       `json:"expired"`
	NewCursors map[string]string `json:"newCursors"`
}

type AckResponseFrame struct {
	Acknowledged []string `json:"acknowledged"`
	NotFound     []string `json:"notFound"`
}

type ThrottledFrame struct {
	Message       string `json:"message"`
	ResumeAfterMs int64  `json:"resumeAfterMs"`
	CurrentCount  int    `json:"currentCount"`
	Limit         int    `json:"limit"`
}

type ErrorFrame struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	Channel     string          `json:"channel,omitempty"`
	Severity    apperr.Severity `json:"severity"`
	Hint        string          `json:"hint,omitempty"`
	Alternative string          `json:"alternative,omitempty"`
	Details     string          `json:"details,omitempty"`
}

// ErrorFrameFrom builds a server error frame from an AppError.
func ErrorFrameFrom(err *apperr.AppError, channel string) ErrorFrame {
	return ErrorFrame{
		Code:     err.Code,
		Message:  err.Message,
		Channel:  channel,
		Severity: err.Severity,
		Hint:     err.Hint,
		Details:  err.Details,
	}
}

// Encode wraps a server frame body with its "type" discriminator and
// marshals the result, e.g. Encode(ServerFrameConnected, frame).
func Encode(frameType string, body interface{}) ([]byte, error) {
	wrapper := map[string]interface{}{"type": frameType}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		wrapper[k] = v
	}
	return json.Marshal(wrapper)
}
