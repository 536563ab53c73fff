package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientFrame   MessageType = "client_frame"
	TypeClientControl MessageType = "client_control"
	TypeFocusUpdate   MessageType = "focus_update"
	TypeEmotionUpdate MessageType = "emotion_update"
	TypeStatusEvent   MessageType = "status_event"
	TypeSessionClosed MessageType = "session_closed"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionStop = "stop"
	ActionPing = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientFrame carries one camera frame, JPEG or PNG, base64 encoded.
type ClientFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int64       `json:"seq"`
	ImageBase64 string      `json:"image_base64"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type FocusUpdate struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	Status          string      `json:"status"`
	Faces           int         `json:"faces"`
	Eyes            int         `json:"eyes"`
	FocusedCount    int         `json:"focused_count"`
	DistractedCount int         `json:"distracted_count"`
	TSMs            int64       `json:"ts_ms"`
}

type EmotionUpdate struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type StatusEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type SessionClosed struct {
	Type              MessageType `json:"type"`
	SessionID         string      `json:"session_id"`
	Reason            string      `json:"reason"`
	ProductivityScore *float64    `json:"productivity_score,omitempty"`
	EmotionScore      *float64    `json:"emotion_score,omitempty"`
	FocusScore        *float64    `json:"focus_score,omitempty"`
	Detail            string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientFrame:
		var msg ClientFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.ImageBase64 == "" {
			return nil, errors.New("invalid client_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// UnixMS converts a timestamp for the ts_ms wire fields.
func UnixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
