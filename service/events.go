package service

import (
	"encoding/json"
	"log"

	"github.com/zlnvch/pgprelay/models"
)

// Client to server events
const (
	EventRegister        = "register"
	EventVerifySignature = "verify_signature"
	EventSendMessage     = "send_message"
	EventHistory         = "history"
	EventLogout          = "logout"
	EventJoinWhiteboard  = "join_whiteboard"
	EventDrawStroke      = "draw_stroke"
	EventClearWhiteboard = "clear_whiteboard"
	EventLeaveWhiteboard = "leave_whiteboard"
)

// Server to client events. EventHistory is shared by both directions.
const (
	EventVerify               = "verify"
	EventRegistered           = "registered"
	EventError                = "error_msg"
	EventUsers                = "users"
	EventMessage              = "message"
	EventMessageAck           = "message_ack"
	EventLoggedOut            = "logged_out"
	EventWhiteboardHistory    = "whiteboard_history"
	EventStrokeDrawn          = "stroke_drawn"
	EventWhiteboardCleared    = "whiteboard_cleared"
	EventUserJoinedWhiteboard = "user_joined_whiteboard"
	EventUserLeftWhiteboard   = "user_left_whiteboard"
)

// Event is the frame exchanged over a connection in both directions.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EncodeEvent marshals a {type, data} frame. It returns nil if data cannot
// be marshaled, which only happens for programming errors.
func EncodeEvent(eventType string, data any) []byte {
	if data == nil {
		data = struct{}{}
	}
	b, err := json.Marshal(outboundEvent{Type: eventType, Data: data})
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", eventType, err)
		return nil
	}
	return b
}

// Requests

type RegisterRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type VerifySignatureRequest struct {
	Signed string `json:"signed"`
}

type SendMessageRequest struct {
	To      string          `json:"to"`
	Payload models.Envelope `json:"payload"`
}

type HistoryRequest struct {
	WithUser string `json:"withUser"`
	Limit    int    `json:"limit,omitempty"`
}

type WhiteboardRequest struct {
	WithUser string `json:"withUser"`
}

type DrawStrokeRequest struct {
	WithUser string        `json:"withUser"`
	Stroke   models.Stroke `json:"stroke"`
}

// Responses and notifications

type VerifyData struct {
	Challenge string `json:"challenge"`
}

type RegisteredData struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type ErrorData struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type UsersData struct {
	Users  []models.Identity `json:"users"`
	Online []string          `json:"online"`
}

type MessageAckData struct {
	models.StoredMessage
	IdempotencyToken string `json:"idempotencyToken"`
}

type HistoryData struct {
	WithUser string                 `json:"withUser"`
	Messages []models.StoredMessage `json:"messages"`
}

type WhiteboardHistoryData struct {
	SessionId string          `json:"sessionId"`
	Strokes   []models.Stroke `json:"strokes"`
}

type StrokeDrawnData struct {
	SessionId string        `json:"sessionId"`
	Stroke    models.Stroke `json:"stroke"`
}

type WhiteboardClearedData struct {
	SessionId string `json:"sessionId"`
}

type WhiteboardUserData struct {
	SessionId string `json:"sessionId"`
	User      string `json:"user"`
}

// SessionFrame is published on a session channel. Every local member of the
// session except the connection named by Exclude receives Event verbatim.
type SessionFrame struct {
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}
