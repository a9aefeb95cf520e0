package models

import "time"

type Identity struct {
	Username  string    `json:"username"`
	PublicKey string    `json:"publicKey"`
	Created   time.Time `json:"-"`
	LastSeen  time.Time `json:"-"`
}

// Envelope is the opaque payload of a message. The relay never looks
// inside Ciphertext; Type is the plaintext tag the sender chose.
type Envelope struct {
	Ciphertext       []byte `json:"envelope"`
	Type             string `json:"type"`
	IdempotencyToken string `json:"idempotencyToken,omitempty"`
}

type StoredMessage struct {
	Id        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Payload   Envelope  `json:"payload"`
	Delivered bool      `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m StoredMessage) Ref() MessageRef {
	return MessageRef{Id: m.Id, From: m.From, To: m.To}
}

type MessageRef struct {
	Id   string
	From string
	To   string
}

type Session struct {
	SessionId    string
	Participants [2]string
	Epoch        int
	// StrokeSeq is the sequence number of the last appended stroke. It
	// survives clears.
	StrokeSeq    int64
	LastModified time.Time
}

type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one drawn path. Seq is assigned by the store when the stroke is
// appended and gives the log order.
type Stroke struct {
	Id        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Points    []Point   `json:"points"`
	Color     string    `json:"color"`
	Size      float64   `json:"size"`
	Tool      Tool      `json:"tool"`
	Timestamp time.Time `json:"timestamp"`
}
