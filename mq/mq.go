package mq

import "context"

// MessageQueue is a job queue with at-least-once delivery. A received
// message stays invisible for the visibility timeout and reappears unless it
// is deleted.
type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
	// ReceiveCount is how many times the queue has handed this message out,
	// including this time.
	ReceiveCount int
}
