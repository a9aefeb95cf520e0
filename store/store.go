package store

import (
	"context"
	"errors"
	"time"

	"github.com/zlnvch/pgprelay/models"
)

type RelayStore interface {
	EnsureIdentity(ctx context.Context, identity models.Identity) (models.Identity, bool, error)
	TouchIdentity(ctx context.Context, username string, lastSeen time.Time) error
	GetIdentity(ctx context.Context, username string) (models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)

	SaveMessage(ctx context.Context, msg models.StoredMessage) error
	GetMessage(ctx context.Context, from string, to string, id string) (models.StoredMessage, error)
	GetUndelivered(ctx context.Context, to string) ([]models.StoredMessage, error)
	MarkDelivered(ctx context.Context, refs []models.MessageRef) error
	GetConversation(ctx context.Context, userA string, userB string, limit int) ([]models.StoredMessage, error)

	EnsureSession(ctx context.Context, sessionId string, participants [2]string) (models.Session, error)
	GetSession(ctx context.Context, sessionId string) (models.Session, error)
	// AppendStroke returns the stroke with its Seq assigned. Seq increases
	// in commit order within a session.
	AppendStroke(ctx context.Context, sessionId string, stroke models.Stroke) (models.Stroke, error)
	GetStrokes(ctx context.Context, sessionId string) ([]models.Stroke, error)
	ClearStrokes(ctx context.Context, sessionId string) (models.Session, error)
	PurgeStrokes(ctx context.Context, sessionId string, beforeEpoch int) error
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)

// ConversationKey is the order-independent key shared by messages and
// whiteboard sessions between the same two users. Usernames never contain
// '-', so the pairing is unambiguous.
func ConversationKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "-" + userB
}
