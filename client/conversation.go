package client

import (
	"sort"
	"sync"

	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/service"
)

// Entry is one message in a conversation. Pending entries were inserted
// optimistically and have no relay id yet.
type Entry struct {
	Message models.StoredMessage
	Pending bool
}

// Conversation is the local projection of the messages exchanged with one
// peer. Confirmed messages are keyed by id; pending ones by idempotency
// token until their acknowledgement replaces them.
type Conversation struct {
	Peer string

	mu        sync.Mutex
	confirmed map[string]models.StoredMessage
	pending   map[string]models.StoredMessage
}

func NewConversation(peer string) *Conversation {
	return &Conversation{
		Peer:      peer,
		confirmed: make(map[string]models.StoredMessage),
		pending:   make(map[string]models.StoredMessage),
	}
}

// AddPending records a message that has been sent but not acknowledged.
func (c *Conversation) AddPending(msg models.StoredMessage) {
	token := msg.Payload.IdempotencyToken
	if token == "" {
		return
	}
	c.mu.Lock()
	c.pending[token] = msg
	c.mu.Unlock()
}

// Acknowledge replaces the pending entry carrying the same token with the
// relay's record. It reports whether the conversation changed.
func (c *Conversation) Acknowledge(ack service.MessageAckData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ack.IdempotencyToken != "" {
		delete(c.pending, ack.IdempotencyToken)
	}
	return c.insertLocked(ack.StoredMessage)
}

// Receive adds an inbound message, dropping duplicates by id. Catch-up may
// replay a message already seen live.
func (c *Conversation) Receive(msg models.StoredMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(msg)
}

func (c *Conversation) insertLocked(msg models.StoredMessage) bool {
	if msg.Id == "" {
		return false
	}
	if _, ok := c.confirmed[msg.Id]; ok {
		return false
	}
	c.confirmed[msg.Id] = msg
	return true
}

// Rebuild replaces every confirmed message with history. Pending entries
// whose token shows up in history are resolved; the rest are kept.
func (c *Conversation) Rebuild(history []models.StoredMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.confirmed = make(map[string]models.StoredMessage, len(history))
	for _, msg := range history {
		if token := msg.Payload.IdempotencyToken; token != "" {
			delete(c.pending, token)
		}
		c.insertLocked(msg)
	}
}

// Entries lists confirmed messages oldest first, followed by pending ones
// in the order they were sent.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmed := make([]models.StoredMessage, 0, len(c.confirmed))
	for _, msg := range c.confirmed {
		confirmed = append(confirmed, msg)
	}
	sortMessages(confirmed)

	pending := make([]models.StoredMessage, 0, len(c.pending))
	for _, msg := range c.pending {
		pending = append(pending, msg)
	}
	sortMessages(pending)

	entries := make([]Entry, 0, len(confirmed)+len(pending))
	for _, msg := range confirmed {
		entries = append(entries, Entry{Message: msg})
	}
	for _, msg := range pending {
		entries = append(entries, Entry{Message: msg, Pending: true})
	}
	return entries
}

// Ids are UUIDv7, so they break timestamp ties in creation order.
func sortMessages(msgs []models.StoredMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		if msgs[i].Id != msgs[j].Id {
			return msgs[i].Id < msgs[j].Id
		}
		return msgs[i].Payload.IdempotencyToken < msgs[j].Payload.IdempotencyToken
	})
}
