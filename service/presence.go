package service

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
)

// Outbox is the write side of a connection. Deliver must not block; it
// reports false when the frame was dropped. DeliverWait waits for room
// until ctx is done or the connection closes.
type Outbox interface {
	Deliver(msg []byte) bool
	DeliverWait(ctx context.Context, msg []byte) bool
}

// ConnectionContext is the per-connection state every handler receives.
// The identity is unset until the handshake completes.
type ConnectionContext struct {
	ID     string
	Outbox Outbox

	mu          sync.Mutex
	username    string
	whiteboards map[string]string // sessionId -> peer
}

func NewConnectionContext(outbox Outbox) *ConnectionContext {
	return &ConnectionContext{
		ID:          uuid.Must(uuid.NewV4()).String(),
		Outbox:      outbox,
		whiteboards: make(map[string]string),
	}
}

func (c *ConnectionContext) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *ConnectionContext) Authenticated() bool {
	return c.Username() != ""
}

func (c *ConnectionContext) setUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func (c *ConnectionContext) addWhiteboard(sessionId, peer string) {
	c.mu.Lock()
	c.whiteboards[sessionId] = peer
	c.mu.Unlock()
}

func (c *ConnectionContext) removeWhiteboard(sessionId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.whiteboards[sessionId]; !ok {
		return false
	}
	delete(c.whiteboards, sessionId)
	return true
}

// Whiteboards returns the joined sessions as sessionId -> peer.
func (c *ConnectionContext) Whiteboards() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.whiteboards))
	for id, peer := range c.whiteboards {
		out[id] = peer
	}
	return out
}

// Emit encodes and delivers a single event to this connection.
func (c *ConnectionContext) Emit(eventType string, data any) bool {
	msg := EncodeEvent(eventType, data)
	if msg == nil {
		return false
	}
	return c.Outbox.Deliver(msg)
}

// EmitWait is Emit for frames that must not be dropped while the connection
// is alive.
func (c *ConnectionContext) EmitWait(ctx context.Context, eventType string, data any) bool {
	msg := EncodeEvent(eventType, data)
	if msg == nil {
		return false
	}
	return c.Outbox.DeliverWait(ctx, msg)
}

// PendingChallenge is an issued but not yet answered challenge.
type PendingChallenge struct {
	Username  string
	PublicKey string
	Challenge string
}

// Presence tracks which connection holds each online identity and the
// outstanding challenge of each connection. Nothing here survives a restart.
type Presence struct {
	mu      sync.RWMutex
	online  map[string]*ConnectionContext
	pending map[string]PendingChallenge
}

func NewPresence() *Presence {
	return &Presence{
		online:  make(map[string]*ConnectionContext),
		pending: make(map[string]PendingChallenge),
	}
}

// RegisterOnline binds username to conn, replacing any earlier connection.
// The replaced connection is returned, or nil.
func (p *Presence) RegisterOnline(username string, conn *ConnectionContext) *ConnectionContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.online[username]
	p.online[username] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister drops the binding of conn's identity, but only while it still
// points at conn. It reports whether the online set changed.
func (p *Presence) Unregister(conn *ConnectionContext) bool {
	username := conn.Username()
	if username == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.online[username]; ok && current.ID == conn.ID {
		delete(p.online, username)
		return true
	}
	return false
}

func (p *Presence) Lookup(username string) (*ConnectionContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.online[username]
	return conn, ok
}

// Online returns the online usernames in sorted order.
func (p *Presence) Online() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.online))
	for name := range p.online {
		names = append(names, name)
	}
	p.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (p *Presence) SetChallenge(connId string, challenge PendingChallenge) {
	p.mu.Lock()
	p.pending[connId] = challenge
	p.mu.Unlock()
}

func (p *Presence) Challenge(connId string) (PendingChallenge, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	challenge, ok := p.pending[connId]
	return challenge, ok
}

func (p *Presence) DeleteChallenge(connId string) {
	p.mu.Lock()
	delete(p.pending, connId)
	p.mu.Unlock()
}
