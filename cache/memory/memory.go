// Package memory implements cache.RelayCache inside the process, for single
// node deployments where every connection shares one hub.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zlnvch/pgprelay/cache"
)

const (
	cacheTTL          = 10 * time.Minute
	idempotencyTTL    = 24 * time.Hour
	tokenSweepEvery   = 1024
	subscriberBacklog = 256
)

type subscriber struct {
	ch   chan []byte
	done <-chan struct{}
}

type strokeLog struct {
	complete bool
	strokes  map[string]cache.StrokeCacheItem
	expires  time.Time
}

type claimedToken struct {
	messageId string
	expires   time.Time
}

type MemoryRelayCache struct {
	mu          sync.Mutex
	nextSubId   int
	subscribers map[string]map[int]subscriber
	logs        map[string]*strokeLog
	generations map[string]int64
	tokens      map[string]claimedToken
	claims      int

	now func() time.Time
}

func NewMemoryRelayCache() *MemoryRelayCache {
	return &MemoryRelayCache{
		subscribers: make(map[string]map[int]subscriber),
		logs:        make(map[string]*strokeLog),
		generations: make(map[string]int64),
		tokens:      make(map[string]claimedToken),
		now:         time.Now,
	}
}

// Publish hands message to every subscriber of channel, waiting for slow
// ones until ctx is done.
func (m *MemoryRelayCache) Publish(ctx context.Context, channel string, message []byte) error {
	m.mu.Lock()
	subs := make([]subscriber, 0, len(m.subscribers[channel]))
	for _, sub := range m.subscribers[channel] {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- message:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryRelayCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	sub := subscriber{ch: make(chan []byte, subscriberBacklog), done: ctx.Done()}

	m.mu.Lock()
	id := m.nextSubId
	m.nextSubId++
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[int]subscriber)
	}
	m.subscribers[channel][id] = sub
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.subscribers[channel], id)
			if len(m.subscribers[channel]) == 0 {
				delete(m.subscribers, channel)
			}
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.ch:
				handler(msg)
			}
		}
	}()
	return nil
}

// liveLog returns the session's log, dropping it once it expired. Callers
// hold m.mu.
func (m *MemoryRelayCache) liveLog(sessionId string) *strokeLog {
	l, ok := m.logs[sessionId]
	if !ok {
		return nil
	}
	if m.now().After(l.expires) {
		delete(m.logs, sessionId)
		return nil
	}
	return l
}

func (m *MemoryRelayCache) GetStrokes(ctx context.Context, sessionId string) ([][]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.liveLog(sessionId)
	if l == nil || !l.complete {
		return nil, false, nil
	}
	l.expires = m.now().Add(cacheTTL)

	items := make([]cache.StrokeCacheItem, 0, len(l.strokes))
	for _, item := range l.strokes {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score < items[j].Score
		}
		return items[i].StrokeId < items[j].StrokeId
	})

	strokes := make([][]byte, len(items))
	for i, item := range items {
		strokes[i] = item.Data
	}
	return strokes, true, nil
}

func (m *MemoryRelayCache) StrokeGeneration(ctx context.Context, sessionId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[sessionId], nil
}

func (m *MemoryRelayCache) FillStrokes(ctx context.Context, sessionId string, generation int64, strokes []cache.StrokeCacheItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generations[sessionId] != generation {
		return false, nil
	}
	if l := m.liveLog(sessionId); l != nil && l.complete {
		return true, nil
	}

	l := &strokeLog{
		complete: true,
		strokes:  make(map[string]cache.StrokeCacheItem, len(strokes)),
		expires:  m.now().Add(cacheTTL),
	}
	for _, item := range strokes {
		l.strokes[item.StrokeId] = item
	}
	m.logs[sessionId] = l
	return true, nil
}

func (m *MemoryRelayCache) AddStroke(ctx context.Context, sessionId string, stroke cache.StrokeCacheItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.liveLog(sessionId)
	if l == nil || !l.complete {
		m.generations[sessionId]++
		return nil
	}
	l.strokes[stroke.StrokeId] = stroke
	l.expires = m.now().Add(cacheTTL)
	return nil
}

func (m *MemoryRelayCache) InvalidateSession(ctx context.Context, sessionId string) error {
	m.mu.Lock()
	delete(m.logs, sessionId)
	m.generations[sessionId]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryRelayCache) ClaimIdempotencyToken(ctx context.Context, sender string, token string, messageId string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.claims++
	if m.claims%tokenSweepEvery == 0 {
		for key, claimed := range m.tokens {
			if now.After(claimed.expires) {
				delete(m.tokens, key)
			}
		}
	}

	key := sender + "|" + token
	if existing, ok := m.tokens[key]; ok && !now.After(existing.expires) {
		return existing.messageId, false, nil
	}
	m.tokens[key] = claimedToken{messageId: messageId, expires: now.Add(idempotencyTTL)}
	return messageId, true, nil
}
