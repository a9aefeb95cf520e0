package client

import (
	"sync"

	"github.com/zlnvch/pgprelay/models"
)

// Board is the local projection of one whiteboard session. The relay
// subscribes a joining connection before it replays the log, so live
// strokes can arrive ahead of the replay; those are held until it lands.
type Board struct {
	SessionId string

	mu      sync.Mutex
	loaded  bool
	strokes []models.Stroke
	seen    map[string]struct{}
}

func NewBoard(sessionId string) *Board {
	return &Board{
		SessionId: sessionId,
		seen:      make(map[string]struct{}),
	}
}

// Replace installs the replayed log. Strokes received live before the first
// replay are appended when the replay does not already hold them.
func (b *Board) Replace(history []models.Stroke) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var early []models.Stroke
	if !b.loaded {
		early = b.strokes
	}

	b.strokes = make([]models.Stroke, 0, len(history)+len(early))
	b.seen = make(map[string]struct{}, len(history)+len(early))
	for _, stroke := range history {
		b.applyLocked(stroke)
	}
	for _, stroke := range early {
		b.applyLocked(stroke)
	}
	b.loaded = true
}

// Apply appends a live stroke unless it was already seen.
func (b *Board) Apply(stroke models.Stroke) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(stroke)
}

func (b *Board) applyLocked(stroke models.Stroke) bool {
	if stroke.Id != "" {
		if _, ok := b.seen[stroke.Id]; ok {
			return false
		}
		b.seen[stroke.Id] = struct{}{}
	}
	b.strokes = append(b.strokes, stroke)
	return true
}

func (b *Board) Clear() {
	b.mu.Lock()
	b.strokes = nil
	b.seen = make(map[string]struct{})
	b.mu.Unlock()
}

// Strokes returns a copy of the strokes in render order.
func (b *Board) Strokes() []models.Stroke {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Stroke, len(b.strokes))
	copy(out, b.strokes)
	return out
}
