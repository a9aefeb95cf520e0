package cache

import "context"

type StrokeCacheItem struct {
	StrokeId string
	Score    int64
	Data     []byte
}

// RelayCache is the shared cache and fan-out bus.
//
// A session's cached stroke log is only served while it is marked complete.
// Each session also has a generation that InvalidateSession bumps, and so
// does AddStroke when the log is not complete. FillStrokes takes the
// generation read before the store snapshot and refuses to install the
// snapshot if it moved, so a fill can never hide a clear or a draw that
// committed after the snapshot was taken.
type RelayCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// GetStrokes returns the cached log ordered by score, and whether it is
	// complete. An incomplete log is never returned.
	GetStrokes(ctx context.Context, sessionId string) (strokes [][]byte, complete bool, err error)
	StrokeGeneration(ctx context.Context, sessionId string) (int64, error)
	// FillStrokes replaces the log with strokes and marks it complete if the
	// generation is still the given one. A log that is already complete is
	// kept, since draws have been extending it. It reports false only when
	// the generation moved.
	FillStrokes(ctx context.Context, sessionId string, generation int64, strokes []StrokeCacheItem) (bool, error)
	// AddStroke extends a complete log, or bumps the generation otherwise.
	AddStroke(ctx context.Context, sessionId string, stroke StrokeCacheItem) error
	InvalidateSession(ctx context.Context, sessionId string) error

	// ClaimIdempotencyToken records messageId under (sender, token) unless
	// the pair was already claimed, in which case the earlier id is returned
	// and claimed is false.
	ClaimIdempotencyToken(ctx context.Context, sender string, token string, messageId string) (existingId string, claimed bool, err error)
}

func SessionChannel(sessionId string) string {
	return "session:" + sessionId
}
