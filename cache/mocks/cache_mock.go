package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/pgprelay/cache"
)

type MockCache struct {
	mock.Mock
}

var _ cache.RelayCache = (*MockCache)(nil)

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) GetStrokes(ctx context.Context, sessionId string) ([][]byte, bool, error) {
	args := m.Called(ctx, sessionId)
	var strokes [][]byte
	if v := args.Get(0); v != nil {
		strokes = v.([][]byte)
	}
	return strokes, args.Bool(1), args.Error(2)
}

func (m *MockCache) StrokeGeneration(ctx context.Context, sessionId string) (int64, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) FillStrokes(ctx context.Context, sessionId string, generation int64, strokes []cache.StrokeCacheItem) (bool, error) {
	args := m.Called(ctx, sessionId, generation, strokes)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) AddStroke(ctx context.Context, sessionId string, stroke cache.StrokeCacheItem) error {
	args := m.Called(ctx, sessionId, stroke)
	return args.Error(0)
}

func (m *MockCache) InvalidateSession(ctx context.Context, sessionId string) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}

func (m *MockCache) ClaimIdempotencyToken(ctx context.Context, sender string, token string, messageId string) (string, bool, error) {
	args := m.Called(ctx, sender, token, messageId)
	return args.String(0), args.Bool(1), args.Error(2)
}
