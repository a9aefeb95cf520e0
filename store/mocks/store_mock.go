package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

type MockStore struct {
	mock.Mock
}

var _ store.RelayStore = (*MockStore)(nil)

func (m *MockStore) EnsureIdentity(ctx context.Context, identity models.Identity) (models.Identity, bool, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(models.Identity), args.Bool(1), args.Error(2)
}

func (m *MockStore) TouchIdentity(ctx context.Context, username string, lastSeen time.Time) error {
	args := m.Called(ctx, username, lastSeen)
	return args.Error(0)
}

func (m *MockStore) GetIdentity(ctx context.Context, username string) (models.Identity, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(models.Identity), args.Error(1)
}

func (m *MockStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Identity), args.Error(1)
}

func (m *MockStore) SaveMessage(ctx context.Context, msg models.StoredMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) GetMessage(ctx context.Context, from string, to string, id string) (models.StoredMessage, error) {
	args := m.Called(ctx, from, to, id)
	return args.Get(0).(models.StoredMessage), args.Error(1)
}

func (m *MockStore) GetUndelivered(ctx context.Context, to string) ([]models.StoredMessage, error) {
	args := m.Called(ctx, to)
	return args.Get(0).([]models.StoredMessage), args.Error(1)
}

func (m *MockStore) MarkDelivered(ctx context.Context, refs []models.MessageRef) error {
	args := m.Called(ctx, refs)
	return args.Error(0)
}

func (m *MockStore) GetConversation(ctx context.Context, userA string, userB string, limit int) ([]models.StoredMessage, error) {
	args := m.Called(ctx, userA, userB, limit)
	return args.Get(0).([]models.StoredMessage), args.Error(1)
}

func (m *MockStore) EnsureSession(ctx context.Context, sessionId string, participants [2]string) (models.Session, error) {
	args := m.Called(ctx, sessionId, participants)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.Session), args.Error(1)
}

// AppendStroke returns its first value as is, or applies it to the stroke
// when it is a func(models.Stroke) models.Stroke.
func (m *MockStore) AppendStroke(ctx context.Context, sessionId string, stroke models.Stroke) (models.Stroke, error) {
	args := m.Called(ctx, sessionId, stroke)
	if fn, ok := args.Get(0).(func(models.Stroke) models.Stroke); ok {
		return fn(stroke), args.Error(1)
	}
	return args.Get(0).(models.Stroke), args.Error(1)
}

func (m *MockStore) GetStrokes(ctx context.Context, sessionId string) ([]models.Stroke, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).([]models.Stroke), args.Error(1)
}

func (m *MockStore) ClearStrokes(ctx context.Context, sessionId string) (models.Session, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) PurgeStrokes(ctx context.Context, sessionId string, beforeEpoch int) error {
	args := m.Called(ctx, sessionId, beforeEpoch)
	return args.Error(0)
}
