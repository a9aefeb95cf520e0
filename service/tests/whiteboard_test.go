package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/pgprelay/cache"
	cachemocks "github.com/zlnvch/pgprelay/cache/mocks"
	"github.com/zlnvch/pgprelay/models"
	mqmocks "github.com/zlnvch/pgprelay/mq/mocks"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/service"
	"github.com/zlnvch/pgprelay/store"
	storemocks "github.com/zlnvch/pgprelay/store/mocks"
	"github.com/zlnvch/pgprelay/worker"
)

var (
	keysOnce    sync.Once
	aliceKeys   pgp.KeyPair
	bobKeys     pgp.KeyPair
	malloryKeys pgp.KeyPair
	keysErr     error
)

func testKeys(t *testing.T) (pgp.KeyPair, pgp.KeyPair, pgp.KeyPair) {
	t.Helper()
	keysOnce.Do(func() {
		if aliceKeys, keysErr = pgp.GenerateKeyPair("alice", 1024); keysErr != nil {
			return
		}
		if bobKeys, keysErr = pgp.GenerateKeyPair("bob", 1024); keysErr != nil {
			return
		}
		malloryKeys, keysErr = pgp.GenerateKeyPair("mallory", 1024)
	})
	require.NoError(t, keysErr)
	return aliceKeys, bobKeys, malloryKeys
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) BroadcastAll(msg []byte) {
	m.Called(msg)
}

func (m *mockBroadcaster) JoinGroup(ctx context.Context, sessionId string, conn *service.ConnectionContext) error {
	args := m.Called(ctx, sessionId, conn)
	return args.Error(0)
}

func (m *mockBroadcaster) LeaveGroup(sessionId string, conn *service.ConnectionContext) {
	m.Called(sessionId, conn)
}

// recordingOutbox keeps every frame delivered to a connection
type recordingOutbox struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	// limit > 0 drops frames beyond the first limit
	limit int
	// waited counts DeliverWait calls
	waited int
}

func (o *recordingOutbox) Deliver(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || (o.limit > 0 && len(o.frames) >= o.limit) {
		return false
	}
	o.frames = append(o.frames, msg)
	return true
}

// DeliverWait behaves like a full buffer that never drains once limit is
// reached: it blocks until ctx is done.
func (o *recordingOutbox) DeliverWait(ctx context.Context, msg []byte) bool {
	o.mu.Lock()
	o.waited++
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.limit > 0 && len(o.frames) >= o.limit {
		o.mu.Unlock()
		<-ctx.Done()
		return false
	}
	o.frames = append(o.frames, msg)
	o.mu.Unlock()
	return true
}

func (o *recordingOutbox) events(t *testing.T) []service.Event {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	events := make([]service.Event, 0, len(o.frames))
	for _, frame := range o.frames {
		var event service.Event
		require.NoError(t, json.Unmarshal(frame, &event))
		events = append(events, event)
	}
	return events
}

func (o *recordingOutbox) types(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, event := range o.events(t) {
		types = append(types, event.Type)
	}
	return types
}

func (o *recordingOutbox) reset() {
	o.mu.Lock()
	o.frames = nil
	o.mu.Unlock()
}

func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *mockBroadcaster) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)
	broadcaster := new(mockBroadcaster)
	broadcaster.On("BroadcastAll", mock.Anything).Maybe()

	// Real batcher, not running; tests read what was pushed to its channel
	deliveryBatcher := worker.NewDeliveryBatcher(mockStore, 1000)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		deliveryBatcher,
		nil,
		[]byte("secret"),
	)
	assert.NoError(t, err)
	svc.SetBroadcaster(broadcaster)

	return svc, mockStore, mockCache, mockMQ, broadcaster
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

// authenticate runs a full handshake for username and clears the outbox.
func authenticate(t *testing.T, svc *service.Service, mockStore *storemocks.MockStore, username string, keys pgp.KeyPair) (*service.ConnectionContext, *recordingOutbox) {
	t.Helper()
	ctx := context.Background()

	identity := models.Identity{Username: username, PublicKey: keys.PublicKey}
	mockStore.On("EnsureIdentity", mock.Anything, mock.MatchedBy(func(i models.Identity) bool {
		return i.Username == username
	})).Return(identity, true, nil).Once()
	mockStore.On("ListIdentities", mock.Anything).Return([]models.Identity{identity}, nil).Maybe()
	mockStore.On("GetUndelivered", mock.Anything, username).Return([]models.StoredMessage{}, nil).Once()

	outbox := &recordingOutbox{}
	conn := service.NewConnectionContext(outbox)

	challenge, err := svc.Register(ctx, conn, service.RegisterRequest{Username: username, PublicKey: keys.PublicKey})
	require.NoError(t, err)
	signed, err := pgp.SignChallenge(challenge, keys.PrivateKey, nil)
	require.NoError(t, err)
	require.NoError(t, svc.VerifySignature(ctx, conn, service.VerifySignatureRequest{Signed: signed}))

	outbox.reset()
	return conn, outbox
}

func decodeFrame(t *testing.T, raw []byte) (service.SessionFrame, service.Event) {
	t.Helper()
	var frame service.SessionFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	var event service.Event
	require.NoError(t, json.Unmarshal(frame.Event, &event))
	return frame, event
}

func publishedFrame(t *testing.T, mockCache *cachemocks.MockCache, channel string, eventType string) (service.SessionFrame, service.Event, bool) {
	t.Helper()
	for _, call := range mockCache.Calls {
		if call.Method != "Publish" || call.Arguments.String(1) != channel {
			continue
		}
		frame, event := decodeFrame(t, call.Arguments.Get(2).([]byte))
		if event.Type == eventType {
			return frame, event, true
		}
	}
	return service.SessionFrame{}, service.Event{}, false
}

func TestCanonicalSessionId(t *testing.T) {
	assert.Equal(t, "alice-bob", service.CanonicalSessionId("alice", "bob"))
	assert.Equal(t, service.CanonicalSessionId("alice", "bob"), service.CanonicalSessionId("bob", "alice"))
	assert.NotEqual(t, service.CanonicalSessionId("ab", "c"), service.CanonicalSessionId("a", "bc"))
}

func TestJoinWhiteboard_LoadsFromStore(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, outbox := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	stroke := models.Stroke{
		Id:        "018e38d7-0000-7000-8000-000000000000",
		Points:    []models.Point{{X: 1, Y: 2}},
		Color:     "#000000",
		Size:      2,
		Tool:      models.ToolPen,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Seq:       7,
	}

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	mockCache.On("GetStrokes", ctx, sessionId).Return(nil, false, nil)
	mockCache.On("StrokeGeneration", ctx, sessionId).Return(int64(3), nil)
	mockStore.On("GetStrokes", ctx, sessionId).Return([]models.Stroke{stroke}, nil)
	mockCache.On("FillStrokes", ctx, sessionId, int64(3), mock.MatchedBy(func(items []cache.StrokeCacheItem) bool {
		return len(items) == 1 && items[0].StrokeId == stroke.Id && items[0].Score == stroke.Seq
	})).Return(true, nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	err := svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"})
	assert.NoError(t, err)

	events := outbox.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, service.EventWhiteboardHistory, events[0].Type)
	var history service.WhiteboardHistoryData
	require.NoError(t, json.Unmarshal(events[0].Data, &history))
	assert.Equal(t, sessionId, history.SessionId)
	require.Len(t, history.Strokes, 1)
	assert.Equal(t, stroke.Id, history.Strokes[0].Id)

	frame, event, ok := publishedFrame(t, mockCache, cache.SessionChannel(sessionId), service.EventUserJoinedWhiteboard)
	require.True(t, ok)
	assert.Equal(t, conn.ID, frame.Exclude)
	assert.JSONEq(t, `{"sessionId":"alice-bob","user":"alice"}`, string(event.Data))

	assert.Equal(t, map[string]string{sessionId: "bob"}, conn.Whiteboards())
	mockCache.AssertExpectations(t)
	broadcaster.AssertExpectations(t)
}

func TestJoinWhiteboard_FromEitherSide(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, bob, _ := testKeys(t)
	bobConn, _ := authenticate(t, svc, mockStore, "bob", bob)
	aliceConn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("EnsureSession", ctx, "alice-bob", [2]string{"alice", "bob"}).Return(models.Session{SessionId: "alice-bob"}, nil).Twice()
	broadcaster.On("JoinGroup", ctx, "alice-bob", mock.Anything).Return(nil).Twice()
	mockCache.On("GetStrokes", ctx, "alice-bob").Return([][]byte{}, true, nil)
	mockCache.On("Publish", ctx, "session:alice-bob", mock.Anything).Return(nil)

	assert.NoError(t, svc.JoinWhiteboard(ctx, bobConn, service.WhiteboardRequest{WithUser: "alice"}))
	assert.NoError(t, svc.JoinWhiteboard(ctx, aliceConn, service.WhiteboardRequest{WithUser: "bob"}))

	mockStore.AssertExpectations(t)
	broadcaster.AssertExpectations(t)
}

func TestJoinWhiteboard_CacheComplete(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, outbox := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	stroke := models.Stroke{Id: "018e38d7-0000-7000-8000-000000000000", Points: []models.Point{{X: 1, Y: 1}}}
	strokeBytes, _ := json.Marshal(stroke)

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	mockCache.On("GetStrokes", ctx, sessionId).Return([][]byte{strokeBytes, []byte("{invalid json}")}, true, nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	assert.NoError(t, svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))

	var history service.WhiteboardHistoryData
	events := outbox.events(t)
	require.Len(t, events, 1)
	require.NoError(t, json.Unmarshal(events[0].Data, &history))
	require.Len(t, history.Strokes, 1)
	assert.Equal(t, stroke.Id, history.Strokes[0].Id)

	mockStore.AssertNotCalled(t, "GetStrokes", mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "FillStrokes", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinWhiteboard_FillRefusedAfterConcurrentChange(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, outbox := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	stale := models.Stroke{Id: "018e38d7-0000-7000-8000-000000000001", Points: []models.Point{{X: 1, Y: 1}}, Seq: 1}

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	mockCache.On("GetStrokes", ctx, sessionId).Return(nil, false, nil)
	mockCache.On("StrokeGeneration", ctx, sessionId).Return(int64(5), nil)
	// A clear commits between the store read and the fill
	mockStore.On("GetStrokes", ctx, sessionId).Return([]models.Stroke{stale}, nil)
	mockCache.On("FillStrokes", ctx, sessionId, int64(5), mock.Anything).Return(false, nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	require.NoError(t, svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))

	// The joiner still gets its snapshot; later clears reach it live
	events := outbox.events(t)
	require.Len(t, events, 1)
	var history service.WhiteboardHistoryData
	require.NoError(t, json.Unmarshal(events[0].Data, &history))
	require.Len(t, history.Strokes, 1)

	mockCache.AssertExpectations(t)
}

func TestJoinWhiteboard_GenerationUnavailableSkipsFill(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	mockCache.On("GetStrokes", ctx, sessionId).Return(nil, false, assert.AnError)
	mockCache.On("StrokeGeneration", ctx, sessionId).Return(int64(0), assert.AnError)
	mockStore.On("GetStrokes", ctx, sessionId).Return([]models.Stroke(nil), nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	require.NoError(t, svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))
	mockCache.AssertNotCalled(t, "FillStrokes", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinWhiteboard_Rejections(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)

	anonymous := service.NewConnectionContext(&recordingOutbox{})
	err := svc.JoinWhiteboard(ctx, anonymous, service.WhiteboardRequest{WithUser: "bob"})
	assert.ErrorIs(t, err, service.ErrUnauthenticated)

	conn, _ := authenticate(t, svc, mockStore, "alice", alice)
	err = svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "alice"})
	assert.ErrorIs(t, err, service.ErrMalformedRequest)

	err = svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob-smith"})
	assert.ErrorIs(t, err, service.ErrMalformedRequest)

	mockStore.AssertNotCalled(t, "EnsureSession", mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinWhiteboard_StoreFailure(t *testing.T) {
	svc, mockStore, _, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, outbox := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("EnsureSession", ctx, "alice-bob", [2]string{"alice", "bob"}).Return(models.Session{}, assert.AnError)

	err := svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"})
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	assert.False(t, service.NewErrorData(service.EventJoinWhiteboard, err).Retryable)
	assert.Empty(t, outbox.events(t))
	broadcaster.AssertNotCalled(t, "JoinGroup", mock.Anything, mock.Anything, mock.Anything)
}

func TestDrawStroke_Success(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	clientTime := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	req := service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke: models.Stroke{
			Id:        "client-chosen",
			Points:    []models.Point{{X: 10, Y: 10}, {X: 11, Y: 12}},
			Timestamp: clientTime,
		},
	}

	mockStore.On("AppendStroke", ctx, sessionId, mock.MatchedBy(func(s models.Stroke) bool {
		return s.Id != "client-chosen" && s.Tool == models.ToolPen && s.Color == "#000000" && s.Size == 2
	})).Return(func(s models.Stroke) models.Stroke {
		s.Seq = 42
		return s
	}, nil)
	addStrokeDone := wrapMockWithSignal(mockCache.On("AddStroke", ctx, sessionId, mock.MatchedBy(func(item cache.StrokeCacheItem) bool {
		return item.StrokeId != "client-chosen" && item.Score == 42
	})).Return(nil))
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	stroke, err := svc.DrawStroke(ctx, conn, req)
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", stroke.Id)
	assert.True(t, stroke.Timestamp.After(clientTime))
	assert.Equal(t, int64(42), stroke.Seq)

	select {
	case <-addStrokeDone:
	case <-time.After(time.Second):
		assert.Fail(t, "stroke was not cached")
	}

	frame, event, ok := publishedFrame(t, mockCache, cache.SessionChannel(sessionId), service.EventStrokeDrawn)
	require.True(t, ok)
	assert.Equal(t, conn.ID, frame.Exclude)
	var drawn service.StrokeDrawnData
	require.NoError(t, json.Unmarshal(event.Data, &drawn))
	assert.Equal(t, sessionId, drawn.SessionId)
	assert.Equal(t, stroke.Id, drawn.Stroke.Id)
	assert.Len(t, drawn.Stroke.Points, 2)
	assert.Equal(t, int64(42), drawn.Stroke.Seq)
}

func TestDrawStroke_CacheFailureInvalidates(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("AppendStroke", ctx, "alice-bob", mock.Anything).Return(func(s models.Stroke) models.Stroke {
		s.Seq = 1
		return s
	}, nil)
	mockCache.On("AddStroke", ctx, "alice-bob", mock.Anything).Return(assert.AnError)
	mockCache.On("InvalidateSession", ctx, "alice-bob").Return(nil)
	mockCache.On("Publish", ctx, "session:alice-bob", mock.Anything).Return(nil)

	stroke, err := svc.DrawStroke(ctx, conn, service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke:   models.Stroke{Points: []models.Point{{X: 1, Y: 1}}},
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, stroke.Id)
	mockCache.AssertExpectations(t)
}

func TestDrawStroke_MissingSessionIsDropped(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("AppendStroke", ctx, "alice-bob", mock.Anything).Return(models.Stroke{}, store.ErrItemNotFound)

	stroke, err := svc.DrawStroke(ctx, conn, service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke:   models.Stroke{Points: []models.Point{{X: 1, Y: 1}}},
	})
	assert.NoError(t, err)
	assert.Empty(t, stroke.Id)
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestDrawStroke_Invalid(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	_, err := svc.DrawStroke(ctx, conn, service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke:   models.Stroke{Points: []models.Point{{X: 1, Y: 1}}, Color: "red"},
	})
	assert.ErrorIs(t, err, service.ErrMalformedRequest)

	_, err = svc.DrawStroke(ctx, service.NewConnectionContext(&recordingOutbox{}), service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke:   models.Stroke{Points: []models.Point{{X: 1, Y: 1}}},
	})
	assert.ErrorIs(t, err, service.ErrUnauthenticated)

	mockStore.AssertNotCalled(t, "AppendStroke", mock.Anything, mock.Anything, mock.Anything)
}

func TestDrawStroke_StoreFailure(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("AppendStroke", ctx, "alice-bob", mock.Anything).Return(models.Stroke{}, store.ErrConditionFailed)

	_, err := svc.DrawStroke(ctx, conn, service.DrawStrokeRequest{
		WithUser: "bob",
		Stroke:   models.Stroke{Points: []models.Point{{X: 1, Y: 1}}},
	})
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestClearWhiteboard_NotifiesEveryoneAndQueuesPurge(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, outbox := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	mockStore.On("ClearStrokes", ctx, sessionId).Return(models.Session{SessionId: sessionId, Epoch: 1}, nil)
	mockCache.On("InvalidateSession", ctx, sessionId).Return(nil)
	mockMQ.On("Send", ctx, `{"sessionId":"alice-bob","beforeEpoch":1}`).Return(nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	assert.NoError(t, svc.ClearWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))

	frame, event, ok := publishedFrame(t, mockCache, cache.SessionChannel(sessionId), service.EventWhiteboardCleared)
	require.True(t, ok)
	assert.Empty(t, frame.Exclude)
	assert.JSONEq(t, `{"sessionId":"alice-bob"}`, string(event.Data))

	// Not a member of the group, so the requester is told directly
	assert.Equal(t, []string{service.EventWhiteboardCleared}, outbox.types(t))

	mockMQ.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}

func TestClearWhiteboard_QueueFailureIsNotFatal(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("ClearStrokes", ctx, "alice-bob").Return(models.Session{SessionId: "alice-bob", Epoch: 4}, nil)
	mockCache.On("InvalidateSession", ctx, "alice-bob").Return(assert.AnError)
	mockMQ.On("Send", ctx, mock.Anything).Return(assert.AnError)
	publishDone := wrapMockWithSignal(mockCache.On("Publish", ctx, "session:alice-bob", mock.Anything).Return(nil))

	assert.NoError(t, svc.ClearWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		assert.Fail(t, "clear was not published")
	}
}

func TestClearWhiteboard_StoreFailure(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)

	mockStore.On("ClearStrokes", ctx, "alice-bob").Return(models.Session{}, assert.AnError)

	err := svc.ClearWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"})
	assert.ErrorIs(t, err, service.ErrStoreUnavailable)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestLeaveWhiteboard(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	// Leaving a whiteboard that was never joined does nothing
	assert.NoError(t, svc.LeaveWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))
	broadcaster.AssertNotCalled(t, "LeaveGroup", mock.Anything, mock.Anything)

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	broadcaster.On("LeaveGroup", sessionId, conn).Return()
	mockCache.On("GetStrokes", ctx, sessionId).Return([][]byte{}, true, nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)

	require.NoError(t, svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))
	assert.NoError(t, svc.LeaveWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))

	frame, event, ok := publishedFrame(t, mockCache, cache.SessionChannel(sessionId), service.EventUserLeftWhiteboard)
	require.True(t, ok)
	assert.Equal(t, conn.ID, frame.Exclude)
	assert.JSONEq(t, `{"sessionId":"alice-bob","user":"alice"}`, string(event.Data))
	assert.Empty(t, conn.Whiteboards())
	broadcaster.AssertExpectations(t)
}

func TestDisconnect_LeavesWhiteboards(t *testing.T) {
	svc, mockStore, mockCache, _, broadcaster := setupService(t)
	ctx := context.Background()
	alice, _, _ := testKeys(t)
	conn, _ := authenticate(t, svc, mockStore, "alice", alice)
	sessionId := "alice-bob"

	mockStore.On("EnsureSession", ctx, sessionId, [2]string{"alice", "bob"}).Return(models.Session{SessionId: sessionId}, nil)
	broadcaster.On("JoinGroup", ctx, sessionId, conn).Return(nil)
	broadcaster.On("LeaveGroup", sessionId, conn).Return()
	mockCache.On("GetStrokes", ctx, sessionId).Return([][]byte{}, true, nil)
	mockCache.On("Publish", ctx, cache.SessionChannel(sessionId), mock.Anything).Return(nil)
	mockStore.On("TouchIdentity", ctx, "alice", mock.AnythingOfType("time.Time")).Return(nil)

	require.NoError(t, svc.JoinWhiteboard(ctx, conn, service.WhiteboardRequest{WithUser: "bob"}))
	svc.Disconnect(ctx, conn)

	_, _, ok := publishedFrame(t, mockCache, cache.SessionChannel(sessionId), service.EventUserLeftWhiteboard)
	assert.True(t, ok)
	broadcaster.AssertCalled(t, "LeaveGroup", sessionId, conn)
	_, online := svc.Presence.Lookup("alice")
	assert.False(t, online)
}
