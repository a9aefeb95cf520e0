package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/pgprelay/api"
	"github.com/zlnvch/pgprelay/cache/memory"
	"github.com/zlnvch/pgprelay/client"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/service"
	"github.com/zlnvch/pgprelay/store/boltdb"
)

var (
	keysOnce sync.Once
	keys     map[string]pgp.KeyPair
)

func testKeys(t *testing.T) map[string]pgp.KeyPair {
	keysOnce.Do(func() {
		keys = make(map[string]pgp.KeyPair)
		for _, name := range []string{"alice", "bob", "mallory"} {
			pair, err := pgp.GenerateKeyPair(name, 1024)
			if err != nil {
				panic(err)
			}
			keys[name] = pair
		}
	})
	return keys
}

type relay struct {
	server *httptest.Server
	wsURL  string
	store  *boltdb.BoltRelayStore
}

func startRelay(t *testing.T) *relay {
	relayStore, err := boltdb.NewBoltRelayStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { relayStore.Close() })

	shutdownCtx, cancel := context.WithCancel(context.Background())

	secret, err := base64.StdEncoding.DecodeString("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)

	relayAPI, err := api.NewRelayAPI(relayStore, nil, memory.NewMemoryRelayCache(), secret, 20, shutdownCtx)
	require.NoError(t, err)

	r := mux.NewRouter()
	relayAPI.RegisterRoutes(r, "")
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		relayAPI.Wait()
		server.Close()
	})

	return &relay{
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		store:  relayStore,
	}
}

func (r *relay) dial(t *testing.T, ctx context.Context) *client.Conn {
	conn, err := client.Dial(ctx, r.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (r *relay) login(t *testing.T, ctx context.Context, username string) *client.Conn {
	pair := testKeys(t)[username]
	conn := r.dial(t, ctx)
	require.NoError(t, conn.Login(ctx, username, pair.PublicKey, pair.PrivateKey, nil))
	return conn
}

func decode[T any](t *testing.T, ev service.Event) T {
	var out T
	require.NoError(t, json.Unmarshal(ev.Data, &out))
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRelay_OfflineDeliveryAndFastPath(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)
	k := testKeys(t)

	alice := relay.login(t, ctx, "alice")

	// Bob has never connected, so the message waits in the store
	pending, err := alice.SendEncrypted("bob", k["bob"].PublicKey, "chat", map[string]string{"text": "hello bob"})
	require.NoError(t, err)

	ev, err := alice.WaitFor(ctx, service.EventMessageAck)
	require.NoError(t, err)
	ack := decode[service.MessageAckData](t, ev)
	assert.Equal(t, pending.Payload.IdempotencyToken, ack.IdempotencyToken)
	assert.NotEmpty(t, ack.Id)
	assert.Equal(t, "alice", ack.From)

	conv := client.NewConversation("bob")
	conv.AddPending(pending)
	conv.Acknowledge(ack)
	entries := conv.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)

	// The sender can read its own copy
	own, err := alice.Open(ack.StoredMessage, k["alice"].PublicKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello bob"}`, string(own))

	// Catch-up on login
	bob := relay.login(t, ctx, "bob")
	ev, err = bob.WaitFor(ctx, service.EventMessage)
	require.NoError(t, err)
	caughtUp := decode[models.StoredMessage](t, ev)
	assert.Equal(t, ack.Id, caughtUp.Id)

	plaintext, err := bob.Open(caughtUp, k["alice"].PublicKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello bob"}`, string(plaintext))

	// A forged sender is caught by the signature check
	_, err = bob.Open(caughtUp, k["mallory"].PublicKey)
	assert.ErrorIs(t, err, pgp.ErrVerificationFailed)

	// Both online: fast path
	_, err = bob.SendEncrypted("alice", k["alice"].PublicKey, "chat", map[string]string{"text": "hi alice"})
	require.NoError(t, err)
	ev, err = alice.WaitFor(ctx, service.EventMessage)
	require.NoError(t, err)
	live := decode[models.StoredMessage](t, ev)
	plaintext, err = alice.Open(live, k["bob"].PublicKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi alice"}`, string(plaintext))

	// History over the event channel, oldest first
	require.NoError(t, alice.RequestHistory("bob", 0))
	ev, err = alice.WaitFor(ctx, service.EventHistory)
	require.NoError(t, err)
	history := decode[service.HistoryData](t, ev)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, ack.Id, history.Messages[0].Id)
	assert.Equal(t, live.Id, history.Messages[1].Id)

	// History over REST with the token from the handshake
	req, err := http.NewRequest(http.MethodGet, relay.server.URL+"/history?withUser=bob&limit=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var restHistory service.HistoryData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&restHistory))
	require.Len(t, restHistory.Messages, 1)
	assert.Equal(t, live.Id, restHistory.Messages[0].Id)
}

func TestRelay_CatchUpDeliversOnce(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)
	k := testKeys(t)

	alice := relay.login(t, ctx, "alice")
	_, err := alice.SendEncrypted("bob", k["bob"].PublicKey, "chat", map[string]string{"text": "once"})
	require.NoError(t, err)
	_, err = alice.WaitFor(ctx, service.EventMessageAck)
	require.NoError(t, err)

	bob := relay.login(t, ctx, "bob")
	_, err = bob.WaitFor(ctx, service.EventMessage)
	require.NoError(t, err)
	require.NoError(t, bob.Close())

	// The second login finds nothing queued; the roster arrives instead
	bob = relay.login(t, ctx, "bob")
	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = bob.WaitFor(waitCtx, service.EventMessage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelay_CatchUpLargeBacklog(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)

	// More than the connection's send buffer holds
	const backlog = 400
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < backlog; i++ {
		require.NoError(t, relay.store.SaveMessage(ctx, models.StoredMessage{
			Id:        fmt.Sprintf("m%04d", i),
			From:      "alice",
			To:        "bob",
			Payload:   models.Envelope{Ciphertext: []byte("armored"), Type: "chat"},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	bob := relay.login(t, ctx, "bob")
	for i := 0; i < backlog; i++ {
		ev, err := bob.WaitFor(ctx, service.EventMessage)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%04d", i), decode[models.StoredMessage](t, ev).Id)
	}

	assert.Eventually(t, func() bool {
		queued, err := relay.store.GetUndelivered(ctx, "bob")
		return err == nil && len(queued) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRelay_HandshakeFailures(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)
	k := testKeys(t)

	relay.login(t, ctx, "alice")

	// Someone else's key under alice's name
	conn := relay.dial(t, ctx)
	err := conn.Login(ctx, "alice", k["mallory"].PublicKey, k["mallory"].PrivateKey, nil)
	var relayErr *client.RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "identity_conflict", relayErr.Code)

	// A signature that does not match the claimed key
	err = conn.Login(ctx, "mallory", k["mallory"].PublicKey, k["bob"].PrivateKey, nil)
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "signature_invalid", relayErr.Code)

	// The connection stays usable after both failures
	require.NoError(t, conn.Login(ctx, "mallory", k["mallory"].PublicKey, k["mallory"].PrivateKey, nil))
	assert.Equal(t, "mallory", conn.Username)

	// Identity-scoped operations need a handshake
	anon := relay.dial(t, ctx)
	require.NoError(t, anon.RequestHistory("alice", 10))
	_, err = anon.WaitFor(ctx, service.EventHistory)
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "unauthenticated", relayErr.Code)
}

func TestRelay_Whiteboard(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)

	alice := relay.login(t, ctx, "alice")
	bob := relay.login(t, ctx, "bob")

	require.NoError(t, alice.JoinWhiteboard("bob"))
	ev, err := alice.WaitFor(ctx, service.EventWhiteboardHistory)
	require.NoError(t, err)
	aliceHistory := decode[service.WhiteboardHistoryData](t, ev)
	assert.Equal(t, "alice-bob", aliceHistory.SessionId)
	assert.Empty(t, aliceHistory.Strokes)
	aliceBoard := client.NewBoard(aliceHistory.SessionId)
	aliceBoard.Replace(aliceHistory.Strokes)

	require.NoError(t, bob.JoinWhiteboard("alice"))
	_, err = bob.WaitFor(ctx, service.EventWhiteboardHistory)
	require.NoError(t, err)

	ev, err = alice.WaitFor(ctx, service.EventUserJoinedWhiteboard)
	require.NoError(t, err)
	assert.Equal(t, "bob", decode[service.WhiteboardUserData](t, ev).User)

	sent := models.Stroke{
		Points:    []models.Point{{X: 1, Y: 2}, {X: 3, Y: 4}},
		Color:     "#ff0000",
		Size:      4,
		Timestamp: time.Unix(0, 0),
	}
	require.NoError(t, alice.DrawStroke("bob", sent))

	ev, err = bob.WaitFor(ctx, service.EventStrokeDrawn)
	require.NoError(t, err)
	drawn := decode[service.StrokeDrawnData](t, ev)
	assert.Equal(t, "alice-bob", drawn.SessionId)
	assert.NotEmpty(t, drawn.Stroke.Id)
	assert.Equal(t, models.ToolPen, drawn.Stroke.Tool)
	// The relay stamps its own time
	assert.True(t, drawn.Stroke.Timestamp.After(time.Unix(0, 0)))

	require.NoError(t, bob.LeaveWhiteboard("alice"))
	ev, err = alice.WaitFor(ctx, service.EventUserLeftWhiteboard)
	require.NoError(t, err)
	assert.Equal(t, "bob", decode[service.WhiteboardUserData](t, ev).User)

	// Rejoining replays the log from the store
	require.NoError(t, bob.JoinWhiteboard("alice"))
	ev, err = bob.WaitFor(ctx, service.EventWhiteboardHistory)
	require.NoError(t, err)
	replay := decode[service.WhiteboardHistoryData](t, ev)
	require.Len(t, replay.Strokes, 1)
	assert.Equal(t, drawn.Stroke.Id, replay.Strokes[0].Id)

	// Invalid strokes are rejected with an error event
	require.NoError(t, bob.DrawStroke("alice", models.Stroke{Points: []models.Point{{X: 1, Y: 1}}, Color: "blue"}))
	_, err = bob.WaitFor(ctx, service.EventStrokeDrawn)
	var relayErr *client.RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "malformed_request", relayErr.Code)

	// Clear reaches both participants, including the requester
	require.NoError(t, bob.ClearWhiteboard("alice"))
	for _, conn := range []*client.Conn{alice, bob} {
		ev, err = conn.WaitFor(ctx, service.EventWhiteboardCleared)
		require.NoError(t, err)
		assert.Equal(t, "alice-bob", decode[service.WhiteboardClearedData](t, ev).SessionId)
	}

	require.NoError(t, alice.LeaveWhiteboard("bob"))
	require.NoError(t, alice.JoinWhiteboard("bob"))
	ev, err = alice.WaitFor(ctx, service.EventWhiteboardHistory)
	require.NoError(t, err)
	assert.Empty(t, decode[service.WhiteboardHistoryData](t, ev).Strokes)
}

func TestRelay_WhiteboardReplayFollowsClearAndDraws(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)

	alice := relay.login(t, ctx, "alice")
	bob := relay.login(t, ctx, "bob")

	join := func(conn *client.Conn, withUser string) service.WhiteboardHistoryData {
		t.Helper()
		require.NoError(t, conn.JoinWhiteboard(withUser))
		ev, err := conn.WaitFor(ctx, service.EventWhiteboardHistory)
		require.NoError(t, err)
		return decode[service.WhiteboardHistoryData](t, ev)
	}
	rejoin := func(conn *client.Conn, withUser string) service.WhiteboardHistoryData {
		t.Helper()
		require.NoError(t, conn.LeaveWhiteboard(withUser))
		return join(conn, withUser)
	}
	draw := func(conn *client.Conn, withUser string, x float64) {
		t.Helper()
		require.NoError(t, conn.DrawStroke(withUser, models.Stroke{Points: []models.Point{{X: x, Y: x}}}))
	}

	// First join warms the cache with an empty log
	assert.Empty(t, join(alice, "bob").Strokes)
	draw(alice, "bob", 1)
	draw(alice, "bob", 2)

	require.NoError(t, alice.ClearWhiteboard("bob"))
	_, err := alice.WaitFor(ctx, service.EventWhiteboardCleared)
	require.NoError(t, err)

	// Cleared strokes never come back
	assert.Empty(t, rejoin(alice, "bob").Strokes)

	for i := 3; i <= 6; i++ {
		draw(alice, "bob", float64(i))
	}

	// Served from the refilled cache, in append order
	replay := rejoin(alice, "bob").Strokes
	require.Len(t, replay, 4)
	for i, stroke := range replay {
		assert.Equal(t, float64(i+3), stroke.Points[0].X)
		if i > 0 {
			assert.Greater(t, stroke.Seq, replay[i-1].Seq)
		}
	}

	// The other side gets the same log, and it matches the store
	fromBob := join(bob, "alice").Strokes
	assert.Equal(t, replay, fromBob)

	stored, err := relay.store.GetStrokes(ctx, "alice-bob")
	require.NoError(t, err)
	require.Len(t, stored, len(replay))
	for i := range stored {
		assert.Equal(t, stored[i].Id, replay[i].Id)
		assert.Equal(t, stored[i].Seq, replay[i].Seq)
	}
}

func TestNewRelayAPI_MissingSecret(t *testing.T) {
	relayStore, err := boltdb.NewBoltRelayStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer relayStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayAPI, err := api.NewRelayAPI(relayStore, nil, memory.NewMemoryRelayCache(), nil, 20, ctx)
	assert.Error(t, err)
	assert.Nil(t, relayAPI)
}

func TestRelay_RosterAndLogout(t *testing.T) {
	ctx := testContext(t)
	relay := startRelay(t)

	alice := relay.login(t, ctx, "alice")
	relay.login(t, ctx, "bob")

	resp, err := http.Get(relay.server.URL + "/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	var roster service.UsersData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	assert.Len(t, roster.Users, 2)
	assert.Equal(t, []string{"alice", "bob"}, roster.Online)

	require.NoError(t, alice.Logout())
	_, err = alice.WaitFor(ctx, service.EventLoggedOut)
	require.NoError(t, err)

	// Logged out connections are back to anonymous
	require.NoError(t, alice.JoinWhiteboard("bob"))
	_, err = alice.WaitFor(ctx, service.EventWhiteboardHistory)
	var relayErr *client.RelayError
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, "unauthenticated", relayErr.Code)

	resp, err = http.Get(relay.server.URL + "/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	assert.Equal(t, []string{"bob"}, roster.Online)
}

func TestRelay_HealthAndMetrics(t *testing.T) {
	relay := startRelay(t)

	resp, err := http.Get(relay.server.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(relay.server.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pgprelay_")

	resp, err = http.Get(relay.server.URL + "/history?withUser=bob")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
