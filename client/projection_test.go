package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/service"
)

func message(id string, token string, at time.Time) models.StoredMessage {
	return models.StoredMessage{
		Id:        id,
		From:      "alice",
		To:        "bob",
		Payload:   models.Envelope{Ciphertext: []byte("ct-" + id), Type: "chat", IdempotencyToken: token},
		CreatedAt: at,
	}
}

func TestConversation_AckReplacesPending(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	conv := NewConversation("bob")

	pending := message("", "tok-1", base)
	conv.AddPending(pending)

	entries := conv.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Pending)

	confirmed := message("m1", "tok-1", base.Add(time.Second))
	assert.True(t, conv.Acknowledge(service.MessageAckData{StoredMessage: confirmed, IdempotencyToken: "tok-1"}))

	entries = conv.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Pending)
	assert.Equal(t, "m1", entries[0].Message.Id)

	// A second ack for the same record changes nothing
	assert.False(t, conv.Acknowledge(service.MessageAckData{StoredMessage: confirmed, IdempotencyToken: "tok-1"}))
	assert.Len(t, conv.Entries(), 1)
}

func TestConversation_DropsDuplicateIds(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	conv := NewConversation("alice")

	assert.True(t, conv.Receive(message("m1", "", base)))
	assert.False(t, conv.Receive(message("m1", "", base)))
	assert.False(t, conv.Receive(message("", "", base)))
	assert.True(t, conv.Receive(message("m0", "", base.Add(-time.Minute))))

	entries := conv.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "m0", entries[0].Message.Id)
	assert.Equal(t, "m1", entries[1].Message.Id)
}

func TestConversation_Rebuild(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	conv := NewConversation("bob")

	conv.Receive(message("stale", "", base))
	conv.AddPending(message("", "tok-acked", base))
	conv.AddPending(message("", "tok-inflight", base.Add(time.Minute)))

	conv.Rebuild([]models.StoredMessage{
		message("m1", "", base),
		message("m2", "tok-acked", base.Add(time.Second)),
	})

	entries := conv.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "m1", entries[0].Message.Id)
	assert.Equal(t, "m2", entries[1].Message.Id)
	assert.True(t, entries[2].Pending)
	assert.Equal(t, "tok-inflight", entries[2].Message.Payload.IdempotencyToken)
}

func stroke(id string) models.Stroke {
	return models.Stroke{Id: id, Points: []models.Point{{X: 1, Y: 1}}, Color: "#000000", Size: 2, Tool: models.ToolPen}
}

func strokeIds(strokes []models.Stroke) []string {
	ids := make([]string, 0, len(strokes))
	for _, s := range strokes {
		ids = append(ids, s.Id)
	}
	return ids
}

func TestBoard_ReplayMergesEarlyLiveStrokes(t *testing.T) {
	board := NewBoard("alice-bob")

	// Live strokes racing the replay; s2 is also in the replay
	assert.True(t, board.Apply(stroke("s2")))
	assert.True(t, board.Apply(stroke("s3")))

	board.Replace([]models.Stroke{stroke("s1"), stroke("s2")})
	assert.Equal(t, []string{"s1", "s2", "s3"}, strokeIds(board.Strokes()))

	assert.False(t, board.Apply(stroke("s3")))
	assert.True(t, board.Apply(stroke("s4")))
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, strokeIds(board.Strokes()))
}

func TestBoard_ReplaceAfterLoadIsAuthoritative(t *testing.T) {
	board := NewBoard("alice-bob")
	board.Replace([]models.Stroke{stroke("s1")})
	board.Apply(stroke("s2"))

	board.Replace([]models.Stroke{stroke("s5")})
	assert.Equal(t, []string{"s5"}, strokeIds(board.Strokes()))
}

func TestBoard_Clear(t *testing.T) {
	board := NewBoard("alice-bob")
	board.Replace([]models.Stroke{stroke("s1"), stroke("s2")})

	board.Clear()
	assert.Empty(t, board.Strokes())

	// Ids seen before the clear may be drawn again
	assert.True(t, board.Apply(stroke("s1")))
	assert.Len(t, board.Strokes(), 1)
}
