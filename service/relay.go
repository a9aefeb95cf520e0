package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/pgprelay/metrics"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	defaultMessageType  = "chat"

	// A connection that takes longer than this to accept one queued message
	// is treated as stalled and the rest waits for the next catch-up.
	catchUpStallTimeout = 10 * time.Second
	catchUpMarkBatch    = 100
)

// Send persists an envelope from the connection's identity and hands it to
// the recipient if it is online. The sender always gets a message_ack with
// the canonical record, including for a repeated idempotency token.
func (s *Service) Send(ctx context.Context, conn *ConnectionContext, req SendMessageRequest) (models.StoredMessage, error) {
	from := conn.Username()
	if from == "" {
		return models.StoredMessage{}, ErrUnauthenticated
	}
	if req.To == "" || len(req.Payload.Ciphertext) == 0 {
		return models.StoredMessage{}, fmt.Errorf("%w: recipient and envelope are required", ErrMalformedRequest)
	}
	if err := ValidateUsername(req.To); err != nil {
		return models.StoredMessage{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.Payload.Type == "" {
		req.Payload.Type = defaultMessageType
	}

	messageUUID, err := uuid.NewV7()
	if err != nil {
		return models.StoredMessage{}, err
	}
	messageId := messageUUID.String()
	token := req.Payload.IdempotencyToken

	if token != "" {
		existingId, claimed, err := s.Cache.ClaimIdempotencyToken(ctx, from, token, messageId)
		switch {
		case err != nil:
			// Without the cache a retry may be stored twice; clients still
			// reconcile by token
			log.Printf("ClaimIdempotencyToken failed for %s: %v", from, err)
		case !claimed:
			existing, err := s.Store.GetMessage(ctx, from, req.To, existingId)
			if err == nil {
				conn.Emit(EventMessageAck, MessageAckData{StoredMessage: existing, IdempotencyToken: token})
				return existing, nil
			}
			if !errors.Is(err, store.ErrItemNotFound) {
				return models.StoredMessage{}, storeError("get message", err)
			}
			// The first attempt never reached the store, store this one
		}
	}

	msg := models.StoredMessage{
		Id:        messageId,
		From:      from,
		To:        req.To,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := s.Store.SaveMessage(ctx, msg); err != nil {
		log.Printf("SaveMessage failed from %s to %s: %v", from, req.To, err)
		return models.StoredMessage{}, storeError("save message", err)
	}
	metrics.MessageStored()

	if peer, ok := s.Presence.Lookup(req.To); ok && peer.Emit(EventMessage, msg) {
		metrics.FastPathDelivery()
		if s.DeliveryBatcher != nil && !s.DeliveryBatcher.Push(msg.Ref()) {
			log.Printf("Delivery batcher full, %s stays queued for catch-up", msg.Id)
		}
	}

	conn.Emit(EventMessageAck, MessageAckData{StoredMessage: msg, IdempotencyToken: token})

	return msg, nil
}

// CatchUp delivers every undelivered message addressed to the connection's
// identity, oldest first, and flags what was handed over. Each message waits
// for room on the connection, so a large backlog is not cut short by the
// send buffer. A crash between emitting and flagging replays those messages
// on the next catch-up.
func (s *Service) CatchUp(ctx context.Context, conn *ConnectionContext) error {
	username := conn.Username()
	if username == "" {
		return ErrUnauthenticated
	}

	queued, err := s.Store.GetUndelivered(ctx, username)
	if err != nil {
		return storeError("get undelivered", err)
	}
	if len(queued) == 0 {
		return nil
	}

	delivered := make([]models.MessageRef, 0, catchUpMarkBatch)
	total := 0
	flush := func() error {
		if len(delivered) == 0 {
			return nil
		}
		if err := s.Store.MarkDelivered(ctx, delivered); err != nil {
			return storeError("mark delivered", err)
		}
		total += len(delivered)
		delivered = make([]models.MessageRef, 0, catchUpMarkBatch)
		return nil
	}

	for i, msg := range queued {
		waitCtx, cancel := context.WithTimeout(ctx, s.CatchUpStallTimeout)
		ok := conn.EmitWait(waitCtx, EventMessage, msg)
		cancel()
		if !ok {
			log.Printf("Catch-up for %s stopped after %d of %d messages", username, i, len(queued))
			break
		}
		delivered = append(delivered, msg.Ref())
		metrics.CatchUpDelivery()

		if len(delivered) == catchUpMarkBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}
	if total > 0 {
		log.Printf("Caught up %s with %d messages", username, total)
	}
	return nil
}

// History returns up to limit of the most recent messages between requester
// and withUser, oldest first. Delivered flags are left alone.
func (s *Service) History(ctx context.Context, requester string, req HistoryRequest) ([]models.StoredMessage, error) {
	if requester == "" {
		return nil, ErrUnauthenticated
	}
	if err := ValidateUsername(req.WithUser); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := s.Store.GetConversation(ctx, requester, req.WithUser, limit)
	if err != nil {
		log.Printf("GetConversation failed for %s and %s: %v", requester, req.WithUser, err)
		return nil, storeError("get conversation", err)
	}
	if messages == nil {
		messages = []models.StoredMessage{}
	}
	return messages, nil
}
