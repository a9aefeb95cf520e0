package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/zlnvch/pgprelay/mq"
	"github.com/zlnvch/pgprelay/store"
)

// PurgeStrokesMessage asks for every stroke of a session written before
// BeforeEpoch to be deleted. Those strokes are already invisible to readers.
type PurgeStrokesMessage struct {
	SessionId   string `json:"sessionId"`
	BeforeEpoch int    `json:"beforeEpoch"`
}

type MQConsumer struct {
	purgeQueue mq.MessageQueue
	relayStore store.RelayStore
}

func NewMQConsumer(purgeQueue mq.MessageQueue, relayStore store.RelayStore) *MQConsumer {
	return &MQConsumer{
		purgeQueue: purgeQueue,
		relayStore: relayStore,
	}
}

// Allow up to 5 minutes for the throttled batch deletion of a large session
const visibilityTimeout = 300

// Jobs that keep failing are dropped after this many deliveries; the strokes
// they cover are unreachable either way.
const maxReceives = 5

func (mqConsumer *MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.purgeQueue.Receive(shutdownCtx, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("mqConsumer receive error: %v", err)
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if msg == nil {
			continue
		}

		if mqConsumer.handle(msg) || msg.ReceiveCount >= maxReceives {
			if err := mqConsumer.purgeQueue.Delete(context.Background(), msg); err != nil {
				log.Printf("mqConsumer delete error: %v", err)
			}
		}
	}
}

// handle reports whether the job is finished and can be deleted.
func (mqConsumer *MQConsumer) handle(msg *mq.Message) bool {
	var purgeMsg PurgeStrokesMessage
	if err := json.Unmarshal([]byte(msg.Body), &purgeMsg); err != nil || purgeMsg.SessionId == "" {
		log.Printf("mqConsumer dropping malformed job: %q", msg.Body)
		return true
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	if err := mqConsumer.relayStore.PurgeStrokes(ctx, purgeMsg.SessionId, purgeMsg.BeforeEpoch); err != nil {
		log.Printf("Failed to purge strokes of session %s (attempt %d): %v", purgeMsg.SessionId, msg.ReceiveCount, err)
		return false
	}
	return true
}
