package worker

import (
	"context"
	"log"
	"time"

	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

const deliveryBatchSize = 25

// DeliveryBatcher coalesces the delivered flags of fast-path messages. The
// flag is bookkeeping only, so losing a batch on crash just means the message
// is replayed by the next catch-up.
type DeliveryBatcher struct {
	DeliveredCh        chan models.MessageRef
	relayStore         store.RelayStore
	tickerMilliseconds int
	done               chan struct{}
}

func NewDeliveryBatcher(relayStore store.RelayStore, tickerMilliseconds int) *DeliveryBatcher {
	return &DeliveryBatcher{
		DeliveredCh:        make(chan models.MessageRef, 1024),
		relayStore:         relayStore,
		tickerMilliseconds: tickerMilliseconds,
		done:               make(chan struct{}),
	}
}

// Push queues ref without blocking. It reports false when the buffer is full.
func (b *DeliveryBatcher) Push(ref models.MessageRef) bool {
	select {
	case b.DeliveredCh <- ref:
		return true
	default:
		return false
	}
}

// Done is closed once Run has flushed its last batch.
func (b *DeliveryBatcher) Done() <-chan struct{} {
	return b.done
}

func (b *DeliveryBatcher) Run(shutdownCtx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	batch := make([]models.MessageRef, 0, deliveryBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Not derived from shutdownCtx: pending flags should still land on shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := b.relayStore.MarkDelivered(ctx, batch); err != nil {
			log.Printf("Failed to mark %d messages delivered: %v", len(batch), err)
		}
		batch = make([]models.MessageRef, 0, deliveryBatchSize)
	}

	for {
		select {
		case ref := <-b.DeliveredCh:
			batch = append(batch, ref)
			if len(batch) >= deliveryBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			// Drain whatever is already buffered
			for {
				select {
				case ref := <-b.DeliveredCh:
					batch = append(batch, ref)
					if len(batch) >= deliveryBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
