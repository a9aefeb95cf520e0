package service

import (
	"context"
	"errors"
	"time"

	"github.com/zlnvch/pgprelay/cache"
	"github.com/zlnvch/pgprelay/mq"
	"github.com/zlnvch/pgprelay/pgp"
	"github.com/zlnvch/pgprelay/store"
	"github.com/zlnvch/pgprelay/worker"
)

// Broadcaster reaches connections on this process. The websocket hub
// implements it.
type Broadcaster interface {
	// BroadcastAll sends msg to every open connection.
	BroadcastAll(msg []byte)
	// JoinGroup adds conn to the local fan-out group of a session. Events
	// published on the session channel afterwards reach conn.
	JoinGroup(ctx context.Context, sessionId string, conn *ConnectionContext) error
	LeaveGroup(sessionId string, conn *ConnectionContext)
}

type Service struct {
	Store           store.RelayStore
	Cache           cache.RelayCache
	MQ              mq.MessageQueue
	DeliveryBatcher *worker.DeliveryBatcher
	Verifier        pgp.Verifier
	Presence        *Presence
	Broadcaster     Broadcaster
	JWTSecret       []byte

	// CatchUpStallTimeout bounds how long catch-up waits on a connection
	// that stopped draining.
	CatchUpStallTimeout time.Duration
}

// NewService wires the relay. purgeQueue may be nil for stores that delete
// cleared strokes in place.
func NewService(
	relayStore store.RelayStore,
	relayCache cache.RelayCache,
	purgeQueue mq.MessageQueue,
	deliveryBatcher *worker.DeliveryBatcher,
	verifier pgp.Verifier,
	jwtSecret []byte,
) (*Service, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret not provided")
	}
	if verifier == nil {
		verifier = pgp.ClearsignVerifier{}
	}

	return &Service{
		Store:           relayStore,
		Cache:           relayCache,
		MQ:              purgeQueue,
		DeliveryBatcher: deliveryBatcher,
		Verifier:        verifier,
		Presence:        NewPresence(),
		JWTSecret:       jwtSecret,

		CatchUpStallTimeout: catchUpStallTimeout,
	}, nil
}

// SetBroadcaster is called once the hub exists, before any connection is
// accepted.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.Broadcaster = b
}
