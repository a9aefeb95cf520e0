package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/zlnvch/pgprelay/cache"
	"github.com/zlnvch/pgprelay/metrics"
	"github.com/zlnvch/pgprelay/service"
)

type groupJoin struct {
	client    *Client
	sessionId string
	done      chan error
}

type groupLeave struct {
	client    *Client
	sessionId string
}

type sessionEvent struct {
	sessionId string
	frame     []byte
}

// Hub maintains the set of active clients and the local members of every
// whiteboard session. All maps are owned by Run.
type Hub struct {
	relayCache                cache.RelayCache
	OpenCh                    chan *Client
	CloseCh                   chan *Client
	joinCh                    chan groupJoin
	leaveCh                   chan groupLeave
	broadcastCh               chan []byte
	sessionEventCh            chan sessionEvent
	clients                   map[*Client]struct{}
	sessionToClients          map[string]map[*Client]struct{}
	sessionToSubscriberCancel map[string]context.CancelFunc
	// done is closed when Run returns. Senders select on it so nothing
	// blocks on a hub that stopped reading.
	done chan struct{}
}

func NewHub(relayCache cache.RelayCache) *Hub {
	return &Hub{
		relayCache:                relayCache,
		OpenCh:                    make(chan *Client, 256),
		CloseCh:                   make(chan *Client, 256),
		joinCh:                    make(chan groupJoin, 1024),
		leaveCh:                   make(chan groupLeave, 1024),
		broadcastCh:               make(chan []byte, 256),
		sessionEventCh:            make(chan sessionEvent, 1024),
		clients:                   make(map[*Client]struct{}),
		sessionToClients:          make(map[string]map[*Client]struct{}),
		sessionToSubscriberCancel: make(map[string]context.CancelFunc),
		done:                      make(chan struct{}),
	}
}

const maxWhiteboardsPerConnection = 50

var (
	errConnectionClosed = errors.New("connection closed")
	errHubStopped       = errors.New("hub stopped")
)

func (h *Hub) Run(shutdownCtx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.OpenCh:
			h.clients[client] = struct{}{}
			metrics.ConnectionOpened()

		case client := <-h.CloseCh:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			for sessionId := range client.sessions {
				h.removeFromSession(client, sessionId)
			}
			delete(h.clients, client)
			metrics.ConnectionClosed()

		case join := <-h.joinCh:
			join.done <- h.addToSession(shutdownCtx, join.client, join.sessionId)

		case leave := <-h.leaveCh:
			h.removeFromSession(leave.client, leave.sessionId)

		case msg := <-h.broadcastCh:
			for client := range h.clients {
				client.Deliver(msg)
			}

		case ev := <-h.sessionEventCh:
			var frame service.SessionFrame
			if err := json.Unmarshal(ev.frame, &frame); err != nil {
				log.Printf("Dropping malformed session frame on %s: %v", ev.sessionId, err)
				continue
			}
			for client := range h.sessionToClients[ev.sessionId] {
				if client.State.ID == frame.Exclude {
					continue
				}
				client.Deliver(frame.Event)
			}

		case <-shutdownCtx.Done():
			for _, cancel := range h.sessionToSubscriberCancel {
				cancel()
			}
			return
		}
	}
}

func (h *Hub) addToSession(shutdownCtx context.Context, client *Client, sessionId string) error {
	if _, ok := h.clients[client]; !ok {
		return errConnectionClosed
	}
	if _, ok := client.sessions[sessionId]; ok {
		return nil
	}
	if len(client.sessions) >= maxWhiteboardsPerConnection {
		log.Printf("Connection %s reached max whiteboards (%d)", client.State.ID, maxWhiteboardsPerConnection)
		return fmt.Errorf("whiteboard limit of %d reached", maxWhiteboardsPerConnection)
	}

	if h.sessionToClients[sessionId] == nil {
		log.Printf("Subscriber does not exist, creating for session: %s", sessionId)

		ctx, cancel := context.WithCancel(shutdownCtx)
		channel := cache.SessionChannel(sessionId)

		err := h.relayCache.Subscribe(ctx, channel, func(frame []byte) {
			select {
			case h.sessionEventCh <- sessionEvent{sessionId: sessionId, frame: frame}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			cancel()
			log.Printf("Failed to create redis sub for channel %s: %v", channel, err)
			return err
		}

		h.sessionToClients[sessionId] = make(map[*Client]struct{})
		h.sessionToSubscriberCancel[sessionId] = cancel
	}
	h.sessionToClients[sessionId][client] = struct{}{}
	client.sessions[sessionId] = struct{}{}
	return nil
}

func (h *Hub) removeFromSession(client *Client, sessionId string) {
	delete(h.sessionToClients[sessionId], client)
	delete(client.sessions, sessionId)
	if len(h.sessionToClients[sessionId]) == 0 {
		if cancel, ok := h.sessionToSubscriberCancel[sessionId]; ok {
			cancel()
			delete(h.sessionToSubscriberCancel, sessionId)
		}
		delete(h.sessionToClients, sessionId)
	}
}

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Open registers a new client. It reports false if the hub has stopped.
func (h *Hub) Open(client *Client) bool {
	select {
	case h.OpenCh <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) closeClient(client *Client) {
	select {
	case h.CloseCh <- client:
	case <-h.done:
	}
}

// BroadcastAll queues msg for every open connection.
func (h *Hub) BroadcastAll(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	case <-h.done:
	}
}

// JoinGroup returns once the session subscription is live, so events
// published after it returns reach the connection.
func (h *Hub) JoinGroup(ctx context.Context, sessionId string, conn *service.ConnectionContext) error {
	client, ok := conn.Outbox.(*Client)
	if !ok {
		return errors.New("connection is not a websocket client")
	}

	done := make(chan error, 1)
	select {
	case h.joinCh <- groupJoin{client: client, sessionId: sessionId, done: done}:
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) LeaveGroup(sessionId string, conn *service.ConnectionContext) {
	client, ok := conn.Outbox.(*Client)
	if !ok {
		return
	}
	select {
	case h.leaveCh <- groupLeave{client: client, sessionId: sessionId}:
	case <-h.done:
	}
}
