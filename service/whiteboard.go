package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/pgprelay/cache"
	"github.com/zlnvch/pgprelay/metrics"
	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
	"github.com/zlnvch/pgprelay/worker"
)

// CanonicalSessionId is the same for both orderings of the pair.
func CanonicalSessionId(userA, userB string) string {
	return store.ConversationKey(userA, userB)
}

func participants(userA, userB string) [2]string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return [2]string{userA, userB}
}

// whiteboardPeer authenticates the connection and validates the peer. It
// returns the caller's username and the session id.
func whiteboardPeer(conn *ConnectionContext, withUser string) (string, string, error) {
	me := conn.Username()
	if me == "" {
		return "", "", ErrUnauthenticated
	}
	if err := ValidateUsername(withUser); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if withUser == me {
		return "", "", fmt.Errorf("%w: cannot open a whiteboard with yourself", ErrMalformedRequest)
	}
	return me, CanonicalSessionId(me, withUser), nil
}

// JoinWhiteboard subscribes the connection to the session, creating the
// session on first join, and replays the stroke log to it alone.
func (s *Service) JoinWhiteboard(ctx context.Context, conn *ConnectionContext, req WhiteboardRequest) error {
	me, sessionId, err := whiteboardPeer(conn, req.WithUser)
	if err != nil {
		return err
	}

	if _, err := s.Store.EnsureSession(ctx, sessionId, participants(me, req.WithUser)); err != nil {
		log.Printf("EnsureSession failed for %s: %v", sessionId, err)
		return storeError("ensure session", err)
	}

	// Join before loading so no stroke falls between the replay and the
	// live feed. Clients drop the overlap by stroke id.
	if s.Broadcaster != nil {
		if err := s.Broadcaster.JoinGroup(ctx, sessionId, conn); err != nil {
			log.Printf("Failed to join session group %s: %v", sessionId, err)
			return storeError("join session", err)
		}
	}
	conn.addWhiteboard(sessionId, req.WithUser)

	strokes, err := s.loadStrokes(ctx, sessionId)
	if err != nil {
		log.Printf("Failed to load strokes of %s: %v", sessionId, err)
		return storeError("load strokes", err)
	}

	conn.Emit(EventWhiteboardHistory, WhiteboardHistoryData{SessionId: sessionId, Strokes: strokes})

	s.publishToSession(ctx, sessionId, conn.ID, EventUserJoinedWhiteboard, WhiteboardUserData{SessionId: sessionId, User: me})
	return nil
}

// DrawStroke appends a stroke stamped with the server time and sends it to
// the other members of the session. A session that no longer exists is not
// an error; the stroke is dropped.
func (s *Service) DrawStroke(ctx context.Context, conn *ConnectionContext, req DrawStrokeRequest) (models.Stroke, error) {
	_, sessionId, err := whiteboardPeer(conn, req.WithUser)
	if err != nil {
		return models.Stroke{}, err
	}

	stroke := req.Stroke
	if err := ValidateStroke(&stroke); err != nil {
		return models.Stroke{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	strokeUUID, err := uuid.NewV7()
	if err != nil {
		return models.Stroke{}, err
	}
	stroke.Id = strokeUUID.String()
	stroke.Timestamp = time.Now().UTC()

	stroke, err = s.Store.AppendStroke(ctx, sessionId, stroke)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			log.Printf("Dropping stroke for missing session %s", sessionId)
			return models.Stroke{}, nil
		}
		log.Printf("AppendStroke failed for %s: %v", sessionId, err)
		return models.Stroke{}, storeError("append stroke", err)
	}
	metrics.StrokeAppended()

	if strokeBytes, err := json.Marshal(stroke); err == nil {
		item := cache.StrokeCacheItem{StrokeId: stroke.Id, Score: stroke.Seq, Data: strokeBytes}
		if err := s.Cache.AddStroke(ctx, sessionId, item); err != nil {
			log.Printf("Failed to cache stroke for %s: %v", sessionId, err)
			if err := s.Cache.InvalidateSession(ctx, sessionId); err != nil {
				log.Printf("Failed to invalidate cached strokes of %s: %v", sessionId, err)
			}
		}
	}

	s.publishToSession(ctx, sessionId, conn.ID, EventStrokeDrawn, StrokeDrawnData{SessionId: sessionId, Stroke: stroke})
	return stroke, nil
}

// ClearWhiteboard empties the stroke log and tells every member, the
// requester included.
func (s *Service) ClearWhiteboard(ctx context.Context, conn *ConnectionContext, req WhiteboardRequest) error {
	_, sessionId, err := whiteboardPeer(conn, req.WithUser)
	if err != nil {
		return err
	}

	session, err := s.Store.ClearStrokes(ctx, sessionId)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		log.Printf("ClearStrokes failed for %s: %v", sessionId, err)
		return storeError("clear strokes", err)
	}
	metrics.WhiteboardCleared()

	if err := s.Cache.InvalidateSession(ctx, sessionId); err != nil {
		log.Printf("Failed to invalidate cached strokes of %s: %v", sessionId, err)
	}

	if s.MQ != nil && session.Epoch > 0 {
		body, _ := json.Marshal(worker.PurgeStrokesMessage{SessionId: sessionId, BeforeEpoch: session.Epoch})
		if err := s.MQ.Send(ctx, string(body)); err != nil {
			// The old strokes are unreachable already; they only cost storage
			log.Printf("Failed to queue stroke purge for %s: %v", sessionId, err)
		}
	}

	data := WhiteboardClearedData{SessionId: sessionId}
	if _, joined := conn.Whiteboards()[sessionId]; !joined {
		conn.Emit(EventWhiteboardCleared, data)
	}
	s.publishToSession(ctx, sessionId, "", EventWhiteboardCleared, data)
	return nil
}

// LeaveWhiteboard is a no-op for a session the connection never joined.
func (s *Service) LeaveWhiteboard(ctx context.Context, conn *ConnectionContext, req WhiteboardRequest) error {
	me, sessionId, err := whiteboardPeer(conn, req.WithUser)
	if err != nil {
		return err
	}
	s.leaveWhiteboard(ctx, conn, me, sessionId)
	return nil
}

func (s *Service) leaveWhiteboard(ctx context.Context, conn *ConnectionContext, me string, sessionId string) {
	if !conn.removeWhiteboard(sessionId) {
		return
	}
	if s.Broadcaster != nil {
		s.Broadcaster.LeaveGroup(sessionId, conn)
	}
	s.publishToSession(ctx, sessionId, conn.ID, EventUserLeftWhiteboard, WhiteboardUserData{SessionId: sessionId, User: me})
}

func (s *Service) leaveAllWhiteboards(ctx context.Context, conn *ConnectionContext) {
	me := conn.Username()
	for sessionId := range conn.Whiteboards() {
		s.leaveWhiteboard(ctx, conn, me, sessionId)
	}
}

func (s *Service) publishToSession(ctx context.Context, sessionId string, exclude string, eventType string, data any) {
	event := EncodeEvent(eventType, data)
	if event == nil {
		return
	}
	frame, err := json.Marshal(SessionFrame{Exclude: exclude, Event: event})
	if err != nil {
		log.Printf("Failed to marshal session frame: %v", err)
		return
	}
	if err := s.Cache.Publish(ctx, cache.SessionChannel(sessionId), frame); err != nil {
		log.Printf("Failed to publish %s to %s: %v", eventType, sessionId, err)
	}
}

// loadStrokes serves the stroke log from the cache when it holds the whole
// log, and otherwise reads the store and refills the cache. The generation
// is read before the store so a clear or draw committed after the read
// makes the refill a no-op.
func (s *Service) loadStrokes(ctx context.Context, sessionId string) ([]models.Stroke, error) {
	cachedRaw, complete, err := s.Cache.GetStrokes(ctx, sessionId)
	if err == nil && complete {
		strokes := make([]models.Stroke, 0, len(cachedRaw))
		for _, b := range cachedRaw {
			var stroke models.Stroke
			if err := json.Unmarshal(b, &stroke); err == nil {
				strokes = append(strokes, stroke)
			}
		}
		return strokes, nil
	}

	generation, genErr := s.Cache.StrokeGeneration(ctx, sessionId)

	strokes, err := s.Store.GetStrokes(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if strokes == nil {
		strokes = []models.Stroke{}
	}
	if genErr != nil {
		log.Printf("Failed to read stroke generation of %s: %v", sessionId, genErr)
		return strokes, nil
	}

	batchItems := make([]cache.StrokeCacheItem, 0, len(strokes))
	for _, stroke := range strokes {
		sBytes, err := json.Marshal(stroke)
		if err != nil {
			continue
		}
		batchItems = append(batchItems, cache.StrokeCacheItem{
			StrokeId: stroke.Id,
			Score:    stroke.Seq,
			Data:     sBytes,
		})
	}

	filled, err := s.Cache.FillStrokes(ctx, sessionId, generation, batchItems)
	if err != nil {
		log.Printf("Failed to cache strokes of %s: %v", sessionId, err)
	} else if !filled {
		log.Printf("Stroke log of %s changed while loading, cache left cold", sessionId)
	}

	return strokes, nil
}
