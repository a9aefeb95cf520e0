// Package boltdb implements store.RelayStore on an embedded bbolt database
// for single node deployments.
package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

const (
	identitiesBucket    = "identities"
	messagesBucket      = "messages"
	msgIdsBucket        = "msgids"
	conversationsBucket = "conversations"
	inboxBucket         = "inbox"
	sessionsBucket      = "sessions"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
}

type boltIdentity struct {
	Username  string    `cbor:"username"`
	PublicKey string    `cbor:"publicKey"`
	Created   time.Time `cbor:"created"`
	LastSeen  time.Time `cbor:"lastSeen"`
}

type boltMessage struct {
	Id        string          `cbor:"id"`
	From      string          `cbor:"from"`
	To        string          `cbor:"to"`
	Payload   models.Envelope `cbor:"payload"`
	Delivered bool            `cbor:"delivered"`
	CreatedAt time.Time       `cbor:"createdAt"`
}

// boltSession keeps the whole stroke log in the session document, so every
// append and clear is a single read-modify-write inside one transaction.
type boltSession struct {
	SessionId    string          `cbor:"sessionId"`
	Participants [2]string       `cbor:"participants"`
	Epoch        int             `cbor:"epoch"`
	StrokeSeq    int64           `cbor:"strokeSeq"`
	LastModified time.Time       `cbor:"lastModified"`
	Strokes      []models.Stroke `cbor:"strokes"`
}

func (s boltSession) model() models.Session {
	return models.Session{
		SessionId:    s.SessionId,
		Participants: s.Participants,
		Epoch:        s.Epoch,
		StrokeSeq:    s.StrokeSeq,
		LastModified: s.LastModified,
	}
}

type BoltRelayStore struct {
	db *bolt.DB
}

func NewBoltRelayStore(path string) (*BoltRelayStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{identitiesBucket, messagesBucket, msgIdsBucket, conversationsBucket, inboxBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRelayStore{db: db}, nil
}

func (s *BoltRelayStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (s *BoltRelayStore) EnsureIdentity(ctx context.Context, identity models.Identity) (models.Identity, bool, error) {
	var result models.Identity
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(identitiesBucket))
		if raw := bkt.Get([]byte(identity.Username)); raw != nil {
			var bi boltIdentity
			if err := cbor.Unmarshal(raw, &bi); err != nil {
				return err
			}
			result = models.Identity(bi)
			return nil
		}

		raw, err := encMode.Marshal(boltIdentity(identity))
		if err != nil {
			return err
		}
		created = true
		result = identity
		return bkt.Put([]byte(identity.Username), raw)
	})
	if err != nil {
		return models.Identity{}, false, err
	}
	return result, created, nil
}

func (s *BoltRelayStore) TouchIdentity(ctx context.Context, username string, lastSeen time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(identitiesBucket))
		raw := bkt.Get([]byte(username))
		if raw == nil {
			return store.ErrItemNotFound
		}

		var bi boltIdentity
		if err := cbor.Unmarshal(raw, &bi); err != nil {
			return err
		}
		bi.LastSeen = lastSeen

		raw, err := encMode.Marshal(bi)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(username), raw)
	})
}

func (s *BoltRelayStore) GetIdentity(ctx context.Context, username string) (models.Identity, error) {
	var bi boltIdentity
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(identitiesBucket)).Get([]byte(username))
		if raw == nil {
			return store.ErrItemNotFound
		}
		return cbor.Unmarshal(raw, &bi)
	})
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity(bi), nil
}

// ListIdentities returns identities ordered by username (bbolt key order).
func (s *BoltRelayStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	var identities []models.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).ForEach(func(k, v []byte) error {
			var bi boltIdentity
			if err := cbor.Unmarshal(v, &bi); err != nil {
				return fmt.Errorf("identity %s: %w", k, err)
			}
			identities = append(identities, models.Identity(bi))
			return nil
		})
	})
	return identities, err
}

func (s *BoltRelayStore) SaveMessage(ctx context.Context, msg models.StoredMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket([]byte(msgIdsBucket))
		if ids.Get([]byte(msg.Id)) != nil {
			return nil
		}

		messages := tx.Bucket([]byte(messagesBucket))
		seq, err := messages.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)

		raw, err := encMode.Marshal(boltMessage(msg))
		if err != nil {
			return err
		}
		if err := messages.Put(key, raw); err != nil {
			return err
		}
		if err := ids.Put([]byte(msg.Id), key); err != nil {
			return err
		}

		conv, err := tx.Bucket([]byte(conversationsBucket)).CreateBucketIfNotExists([]byte(store.ConversationKey(msg.From, msg.To)))
		if err != nil {
			return err
		}
		if err := conv.Put(key, nil); err != nil {
			return err
		}

		if msg.Delivered {
			return nil
		}
		inbox, err := tx.Bucket([]byte(inboxBucket)).CreateBucketIfNotExists([]byte(msg.To))
		if err != nil {
			return err
		}
		return inbox.Put(key, nil)
	})
}

func getMessageBySeq(tx *bolt.Tx, key []byte) (models.StoredMessage, error) {
	raw := tx.Bucket([]byte(messagesBucket)).Get(key)
	if raw == nil {
		return models.StoredMessage{}, store.ErrItemNotFound
	}
	var bm boltMessage
	if err := cbor.Unmarshal(raw, &bm); err != nil {
		return models.StoredMessage{}, err
	}
	return models.StoredMessage(bm), nil
}

func (s *BoltRelayStore) GetMessage(ctx context.Context, from string, to string, id string) (models.StoredMessage, error) {
	var msg models.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(msgIdsBucket)).Get([]byte(id))
		if key == nil {
			return store.ErrItemNotFound
		}
		var err error
		msg, err = getMessageBySeq(tx, key)
		if err != nil {
			return err
		}
		if store.ConversationKey(msg.From, msg.To) != store.ConversationKey(from, to) {
			return store.ErrItemNotFound
		}
		return nil
	})
	return msg, err
}

func (s *BoltRelayStore) GetUndelivered(ctx context.Context, to string) ([]models.StoredMessage, error) {
	var messages []models.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		inbox := tx.Bucket([]byte(inboxBucket)).Bucket([]byte(to))
		if inbox == nil {
			return nil
		}
		return inbox.ForEach(func(k, _ []byte) error {
			msg, err := getMessageBySeq(tx, k)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	return messages, err
}

func (s *BoltRelayStore) MarkDelivered(ctx context.Context, refs []models.MessageRef) error {
	if len(refs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket([]byte(msgIdsBucket))
		messages := tx.Bucket([]byte(messagesBucket))
		inboxes := tx.Bucket([]byte(inboxBucket))

		for _, ref := range refs {
			key := ids.Get([]byte(ref.Id))
			if key == nil {
				continue
			}
			msg, err := getMessageBySeq(tx, key)
			if err != nil {
				return err
			}
			if msg.Delivered {
				continue
			}
			msg.Delivered = true

			raw, err := encMode.Marshal(boltMessage(msg))
			if err != nil {
				return err
			}
			if err := messages.Put(key, raw); err != nil {
				return err
			}
			if inbox := inboxes.Bucket([]byte(msg.To)); inbox != nil {
				if err := inbox.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltRelayStore) GetConversation(ctx context.Context, userA string, userB string, limit int) ([]models.StoredMessage, error) {
	var messages []models.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket([]byte(conversationsBucket)).Bucket([]byte(store.ConversationKey(userA, userB)))
		if conv == nil {
			return nil
		}

		// Walk back from the newest entry, then reverse into ascending order
		c := conv.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			msg, err := getMessageBySeq(tx, k)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// updateSession runs fn against the decoded session document and writes it
// back. Returns store.ErrItemNotFound if the session does not exist.
func (s *BoltRelayStore) updateSession(sessionId string, fn func(*boltSession) error) (boltSession, error) {
	var result boltSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		raw := bkt.Get([]byte(sessionId))
		if raw == nil {
			return store.ErrItemNotFound
		}
		if err := cbor.Unmarshal(raw, &result); err != nil {
			return err
		}
		if err := fn(&result); err != nil {
			return err
		}
		raw, err := encMode.Marshal(result)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(sessionId), raw)
	})
	return result, err
}

func (s *BoltRelayStore) getSession(sessionId string) (boltSession, error) {
	var bs boltSession
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(sessionsBucket)).Get([]byte(sessionId))
		if raw == nil {
			return store.ErrItemNotFound
		}
		return cbor.Unmarshal(raw, &bs)
	})
	return bs, err
}

func (s *BoltRelayStore) EnsureSession(ctx context.Context, sessionId string, participants [2]string) (models.Session, error) {
	var result boltSession
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if raw := bkt.Get([]byte(sessionId)); raw != nil {
			return cbor.Unmarshal(raw, &result)
		}

		result = boltSession{
			SessionId:    sessionId,
			Participants: participants,
			LastModified: time.Now().UTC(),
		}
		raw, err := encMode.Marshal(result)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(sessionId), raw)
	})
	if err != nil {
		return models.Session{}, err
	}
	return result.model(), nil
}

func (s *BoltRelayStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	bs, err := s.getSession(sessionId)
	if err != nil {
		return models.Session{}, err
	}
	return bs.model(), nil
}

func (s *BoltRelayStore) AppendStroke(ctx context.Context, sessionId string, stroke models.Stroke) (models.Stroke, error) {
	_, err := s.updateSession(sessionId, func(bs *boltSession) error {
		bs.StrokeSeq++
		stroke.Seq = bs.StrokeSeq
		bs.Strokes = append(bs.Strokes, stroke)
		bs.LastModified = time.Now().UTC()
		return nil
	})
	if err != nil {
		return models.Stroke{}, err
	}
	return stroke, nil
}

func (s *BoltRelayStore) GetStrokes(ctx context.Context, sessionId string) ([]models.Stroke, error) {
	bs, err := s.getSession(sessionId)
	if err != nil {
		return nil, err
	}
	if bs.Strokes == nil {
		return []models.Stroke{}, nil
	}
	return bs.Strokes, nil
}

func (s *BoltRelayStore) ClearStrokes(ctx context.Context, sessionId string) (models.Session, error) {
	bs, err := s.updateSession(sessionId, func(bs *boltSession) error {
		bs.Strokes = nil
		bs.Epoch++
		bs.LastModified = time.Now().UTC()
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return bs.model(), nil
}

// PurgeStrokes has nothing to do: ClearStrokes already dropped the strokes
// from the session document.
func (s *BoltRelayStore) PurgeStrokes(ctx context.Context, sessionId string, beforeEpoch int) error {
	return nil
}
