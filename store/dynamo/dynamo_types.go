package dynamo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

const (
	identityPrefix = "USER#"
	convPrefix     = "CONV#"
	sessionPrefix  = "SESSION#"
	strokePrefix   = "STROKE#"

	profileSK = "PROFILE"
	metaSK    = "META"

	entityUser = "USER"
)

type dynamoIdentity struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	Username   string `dynamodbav:"Username"`
	PublicKey  string `dynamodbav:"PublicKey"`
	Created    int64  `dynamodbav:"Created"`
	LastSeen   int64  `dynamodbav:"LastSeen"`
}

func identityToDynamo(i models.Identity) dynamoIdentity {
	return dynamoIdentity{
		PK:         identityPrefix + i.Username,
		SK:         profileSK,
		EntityType: entityUser,
		Username:   i.Username,
		PublicKey:  i.PublicKey,
		Created:    i.Created.UnixMilli(),
		LastSeen:   i.LastSeen.UnixMilli(),
	}
}

func identityFromDynamo(di dynamoIdentity) models.Identity {
	return models.Identity{
		Username:  di.Username,
		PublicKey: di.PublicKey,
		Created:   time.UnixMilli(di.Created).UTC(),
		LastSeen:  time.UnixMilli(di.LastSeen).UTC(),
	}
}

// Inbox is only present while the message is undelivered, which keeps
// GSI_Inbox sparse.
type dynamoMessage struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	From             string `dynamodbav:"From"`
	To               string `dynamodbav:"To"`
	Envelope         []byte `dynamodbav:"Envelope"`
	Type             string `dynamodbav:"Type"`
	IdempotencyToken string `dynamodbav:"IdempotencyToken,omitempty"`
	Delivered        bool   `dynamodbav:"Delivered"`
	Inbox            string `dynamodbav:"Inbox,omitempty"`
	CreatedAt        int64  `dynamodbav:"CreatedAt"`
}

func messagePK(from, to string) string {
	return convPrefix + store.ConversationKey(from, to)
}

func messageToDynamo(m models.StoredMessage) dynamoMessage {
	dm := dynamoMessage{
		PK:               messagePK(m.From, m.To),
		SK:               m.Id,
		From:             m.From,
		To:               m.To,
		Envelope:         m.Payload.Ciphertext,
		Type:             m.Payload.Type,
		IdempotencyToken: m.Payload.IdempotencyToken,
		Delivered:        m.Delivered,
		CreatedAt:        m.CreatedAt.UnixMilli(),
	}
	if !m.Delivered {
		dm.Inbox = m.To
	}
	return dm
}

func messageFromDynamo(dm dynamoMessage) models.StoredMessage {
	return models.StoredMessage{
		Id:   dm.SK,
		From: dm.From,
		To:   dm.To,
		Payload: models.Envelope{
			Ciphertext:       dm.Envelope,
			Type:             dm.Type,
			IdempotencyToken: dm.IdempotencyToken,
		},
		Delivered: dm.Delivered,
		CreatedAt: time.UnixMilli(dm.CreatedAt).UTC(),
	}
}

type dynamoSession struct {
	PK           string   `dynamodbav:"PK"`
	SK           string   `dynamodbav:"SK"`
	SessionId    string   `dynamodbav:"SessionId"`
	Participants []string `dynamodbav:"Participants"`
	Epoch        int      `dynamodbav:"Epoch"`
	StrokeSeq    int64    `dynamodbav:"StrokeSeq"`
	LastModified int64    `dynamodbav:"LastModified"`
}

func sessionToDynamo(s models.Session) dynamoSession {
	return dynamoSession{
		PK:           sessionPrefix + s.SessionId,
		SK:           metaSK,
		SessionId:    s.SessionId,
		Participants: []string{s.Participants[0], s.Participants[1]},
		Epoch:        s.Epoch,
		StrokeSeq:    s.StrokeSeq,
		LastModified: s.LastModified.UnixMilli(),
	}
}

func sessionFromDynamo(ds dynamoSession) models.Session {
	s := models.Session{
		SessionId:    ds.SessionId,
		Epoch:        ds.Epoch,
		StrokeSeq:    ds.StrokeSeq,
		LastModified: time.UnixMilli(ds.LastModified).UTC(),
	}
	copy(s.Participants[:], ds.Participants)
	return s
}

type dynamoStroke struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Epoch         int    `dynamodbav:"Epoch"`
	StrokeContent []byte `dynamodbav:"StrokeContent"`
}

// strokeSKPrefix orders strokes by epoch first so that everything older than
// a given epoch sorts before strokeSKPrefix(epoch). Within an epoch the
// zero-padded sequence keeps the sort key in append order.
func strokeSKPrefix(epoch int) string {
	return fmt.Sprintf("%s%010d#", strokePrefix, epoch)
}

func strokeToDynamo(sessionId string, epoch int, s models.Stroke) (dynamoStroke, error) {
	content, err := json.Marshal(s)
	if err != nil {
		return dynamoStroke{}, err
	}
	return dynamoStroke{
		PK:            sessionPrefix + sessionId,
		SK:            fmt.Sprintf("%s%020d", strokeSKPrefix(epoch), s.Seq),
		Epoch:         epoch,
		StrokeContent: content,
	}, nil
}

func strokeFromDynamo(ds dynamoStroke) (models.Stroke, error) {
	var s models.Stroke
	if err := json.Unmarshal(ds.StrokeContent, &s); err != nil {
		return models.Stroke{}, err
	}
	if s.Seq == 0 {
		s.Seq, _ = strconv.ParseInt(ds.SK[strings.LastIndex(ds.SK, "#")+1:], 10, 64)
	}
	return s, nil
}
