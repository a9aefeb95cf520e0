package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zlnvch/pgprelay/models"
	"github.com/zlnvch/pgprelay/store"
)

const (
	gsiEntities = "GSI_Entities"
	gsiInbox    = "GSI_Inbox"

	appendRetries = 8
	purgeThrottle = 50 * time.Millisecond
)

type DynamoRelayStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoRelayStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoRelayStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tables, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoRelayStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoRelayStore) EnsureIdentity(ctx context.Context, identity models.Identity) (models.Identity, bool, error) {
	di, created, err := ensureItem(dynamoStore, ctx, identityToDynamo(identity))
	if err != nil {
		return models.Identity{}, false, err
	}
	return identityFromDynamo(di), created, nil
}

func (dynamoStore *DynamoRelayStore) TouchIdentity(ctx context.Context, username string, lastSeen time.Time) error {
	di := dynamoIdentity{
		PK:       identityPrefix + username,
		SK:       profileSK,
		LastSeen: lastSeen.UnixMilli(),
	}
	_, err := updateItem(dynamoStore, ctx, di, []string{"LastSeen"}, "", false)
	return err
}

func (dynamoStore *DynamoRelayStore) GetIdentity(ctx context.Context, username string) (models.Identity, error) {
	di, err := getItem[dynamoIdentity](dynamoStore, ctx, identityPrefix+username, profileSK, true)
	if err != nil {
		return models.Identity{}, err
	}
	return identityFromDynamo(di), nil
}

func (dynamoStore *DynamoRelayStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	items, err := queryItems[dynamoIdentity](dynamoStore, ctx, keyQuery{
		indexName:        gsiEntities,
		pkField:          "EntityType",
		pkValue:          entityUser,
		scanIndexForward: true,
	})
	if err != nil {
		return nil, err
	}

	identities := make([]models.Identity, 0, len(items))
	for _, di := range items {
		identities = append(identities, identityFromDynamo(di))
	}
	slices.SortFunc(identities, func(a, b models.Identity) int {
		return strings.Compare(a.Username, b.Username)
	})
	return identities, nil
}

func (dynamoStore *DynamoRelayStore) SaveMessage(ctx context.Context, msg models.StoredMessage) error {
	_, _, err := ensureItem(dynamoStore, ctx, messageToDynamo(msg))
	return err
}

func (dynamoStore *DynamoRelayStore) GetMessage(ctx context.Context, from string, to string, id string) (models.StoredMessage, error) {
	dm, err := getItem[dynamoMessage](dynamoStore, ctx, messagePK(from, to), id, true)
	if err != nil {
		return models.StoredMessage{}, err
	}
	return messageFromDynamo(dm), nil
}

// GetUndelivered reads the sparse inbox index. Message ids are UUIDv7 so the
// index sort key orders them by creation.
func (dynamoStore *DynamoRelayStore) GetUndelivered(ctx context.Context, to string) ([]models.StoredMessage, error) {
	items, err := queryItems[dynamoMessage](dynamoStore, ctx, keyQuery{
		indexName:        gsiInbox,
		pkField:          "Inbox",
		pkValue:          to,
		scanIndexForward: true,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]models.StoredMessage, 0, len(items))
	for _, dm := range items {
		messages = append(messages, messageFromDynamo(dm))
	}
	return messages, nil
}

func (dynamoStore *DynamoRelayStore) MarkDelivered(ctx context.Context, refs []models.MessageRef) error {
	var errs []error
	for _, ref := range refs {
		_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(dynamoStore.tableName),
			Key:                 itemKey(messagePK(ref.From, ref.To), ref.Id),
			UpdateExpression:    aws.String("SET Delivered = :true REMOVE Inbox"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true": &types.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			var cce *types.ConditionalCheckFailedException
			if errors.As(err, &cce) {
				log.Printf("MarkDelivered: message %s no longer exists", ref.Id)
				continue
			}
			errs = append(errs, fmt.Errorf("mark %s delivered: %w", ref.Id, err))
		}
	}
	return errors.Join(errs...)
}

func (dynamoStore *DynamoRelayStore) GetConversation(ctx context.Context, userA string, userB string, limit int) ([]models.StoredMessage, error) {
	// Newest first, then reversed so callers get oldest -> newest
	items, err := queryItems[dynamoMessage](dynamoStore, ctx, keyQuery{
		pkField:          "PK",
		pkValue:          messagePK(userA, userB),
		scanIndexForward: false,
		limit:            int32(limit),
	})
	if err != nil {
		return nil, err
	}

	messages := make([]models.StoredMessage, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		messages = append(messages, messageFromDynamo(items[i]))
	}
	return messages, nil
}

func (dynamoStore *DynamoRelayStore) EnsureSession(ctx context.Context, sessionId string, participants [2]string) (models.Session, error) {
	ds, _, err := ensureItem(dynamoStore, ctx, sessionToDynamo(models.Session{
		SessionId:    sessionId,
		Participants: participants,
		LastModified: time.Now(),
	}))
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromDynamo(ds), nil
}

func (dynamoStore *DynamoRelayStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	ds, err := getItem[dynamoSession](dynamoStore, ctx, sessionPrefix+sessionId, metaSK, true)
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromDynamo(ds), nil
}

// AppendStroke writes the stroke under the session's current epoch with the
// next StrokeSeq. The META update is conditioned on both the epoch and the
// previous sequence, so a stroke never lands in an epoch a concurrent clear
// has retired and two writers never share a sequence number.
func (dynamoStore *DynamoRelayStore) AppendStroke(ctx context.Context, sessionId string, stroke models.Stroke) (models.Stroke, error) {
	for attempt := 0; attempt < appendRetries; attempt++ {
		session, err := dynamoStore.GetSession(ctx, sessionId)
		if err != nil {
			return models.Stroke{}, err
		}

		stroke.Seq = session.StrokeSeq + 1
		ds, err := strokeToDynamo(sessionId, session.Epoch, stroke)
		if err != nil {
			return models.Stroke{}, fmt.Errorf("marshal stroke: %w", err)
		}
		strokeItem, err := attributevalue.MarshalMap(ds)
		if err != nil {
			return models.Stroke{}, fmt.Errorf("marshal error: %w", err)
		}

		_, err = dynamoStore.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Update: &types.Update{
						TableName:        aws.String(dynamoStore.tableName),
						Key:              itemKey(sessionPrefix+sessionId, metaSK),
						UpdateExpression: aws.String("SET LastModified = :now, StrokeSeq = :seq"),
						ConditionExpression: aws.String("attribute_exists(PK) AND Epoch = :epoch AND " +
							"(attribute_not_exists(StrokeSeq) OR StrokeSeq = :prev)"),
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
							":epoch": &types.AttributeValueMemberN{Value: strconv.Itoa(session.Epoch)},
							":seq":   &types.AttributeValueMemberN{Value: strconv.FormatInt(stroke.Seq, 10)},
							":prev":  &types.AttributeValueMemberN{Value: strconv.FormatInt(session.StrokeSeq, 10)},
						},
					},
				},
				{
					Put: &types.Put{
						TableName: aws.String(dynamoStore.tableName),
						Item:      strokeItem,
					},
				},
			},
		})
		if err == nil {
			return stroke, nil
		}
		if !isConditionCancelled(err) {
			return models.Stroke{}, fmt.Errorf("append stroke failed: %w", err)
		}
	}
	return models.Stroke{}, store.ErrConditionFailed
}

func (dynamoStore *DynamoRelayStore) GetStrokes(ctx context.Context, sessionId string) ([]models.Stroke, error) {
	session, err := dynamoStore.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	items, err := queryItems[dynamoStroke](dynamoStore, ctx, keyQuery{
		pkField:          "PK",
		pkValue:          sessionPrefix + sessionId,
		skField:          "SK",
		skPrefix:         strokeSKPrefix(session.Epoch),
		scanIndexForward: true,
		consistentRead:   true,
	})
	if err != nil {
		return nil, err
	}

	strokes := make([]models.Stroke, 0, len(items))
	for _, ds := range items {
		s, err := strokeFromDynamo(ds)
		if err != nil {
			log.Printf("GetStrokes: skipping unreadable stroke %s in %s: %v", ds.SK, sessionId, err)
			continue
		}
		strokes = append(strokes, s)
	}
	return strokes, nil
}

// ClearStrokes retires the current epoch. Strokes of older epochs stay in the
// table until PurgeStrokes removes them.
func (dynamoStore *DynamoRelayStore) ClearStrokes(ctx context.Context, sessionId string) (models.Session, error) {
	ds := dynamoSession{
		PK:           sessionPrefix + sessionId,
		SK:           metaSK,
		LastModified: time.Now().UnixMilli(),
	}
	updated, err := updateItem(dynamoStore, ctx, ds, []string{"LastModified"}, "Epoch", true)
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromDynamo(updated), nil
}

func (dynamoStore *DynamoRelayStore) PurgeStrokes(ctx context.Context, sessionId string, beforeEpoch int) error {
	// Every SK of an epoch below beforeEpoch sorts between these bounds
	deleted, err := batchDeleteRangeThrottled(dynamoStore, ctx,
		sessionPrefix+sessionId, strokePrefix, strokeSKPrefix(beforeEpoch), purgeThrottle)
	if deleted > 0 {
		log.Printf("Purged %d strokes from session %s (epoch < %d)", deleted, sessionId, beforeEpoch)
	}
	return err
}
