package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/pgprelay/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, dynamodbEndpoint string) (*dynamodb.Client, error) {
	if devMode {
		// Dummy credentials and a fixed region for DynamoDB Local
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
			),
		)
		if err != nil {
			return nil, err
		}

		return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(dynamodbEndpoint)
		}), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg), nil
}

func getTables(client *dynamodb.Client, ctx context.Context) ([]string, error) {
	var names []string
	paginator := dynamodb.NewListTablesPaginator(client, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		names = append(names, page.TableNames...)
	}
	return names, nil
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// getItem retrieves an item of type T from DynamoDB by PK and SK
func getItem[T any](dynamoStore *DynamoRelayStore, ctx context.Context, pk string, sk string, consistentRead bool) (T, error) {
	var zero T

	resp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return zero, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return zero, store.ErrItemNotFound
	}

	var item T
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return zero, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	return item, nil
}

// ensureItem inserts item unless an item with the same PK+SK exists, in which
// case the stored item is returned. The bool reports whether it was inserted.
func ensureItem[T any](dynamoStore *DynamoRelayStore, ctx context.Context, item T) (T, bool, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, false, fmt.Errorf("marshal error: %w", err)
	}

	pkAttr, okPK := avMap["PK"]
	skAttr, okSK := avMap["SK"]
	if !okPK || !okSK {
		return zero, false, errors.New("struct missing PK or SK field")
	}

	_, err = dynamoStore.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(dynamoStore.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return item, true, nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return zero, false, fmt.Errorf("failed to put item: %w", err)
	}

	getResp, err := dynamoStore.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(dynamoStore.tableName),
		Key:            map[string]types.AttributeValue{"PK": pkAttr, "SK": skAttr},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return zero, false, fmt.Errorf("failed to get existing item: %w", err)
	}
	if getResp.Item == nil {
		return zero, false, errors.New("item supposedly exists but GetItem returned nothing")
	}

	var existing T
	if err := attributevalue.UnmarshalMap(getResp.Item, &existing); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal existing item: %w", err)
	}
	return existing, false, nil
}

// keyQuery describes a query against the table or one of its indexes.
// skPrefix, when set, adds a begins_with condition on the sort key.
type keyQuery struct {
	indexName        string
	pkField          string
	pkValue          string
	skField          string
	skPrefix         string
	scanIndexForward bool
	limit            int32
	consistentRead   bool
}

// queryItems returns the items of type T matching q, ordered by sort key,
// honouring q.limit across pages.
func queryItems[T any](dynamoStore *DynamoRelayStore, ctx context.Context, q keyQuery) ([]T, error) {
	var results []T

	keyCond := "#pk = :pk"
	exprAttrNames := map[string]string{"#pk": q.pkField}
	exprAttrValues := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.pkValue},
	}
	if q.skPrefix != "" {
		keyCond += " AND begins_with(#sk, :skp)"
		exprAttrNames["#sk"] = q.skField
		exprAttrValues[":skp"] = &types.AttributeValueMemberS{Value: q.skPrefix}
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(dynamoStore.tableName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  exprAttrNames,
		ExpressionAttributeValues: exprAttrValues,
		ScanIndexForward:          aws.Bool(q.scanIndexForward),
	}
	if q.indexName != "" {
		input.IndexName = aws.String(q.indexName)
	} else {
		input.ConsistentRead = aws.Bool(q.consistentRead)
	}
	if q.limit > 0 {
		input.Limit = aws.Int32(q.limit)
	}

	// dynamodb applies Limit per page, so the overall limit is enforced here too
	paginator := dynamodb.NewQueryPaginator(dynamoStore.client, input)
	for paginator.HasMorePages() {
		if q.limit > 0 && len(results) >= int(q.limit) {
			break
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		var pageItems []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageItems); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
		}
		results = append(results, pageItems...)
	}

	if q.limit > 0 && len(results) > int(q.limit) {
		results = results[:q.limit]
	}

	return results, nil
}

// writeBatchRequests handles batch writes (Put or Delete) with retries
// Returns any unprocessed items as []T
func writeBatchRequests[T any](dynamoStore *DynamoRelayStore, ctx context.Context, requests []types.WriteRequest) ([]T, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	backoff := 50 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return unmarshalUnprocessed[T](requests), ctx.Err()
		default:
		}

		resp, err := dynamoStore.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				dynamoStore.tableName: requests,
			},
		})
		if err != nil {
			return unmarshalUnprocessed[T](requests), fmt.Errorf("BatchWriteItem failed: %w", err)
		}

		unprocessed := resp.UnprocessedItems[dynamoStore.tableName]
		if len(unprocessed) == 0 {
			return nil, nil
		}

		requests = unprocessed

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return unmarshalUnprocessed[T](requests), ctx.Err()
		case <-timer.C:
		}

		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func unmarshalUnprocessed[T any](reqs []types.WriteRequest) []T {
	failed := make([]T, 0, len(reqs))
	for _, wr := range reqs {
		var av map[string]types.AttributeValue
		if wr.PutRequest != nil {
			av = wr.PutRequest.Item
		} else if wr.DeleteRequest != nil {
			av = wr.DeleteRequest.Key
		}
		var item T
		if err := attributevalue.UnmarshalMap(av, &item); err == nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// batchDeleteRangeThrottled deletes every item under pk whose sort key lies in
// [skFrom, skTo], 25 at a time with a pause between batches.
func batchDeleteRangeThrottled(
	dynamoStore *DynamoRelayStore,
	ctx context.Context,
	pk, skFrom, skTo string,
	throttle time.Duration,
) (int, error) {
	const queryPageSize int32 = 200

	var lastEvaluatedKey map[string]types.AttributeValue
	deleted := 0

	for {
		resp, err := dynamoStore.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(dynamoStore.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":   &types.AttributeValueMemberS{Value: pk},
				":from": &types.AttributeValueMemberS{Value: skFrom},
				":to":   &types.AttributeValueMemberS{Value: skTo},
			},
			ProjectionExpression: aws.String("PK, SK"),
			Limit:                aws.Int32(queryPageSize),
			ExclusiveStartKey:    lastEvaluatedKey,
		})
		if err != nil {
			return deleted, fmt.Errorf("range query failed: %w", err)
		}

		delRequests := make([]types.WriteRequest, 0, len(resp.Items))
		for _, item := range resp.Items {
			pkAttr, okPK := item["PK"]
			skAttr, okSK := item["SK"]
			if !okPK || !okSK {
				continue
			}
			delRequests = append(delRequests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"PK": pkAttr, "SK": skAttr},
				},
			})
		}

		for i := 0; i < len(delRequests); i += 25 {
			end := min(i+25, len(delRequests))

			startTime := time.Now()

			_, err := writeBatchRequests[map[string]types.AttributeValue](dynamoStore, ctx, delRequests[i:end])
			if err != nil {
				return deleted, fmt.Errorf("batch delete failed: %w", err)
			}
			deleted += end - i

			elapsed := time.Since(startTime)
			if elapsed < throttle {
				select {
				case <-ctx.Done():
					return deleted, ctx.Err()
				case <-time.After(throttle - elapsed):
				}
			}
		}

		lastEvaluatedKey = resp.LastEvaluatedKey
		if lastEvaluatedKey == nil {
			return deleted, nil
		}
	}
}

// updateItem updates an existing item in DynamoDB.
// Only fields listed in fieldsToUpdate are updated.
// The "incrementField" is only incremented if "increment" is true.
// Returns store.ErrItemNotFound if the item does not exist.
func updateItem[T any](
	dynamoStore *DynamoRelayStore,
	ctx context.Context,
	item T,
	fieldsToUpdate []string,
	incrementField string,
	increment bool,
) (T, error) {
	var zero T

	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return zero, fmt.Errorf("marshal error: %w", err)
	}

	pkAttr, ok := avMap["PK"]
	if !ok {
		return zero, errors.New("struct missing PK field")
	}
	skAttr, ok := avMap["SK"]
	if !ok {
		return zero, errors.New("struct missing SK field")
	}

	updateExpr := "SET "
	exprAttrValues := make(map[string]types.AttributeValue)
	exprAttrNames := make(map[string]string)
	first := true

	for _, field := range fieldsToUpdate {
		// Never update keys
		if field == "PK" || field == "SK" {
			continue
		}

		val, ok := avMap[field]
		if !ok {
			continue
		}

		if !first {
			updateExpr += ", "
		}
		first = false

		updateExpr += fmt.Sprintf("#%s = :%s", field, field)
		exprAttrNames["#"+field] = field
		exprAttrValues[":"+field] = val
	}

	if increment && incrementField != "" {
		if !first {
			updateExpr += ", "
		}

		updateExpr += fmt.Sprintf(
			"#%s = if_not_exists(#%s, :zero) + :inc",
			incrementField,
			incrementField,
		)

		exprAttrNames["#"+incrementField] = incrementField
		exprAttrValues[":inc"] = &types.AttributeValueMemberN{Value: "1"}
		exprAttrValues[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}

	out, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(dynamoStore.tableName),
		Key:                       map[string]types.AttributeValue{"PK": pkAttr, "SK": skAttr},
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  exprAttrNames,
		ExpressionAttributeValues: exprAttrValues,
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return zero, store.ErrItemNotFound
		}
		return zero, fmt.Errorf("update failed: %w", err)
	}

	var updated T
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return zero, fmt.Errorf("failed to unmarshal updated item: %w", err)
	}

	return updated, nil
}

// isConditionCancelled reports whether a transaction was cancelled because
// one of its condition checks failed.
func isConditionCancelled(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
