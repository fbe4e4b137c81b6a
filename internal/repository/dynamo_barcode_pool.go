package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"catalog-import-service/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	// DynamoDB caps a transaction at 100 items
	maxDynamoClaim   = 100
	maxClaimAttempts = 5
)

// DynamoAPI is the subset of the DynamoDB client the pool uses
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoBarcodePool keeps the pool in a DynamoDB table keyed by value, with a
// global secondary index on (status, claim_order). claim_order sorts non-legacy
// entries ahead of legacy ones, then by insertion sequence.
//
// Claims are conditional transactional writes, so they do not take part in the
// catalog transaction; callers release claims of rolled-back units.
type DynamoBarcodePool struct {
	client DynamoAPI
	table  string
	index  string
}

// NewDynamoBarcodePool creates a new DynamoBarcodePool
func NewDynamoBarcodePool(client DynamoAPI, table, index string) *DynamoBarcodePool {
	return &DynamoBarcodePool{client: client, table: table, index: index}
}

type dynamoPoolItem struct {
	Value      string `dynamodbav:"value"`
	Status     string `dynamodbav:"status"`
	ClaimOrder string `dynamodbav:"claim_order"`
	Seq        int64  `dynamodbav:"seq"`
	Legacy     bool   `dynamodbav:"legacy"`
	AssignedTo string `dynamodbav:"assigned_to,omitempty"`
	AssignedAt string `dynamodbav:"assigned_at,omitempty"`
	ClaimID    string `dynamodbav:"claim_id,omitempty"`
	CreatedAt  string `dynamodbav:"created_at"`
}

func claimOrder(legacy bool, seq int64) string {
	rank := 0
	if legacy {
		rank = 1
	}
	return fmt.Sprintf("%d#%020d", rank, seq)
}

func (it dynamoPoolItem) toEntry() models.BarcodePoolEntry {
	entry := models.BarcodePoolEntry{
		Seq:    it.Seq,
		Value:  it.Value,
		Status: models.BarcodeStatus(it.Status),
		Legacy: it.Legacy,
	}
	if t, err := time.Parse(time.RFC3339Nano, it.CreatedAt); err == nil {
		entry.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, it.AssignedAt); err == nil {
		entry.AssignedAt = &t
	}
	if id, err := uuid.Parse(it.AssignedTo); err == nil {
		entry.AssignedTo = &id
	}
	if id, err := uuid.Parse(it.ClaimID); err == nil {
		entry.ClaimID = &id
	}
	return entry
}

func (p *DynamoBarcodePool) ClaimNextAvailable(ctx context.Context, n int) ([]models.BarcodePoolEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > maxDynamoClaim {
		return nil, fmt.Errorf("claim of %d barcodes exceeds the %d item transaction limit", n, maxDynamoClaim)
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		items, err := p.queryStatus(ctx, models.BarcodeStatusAvailable, n)
		if err != nil {
			return nil, err
		}
		if len(items) < n {
			available, err := p.CountAvailable(ctx)
			if err != nil {
				return nil, err
			}
			return nil, &InsufficientPoolError{Requested: n, Available: int(available)}
		}

		now := time.Now().UTC()
		claimID := uuid.New()
		writes := make([]types.TransactWriteItem, len(items))
		for i, it := range items {
			writes[i] = types.TransactWriteItem{
				Update: &types.Update{
					TableName:           aws.String(p.table),
					Key:                 p.key(it.Value),
					UpdateExpression:    aws.String("SET #status = :assigned, assigned_at = :now, claim_id = :claim"),
					ConditionExpression: aws.String("#status = :available"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":assigned":  &types.AttributeValueMemberS{Value: string(models.BarcodeStatusAssigned)},
						":available": &types.AttributeValueMemberS{Value: string(models.BarcodeStatusAvailable)},
						":now":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
						":claim":     &types.AttributeValueMemberS{Value: claimID.String()},
					},
				},
			}
		}

		_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
		if err == nil {
			entries := make([]models.BarcodePoolEntry, len(items))
			for i, it := range items {
				entries[i] = it.toEntry()
				entries[i].Status = models.BarcodeStatusAssigned
				entries[i].AssignedAt = &now
				entries[i].ClaimID = &claimID
			}
			return entries, nil
		}
		if !isConditionalFailure(err) {
			return nil, err
		}
		// another importer took one of the entries between query and write
	}
	return nil, ErrClaimConflict
}

func (p *DynamoBarcodePool) MarkAssigned(ctx context.Context, entry models.BarcodePoolEntry, variantID uuid.UUID) error {
	if entry.ClaimID == nil {
		return fmt.Errorf("barcode %s: %w", entry.Value, ErrClaimConflict)
	}
	_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(p.table),
		Key:                 p.key(entry.Value),
		UpdateExpression:    aws.String("SET assigned_to = :variant"),
		ConditionExpression: aws.String("claim_id = :claim"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":variant": &types.AttributeValueMemberS{Value: variantID.String()},
			":claim":   &types.AttributeValueMemberS{Value: entry.ClaimID.String()},
		},
	})
	if isConditionalFailure(err) {
		return fmt.Errorf("barcode %s: %w", entry.Value, ErrClaimConflict)
	}
	return err
}

func (p *DynamoBarcodePool) Release(ctx context.Context, entries []models.BarcodePoolEntry) error {
	for _, entry := range entries {
		if entry.ClaimID == nil {
			continue
		}
		_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(p.table),
			Key:                 p.key(entry.Value),
			UpdateExpression:    aws.String("SET #status = :available REMOVE assigned_to, assigned_at, claim_id"),
			ConditionExpression: aws.String("claim_id = :claim"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":available": &types.AttributeValueMemberS{Value: string(models.BarcodeStatusAvailable)},
				":claim":     &types.AttributeValueMemberS{Value: entry.ClaimID.String()},
			},
		})
		if err != nil && !isConditionalFailure(err) {
			return err
		}
	}
	return nil
}

func (p *DynamoBarcodePool) CountAvailable(ctx context.Context) (int64, error) {
	return p.count(ctx, models.BarcodeStatusAvailable, "")
}

// Add writes new entries one by one; values already in the table are skipped
func (p *DynamoBarcodePool) Add(ctx context.Context, values []string, legacy bool) (int, error) {
	added := 0
	base := time.Now().UnixNano()
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		seq := base + int64(i)
		item, err := attributevalue.MarshalMap(dynamoPoolItem{
			Value:      v,
			Status:     string(models.BarcodeStatusAvailable),
			ClaimOrder: claimOrder(legacy, seq),
			Seq:        seq,
			Legacy:     legacy,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return added, err
		}
		_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(p.table),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#value)"),
			ExpressionAttributeNames: map[string]string{"#value": "value"},
		})
		if err != nil {
			if isConditionalFailure(err) {
				continue
			}
			return added, err
		}
		added++
	}
	return added, nil
}

func (p *DynamoBarcodePool) Stats(ctx context.Context) (*models.BarcodePoolStats, error) {
	available, err := p.count(ctx, models.BarcodeStatusAvailable, "")
	if err != nil {
		return nil, err
	}
	legacy, err := p.count(ctx, models.BarcodeStatusAvailable, "1#")
	if err != nil {
		return nil, err
	}
	assigned, err := p.count(ctx, models.BarcodeStatusAssigned, "")
	if err != nil {
		return nil, err
	}
	return &models.BarcodePoolStats{Available: available, AvailableLegacy: legacy, Assigned: assigned}, nil
}

func (p *DynamoBarcodePool) key(value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"value": &types.AttributeValueMemberS{Value: value},
	}
}

// queryStatus reads up to limit entries of one status in claim order
func (p *DynamoBarcodePool) queryStatus(ctx context.Context, status models.BarcodeStatus, limit int) ([]dynamoPoolItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(p.table),
		IndexName:              aws.String(p.index),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}

	var items []dynamoPoolItem
	paginator := dynamodb.NewQueryPaginator(p.client, input)
	for paginator.HasMorePages() && len(items) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []dynamoPoolItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (p *DynamoBarcodePool) count(ctx context.Context, status models.BarcodeStatus, orderPrefix string) (int64, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(p.table),
		IndexName:              aws.String(p.index),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		Select: types.SelectCount,
	}
	if orderPrefix != "" {
		input.KeyConditionExpression = aws.String("#status = :status AND begins_with(claim_order, :prefix)")
		input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: orderPrefix}
	}

	var total int64
	paginator := dynamodb.NewQueryPaginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		total += int64(page.Count)
	}
	return total, nil
}

// isConditionalFailure reports whether err is a failed condition check,
// either on a single write or inside a cancelled transaction.
func isConditionalFailure(err error) bool {
	if err == nil {
		return false
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
