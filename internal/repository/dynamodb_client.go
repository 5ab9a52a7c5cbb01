package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"ehr-out-service/internal/domain"
)

const (
	skConversation   = "CONVERSATION"
	skCore           = "CORE"
	skPrefixFragment = "FRAGMENT#"

	nhsNumberIndex              = "NhsNumberSecondaryIndex"
	outboundConversationIDIndex = "OutboundConversationIdSecondaryIndex"

	// DynamoDB caps one TransactWriteItems call at 100 items. Batches above
	// this are split into sequential transactions and lose cross-chunk
	// atomicity; see WriteItemsNew.
	defaultMaxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the single DynamoDB transfer table holding Conversation, Core
// and Fragment rows.
type Client struct {
	api              dynamodbAPI
	tableName        string
	maxTransactItems int
}

// Option configures a Client.
type Option func(*Client)

// WithMaxTransactItems lowers the per-transaction item cap. Tests use this to
// exercise chunking without building 100-item batches.
func WithMaxTransactItems(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTransactItems = n
		}
	}
}

// New creates a new transfer-table Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, maxTransactItems: defaultMaxTransactItems}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sortKey returns the sort key for a record layer. Fragment sort keys embed
// the inbound message id so each fragment is its own row.
func sortKey(layer domain.Layer, inboundMessageID string) string {
	switch layer {
	case domain.LayerCore:
		return skCore
	case domain.LayerFragment:
		return skPrefixFragment + inboundMessageID
	default:
		return skConversation
	}
}

// WriteItemsNew inserts a batch of new rows. Every put is conditional on the
// row not already existing. Batches larger than the transaction cap are split
// into sequential transactions: within a chunk the write is atomic, across
// chunks it is not, and a partial failure can leave earlier chunks committed.
// The committed chunk count is returned so callers can see how far a failed
// batch got.
func (c *Client) WriteItemsNew(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	chunks := chunkRecords(records, c.maxTransactItems)
	if len(chunks) > 1 {
		slog.Warn("write batch exceeds one transaction; cross-chunk atomicity is not guaranteed",
			"items", len(records), "chunks", len(chunks))
	}

	for i, chunk := range chunks {
		tx := make([]types.TransactWriteItem, 0, len(chunk))
		for _, r := range chunk {
			tx = append(tx, types.TransactWriteItem{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                recordItem(r),
					ConditionExpression: aws.String("attribute_not_exists(InboundConversationId)"),
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx}); err != nil {
			return i, fmt.Errorf("repository: WriteItemsNew chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}

// UpdateItems applies a batch of conditional updates. Every update requires
// the target row to already exist; a missing row fails its whole chunk's
// transaction. The same chunking caveat as WriteItemsNew applies.
func (c *Client) UpdateItems(ctx context.Context, updates []domain.RecordUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	chunks := chunkUpdates(updates, c.maxTransactItems)
	if len(chunks) > 1 {
		slog.Warn("update batch exceeds one transaction; cross-chunk atomicity is not guaranteed",
			"items", len(updates), "chunks", len(chunks))
	}

	for i, chunk := range chunks {
		tx := make([]types.TransactWriteItem, 0, len(chunk))
		for _, u := range chunk {
			expr, names, values := updateExpression(u)
			tx = append(tx, types.TransactWriteItem{
				Update: &types.Update{
					TableName:                 aws.String(c.tableName),
					Key:                       recordKey(u.InboundConversationID, u.Layer, u.InboundMessageID),
					UpdateExpression:          aws.String(expr),
					ConditionExpression:       aws.String("attribute_exists(InboundConversationId)"),
					ExpressionAttributeNames:  names,
					ExpressionAttributeValues: values,
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx}); err != nil {
			return i, fmt.Errorf("repository: UpdateItems chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return len(chunks), nil
}

// StartOutboundAttempt marks the conversation row as the live outbound
// attempt for outboundConversationID. The update is conditional: it fails if
// the conversation row does not exist, or if this outbound id is already
// recorded on it. The second case closes the duplicate-request race between
// checking for an existing attempt and creating one; it is reported as
// (false, nil) so callers can treat it as an idempotent no-op.
func (c *Client) StartOutboundAttempt(ctx context.Context, inboundConversationID, outboundConversationID, destinationGp string) (bool, error) {
	now := time.Now().UTC()
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       recordKey(inboundConversationID, domain.LayerConversation, ""),
		UpdateExpression: aws.String(
			"SET TransferStatus = :status, OutboundConversationId = :oc, DestinationGp = :gp, UpdatedAt = :now REMOVE FailureReason"),
		ConditionExpression: aws.String(
			"attribute_exists(InboundConversationId) AND (attribute_not_exists(OutboundConversationId) OR OutboundConversationId <> :oc)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(domain.StatusOutboundStarted)},
			":oc":     &types.AttributeValueMemberS{Value: outboundConversationID},
			":gp":     &types.AttributeValueMemberS{Value: destinationGp},
			":now":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("repository: StartOutboundAttempt: %w", err)
	}
	return true, nil
}

// QueryByInboundConversationID returns the rows of one inbound conversation,
// optionally restricted to a layer. The layer tags double as sort-key
// prefixes, so the filter is a begins_with condition; the zero value matches
// every layer. Soft-deleted rows are excluded unless includeDeleted is set.
// An empty result is not an error.
func (c *Client) QueryByInboundConversationID(ctx context.Context, inboundConversationID string, filter domain.Layer, includeDeleted bool) ([]domain.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("InboundConversationId = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: inboundConversationID},
		},
	}
	if filter != "" {
		in.KeyConditionExpression = aws.String("InboundConversationId = :pk AND begins_with(#layer, :prefix)")
		in.ExpressionAttributeNames = map[string]string{"#layer": "Layer"}
		in.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: string(filter)}
	}
	return c.queryRecords(ctx, in, includeDeleted, "QueryByInboundConversationId")
}

// QueryByNhsNumber returns the conversation rows for one patient via the NHS
// number secondary index.
func (c *Client) QueryByNhsNumber(ctx context.Context, nhsNumber string) ([]domain.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(nhsNumberIndex),
		KeyConditionExpression: aws.String("NhsNumber = :nhs"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":nhs": &types.AttributeValueMemberS{Value: nhsNumber},
		},
	}
	return c.queryRecords(ctx, in, false, "QueryByNhsNumber")
}

// QueryByOutboundConversationID returns every row belonging to one outbound
// attempt via the outbound conversation id secondary index.
func (c *Client) QueryByOutboundConversationID(ctx context.Context, outboundConversationID string) ([]domain.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(outboundConversationIDIndex),
		KeyConditionExpression: aws.String("OutboundConversationId = :oc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oc": &types.AttributeValueMemberS{Value: outboundConversationID},
		},
	}
	return c.queryRecords(ctx, in, false, "QueryByOutboundConversationId")
}

func (c *Client) queryRecords(ctx context.Context, in *dynamodb.QueryInput, includeDeleted bool, op string) ([]domain.Record, error) {
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: %s query: %w", op, err)
	}
	if out == nil || len(out.Items) == 0 {
		slog.Debug("query returned no rows", "operation", op)
		return nil, nil
	}

	records := make([]domain.Record, 0, len(out.Items))
	for _, item := range out.Items {
		r, err := itemToRecord(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		if r.IsDeleted() && !includeDeleted {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// GetItem point-reads a Core or Fragment row. A missing row returns
// (nil, nil), never an error.
func (c *Client) GetItem(ctx context.Context, inboundConversationID, inboundMessageID string, layer domain.Layer) (*domain.Record, error) {
	if layer != domain.LayerCore && layer != domain.LayerFragment {
		return nil, fmt.Errorf("repository: GetItem supports CORE and FRAGMENT layers, got %q", layer)
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            recordKey(inboundConversationID, layer, inboundMessageID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetItem: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		slog.Debug("item not found",
			"inboundConversationId", inboundConversationID, "inboundMessageId", inboundMessageID, "layer", layer)
		return nil, nil
	}

	r, err := itemToRecord(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetItem unmarshal: %w", err)
	}
	return &r, nil
}

func chunkRecords(records []domain.Record, size int) [][]domain.Record {
	var chunks [][]domain.Record
	for len(records) > size {
		chunks = append(chunks, records[:size])
		records = records[size:]
	}
	return append(chunks, records)
}

func chunkUpdates(updates []domain.RecordUpdate, size int) [][]domain.RecordUpdate {
	var chunks [][]domain.RecordUpdate
	for len(updates) > size {
		chunks = append(chunks, updates[:size])
		updates = updates[size:]
	}
	return append(chunks, updates)
}
