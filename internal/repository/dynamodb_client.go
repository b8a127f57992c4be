package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-chat-relay/internal/domain"
)

const (
	pkPrefixUser  = "USER#"
	skPrefixTurn  = "TURN#"
	defaultTTL    = 30 * 24 * time.Hour
	createdLayout = "2006-01-02T15:04:05.000000000Z" // fixed width so string order is time order
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var dynamoAttr = map[Field]string{
	FieldUserID:           "userId",
	FieldTurnID:           "turnId",
	FieldCreatedAt:        "createdAt",
	FieldUserMessage:      "userMessage",
	FieldAssistantMessage: "assistantMessage",
}

// DynamoStore keeps turns in a single DynamoDB table, one partition per user.
type DynamoStore struct {
	api         dynamodbAPI
	tableName   string
	ttl         time.Duration
	windowIndex string
}

type DynamoOption func(*DynamoStore)

// WithWindowIndex makes Recent query the named global secondary index, keyed
// by PK (hash) and createdAt (range), so the recency window is a key condition.
// Without it Recent reads the whole user partition and filters on createdAt.
func WithWindowIndex(name string) DynamoOption {
	return func(s *DynamoStore) {
		s.windowIndex = strings.TrimSpace(name)
	}
}

// NewDynamoStore creates a DynamoDB-backed Store. A non-positive ttl selects
// the 30 day default for the table's TTL attribute.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration, opts ...DynamoOption) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &DynamoStore{api: api, tableName: tableName, ttl: ttl}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// userPK returns the DynamoDB partition key for a user.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

// turnSK returns the sort key for a turn.
func turnSK(turnID string) string {
	return skPrefixTurn + turnID
}

func formatCreatedAt(ts time.Time) string {
	return ts.UTC().Format(createdLayout)
}

// Append writes the turn unless (PK, SK) already exists.
func (c *DynamoStore) Append(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if err := validateTurn(turn); err != nil {
		return domain.Turn{}, err
	}
	turn.CreatedAt = timeNow()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                turnItem(turn, turn.CreatedAt.Add(c.ttl).Unix()),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return domain.Turn{}, fmt.Errorf("repository: Append %s/%s: %w", turn.UserID, turn.TurnID, ErrDuplicateTurn)
		}
		return domain.Turn{}, fmt.Errorf("repository: Append: %w", err)
	}
	return turn, nil
}

// Recent queries the user's turns created at or after q.Since and returns the
// projected turns in chronological order.
func (c *DynamoStore) Recent(ctx context.Context, q RecentQuery) ([]domain.Turn, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	in := c.recentQueryInput(q)

	var turns []domain.Turn
	pages := dynamodb.NewQueryPaginator(c.api, in)
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
	}
	sortChronological(turns)
	return turns, nil
}

func (c *DynamoStore) Close() error { return nil }

func (c *DynamoStore) recentQueryInput(q RecentQuery) *dynamodb.QueryInput {
	names := map[string]string{}
	projection := make([]string, 0, len(q.Fields)+1)
	for i, f := range q.projection() {
		placeholder := "#f" + strconv.Itoa(i)
		names[placeholder] = dynamoAttr[f]
		projection = append(projection, placeholder)
	}
	names["#createdAt"] = dynamoAttr[FieldCreatedAt]

	if c.windowIndex != "" {
		return &dynamodb.QueryInput{
			TableName:                aws.String(c.tableName),
			IndexName:                aws.String(c.windowIndex),
			KeyConditionExpression:   aws.String("PK = :pk AND #createdAt >= :since"),
			ProjectionExpression:     aws.String(strings.Join(projection, ", ")),
			ExpressionAttributeNames: names,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    &types.AttributeValueMemberS{Value: userPK(q.UserID)},
				":since": &types.AttributeValueMemberS{Value: formatCreatedAt(q.Since)},
			},
			ScanIndexForward: aws.Bool(true),
		}
	}

	// The base table is keyed by turn id, so the window can only be a filter.
	return &dynamodb.QueryInput{
		TableName:                aws.String(c.tableName),
		KeyConditionExpression:   aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:         aws.String("#createdAt >= :since"),
		ProjectionExpression:     aws.String(strings.Join(projection, ", ")),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(q.UserID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			":since":  &types.AttributeValueMemberS{Value: formatCreatedAt(q.Since)},
		},
		ScanIndexForward: aws.Bool(true),
	}
}

func turnItem(turn domain.Turn, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: userPK(turn.UserID)},
		"SK":          &types.AttributeValueMemberS{Value: turnSK(turn.TurnID)},
		"userId":      &types.AttributeValueMemberS{Value: turn.UserID},
		"turnId":      &types.AttributeValueMemberS{Value: turn.TurnID},
		"createdAt":   &types.AttributeValueMemberS{Value: formatCreatedAt(turn.CreatedAt)},
		"userMessage": &types.AttributeValueMemberS{Value: turn.UserMessage},
		"ttl":         &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	if turn.AssistantMessage != nil {
		item["assistantMessage"] = &types.AttributeValueMemberS{Value: *turn.AssistantMessage}
	}
	return item
}

// itemToTurn converts a projected DynamoDB item to a Turn. Attributes that
// were not projected are left zero.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	var turn domain.Turn
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	turn.CreatedAt, err = time.Parse(createdLayout, created)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}
	if turn.UserID, err = optionalStrAttr(item, "userId"); err != nil {
		return domain.Turn{}, err
	}
	if turn.TurnID, err = optionalStrAttr(item, "turnId"); err != nil {
		return domain.Turn{}, err
	}
	if turn.UserMessage, err = optionalStrAttr(item, "userMessage"); err != nil {
		return domain.Turn{}, err
	}
	if _, ok := item["assistantMessage"]; ok {
		answer, err := strAttr(item, "assistantMessage")
		if err != nil {
			return domain.Turn{}, err
		}
		turn.AssistantMessage = &answer
	}
	return turn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optionalStrAttr(item map[string]types.AttributeValue, key string) (string, error) {
	if _, ok := item[key]; !ok {
		return "", nil
	}
	return strAttr(item, key)
}
