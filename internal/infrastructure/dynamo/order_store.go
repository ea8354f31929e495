package dynamo

import (
	"context"
	"errors"
	"fmt"
	"memorial-orders/internal/domain"
	"memorial-orders/internal/infrastructure/aws"
	"sort"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// CandidateIndex is the GSI with hash key state and range key expires_at.
const CandidateIndex = "state-expires_at-index"

// orderItem is the table layout. expires_at is unix nanoseconds so the GSI
// range key sorts numerically.
type orderItem struct {
	OrderID     string    `dynamodbav:"order_id"`
	UserID      string    `dynamodbav:"user_id"`
	MemorialID  string    `dynamodbav:"memorial_id"`
	Service     string    `dynamodbav:"service"`
	AmountCents int64     `dynamodbav:"amount_cents"`
	State       string    `dynamodbav:"state"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
	ExpiresAt   int64     `dynamodbav:"expires_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
	Version     int64     `dynamodbav:"version"`
}

func toItem(o *domain.PaymentOrder) orderItem {
	return orderItem{
		OrderID:     o.ID.String(),
		UserID:      o.UserID.String(),
		MemorialID:  o.MemorialID.String(),
		Service:     string(o.Service),
		AmountCents: o.AmountCents,
		State:       string(o.State),
		CreatedAt:   o.CreatedAt.UTC(),
		ExpiresAt:   o.ExpiresAt.UnixNano(),
		UpdatedAt:   o.UpdatedAt.UTC(),
		Version:     o.Version,
	}
}

func (it orderItem) toOrder() (domain.PaymentOrder, error) {
	id, err := uuid.Parse(it.OrderID)
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("order_id %q: %w", it.OrderID, err)
	}
	userID, err := uuid.Parse(it.UserID)
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("user_id %q: %w", it.UserID, err)
	}
	memorialID, err := uuid.Parse(it.MemorialID)
	if err != nil {
		return domain.PaymentOrder{}, fmt.Errorf("memorial_id %q: %w", it.MemorialID, err)
	}
	return domain.PaymentOrder{
		ID:          id,
		UserID:      userID,
		MemorialID:  memorialID,
		Service:     domain.ServiceKind(it.Service),
		AmountCents: it.AmountCents,
		State:       domain.OrderState(it.State),
		CreatedAt:   it.CreatedAt.UTC(),
		ExpiresAt:   time.Unix(0, it.ExpiresAt).UTC(),
		UpdatedAt:   it.UpdatedAt.UTC(),
		Version:     it.Version,
	}, nil
}

// OrderStore keeps payment orders in DynamoDB. Transitions use a conditional
// UpdateItem, which DynamoDB applies atomically per item.
type OrderStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

func NewOrderStore(client aws.DynamoDBAPI, tableName string) *OrderStore {
	return &OrderStore{client: client, tableName: tableName}
}

func (s *OrderStore) CreateOrder(ctx context.Context, order *domain.PaymentOrder) error {
	item, err := attributevalue.MarshalMap(toItem(order))
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(order_id)"),
	})
	if err != nil {
		return wrap("put order "+order.ID.String(), err)
	}
	return nil
}

func (s *OrderStore) FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(id),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, wrap("get order "+id.String(), err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrOrderNotFound
	}

	var it orderItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	o, err := it.toOrder()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// FindExpiredCandidates reads the GSI, which is eventually consistent. A stale
// candidate is harmless: TryTransition re-checks state and version on the base table.
func (s *OrderStore) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PaymentOrder, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		orders []domain.PaymentOrder
		start  map[string]types.AttributeValue
	)
	for len(orders) < limit {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              sdkaws.String(CandidateIndex),
			KeyConditionExpression: sdkaws.String("#s = :pending AND #e <= :now"),
			ExpressionAttributeNames: map[string]string{
				"#s": "state",
				"#e": "expires_at",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(domain.OrderPending)},
				":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
			},
			ScanIndexForward:  sdkaws.Bool(true),
			Limit:             sdkaws.Int32(int32(limit - len(orders))),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, wrap("query expired candidates", err)
		}

		for _, raw := range out.Items {
			var it orderItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal candidate: %w", err)
			}
			o, err := it.toOrder()
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	// The index orders by expires_at only; break ties on id like the SQL store.
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].ExpiresAt.Equal(orders[j].ExpiresAt) {
			return orders[i].ID.String() < orders[j].ID.String()
		}
		return orders[i].ExpiresAt.Before(orders[j].ExpiresAt)
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *OrderStore) TryTransition(ctx context.Context, id uuid.UUID, expected domain.OrderState, expectedVersion int64, next domain.OrderState, at time.Time) (domain.TransitionResult, error) {
	if !domain.CanTransition(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	updatedAt, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return 0, fmt.Errorf("marshal updated_at: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 orderKey(id),
		UpdateExpression:    sdkaws.String("SET #s = :next, #v = :nextVersion, updated_at = :ua"),
		ConditionExpression: sdkaws.String("#s = :expected AND #v = :version"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected":    &types.AttributeValueMemberS{Value: string(expected)},
			":version":     &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			":next":        &types.AttributeValueMemberS{Value: string(next)},
			":nextVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
			":ua":          updatedAt,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.TransitionConflict, nil
		}
		return 0, wrap("transition order "+id.String(), err)
	}
	return domain.TransitionApplied, nil
}

// Ping checks the table is reachable.
func (s *OrderStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dyn.DescribeTableInput{TableName: &s.tableName})
	if err != nil {
		return wrap("describe table", err)
	}
	return nil
}

func orderKey(id uuid.UUID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: id.String()},
	}
}

func wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamodb %s (%s): %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("dynamodb %s: %w", op, err)
}
