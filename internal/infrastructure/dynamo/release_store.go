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
	"github.com/google/uuid"
)

// ReleaseIndex is the GSI with hash key status and range key next_attempt_at.
const ReleaseIndex = "status-next_attempt_at-index"

const (
	recordFailureUpdate = "SET #s = :pending, last_error = :err, next_attempt_at = :next, updated_at = :now, created_at = if_not_exists(created_at, :now) ADD attempts :one REMOVE locked_until"
	recordFailureCond   = "attribute_not_exists(order_id) OR #s <> :done"

	claimUpdate = "SET #s = :leased, locked_until = :until, updated_at = :ua"
	claimCond   = "(#s = :pending AND next_attempt_at <= :now) OR (#s = :leased AND locked_until < :now)"

	markReleasedUpdate = "SET #s = :done, updated_at = :at REMOVE locked_until"
	markFailedUpdate   = "SET #s = :status, last_error = :err, next_attempt_at = :next, updated_at = :now ADD attempts :one REMOVE locked_until"
	existsCond         = "attribute_exists(order_id)"

	dueKey      = "#s = :status AND next_attempt_at <= :now"
	leaseKey    = "#s = :status"
	leaseFilter = "locked_until < :now"
)

// releaseItem mirrors the release_retries table. Times used in key or filter
// expressions are unix nanoseconds.
type releaseItem struct {
	OrderID       string    `dynamodbav:"order_id"`
	Status        string    `dynamodbav:"status"`
	Attempts      int       `dynamodbav:"attempts"`
	LastError     string    `dynamodbav:"last_error"`
	NextAttemptAt int64     `dynamodbav:"next_attempt_at"`
	LockedUntil   int64     `dynamodbav:"locked_until,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at"`
}

func (it releaseItem) toTask() (domain.ReleaseTask, error) {
	id, err := uuid.Parse(it.OrderID)
	if err != nil {
		return domain.ReleaseTask{}, fmt.Errorf("order_id %q: %w", it.OrderID, err)
	}
	return domain.ReleaseTask{
		OrderID:       id,
		Status:        domain.ReleaseStatus(it.Status),
		Attempts:      it.Attempts,
		LastError:     it.LastError,
		NextAttemptAt: time.Unix(0, it.NextAttemptAt).UTC(),
		CreatedAt:     it.CreatedAt.UTC(),
		UpdatedAt:     it.UpdatedAt.UTC(),
	}, nil
}

// ReleaseStore is the DynamoDB release outbox. Claims are conditional writes,
// so two relays never lease the same task.
type ReleaseStore struct {
	client    aws.DynamoDBAPI
	tableName string
	now       func() time.Time
}

func NewReleaseStore(client aws.DynamoDBAPI, tableName string) *ReleaseStore {
	return &ReleaseStore{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ReleaseStore) RecordFailure(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time) error {
	now, err := attributevalue.Marshal(s.now())
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         sdkaws.String(recordFailureUpdate),
		ConditionExpression:      sdkaws.String(recordFailureCond),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(domain.ReleasePending)},
			":done":    &types.AttributeValueMemberS{Value: string(domain.ReleaseDone)},
			":err":     &types.AttributeValueMemberS{Value: cause},
			":next":    nanos(nextAttemptAt),
			":now":     now,
			":one":     &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			// Already released; a late duplicate must not re-arm it.
			return nil
		}
		return wrap("record release failure "+orderID.String(), err)
	}
	return nil
}

// LockBatch reads due and lease-expired tasks from the index, then claims each
// one with a conditional write. Tasks another relay claimed first are skipped.
func (s *ReleaseStore) LockBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ReleaseTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	due, err := s.query(ctx, domain.ReleasePending, dueKey, "", now, limit)
	if err != nil {
		return nil, err
	}
	stale, err := s.query(ctx, domain.ReleaseInProgress, leaseKey, leaseFilter, now, limit)
	if err != nil {
		return nil, err
	}
	candidates := append(due, stale...)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].NextAttemptAt < candidates[j].NextAttemptAt })

	updatedAt, err := attributevalue.Marshal(now.UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal updated_at: %w", err)
	}

	var tasks []domain.ReleaseTask
	for _, c := range candidates {
		if len(tasks) == limit {
			break
		}
		out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                &s.tableName,
			Key:                      map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: c.OrderID}},
			UpdateExpression:         sdkaws.String(claimUpdate),
			ConditionExpression:      sdkaws.String(claimCond),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(domain.ReleasePending)},
				":leased":  &types.AttributeValueMemberS{Value: string(domain.ReleaseInProgress)},
				":until":   nanos(now.Add(lease)),
				":now":     nanos(now),
				":ua":      updatedAt,
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err != nil {
			if isConditionFailed(err) {
				continue
			}
			return nil, wrap("lease release "+c.OrderID, err)
		}
		var it releaseItem
		if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
			return nil, fmt.Errorf("unmarshal release: %w", err)
		}
		task, err := it.toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *ReleaseStore) query(ctx context.Context, status domain.ReleaseStatus, keyCond, filter string, now time.Time, limit int) ([]releaseItem, error) {
	var (
		items []releaseItem
		start map[string]types.AttributeValue
	)
	for len(items) < limit {
		in := &dyn.QueryInput{
			TableName:                &s.tableName,
			IndexName:                sdkaws.String(ReleaseIndex),
			KeyConditionExpression:   sdkaws.String(keyCond),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(status)},
				":now":    nanos(now),
			},
			ScanIndexForward:  sdkaws.Bool(true),
			Limit:             sdkaws.Int32(int32(limit - len(items))),
			ExclusiveStartKey: start,
		}
		if filter != "" {
			in.FilterExpression = sdkaws.String(filter)
		}
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, wrap("query "+string(status)+" releases", err)
		}
		for _, raw := range out.Items {
			var it releaseItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, fmt.Errorf("unmarshal release: %w", err)
			}
			items = append(items, it)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	return items, nil
}

func (s *ReleaseStore) MarkReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	updatedAt, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         sdkaws.String(markReleasedUpdate),
		ConditionExpression:      sdkaws.String(existsCond),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: string(domain.ReleaseDone)},
			":at":   updatedAt,
		},
	})
	if err != nil && !isConditionFailed(err) {
		return wrap("mark released "+orderID.String(), err)
	}
	return nil
}

func (s *ReleaseStore) MarkFailed(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time, dead bool) error {
	status := domain.ReleasePending
	if dead {
		status = domain.ReleaseDead
	}
	now, err := attributevalue.Marshal(s.now())
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      orderKey(orderID),
		UpdateExpression:         sdkaws.String(markFailedUpdate),
		ConditionExpression:      sdkaws.String(existsCond),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":err":    &types.AttributeValueMemberS{Value: cause},
			":next":   nanos(nextAttemptAt),
			":now":    now,
			":one":    &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return wrap("mark release failed "+orderID.String(), err)
	}
	return nil
}

func nanos(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixNano(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
