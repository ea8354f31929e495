package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"memorial-orders/internal/domain"
	"memorial-orders/internal/repo"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ repo.OrderRepo = (*OrderStore)(nil)

// mockDynamo understands exactly the expressions OrderStore issues.
type mockDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	queryErr error
	pageSize int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func pk(m map[string]types.AttributeValue) string {
	return m["order_id"].(*types.AttributeValueMemberS).Value
}

func str(v types.AttributeValue) string {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return tv.Value
	case *types.AttributeValueMemberN:
		return tv.Value
	}
	return ""
}

func num(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(str(v), 10, 64)
	return n
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pk(params.Item)
	if _, exists := m.items[k]; exists && params.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.items[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dyn.GetItemOutput{Item: m.items[pk(params.Key)]}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[pk(params.Key)]
	vals := params.ExpressionAttributeValues
	if !ok || str(item["state"]) != str(vals[":expected"]) || num(item["version"]) != num(vals[":version"]) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	updated := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		updated[k] = v
	}
	updated["state"] = vals[":next"]
	updated["version"] = vals[":nextVersion"]
	updated["updated_at"] = vals[":ua"]
	m.items[pk(params.Key)] = updated
	return &dyn.UpdateItemOutput{}, nil
}

func (m *mockDynamo) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	state := str(params.ExpressionAttributeValues[":pending"])
	now := num(params.ExpressionAttributeValues[":now"])

	var matched []map[string]types.AttributeValue
	for _, it := range m.items {
		if str(it["state"]) == state && num(it["expires_at"]) <= now {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return num(matched[i]["expires_at"]) < num(matched[j]["expires_at"]) })

	if params.ExclusiveStartKey != nil {
		startID := pk(params.ExclusiveStartKey)
		for i, it := range matched {
			if pk(it) == startID {
				matched = matched[i+1:]
				break
			}
		}
	}

	limit := int(*params.Limit)
	page := limit
	if m.pageSize > 0 && m.pageSize < page {
		page = m.pageSize
	}
	out := &dyn.QueryOutput{}
	if len(matched) > page {
		out.Items = matched[:page]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"order_id": matched[page-1]["order_id"]}
	} else {
		out.Items = matched
	}
	return out, nil
}

func (m *mockDynamo) DescribeTable(ctx context.Context, params *dyn.DescribeTableInput, optFns ...func(*dyn.Options)) (*dyn.DescribeTableOutput, error) {
	return &dyn.DescribeTableOutput{}, nil
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *OrderStore, created time.Time) *domain.PaymentOrder {
	t.Helper()
	o, err := domain.NewPaymentOrder(created, 30*time.Minute, uuid.New(), uuid.New(), domain.ServicePublish, 500)
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func TestOrderStoreRoundTrip(t *testing.T) {
	s := NewOrderStore(newMockDynamo(), "payment_orders")
	o := seed(t, s, t0.Add(123*time.Nanosecond))

	got, err := s.FindById(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.True(t, o.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, domain.OrderPending, got.State)

	_, err = s.FindById(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	assert.Error(t, s.CreateOrder(context.Background(), o), "duplicate id must be rejected")
}

func TestOrderStoreCandidatesOrderedAndCapped(t *testing.T) {
	mock := newMockDynamo()
	mock.pageSize = 1
	s := NewOrderStore(mock, "payment_orders")

	o3 := seed(t, s, t0.Add(2*time.Minute))
	o1 := seed(t, s, t0)
	o2 := seed(t, s, t0.Add(time.Minute))

	got, err := s.FindExpiredCandidates(context.Background(), t0.Add(40*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, o1.ID, got[0].ID)
	assert.Equal(t, o2.ID, got[1].ID)

	all, err := s.FindExpiredCandidates(context.Background(), t0.Add(40*time.Minute), 5)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, o3.ID, all[2].ID)
}

func TestOrderStoreTryTransition(t *testing.T) {
	s := NewOrderStore(newMockDynamo(), "payment_orders")
	o := seed(t, s, t0)
	at := t0.Add(31 * time.Minute)

	res, err := s.TryTransition(context.Background(), o.ID, domain.OrderPending, 1, domain.OrderExpired, at)
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionApplied, res)

	res, err = s.TryTransition(context.Background(), o.ID, domain.OrderPending, 1, domain.OrderPaid, at)
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionConflict, res)

	got, err := s.FindById(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderExpired, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, at.Equal(got.UpdatedAt))

	candidates, err := s.FindExpiredCandidates(context.Background(), at, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestOrderStoreQueryFailure(t *testing.T) {
	mock := newMockDynamo()
	mock.queryErr = errors.New("ProvisionedThroughputExceeded")
	s := NewOrderStore(mock, "payment_orders")

	_, err := s.FindExpiredCandidates(context.Background(), t0, 10)
	assert.ErrorContains(t, err, "ProvisionedThroughputExceeded")
}
