package release

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRedis struct {
	keys []string
	err  error
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.keys = append(f.keys, keys...)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(int64(len(keys)))
	}
	return cmd
}

func TestRedisHookDeletesReservationKey(t *testing.T) {
	rdb := &fakeRedis{}
	id := uuid.New()

	require.NoError(t, NewRedisHook(rdb, "reservation:").OnOrderExpired(context.Background(), id))
	require.NoError(t, NewRedisHook(rdb, "reservation:").OnOrderExpired(context.Background(), id))
	assert.Equal(t, []string{"reservation:" + id.String(), "reservation:" + id.String()}, rdb.keys)
}

func TestRedisHookError(t *testing.T) {
	rdb := &fakeRedis{err: errors.New("connection refused")}
	err := NewRedisHook(rdb, "r:").OnOrderExpired(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "connection refused")
}

type fakeProducer struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaHookPublishesEvent(t *testing.T) {
	p := &fakeProducer{}
	id := uuid.New()
	fixed := time.Date(2024, 3, 1, 12, 31, 0, 0, time.UTC)

	h := NewKafkaHook(p, "order.released").(*kafkaHook)
	h.now = func() time.Time { return fixed }
	require.NoError(t, h.OnOrderExpired(context.Background(), id))

	require.Len(t, p.msgs, 1)
	msg := p.msgs[0]
	assert.Equal(t, "order.released", msg.Topic)
	assert.Equal(t, id.String(), string(msg.Key))

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, EventOrderExpired, ev.Type)
	assert.Equal(t, id.String(), ev.OrderID)
	assert.True(t, fixed.Equal(ev.OccurredAt))
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSHookSendsEvent(t *testing.T) {
	client := &fakeSQS{}
	id := uuid.New()

	require.NoError(t, NewSQSHook(client, "https://sqs.local/queue").OnOrderExpired(context.Background(), id))
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "https://sqs.local/queue", *in.QueueUrl)
	assert.Equal(t, id.String(), *in.MessageAttributes["order_id"].StringValue)
	assert.Contains(t, *in.MessageBody, EventOrderExpired)
}

func TestSQSHookError(t *testing.T) {
	err := NewSQSHook(&fakeSQS{err: errors.New("throttled")}, "q").OnOrderExpired(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "throttled")
}

func TestMultiCallsEveryHook(t *testing.T) {
	var calls []string
	ok := HookFunc(func(ctx context.Context, id uuid.UUID) error {
		calls = append(calls, "ok")
		return nil
	})
	bad := HookFunc(func(ctx context.Context, id uuid.UUID) error {
		calls = append(calls, "bad")
		return errors.New("down")
	})

	err := Multi{bad, ok, NewLogHook(zap.NewNop())}.OnOrderExpired(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, []string{"bad", "ok"}, calls)

	assert.NoError(t, Multi{ok}.OnOrderExpired(context.Background(), uuid.New()))
}
