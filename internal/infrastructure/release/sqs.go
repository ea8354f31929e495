package release

import (
	"context"
	"fmt"
	"memorial-orders/internal/infrastructure/aws"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

type sqsHook struct {
	client   aws.SQSAPI
	queueURL string
	now      func() time.Time
}

func NewSQSHook(client aws.SQSAPI, queueURL string) Hook {
	return &sqsHook{client: client, queueURL: queueURL, now: time.Now}
}

func (h *sqsHook) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	payload, err := newEvent(orderID, h.now())
	if err != nil {
		return err
	}

	_, err = h.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    sdkaws.String(h.queueURL),
		MessageBody: sdkaws.String(string(payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: sdkaws.String("String"), StringValue: sdkaws.String(EventOrderExpired)},
			"order_id":   {DataType: sdkaws.String("String"), StringValue: sdkaws.String(orderID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs release %s: %w", orderID, err)
	}
	return nil
}
