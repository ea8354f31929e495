package metrics

import (
	"context"
	"fmt"
	"memorial-orders/internal/infrastructure/aws"
	"memorial-orders/internal/worker"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const DefaultNamespace = "MemorialOrders/Reconciler"

// RunMetrics publishes the counts of each reconciliation pass to CloudWatch.
type RunMetrics struct {
	client    aws.CloudWatchAPI
	namespace string
}

func NewRunMetrics(client aws.CloudWatchAPI, namespace string) *RunMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RunMetrics{client: client, namespace: namespace}
}

func (m *RunMetrics) ObserveRun(ctx context.Context, s worker.Summary) error {
	count := func(name string, v int) types.MetricDatum {
		return types.MetricDatum{
			MetricName: sdkaws.String(name),
			Value:      sdkaws.Float64(float64(v)),
			Unit:       types.StandardUnitCount,
			Timestamp:  sdkaws.Time(s.Now),
		}
	}

	data := []types.MetricDatum{
		count("Candidates", s.Candidates),
		count("Expired", s.Expired),
		count("Conflicts", s.Conflicts),
		count("Failed", s.Failed),
		count("HookFailed", s.HookFailed),
		count("Deferred", s.Deferred),
		{
			MetricName: sdkaws.String("PassDuration"),
			Value:      sdkaws.Float64(float64(s.Duration.Milliseconds())),
			Unit:       types.StandardUnitMilliseconds,
			Timestamp:  sdkaws.Time(s.Now),
		},
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}
