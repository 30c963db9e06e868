package deadletter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// DefaultNamespace is the CloudWatch namespace for dead-letter metrics.
const DefaultNamespace = "Billing/DeadLetters"

// CloudWatchClient is the CloudWatch operation the publisher uses.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher emits one DeadLetters datapoint per dead letter,
// dimensioned by reason and severity.
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
}

// NewCloudWatchPublisher creates a publisher. An empty namespace uses
// DefaultNamespace.
func NewCloudWatchPublisher(client CloudWatchClient, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &CloudWatchPublisher{client: client, namespace: namespace}
}

func (p *CloudWatchPublisher) PublishDeadLetter(ctx context.Context, dl *store.DeadLetter) error {
	ts := dl.CreatedAt
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String("DeadLetters"),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(1),
			Timestamp:  &ts,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("Reason"), Value: aws.String(dl.Reason)},
				{Name: aws.String("Severity"), Value: aws.String(dl.Severity)},
				{Name: aws.String("Source"), Value: aws.String(dl.Source)},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("put dead letter metric: %w", err)
	}
	return nil
}

var _ MetricPublisher = (*CloudWatchPublisher)(nil)
