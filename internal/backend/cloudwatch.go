package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/smithy-go"

	"github.com/torosent/crankexport/internal/config"
	"github.com/torosent/crankexport/internal/delivery"
	"github.com/torosent/crankexport/internal/export"
	"github.com/torosent/crankexport/internal/metrics"
)

// MaxCloudWatchDimensions is the per-datum dimension ceiling of PutMetricData.
const MaxCloudWatchDimensions = 30

// transientCodes are CloudWatch error codes worth retrying.
var transientCodes = map[string]struct{}{
	"Throttling":           {},
	"ThrottlingException":  {},
	"RequestLimitExceeded": {},
	"ServiceUnavailable":   {},
	"InternalServiceError": {},
	"InternalFailure":      {},
	"RequestTimeout":       {},
}

// PutMetricDataAPI is the slice of the CloudWatch client the backend uses.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes batches as CloudWatch statistic sets.
type CloudWatch struct {
	client    PutMetricDataAPI
	namespace string
}

// NewCloudWatch builds the backend from the AWS default credential chain. SDK retries are
// disabled; the delivery controller owns retry and backoff.
func NewCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) (*CloudWatch, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewCloudWatchWithClient(client, cfg.Namespace), nil
}

// NewCloudWatchWithClient builds the backend around an existing client.
func NewCloudWatchWithClient(client PutMetricDataAPI, namespace string) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace}
}

func (c *CloudWatch) Name() string { return string(config.BackendCloudWatch) }

func (c *CloudWatch) Submit(ctx context.Context, batch export.Batch) error {
	data, err := metricData(batch)
	if err != nil {
		return delivery.Permanent(err)
	}
	if len(data) == 0 {
		return nil
	}

	_, err = c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	})
	if err != nil {
		return classifyCloudWatchError(err)
	}
	return nil
}

func metricData(batch export.Batch) ([]types.MetricDatum, error) {
	data := make([]types.MetricDatum, 0, batch.Len())
	for _, m := range batch.Metrics {
		dims := m.Dimensions()
		if len(dims) > MaxCloudWatchDimensions {
			return nil, fmt.Errorf("metric %s has %d dimensions, cloudwatch allows %d", m.Key.Name, len(dims), MaxCloudWatchDimensions)
		}
		if m.Statistic.Count == 0 {
			continue
		}
		data = append(data, types.MetricDatum{
			MetricName: aws.String(m.Key.Name),
			Dimensions: cloudWatchDimensions(dims),
			Timestamp:  aws.Time(m.WindowEnd),
			Unit:       standardUnit(m.Unit),
			StatisticValues: &types.StatisticSet{
				SampleCount: aws.Float64(float64(m.Statistic.Count)),
				Sum:         aws.Float64(m.Statistic.Sum),
				Minimum:     aws.Float64(m.Statistic.Min),
				Maximum:     aws.Float64(m.Statistic.Max),
			},
		})
	}
	return data, nil
}

func cloudWatchDimensions(dims map[string]string) []types.Dimension {
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.Dimension, 0, len(names))
	for _, name := range names {
		out = append(out, types.Dimension{
			Name:  aws.String(name),
			Value: aws.String(dims[name]),
		})
	}
	return out
}

func standardUnit(u metrics.Unit) types.StandardUnit {
	switch u {
	case metrics.UnitMilliseconds:
		return types.StandardUnitMilliseconds
	case metrics.UnitBytes:
		return types.StandardUnitBytes
	default:
		return types.StandardUnitCount
	}
}

// classifyCloudWatchError maps SDK failures onto delivery classes. Network errors and
// timeouts carry no API error and are retried.
func classifyCloudWatchError(err error) error {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return delivery.Throttled(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := transientCodes[code]; ok || strings.HasSuffix(code, "Throttled") {
			return delivery.Throttled(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return delivery.Throttled(err)
		}
		return delivery.Permanent(err)
	}

	if status >= 400 {
		return delivery.Permanent(err)
	}
	return delivery.Throttled(err)
}
