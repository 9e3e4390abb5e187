// Package telemetry emits billing metrics to AWS CloudWatch.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tutorbill/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes billing metrics.
//
// Metrics emitted:
//   - MonthlyChargeRun: no dims, one per run
//   - MonthlyCharge: Dims {Outcome}, count of records per outcome in a run
//   - BalanceAlert: Dims {AlertKind}, one per published alert
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates CloudWatchMetrics publishing to namespace,
// or to types.MetricNamespace when namespace is empty.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordChargeRun emits the run marker and one MonthlyCharge datum per
// outcome seen in summary, in a single PutMetricData call.
func (m *CloudWatchMetrics) RecordChargeRun(ctx context.Context, summary *types.ChargeSummary) error {
	counts := make(map[types.ChargeOutcome]int)
	for _, res := range summary.Results {
		counts[res.Outcome]++
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(types.MetricMonthlyChargeRun),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(summary.RunAt),
	}}
	for _, outcome := range []types.ChargeOutcome{
		types.OutcomeCharged,
		types.OutcomeInsufficientFunds,
		types.OutcomeSkipped,
		types.OutcomeError,
	} {
		n, ok := counts[outcome]
		if !ok {
			continue
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricMonthlyCharge),
			Value:      aws.Float64(float64(n)),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(summary.RunAt),
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String(types.DimOutcome),
				Value: aws.String(string(outcome)),
			}},
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	return err
}

// RecordBalanceAlert emits one BalanceAlert datum. Failures are logged only.
func (m *CloudWatchMetrics) RecordBalanceAlert(ctx context.Context, kind types.AlertKind) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(types.MetricBalanceAlert),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String(types.DimAlertKind),
				Value: aws.String(string(kind)),
			}},
		}},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record balance alert metric",
			"error", err.Error(),
			"kind", string(kind),
		)
	}
}
