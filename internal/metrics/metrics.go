// Package metrics exposes OpenTelemetry instruments for the run loop.
// Without a configured meter provider the instruments are no-ops.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/crewd/internal/metrics"

var (
	dispatchCounter    metric.Int64Counter
	retryCounter       metric.Int64Counter
	validationCounter  metric.Int64Counter
	blockedCounter     metric.Int64Counter
	runDuration        metric.Float64Histogram
	taskDuration       metric.Float64Histogram
	iterationHistogram metric.Int64Histogram
)

func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	dispatchCounter, err = meter.Int64Counter(
		"crewd.tasks.dispatched",
		metric.WithDescription("Total number of task dispatches to workers"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create dispatch counter: %v", err))
	}

	retryCounter, err = meter.Int64Counter(
		"crewd.tasks.retries",
		metric.WithDescription("Number of task retries after rejected attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry counter: %v", err))
	}

	validationCounter, err = meter.Int64Counter(
		"crewd.validation.reviews",
		metric.WithDescription("Number of validator reviews by outcome"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create validation counter: %v", err))
	}

	blockedCounter, err = meter.Int64Counter(
		"crewd.tasks.blocked",
		metric.WithDescription("Number of tasks blocked after exhausting their retry budget"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create blocked counter: %v", err))
	}

	runDuration, err = meter.Float64Histogram(
		"crewd.run.duration",
		metric.WithDescription("Duration of complete plan runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create run duration: %v", err))
	}

	taskDuration, err = meter.Float64Histogram(
		"crewd.tasks.duration",
		metric.WithDescription("Duration of individual task attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create task duration: %v", err))
	}

	iterationHistogram, err = meter.Int64Histogram(
		"crewd.run.iterations",
		metric.WithDescription("Supervisor iterations consumed per run"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create iteration histogram: %v", err))
	}
}

func init() {
	initMetrics()
}

// RecordDispatch counts one task handed to a worker.
func RecordDispatch(ctx context.Context, capability string) {
	dispatchCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
	))
}

// RecordRetry counts one task requeued after a rejected attempt.
func RecordRetry(ctx context.Context, capability string) {
	retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
	))
}

// RecordValidation counts one validator review.
func RecordValidation(ctx context.Context, passed bool) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	validationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordBlocked counts one task blocked on budget exhaustion.
func RecordBlocked(ctx context.Context) {
	blockedCounter.Add(ctx, 1)
}

// RecordTaskDuration records how long one task attempt took.
func RecordTaskDuration(ctx context.Context, capability string, d time.Duration) {
	taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("capability", capability),
	))
}

// RecordRun records final run duration and iterations consumed.
func RecordRun(ctx context.Context, status string, d time.Duration, iterations int) {
	runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
	iterationHistogram.Record(ctx, int64(iterations), metric.WithAttributes(
		attribute.String("status", status),
	))
}
