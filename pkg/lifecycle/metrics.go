package lifecycle

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Prediction routes.
const (
	routeLocal    = "local"
	routeFallback = "fallback"
	routeDegraded = "degraded"
)

var tracer = otel.Tracer("neuro.lifecycle")

var (
	predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_predictions_total",
		Help: "Predictions by route (local, fallback, degraded).",
	}, []string{"route"})

	oracleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuro_oracle_duration_seconds",
		Help:    "Fallback oracle latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	learningOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_learning_operations_total",
		Help: "Applied learning updates by operation and result.",
	}, []string{"op", "result"})

	checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_checkpoints_total",
		Help: "Snapshot writes by result.",
	}, []string{"result"})

	brainsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_brains_created_total",
		Help: "Brains created by type.",
	}, []string{"type", "cow"})
)

func startSpan(ctx context.Context, op, brainID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+op,
		trace.WithAttributes(
			attribute.String("brain.op", op),
			attribute.String("brain.id", brainID),
		),
	)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
