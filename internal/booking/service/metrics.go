package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/example/guidebook/internal/booking/domain"
)

var tracer = otel.Tracer("booking.service")

var (
	confirmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_confirm_seconds",
		Help:    "Time spent confirming a booking, including the slot lock wait.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	confirmOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_confirm_total",
		Help: "Confirm attempts grouped by outcome.",
	}, []string{"result"})

	availabilityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "availability_query_seconds",
		Help:    "Time spent resolving driver availability for a date.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.Event) error { return nil }

func orNop(p domain.EventPublisher) domain.EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// publish never fails the calling operation.
func publish(ctx context.Context, p domain.EventPublisher, logger *zap.Logger, event domain.Event) {
	if err := p.Publish(ctx, event); err != nil {
		logger.Warn("publish event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
