package middleware

import (
	"context"
	"time"

	"github.com/qvcloud/msgbus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics returns middleware recording a request counter and a handling
// duration histogram on the given meter.
func Metrics(m metric.Meter) (msgbus.Middleware, error) {
	requests, err := m.Int64Counter("msgbus.requests",
		metric.WithDescription("Requests taken off the bus."),
	)
	if err != nil {
		return nil, err
	}

	duration, err := m.Float64Histogram("msgbus.handle.duration",
		metric.WithDescription("Request handling duration."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return func(next msgbus.Handler) msgbus.Handler {
		return func(ctx context.Context, req *msgbus.Request) error {
			start := time.Now()
			err := next(ctx, req)

			attrs := metric.WithAttributes(
				attribute.String("topic", req.Topic),
				attribute.Bool("error", err != nil),
			)
			requests.Add(ctx, 1, attrs)
			duration.Record(ctx, time.Since(start).Seconds(), attrs)

			return err
		}
	}, nil
}
