package middleware

import (
	"context"

	"github.com/qvcloud/msgbus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Otel returns middleware wrapping each handled request in an
// OpenTelemetry consumer span.
func Otel(opts ...Option) msgbus.Middleware {
	options := options{
		tracer: otel.Tracer("github.com/qvcloud/msgbus"),
	}
	for _, o := range opts {
		o(&options)
	}

	return func(next msgbus.Handler) msgbus.Handler {
		return func(ctx context.Context, req *msgbus.Request) error {
			ctx, span := options.tracer.Start(ctx, "msgbus.handle",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "msgbus"),
					attribute.String("messaging.destination", req.Topic),
					attribute.String("messaging.operation", "process"),
					attribute.String("messaging.message_id", req.ID),
				),
			)
			defer span.End()

			err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

type options struct {
	tracer trace.Tracer
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
