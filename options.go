package msgbus

import (
	"context"
	"crypto/tls"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Options contains the connector configuration.
type Options struct {
	// ClientID names this connection to the broker, where supported.
	ClientID string
	// Codec is the marshaler used for encoding/decoding message payloads.
	Codec Marshaler

	// Logger receives the connector's leveled messages. A nil Logger
	// silences them.
	Logger Logger

	// ErrorHandler is called by Serve when a handler returns an error.
	ErrorHandler func(ctx context.Context, req *Request, err error)

	// TLSConfig is the TLS configuration for secure connections.
	TLSConfig *tls.Config

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter

	// Context is the underlying context for connector-specific options.
	Context context.Context
}

// SendOptions contains options for sending a single message.
type SendOptions struct {
	// Context is the context for the send operation and carries
	// connector-specific send options.
	Context context.Context
}

type Option func(*Options)

type SendOption func(*SendOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewSendOptions(ctx context.Context, opts ...SendOption) SendOptions {
	opt := SendOptions{
		Context: ctx,
	}

	for _, o := range opts {
		o(&opt)
	}

	if opt.Context == nil {
		opt.Context = context.Background()
	}

	return opt
}

// ClientID sets the client identifier reported to the broker.
func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// Codec sets the codec used for encoding/decoding message payloads.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithLogger sets the logger used by the connector.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// ErrorHandler will catch all handler errors that cant be handled
// in normal way, for example Codec errors.
func ErrorHandler(h func(ctx context.Context, req *Request, err error)) Option {
	return func(o *Options) {
		o.ErrorHandler = h
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for observability.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// WithContext sets the options context carrying connector-specific options.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}

// SendContext set context.
func SendContext(ctx context.Context) SendOption {
	return func(o *SendOptions) {
		o.Context = ctx
	}
}
