// Package amqp provides a Connector backed by an AMQP 0-9-1 topic broker.
package amqp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qvcloud/msgbus"
)

// Environment variables overriding the plugin settings.
const (
	EnvServer   = "AMQP_SERVER"
	EnvPort     = "AMQP_PORT"
	EnvUser     = "AMQP_USER"
	EnvPassword = "AMQP_PASSWORD"
)

// Plugin setting keys resolved through the injected Resolver.
const (
	optHost     = "host"
	optPort     = "port"
	optUser     = "user"
	optPassword = "password"
)

const (
	defaultPort     = 5672
	defaultExchange = "msgbus"
)

type amqpConn interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueueUnbind(name, key, exchange string, args amqp091.Table) error
	Close() error
	Qos(prefetchCount, prefetchSize int, global bool) error
}

type connWrapper struct{ *amqp091.Connection }

func (w *connWrapper) Channel() (amqpChannel, error) {
	return w.Connection.Channel()
}

type amqpConnector struct {
	opts msgbus.Options
	res  *msgbus.Resolver

	sync.RWMutex
	state      msgbus.State
	conn       amqpConn
	channel    amqpChannel
	exchange   string
	queue      string
	addr       string
	deliveries <-chan amqp091.Delivery
	subs       map[string]struct{}

	// Internal factory for testing
	dial func(url string, config amqp091.Config) (amqpConn, error)
}

// NewConnector returns a Connector speaking AMQP. Connection parameters
// are resolved through res on every Connect; a nil res resolves from
// the environment and defaults only.
func NewConnector(res *msgbus.Resolver, opts ...msgbus.Option) msgbus.Connector {
	options := msgbus.NewOptions(opts...)

	if res == nil {
		res = msgbus.NewResolver(nil)
	}

	return &amqpConnector{
		opts: *options,
		res:  res,
		subs: make(map[string]struct{}),
		dial: func(url string, config amqp091.Config) (amqpConn, error) {
			conn, err := amqp091.DialConfig(url, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}
}

func (c *amqpConnector) Options() msgbus.Options { return c.opts }

func (c *amqpConnector) Address() string {
	c.RLock()
	defer c.RUnlock()
	return c.addr
}

func (c *amqpConnector) State() msgbus.State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

func (c *amqpConnector) String() string {
	return "amqp"
}

func (c *amqpConnector) Init(opts ...msgbus.Option) error {
	for _, o := range opts {
		o(&c.opts)
	}
	return nil
}

type connectionParams struct {
	host     string
	port     int
	user     string
	password string
}

// resolveParams resolves host, port, user and password for this connect.
// Each setting honors its environment variable first, then the plugin
// settings, then the default. Only the port has a default.
func (c *amqpConnector) resolveParams() (connectionParams, error) {
	var p connectionParams
	var err error

	if p.host, err = c.res.Resolve(EnvServer, optHost, ""); err != nil {
		return p, err
	}
	raw, err := c.res.Resolve(EnvPort, optPort, strconv.Itoa(defaultPort))
	if err != nil {
		return p, err
	}
	if p.port, err = strconv.Atoi(raw); err != nil {
		return p, fmt.Errorf("invalid port %q: %w", raw, err)
	}
	if p.user, err = c.res.Resolve(EnvUser, optUser, ""); err != nil {
		return p, err
	}
	if p.password, err = c.res.Resolve(EnvPassword, optPassword, ""); err != nil {
		return p, err
	}
	return p, nil
}

func brokerURL(scheme string, p connectionParams) string {
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(p.user, p.password),
		Host:   net.JoinHostPort(p.host, strconv.Itoa(p.port)),
	}
	return u.String()
}

func (c *amqpConnector) Connect() error {
	c.Lock()
	defer c.Unlock()

	if c.state == msgbus.Connected {
		c.debugf("amqp: connect called while connected, nothing to do")
		return nil
	}

	params, err := c.resolveParams()
	if err != nil {
		return &msgbus.ConnectionError{Stage: "resolve connection parameters", Err: err}
	}

	scheme := "amqp"
	config := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
	}
	if c.opts.TLSConfig != nil {
		scheme = "amqps"
	}
	if c.opts.ClientID != "" {
		config.Properties = amqp091.Table{
			"connection_name": c.opts.ClientID,
		}
	}

	addr := net.JoinHostPort(params.host, strconv.Itoa(params.port))
	c.debugf("amqp: connecting to %s as %s", addr, params.user)

	conn, err := c.dial(brokerURL(scheme, params), config)
	if err != nil {
		return &msgbus.ConnectionError{Stage: "dial " + addr, Err: err}
	}

	exchange := c.exchangeName()
	channel, queue, deliveries, err := c.setup(conn, exchange)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.exchange = exchange
	c.queue = queue
	c.deliveries = deliveries
	c.addr = addr
	c.state = msgbus.Connected

	c.infof("amqp: connected to %s", addr)

	// Warn about unconsumed options at connection time
	msgbus.WarnUnconsumed(c.opts.Context, c.opts.Logger)

	return nil
}

// setup establishes the channel-level topology: the topic exchange, a
// server-named inbound queue with one binding per registered topic, and
// a manual-ack consumer feeding Receive.
func (c *amqpConnector) setup(conn amqpConn, exchange string) (amqpChannel, string, <-chan amqp091.Delivery, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, "", nil, &msgbus.ConnectionError{Stage: "open channel", Err: err}
	}

	if err := channel.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		channel.Close()
		return nil, "", nil, &msgbus.ConnectionError{Stage: fmt.Sprintf("declare exchange %q", exchange), Err: err}
	}

	q, err := channel.QueueDeclare(
		"",    // name, server-generated
		false, // durable
		true,  // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		return nil, "", nil, &msgbus.ConnectionError{Stage: "declare inbound queue", Err: err}
	}

	if err := channel.Qos(c.prefetchCount(), 0, false); err != nil {
		channel.Close()
		return nil, "", nil, &msgbus.ConnectionError{Stage: "set channel qos", Err: err}
	}

	for topic := range c.subs {
		if err := channel.QueueBind(q.Name, topic, exchange, false, nil); err != nil {
			channel.Close()
			return nil, "", nil, &msgbus.ConnectionError{Stage: fmt.Sprintf("restore binding %q", topic), Err: err}
		}
	}

	deliveries, err := channel.Consume(
		q.Name, // queue
		"",     // consumer, server-generated
		false,  // manual ack, Receive acknowledges
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		channel.Close()
		return nil, "", nil, &msgbus.ConnectionError{Stage: "start consumer", Err: err}
	}

	return channel, q.Name, deliveries, nil
}

func (c *amqpConnector) exchangeName() string {
	if v, ok := msgbus.GetTrackedValue(c.opts.Context, exchangeKey{}).(string); ok && v != "" {
		return v
	}
	return defaultExchange
}

func (c *amqpConnector) prefetchCount() int {
	if v, ok := msgbus.GetTrackedValue(c.opts.Context, prefetchCountKey{}).(int); ok && v > 0 {
		return v
	}
	return 1
}

func (c *amqpConnector) Disconnect() error {
	c.Lock()
	defer c.Unlock()

	if c.state == msgbus.Disconnected {
		c.debugf("amqp: disconnect called while disconnected, nothing to do")
		return nil
	}

	c.infof("amqp: disconnecting from %s", c.addr)

	var err error
	if !c.conn.IsClosed() {
		if cerr := c.channel.Close(); cerr != nil {
			c.debugf("amqp: closing channel: %v", cerr)
		}
		err = c.conn.Close()
	}

	c.conn = nil
	c.channel = nil
	c.queue = ""
	c.deliveries = nil
	c.state = msgbus.Disconnected

	if err != nil {
		return fmt.Errorf("amqp: close connection: %w", err)
	}
	return nil
}

func (c *amqpConnector) Subscribe(topic string) error {
	c.Lock()
	defer c.Unlock()

	if c.state != msgbus.Connected {
		return msgbus.ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		c.debugf("amqp: already subscribed to %s", topic)
		return nil
	}

	if err := c.channel.QueueBind(c.queue, topic, c.exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind queue to %q: %w", topic, err)
	}

	c.subs[topic] = struct{}{}
	c.debugf("amqp: subscribed to %s", topic)
	return nil
}

func (c *amqpConnector) Unsubscribe(topic string) error {
	c.Lock()
	defer c.Unlock()

	// Removal is unconditional so the registry always reflects the
	// caller's declared interest, even when the unbind cannot be issued.
	delete(c.subs, topic)

	if c.state != msgbus.Connected {
		return msgbus.ErrNotConnected
	}

	if err := c.channel.QueueUnbind(c.queue, topic, c.exchange, nil); err != nil {
		return fmt.Errorf("amqp: unbind queue from %q: %w", topic, err)
	}

	c.debugf("amqp: unsubscribed from %s", topic)
	return nil
}

func (c *amqpConnector) Send(ctx context.Context, target string, msg *msgbus.Message, opts ...msgbus.SendOption) error {
	options := msgbus.NewSendOptions(ctx, opts...)

	c.RLock()
	st := c.state
	channel := c.channel
	exchange := c.exchange
	c.RUnlock()

	if st != msgbus.Connected {
		return msgbus.ErrNotConnected
	}

	var span trace.Span
	if c.opts.Tracer != nil {
		ctx, span = c.opts.Tracer.Start(ctx, "msgbus.send",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", "amqp"),
				attribute.String("messaging.destination", target),
			),
		)
		defer span.End()
	}

	priority := uint8(0)
	deliveryMode := amqp091.Transient
	mandatory := false

	if v, ok := msgbus.GetTrackedValue(options.Context, priorityKey{}).(int); ok {
		priority = uint8(v)
	}
	if v, ok := msgbus.GetTrackedValue(options.Context, persistentKey{}).(bool); ok && v {
		deliveryMode = amqp091.Persistent
	}
	if v, ok := msgbus.GetTrackedValue(options.Context, mandatoryKey{}).(bool); ok {
		mandatory = v
	}

	err := channel.PublishWithContext(ctx,
		exchange,  // exchange
		target,    // routing key
		mandatory, // mandatory
		false,     // immediate
		amqp091.Publishing{
			Headers:      amqp091.Table(stringMapToTable(msg.Header)),
			ContentType:  "application/octet-stream",
			Body:         msg.Body,
			MessageId:    uuid.New().String(),
			Timestamp:    time.Now(),
			Priority:     priority,
			DeliveryMode: deliveryMode,
		})
	if err != nil {
		serr := &msgbus.SendError{Target: target, Err: err}
		if span != nil {
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
		}
		return serr
	}

	c.debugf("amqp: sent message to %s", target)
	msgbus.WarnUnconsumed(options.Context, c.opts.Logger)
	return nil
}

func (c *amqpConnector) Receive(ctx context.Context) (*msgbus.Request, error) {
	c.RLock()
	st := c.state
	deliveries := c.deliveries
	c.RUnlock()

	if st != msgbus.Connected {
		return nil, msgbus.ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			// The consumer channel closes on a deliberate Disconnect and
			// when the broker goes away. Only the latter is an error.
			if c.State() == msgbus.Disconnected {
				return nil, msgbus.ErrNotConnected
			}
			return nil, &msgbus.ReceiveError{Err: msgbus.ErrConnectionLost}
		}
		return c.accept(ctx, d)
	}
}

// accept acknowledges d and wraps it into a Request.
func (c *amqpConnector) accept(ctx context.Context, d amqp091.Delivery) (*msgbus.Request, error) {
	var span trace.Span
	if c.opts.Tracer != nil {
		_, span = c.opts.Tracer.Start(ctx, "msgbus.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "amqp"),
				attribute.String("messaging.destination", d.RoutingKey),
			),
		)
		defer span.End()
	}

	if err := d.Ack(false); err != nil {
		rerr := &msgbus.ReceiveError{Err: fmt.Errorf("acknowledge delivery: %w", err)}
		if span != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		return nil, rerr
	}

	id := d.MessageId
	if id == "" {
		id = uuid.New().String()
	}

	header := make(map[string]string)
	for k, v := range d.Headers {
		header[k] = fmt.Sprint(v)
	}

	c.debugf("amqp: received message on %s", d.RoutingKey)

	return &msgbus.Request{
		ID:    id,
		Topic: d.RoutingKey,
		Message: &msgbus.Message{
			Header: header,
			Body:   d.Body,
		},
		Received: time.Now(),
	}, nil
}

func (c *amqpConnector) debugf(format string, args ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Debugf(format, args...)
	}
}

func (c *amqpConnector) infof(format string, args ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Infof(format, args...)
	}
}

func stringMapToTable(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	res := make(map[string]interface{})
	for k, v := range m {
		res[k] = v
	}
	return res
}

type exchangeKey struct{}
type prefetchCountKey struct{}

// WithExchange sets the name of the topic exchange the connector
// declares and publishes to. The default is "msgbus".
func WithExchange(name string) msgbus.Option {
	return func(o *msgbus.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = msgbus.WithTrackedValue(o.Context, exchangeKey{}, name, "amqp.WithExchange")
	}
}

// WithPrefetchCount sets the consumer prefetch. The default of 1 keeps
// at most one delivery unacknowledged at a time.
func WithPrefetchCount(count int) msgbus.Option {
	return func(o *msgbus.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = msgbus.WithTrackedValue(o.Context, prefetchCountKey{}, count, "amqp.WithPrefetchCount")
	}
}

type priorityKey struct{}
type persistentKey struct{}
type mandatoryKey struct{}

// WithPriority sets the priority for a single send.
func WithPriority(p int) msgbus.SendOption {
	return func(o *msgbus.SendOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = msgbus.WithTrackedValue(o.Context, priorityKey{}, p, "amqp.WithPriority")
	}
}

// WithPersistent marks a single send for persistent delivery.
func WithPersistent(p bool) msgbus.SendOption {
	return func(o *msgbus.SendOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = msgbus.WithTrackedValue(o.Context, persistentKey{}, p, "amqp.WithPersistent")
	}
}

// WithMandatory requires the broker to route the message to at least
// one bound queue.
func WithMandatory() msgbus.SendOption {
	return func(o *msgbus.SendOptions) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = msgbus.WithTrackedValue(o.Context, mandatoryKey{}, true, "amqp.WithMandatory")
	}
}
