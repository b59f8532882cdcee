package msgbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// memoryInboxSize bounds how many undelivered requests a memory
// connector buffers before Send blocks.
const memoryInboxSize = 128

type memoryConnector struct {
	opts Options

	sync.RWMutex
	state State
	subs  map[string]struct{}
	inbox chan *Request
	done  chan struct{}
}

// NewMemoryConnector returns an in-process Connector. It routes with
// topic-exchange semantics and is meant for tests and examples that
// want the connector contract without a broker.
func NewMemoryConnector(opts ...Option) Connector {
	options := NewOptions(opts...)

	return &memoryConnector{
		opts: *options,
		subs: make(map[string]struct{}),
	}
}

func (m *memoryConnector) Init(opts ...Option) error {
	for _, opt := range opts {
		opt(&m.opts)
	}
	return nil
}

func (m *memoryConnector) Options() Options {
	return m.opts
}

func (m *memoryConnector) Address() string {
	return ""
}

func (m *memoryConnector) State() State {
	m.RLock()
	defer m.RUnlock()
	return m.state
}

func (m *memoryConnector) String() string {
	return "memory"
}

func (m *memoryConnector) Connect() error {
	m.Lock()
	defer m.Unlock()

	if m.state == Connected {
		m.debugf("memory: connect called while connected, nothing to do")
		return nil
	}

	m.inbox = make(chan *Request, memoryInboxSize)
	m.done = make(chan struct{})
	m.state = Connected

	WarnUnconsumed(m.opts.Context, m.opts.Logger)
	return nil
}

func (m *memoryConnector) Disconnect() error {
	m.Lock()
	defer m.Unlock()

	if m.state == Disconnected {
		m.debugf("memory: disconnect called while disconnected, nothing to do")
		return nil
	}

	close(m.done)
	m.state = Disconnected
	return nil
}

func (m *memoryConnector) Subscribe(topic string) error {
	m.Lock()
	defer m.Unlock()

	if m.state != Connected {
		return ErrNotConnected
	}
	if _, ok := m.subs[topic]; ok {
		m.debugf("memory: already subscribed to %s", topic)
		return nil
	}
	m.subs[topic] = struct{}{}
	return nil
}

func (m *memoryConnector) Unsubscribe(topic string) error {
	m.Lock()
	defer m.Unlock()

	// Removal is unconditional so the registry always reflects the
	// caller's declared interest.
	delete(m.subs, topic)

	if m.state != Connected {
		return ErrNotConnected
	}
	return nil
}

func (m *memoryConnector) Send(ctx context.Context, target string, msg *Message, opts ...SendOption) error {
	options := NewSendOptions(ctx, opts...)

	m.RLock()
	st := m.state
	inbox := m.inbox
	done := m.done
	matched := false
	for pattern := range m.subs {
		if MatchTopic(pattern, target) {
			matched = true
			break
		}
	}
	m.RUnlock()

	if st != Connected {
		return ErrNotConnected
	}

	if m.opts.Tracer != nil {
		var span trace.Span
		_, span = m.opts.Tracer.Start(options.Context, "msgbus.send",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.system", "memory"),
				attribute.String("messaging.destination", target),
			),
		)
		defer span.End()
	}

	if !matched {
		// A topic exchange drops messages no binding matches.
		return nil
	}

	out, err := m.transfer(msg)
	if err != nil {
		return &SendError{Target: target, Err: err}
	}

	req := &Request{
		ID:       uuid.New().String(),
		Topic:    target,
		Message:  out,
		Received: time.Now(),
	}

	select {
	case inbox <- req:
	case <-done:
		return ErrNotConnected
	case <-options.Context.Done():
		return options.Context.Err()
	}

	m.debugf("memory: sent message to %s", target)
	WarnUnconsumed(options.Context, m.opts.Logger)
	return nil
}

func (m *memoryConnector) Receive(ctx context.Context) (*Request, error) {
	m.RLock()
	st := m.state
	inbox := m.inbox
	done := m.done
	m.RUnlock()

	if st != Connected {
		return nil, ErrNotConnected
	}

	select {
	case req := <-inbox:
		m.traceReceive(ctx, req)
		return req, nil
	case <-done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memoryConnector) traceReceive(ctx context.Context, req *Request) {
	if m.opts.Tracer == nil {
		return
	}
	_, span := m.opts.Tracer.Start(ctx, "msgbus.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "memory"),
			attribute.String("messaging.destination", req.Topic),
			attribute.String("messaging.message_id", req.ID),
		),
	)
	span.End()
}

// transfer copies msg through the configured codec, simulating the wire.
func (m *memoryConnector) transfer(msg *Message) (*Message, error) {
	if m.opts.Codec != nil {
		buf, err := m.opts.Codec.Marshal(msg)
		if err != nil {
			return nil, err
		}
		out := &Message{}
		if err := m.opts.Codec.Unmarshal(buf, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	out := &Message{
		Body: append([]byte(nil), msg.Body...),
	}
	if msg.Header != nil {
		out.Header = make(map[string]string, len(msg.Header))
		for k, v := range msg.Header {
			out.Header[k] = v
		}
	}
	return out, nil
}

func (m *memoryConnector) debugf(format string, args ...interface{}) {
	if m.opts.Logger != nil {
		m.opts.Logger.Debugf(format, args...)
	}
}

// MatchTopic reports whether an AMQP topic binding pattern matches a
// routing key. "*" matches exactly one word, "#" matches zero or more
// words, and words are separated by ".".
func MatchTopic(pattern, topic string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
