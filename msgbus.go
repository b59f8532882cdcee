package msgbus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Connector is an interface used for asynchronous messaging over a
// topic broker.
type Connector interface {
	Init(...Option) error
	Options() Options
	Address() string
	State() State
	Connect() error
	Disconnect() error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Send(ctx context.Context, target string, msg *Message, opts ...SendOption) error
	Receive(ctx context.Context) (*Request, error)
	String() string
}

// State is the connection state of a Connector.
type State int32

const (
	// Disconnected is the initial state and the state after Disconnect.
	Disconnected State = iota
	// Connected means the broker handles are established and usable.
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Message is a message sent to or received from the broker.
type Message struct {
	Header map[string]string
	Body   []byte
}

// Request is a received message together with its delivery metadata.
type Request struct {
	// ID is the broker-assigned message id, or a generated one when the
	// broker did not supply any.
	ID string
	// Topic is the routing key the message was sent with.
	Topic string
	// Message is the delivered payload. It has already been acknowledged.
	Message *Message
	// Received is the local time the message was taken off the bus.
	Received time.Time
}

// Bind decodes the request body into v using the given codec.
func (r *Request) Bind(v any, m Marshaler) error {
	if m == nil {
		return errors.New("msgbus: no codec configured")
	}
	if r.Message == nil {
		return errors.New("msgbus: request has no message")
	}
	if err := m.Unmarshal(r.Message.Body, v); err != nil {
		return fmt.Errorf("msgbus: bind request %s: %w", r.ID, err)
	}
	return nil
}

// Handler processes requests taken off a connector, usually driven by Serve.
type Handler func(ctx context.Context, req *Request) error

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(Handler) Handler

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
	String() string
}
