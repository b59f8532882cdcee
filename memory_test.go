package msgbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func receiveCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMemoryConnector(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test"))

	err := c.Send(context.Background(), "test", &Message{
		Header: map[string]string{"source": "unit"},
		Body:   []byte("hello"),
	})
	assert.NoError(t, err)

	req, err := c.Receive(receiveCtx(t))
	assert.NoError(t, err)
	assert.Equal(t, "test", req.Topic)
	assert.Equal(t, []byte("hello"), req.Message.Body)
	assert.Equal(t, "unit", req.Message.Header["source"])
	assert.NotEmpty(t, req.ID)
	assert.False(t, req.Received.IsZero())
}

func TestMemoryConnector_Methods(t *testing.T) {
	c := NewMemoryConnector()
	assert.Equal(t, "", c.Address())
	assert.Equal(t, "memory", c.String())
	assert.Equal(t, Disconnected, c.State())

	assert.NoError(t, c.Init())

	assert.NoError(t, c.Connect())
	assert.Equal(t, Connected, c.State())

	// Connecting twice is a no-op.
	assert.NoError(t, c.Connect())

	assert.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.State())

	// So is disconnecting twice.
	assert.NoError(t, c.Disconnect())
}

func TestMemoryConnector_NotConnected(t *testing.T) {
	c := NewMemoryConnector()

	assert.ErrorIs(t, c.Subscribe("test"), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe("test"), ErrNotConnected)
	assert.ErrorIs(t, c.Send(context.Background(), "test", &Message{Body: []byte("x")}), ErrNotConnected)

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryConnector_WildcardRouting(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		target    string
		delivered bool
	}{
		{"Exact", "orders.created", "orders.created", true},
		{"StarMatchesOneWord", "orders.*", "orders.created", true},
		{"StarNeedsExactlyOneWord", "orders.*", "orders.us.created", false},
		{"HashMatchesZeroWords", "payments.#", "payments", true},
		{"HashMatchesManyWords", "payments.#", "payments.eu.card", true},
		{"Unrelated", "orders.created", "payments.created", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMemoryConnector()
			assert.NoError(t, c.Connect())
			defer c.Disconnect()

			assert.NoError(t, c.Subscribe(tt.pattern))
			assert.NoError(t, c.Send(context.Background(), tt.target, &Message{Body: []byte("x")}))

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			req, err := c.Receive(ctx)
			if tt.delivered {
				assert.NoError(t, err)
				assert.Equal(t, tt.target, req.Topic)
			} else {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
		})
	}
}

func TestMemoryConnector_CodecTransfer(t *testing.T) {
	c := NewMemoryConnector(Codec(JsonMarshaler{}))

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test"))

	err := c.Send(context.Background(), "test", &Message{
		Header: map[string]string{"source": "unit"},
		Body:   []byte("hello"),
	})
	assert.NoError(t, err)

	req, err := c.Receive(receiveCtx(t))
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), req.Message.Body)
	assert.Equal(t, "unit", req.Message.Header["source"])
}

func TestMemoryConnector_SubscribeIdempotent(t *testing.T) {
	c := NewMemoryConnector().(*memoryConnector)

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test"))
	assert.NoError(t, c.Subscribe("test"))
	assert.Len(t, c.subs, 1)

	// Unsubscribing a topic that was never subscribed is not an error.
	assert.NoError(t, c.Unsubscribe("other"))

	assert.NoError(t, c.Unsubscribe("test"))
	assert.Len(t, c.subs, 0)
}

func TestMemoryConnector_UnsubscribeStopsDelivery(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test"))
	assert.NoError(t, c.Unsubscribe("test"))

	assert.NoError(t, c.Send(context.Background(), "test", &Message{Body: []byte("x")}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryConnector_ReceiveBlocksUntilSend(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Send(context.Background(), "test", &Message{Body: []byte("late")})
	}()

	req, err := c.Receive(receiveCtx(t))
	assert.NoError(t, err)
	assert.Equal(t, []byte("late"), req.Message.Body)
}

func TestMemoryConnector_DisconnectUnblocksReceive(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())

	errs := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, c.Disconnect())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for receive to unblock")
	}
}

func TestMemoryConnector_CancelUnblocksReceive(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := c.Receive(ctx)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for receive to unblock")
	}
}

func TestMemoryConnector_DisconnectUnblocksSend(t *testing.T) {
	c := NewMemoryConnector()

	assert.NoError(t, c.Connect())
	assert.NoError(t, c.Subscribe("test"))

	// Fill the inbox so the next send blocks.
	for i := 0; i < memoryInboxSize; i++ {
		assert.NoError(t, c.Send(context.Background(), "test", &Message{Body: []byte("x")}))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- c.Send(context.Background(), "test", &Message{Body: []byte("overflow")})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, c.Disconnect())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send to unblock")
	}
}

func TestMemoryConnector_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	c := NewMemoryConnector(Tracer(tracer))

	assert.NoError(t, c.Connect())
	defer c.Disconnect()

	assert.NoError(t, c.Subscribe("test-topic"))
	assert.NoError(t, c.Send(context.Background(), "test-topic", &Message{Body: []byte("hello")}))

	_, err := c.Receive(receiveCtx(t))
	assert.NoError(t, err)

	spans := sr.Ended()
	assert.Len(t, spans, 2)
	assert.Equal(t, "msgbus.send", spans[0].Name())
	assert.Equal(t, "msgbus.receive", spans[1].Name())
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.b", "a.b.c", false},
		{"*", "a", true},
		{"*", "a.b", false},
		{"a.*", "a.b", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"#", "a", true},
		{"#", "a.b.c", true},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#.c", "a.b.c", true},
		{"#.c", "c", true},
		{"a.#.c", "a.c", true},
		{"a.#.c", "a.b.x.c", true},
		{"a.#.c", "a.b.x.d", false},
		{"*.b", "a.b", true},
		{"*.b", "b", false},
	}

	for _, tt := range tests {
		got := MatchTopic(tt.pattern, tt.topic)
		assert.Equal(t, tt.want, got, "MatchTopic(%q, %q)", tt.pattern, tt.topic)
	}
}
