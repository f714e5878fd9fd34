package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/schema"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
	code    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-c.inbound:
		if !ok {
			return nil, errors.New("connection reset")
		}
		return frame, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.code = code
	close(c.inbound)
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// forceDisconnect simulates the peer dropping the connection.
func (c *fakeConn) forceDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.inbound)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type controlFrame struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

type fakeProtocol struct {
	private bool
}

func (p *fakeProtocol) AuthFrame() ([]byte, error) {
	if !p.private {
		return nil, nil
	}
	return []byte(`{"op":"auth"}`), nil
}

func (p *fakeProtocol) SubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.Channel+"/"+sub.Symbol)
	}
	return json.Marshal(controlFrame{Op: "subscribe", Topics: topics})
}

func (p *fakeProtocol) UnsubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, sub.Channel+"/"+sub.Symbol)
	}
	return json.Marshal(controlFrame{Op: "unsubscribe", Topics: topics})
}

func (p *fakeProtocol) ParseFrame(frame []byte) ([]bus.Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, err
	}
	if _, heartbeat := payload["pong"]; heartbeat {
		return nil, nil
	}
	return []bus.Event{{Venue: "fake", Type: bus.EventTicker, Payload: payload}}, nil
}

func newTestSession(t *testing.T, dialer *fakeDialer, proto Protocol, events *bus.Bus, private bool) *Session {
	t.Helper()
	cfg := SessionConfig{
		Venue:   "fake",
		Private: private,
		Reconnect: ReconnectConfig{
			Base:        20 * time.Millisecond,
			Cap:         100 * time.Millisecond,
			MaxAttempts: 10,
		},
	}
	return NewSession(cfg, dialer.dial, proto, events, zerolog.Nop())
}

func decodeFrames(t *testing.T, frames [][]byte) []controlFrame {
	t.Helper()
	out := make([]controlFrame, 0, len(frames))
	for _, raw := range frames {
		var f controlFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func TestSessionReconnectReplaysSubscriptions(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Subscribe(schema.Subscription{Channel: "ticker", Symbol: "BTC/USDT:USDT"}))
	require.NoError(t, sess.Subscribe(schema.Subscription{Channel: "kline", Symbol: "ETH/USDT:USDT", Params: map[string]string{"interval": "1m"}}))
	// Duplicate subscribe is a recorded no-op.
	require.NoError(t, sess.Subscribe(schema.Subscription{Channel: "ticker", Symbol: "BTC/USDT:USDT"}))
	require.Len(t, sess.Subscriptions(), 2)

	dialer.conn(0).forceDisconnect()

	require.Eventually(t, func() bool { return dialer.count() >= 2 }, 1500*time.Millisecond, 10*time.Millisecond,
		"session must reconnect within the backoff bound")

	conn2 := dialer.conn(1)
	require.Eventually(t, func() bool { return len(conn2.frames()) >= 1 }, time.Second, 10*time.Millisecond)

	replayed := decodeFrames(t, conn2.frames())[0]
	require.Equal(t, "subscribe", replayed.Op)
	require.ElementsMatch(t, []string{"ticker/BTC/USDT:USDT", "kline/ETH/USDT:USDT"}, replayed.Topics)

	// No duplicate subscription entries survive the reconnect.
	require.Len(t, sess.Subscriptions(), 2)
}

func TestPrivateSessionAuthenticatesBeforeReplay(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{private: true}, events, true)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Subscribe(schema.Subscription{Channel: "order", IsPrivate: true}))

	dialer.conn(0).forceDisconnect()
	require.Eventually(t, func() bool { return dialer.count() >= 2 }, 1500*time.Millisecond, 10*time.Millisecond)

	conn2 := dialer.conn(1)
	require.Eventually(t, func() bool { return len(conn2.frames()) >= 2 }, time.Second, 10*time.Millisecond)

	frames := conn2.frames()
	require.JSONEq(t, `{"op":"auth"}`, string(frames[0]), "auth frame precedes replay")
	require.Equal(t, "subscribe", decodeFrames(t, frames[1:])[0].Op)
}

func TestSessionDispatchesParsedEvents(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	_, tickers := events.Subscribe(bus.EventTicker)

	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	dialer.conn(0).inbound <- []byte(`{"last":"50000"}`)

	select {
	case evt := <-tickers:
		require.Equal(t, bus.EventTicker, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("parsed event not dispatched")
	}
}

func TestSessionConsumesHeartbeatsSilently(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	_, tickers := events.Subscribe(bus.EventTicker)

	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	dialer.conn(0).inbound <- []byte(`{"pong":1}`)
	dialer.conn(0).inbound <- []byte(`{"last":"1"}`)

	select {
	case evt := <-tickers:
		payload := evt.Payload.(map[string]any)
		_, isPong := payload["pong"]
		require.False(t, isPong, "heartbeat must be consumed silently")
	case <-time.After(time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestSessionParseErrorSurfacesWithoutTerminating(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	_, errCh := events.Subscribe(bus.EventError)
	_, tickers := events.Subscribe(bus.EventTicker)

	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	dialer.conn(0).inbound <- []byte(`not json`)
	dialer.conn(0).inbound <- []byte(`{"last":"2"}`)

	select {
	case evt := <-errCh:
		require.Equal(t, bus.EventError, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("parse error not surfaced")
	}

	select {
	case <-tickers:
	case <-time.After(time.Second):
		t.Fatal("reader terminated after parse error")
	}
}

func TestSessionCloseStopsReconnecting(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)

	require.NoError(t, sess.Connect(context.Background()))
	sess.Close()

	dials := dialer.count()
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, dials, dialer.count(), "closed session must not redial")
}

func TestSubscriptionLifecycleEvents(t *testing.T) {
	events := bus.New(64)
	defer events.Close()
	_, subscribed := events.Subscribe(bus.EventSubscribed)

	dialer := &fakeDialer{}
	sess := newTestSession(t, dialer, &fakeProtocol{}, events, false)
	defer sess.Close()

	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Subscribe(schema.Subscription{Channel: "trade", Symbol: "BTC/USDT:USDT"}))

	select {
	case evt := <-subscribed:
		payload := evt.Payload.(bus.SubscribedPayload)
		require.Equal(t, "trade", payload.Subscription.Channel)
	case <-time.After(time.Second):
		t.Fatal("subscribed event not emitted")
	}

	require.NoError(t, sess.Unsubscribe(schema.Subscription{Channel: "trade", Symbol: "BTC/USDT:USDT"}))
	require.Empty(t, sess.Subscriptions())
}
