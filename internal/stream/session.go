package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/schema"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultSendBuffer   = 64

	// Venues throttle control messages; pace subscribe/unsubscribe writes.
	controlFramesPerSecond = 4
)

// Protocol is the per-venue seam the session delegates wire encoding to.
type Protocol interface {
	// AuthFrame builds the authentication handshake frame. Sessions that do
	// not authenticate return (nil, nil).
	AuthFrame() ([]byte, error)
	// SubscribeFrame encodes a subscribe control message for the topics.
	SubscribeFrame(subs []schema.Subscription) ([]byte, error)
	// UnsubscribeFrame encodes an unsubscribe control message for the topics.
	UnsubscribeFrame(subs []schema.Subscription) ([]byte, error)
	// ParseFrame normalizes one inbound frame into domain events. Heartbeat
	// acks and connection notices return (nil, nil) and are consumed silently.
	ParseFrame(frame []byte) ([]bus.Event, error)
}

// SessionConfig tunes one stream session.
type SessionConfig struct {
	Venue        string
	Private      bool
	PingInterval time.Duration
	IdleTimeout  time.Duration
	SendBuffer   int
	Reconnect    ReconnectConfig
}

func (c SessionConfig) normalize() SessionConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Session is one long-lived duplex stream connection: it authenticates,
// tracks subscriptions for replay, detects idle connections, and dispatches
// inbound frames through the venue protocol.
//
// Exactly one reader goroutine drains the connection; all outbound frames are
// serialized through a single sender goroutine.
type Session struct {
	cfg    SessionConfig
	dial   Dialer
	proto  Protocol
	events *bus.Bus
	log    zerolog.Logger

	subsMu sync.Mutex
	subs   map[string]schema.Subscription

	connMu sync.Mutex
	conn   Conn
	sendQ  chan []byte

	pacer     *rate.Limiter
	lastFrame atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	ready  chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewSession constructs a session; Connect starts it.
func NewSession(cfg SessionConfig, dial Dialer, proto Protocol, events *bus.Bus, log zerolog.Logger) *Session {
	cfg = cfg.normalize()
	return &Session{
		cfg:    cfg,
		dial:   dial,
		proto:  proto,
		events: events,
		log:    log.With().Str("venue", cfg.Venue).Bool("private", cfg.Private).Logger(),
		subs:   make(map[string]schema.Subscription),
		pacer:  rate.NewLimiter(rate.Limit(controlFramesPerSecond), 1),
		ready:  make(chan struct{}),
	}
}

// Connect starts the session loop and waits for the first successful
// connection (bounded by the handshake timeout).
func (s *Session) Connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(func() { s.run() })

	select {
	case <-s.ready:
		return nil
	case <-time.After(handshakeTimeout):
		return errs.New(s.cfg.Venue, errs.CodeWebsocket, errs.WithMessage("timeout waiting for stream connection"))
	case <-s.ctx.Done():
		return errs.New(s.cfg.Venue, errs.CodeWebsocket, errs.WithMessage("session cancelled"), errs.WithCause(s.ctx.Err()))
	}
}

// Subscribe records the subscription and sends the venue subscribe message.
// Re-subscribing an already recorded key is a no-op.
func (s *Session) Subscribe(sub schema.Subscription) error {
	key := sub.Key()
	s.subsMu.Lock()
	if _, exists := s.subs[key]; exists {
		s.subsMu.Unlock()
		return nil
	}
	s.subs[key] = sub
	s.subsMu.Unlock()

	frame, err := s.proto.SubscribeFrame([]schema.Subscription{sub})
	if err != nil {
		return err
	}
	if frame != nil {
		s.enqueue(frame)
	}
	s.publish(bus.Event{Venue: s.cfg.Venue, Symbol: sub.Symbol, Type: bus.EventSubscribed, Payload: bus.SubscribedPayload{Subscription: sub}})
	return nil
}

// Unsubscribe removes the subscription and sends the venue unsubscribe message.
func (s *Session) Unsubscribe(sub schema.Subscription) error {
	key := sub.Key()
	s.subsMu.Lock()
	if _, exists := s.subs[key]; !exists {
		s.subsMu.Unlock()
		return nil
	}
	delete(s.subs, key)
	s.subsMu.Unlock()

	frame, err := s.proto.UnsubscribeFrame([]schema.Subscription{sub})
	if err != nil {
		return err
	}
	if frame != nil {
		s.enqueue(frame)
	}
	return nil
}

// Subscriptions snapshots the recorded subscription set.
func (s *Session) Subscriptions() []schema.Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	out := make([]schema.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Close terminates the session: the reader and sender stop, pending pings are
// cancelled, and no further reconnects are attempted.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(1000, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

func (s *Session) run() {
	recon := NewReconnector(s.cfg.Reconnect, s.cfg.Venue, s.events)

	for {
		if s.ctx.Err() != nil || s.closed.Load() {
			return
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			s.surfaceError(err)
			if waitErr := recon.Wait(s.ctx); waitErr != nil {
				s.terminal(waitErr)
				return
			}
			continue
		}

		if err := s.handshake(conn); err != nil {
			s.surfaceError(err)
			_ = conn.Close(1002, "handshake failed")
			if waitErr := recon.Wait(s.ctx); waitErr != nil {
				s.terminal(waitErr)
				return
			}
			continue
		}

		// Replay recorded subscriptions exactly once before resuming dispatch.
		if err := s.replay(conn); err != nil {
			s.surfaceError(err)
			_ = conn.Close(1002, "replay failed")
			if waitErr := recon.Wait(s.ctx); waitErr != nil {
				s.terminal(waitErr)
				return
			}
			continue
		}

		recon.Connected()
		s.once.Do(func() { close(s.ready) })
		s.publish(bus.Event{Venue: s.cfg.Venue, Type: bus.EventConnected})

		s.pump(conn)

		s.publish(bus.Event{Venue: s.cfg.Venue, Type: bus.EventDisconnected})
		if s.ctx.Err() != nil || s.closed.Load() {
			return
		}
		if waitErr := recon.Wait(s.ctx); waitErr != nil {
			s.terminal(waitErr)
			return
		}
	}
}

func (s *Session) handshake(conn Conn) error {
	if !s.cfg.Private {
		return nil
	}
	frame, err := s.proto.AuthFrame()
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return errs.New(s.cfg.Venue, errs.CodeAuthentication,
			errs.WithMessage("auth handshake write failed"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) replay(conn Conn) error {
	subs := s.Subscriptions()
	if len(subs) == 0 {
		return nil
	}
	frame, err := s.proto.SubscribeFrame(subs)
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()
	return conn.Write(writeCtx, frame)
}

// pump runs the reader in the current goroutine plus one sender and one
// liveness goroutine, returning once the connection dies.
func (s *Session) pump(conn Conn) {
	connCtx, cancelConn := context.WithCancel(s.ctx)
	defer cancelConn()

	sendQ := make(chan []byte, s.cfg.SendBuffer)
	s.connMu.Lock()
	s.conn = conn
	s.sendQ = sendQ
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.sendQ = nil
		s.connMu.Unlock()
	}()

	s.lastFrame.Store(time.Now().UnixNano())

	var pumpWG conc.WaitGroup
	pumpWG.Go(func() { s.sender(connCtx, conn, sendQ) })
	pumpWG.Go(func() { s.liveness(connCtx, conn) })

	s.reader(connCtx, conn)

	cancelConn()
	_ = conn.Close(1000, "")
	pumpWG.Wait()
}

func (s *Session) reader(ctx context.Context, conn Conn) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.surfaceError(errs.New(s.cfg.Venue, errs.CodeWebsocket,
					errs.WithMessage("stream read failed"), errs.WithCause(err)))
			}
			return
		}
		s.lastFrame.Store(time.Now().UnixNano())

		events, err := s.proto.ParseFrame(frame)
		if err != nil {
			// Parse failures surface as events without terminating the reader.
			s.surfaceError(err)
			continue
		}
		for _, evt := range events {
			s.publish(evt)
		}
	}
}

func (s *Session) sender(ctx context.Context, conn Conn, sendQ <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sendQ:
			if !ok {
				return
			}
			if err := s.pacer.Wait(ctx); err != nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.surfaceError(errs.New(s.cfg.Venue, errs.CodeWebsocket,
						errs.WithMessage("stream write failed"), errs.WithCause(err)))
				}
				return
			}
		}
	}
}

func (s *Session) liveness(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastFrame.Load()))
			if idle >= s.cfg.IdleTimeout {
				s.log.Warn().Dur("idle", idle).Msg("idle threshold exceeded, forcing close")
				_ = conn.Close(CloseCodeIdle, "idle timeout")
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				s.lastFrame.Store(time.Now().UnixNano())
			}
		}
	}
}

func (s *Session) enqueue(frame []byte) {
	s.connMu.Lock()
	sendQ := s.sendQ
	s.connMu.Unlock()
	if sendQ == nil {
		// Not connected: the recorded subscription will be replayed on connect.
		return
	}
	select {
	case sendQ <- frame:
	default:
		s.log.Warn().Msg("send queue full, dropping control frame")
	}
}

func (s *Session) surfaceError(err error) {
	if err == nil {
		return
	}
	s.log.Debug().Err(err).Msg("stream error")
	s.publish(bus.Event{Venue: s.cfg.Venue, Type: bus.EventError, Payload: bus.ErrorPayload{Err: err}})
}

func (s *Session) terminal(err error) {
	s.surfaceError(err)
	s.log.Error().Err(err).Msg("stream session stopped")
}

func (s *Session) publish(evt bus.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(evt)
}
