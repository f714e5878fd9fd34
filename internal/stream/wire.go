package stream

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/keelhq/keel/errs"
)

// CloseCodeIdle is the distinguished close code used when the idle watchdog
// kills a silent connection.
const CloseCodeIdle = 4000

const handshakeTimeout = 10 * time.Second

// Conn abstracts one duplex wire connection. Production connections are
// websockets; tests substitute in-memory fakes.
type Conn interface {
	// Read blocks for the next text frame.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error
	// Ping performs a liveness round trip.
	Ping(ctx context.Context) error
	// Close terminates the connection with the given close code.
	Close(code int, reason string) error
}

// Dialer establishes a Conn.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer returns a Dialer for the given URL with the standard
// handshake timeout.
func WebsocketDialer(venue, url string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		if err != nil {
			return nil, errs.New(venue, errs.CodeWebsocket,
				errs.WithMessage("dial "+url),
				errs.WithCause(err))
		}
		conn.SetReadLimit(1 << 22)
		return &wsConn{conn: conn}, nil
	}
}

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}
