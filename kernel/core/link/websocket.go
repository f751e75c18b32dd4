package link

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	writeTimeout            = time.Second
)

// WebSocketLink sends one wire record per binary frame.
type WebSocketLink struct {
	conn   *websocket.Conn
	in     chan frame
	done   chan struct{}
	once   sync.Once
	wmu    sync.Mutex
	logger *utils.Logger
}

type frame struct {
	w   foundation.WireMessage
	err error
}

func newWebSocketLink(conn *websocket.Conn, logger *utils.Logger) *WebSocketLink {
	conn.SetReadLimit(foundation.WIRE_MESSAGE_SIZE)
	l := &WebSocketLink{
		conn:   conn,
		in:     make(chan frame, pipeDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.receiveLoop()
	return l
}

// Dial connects to a link served by Handler.
func Dial(ctx context.Context, url string) (*WebSocketLink, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadBufferSize:   foundation.WIRE_MESSAGE_SIZE * pipeDepth,
		WriteBufferSize:  foundation.WIRE_MESSAGE_SIZE * pipeDepth,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", url, err)
	}
	return newWebSocketLink(conn, utils.DefaultLogger("link").With(utils.String("peer", url))), nil
}

// Handler upgrades each request and hands the resulting link to accept.
func Handler(accept func(*WebSocketLink)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  foundation.WIRE_MESSAGE_SIZE * pipeDepth,
		WriteBufferSize: foundation.WIRE_MESSAGE_SIZE * pipeDepth,
	}
	logger := utils.DefaultLogger("link")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("link upgrade failed", utils.String("remote", r.RemoteAddr), utils.Err(err))
			return
		}
		logger.Info("link accepted", utils.String("remote", r.RemoteAddr))
		accept(newWebSocketLink(conn, logger.With(utils.String("peer", r.RemoteAddr))))
	})
}

func (l *WebSocketLink) Send(ctx context.Context, w foundation.WireMessage) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	var buf [foundation.WIRE_MESSAGE_SIZE]byte
	w.Encode(buf[:])

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.BinaryMessage, buf[:])
}

func (l *WebSocketLink) Recv(ctx context.Context) (foundation.WireMessage, error) {
	select {
	case f, ok := <-l.in:
		if !ok {
			return foundation.WireMessage{}, ErrClosed
		}
		return f.w, f.err
	case <-ctx.Done():
		return foundation.WireMessage{}, ctx.Err()
	}
}

func (l *WebSocketLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wmu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		l.wmu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *WebSocketLink) receiveLoop() {
	defer close(l.in)
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn("link closed unexpectedly", utils.Err(err))
			}
			return
		}
		var f frame
		if kind != websocket.BinaryMessage {
			f.err = fmt.Errorf("%w: message type %d", ErrBadFrame, kind)
		} else if err := f.w.UnmarshalBinary(data); err != nil {
			f.err = fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		select {
		case l.in <- f:
		case <-l.done:
			return
		}
	}
}
