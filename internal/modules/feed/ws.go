// README: Event feed over websocket, one connection per subscription or match query.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/order"
)

// Wire message types exchanged with the push server.
const (
	MsgEvent   = "event"
	MsgMatched = "matched"
	MsgError   = "error"
)

// WireMessage is the JSON frame the push server sends.
type WireMessage struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

const wsCloseGrace = time.Second

type WSFeed struct {
	base   string
	dialer *websocket.Dialer
	header http.Header
	reg    *registry
	log    zerolog.Logger
}

// NewWSFeed targets a push server at base, e.g. ws://127.0.0.1:8080/order/ws.
func NewWSFeed(base string, header http.Header) *WSFeed {
	return &WSFeed{
		base: strings.TrimRight(base, "/"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		header: header,
		reg:    newRegistry(),
		log:    log.WithComponent("feed.ws"),
	}
}

func (f *WSFeed) Subscribe(ctx context.Context, role order.Role, id order.ID) (Subscription, error) {
	if id == "" {
		return nil, newFault(KindFatal, id, errors.New("subscribe without order id"))
	}
	key := subKey{role: role, id: id}
	if err := f.reg.claim(key); err != nil {
		return nil, err
	}

	conn, err := f.dial(ctx, "/"+string(role)+"/events", id)
	if err != nil {
		f.reg.release(key)
		return nil, err
	}

	s := newStream(ctx, key)
	go f.pump(s, conn)
	f.log.Debug().
		Str(log.FieldRole, string(role)).
		Str(log.FieldOrderID, string(id)).
		Str("subscription", s.id).
		Msg("subscribed to order events")
	return s, nil
}

func (f *WSFeed) pump(s *stream, conn *websocket.Conn) {
	defer s.close()
	defer f.reg.release(s.key)

	stop := closeOnDone(s.ctx, conn)
	defer stop()

	for {
		var msg WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if s.ctx.Err() == nil {
				s.fail(newFault(KindFatal, s.key.id, fmt.Errorf("read event: %w", err)))
			}
			return
		}
		switch msg.Type {
		case MsgEvent:
			if !s.deliver(order.EventCode(msg.Code)) {
				return
			}
		case MsgError:
			s.fail(wireFault(s.key.id, msg))
			return
		default:
			f.log.Debug().Str("type", msg.Type).Msg("ignoring unexpected frame on event stream")
		}
	}
}

func (f *WSFeed) QueryOnce(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error) {
	if err := f.reg.claimQuery(id); err != nil {
		return "", err
	}
	defer f.reg.releaseQuery(id)

	conn, err := f.dial(ctx, "/match", id)
	if err != nil {
		return "", err
	}
	stop := closeOnDone(ctx, conn)
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", newFault(KindFatal, id, err)
	}
	for {
		var msg WireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.DeadlineExceeded) {
					return "", newFault(KindTimeout, id, ErrTimeout)
				}
				return "", newFault(KindAbort, id, ErrAbort)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", newFault(KindTimeout, id, ErrTimeout)
			}
			return "", newFault(KindFatal, id, fmt.Errorf("read match: %w", err))
		}
		switch msg.Type {
		case MsgMatched:
			if msg.Vehicle == "" {
				return "", newFault(KindFatal, id, errors.New("match without vehicle"))
			}
			return order.VehicleRef(msg.Vehicle), nil
		case MsgError:
			return "", wireFault(id, msg)
		}
	}
}

func (f *WSFeed) dial(ctx context.Context, path string, id order.ID) (*websocket.Conn, error) {
	u, err := url.Parse(f.base + path)
	if err != nil {
		return nil, newFault(KindFatal, id, err)
	}
	q := u.Query()
	q.Set("order_id", string(id))
	u.RawQuery = q.Encode()

	conn, resp, err := f.dialer.DialContext(ctx, u.String(), f.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, newFault(KindDuplicate, id, ErrDuplicate)
		}
		return nil, newFault(KindFatal, id, fmt.Errorf("dial %s: %w", u.Redacted(), err))
	}
	return conn, nil
}

// closeOnDone closes conn when ctx ends so a blocked read returns. The
// returned func stops the watcher.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsCloseGrace))
		case <-quit:
		}
		_ = conn.Close()
	}()
	return func() {
		close(quit)
		<-exited
	}
}

func wireFault(id order.ID, msg WireMessage) *Fault {
	switch msg.Reason {
	case "duplicate":
		return newFault(KindDuplicate, id, ErrDuplicate)
	case "abort":
		return newFault(KindAbort, id, ErrAbort)
	case "timeout":
		return newFault(KindTimeout, id, ErrTimeout)
	}
	text := msg.Message
	if text == "" {
		text = "push server error"
	}
	return newFault(KindFatal, id, errors.New(text))
}

var _ Feed = (*WSFeed)(nil)
