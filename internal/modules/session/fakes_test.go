// README: In-memory gateway, feed and notice sink used by the session tests.
package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
)

type fakeGateway struct {
	mu sync.Mutex

	createID  order.ID
	createErr error
	// createGate, when set, blocks create calls until closed.
	createGate chan struct{}

	cancelErr   error
	completeErr error
	arrivedErr  error
	active      *order.Detail
	activeErr   error

	creates   int
	cancels   []order.ID
	completes []order.ID
	arrived   []order.ID
	fetches   int
}

func (g *fakeGateway) create(ctx context.Context) (order.ID, error) {
	g.mu.Lock()
	g.creates++
	gate := g.createGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createID, g.createErr
}

func (g *fakeGateway) CreateRiderOrder(ctx context.Context, _ order.TripWaypoints) (order.ID, error) {
	return g.create(ctx)
}

func (g *fakeGateway) CreateDriverOrder(ctx context.Context, _ order.VehicleRef, _ string) (order.ID, error) {
	return g.create(ctx)
}

func (g *fakeGateway) Cancel(_ context.Context, _ order.Role, id order.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, id)
	return g.cancelErr
}

func (g *fakeGateway) Complete(_ context.Context, _ order.Role, id order.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completes = append(g.completes, id)
	return g.completeErr
}

func (g *fakeGateway) MarkArrived(_ context.Context, id order.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.arrived = append(g.arrived, id)
	return g.arrivedErr
}

func (g *fakeGateway) FetchActiveOrder(_ context.Context, _ order.Role) (*order.Detail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.active == nil {
		return nil, g.activeErr
	}
	d := *g.active
	return &d, g.activeErr
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) counts() (creates, cancels, completes, arrived, fetches int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, len(g.cancels), len(g.completes), len(g.arrived), g.fetches
}

type fakeSub struct {
	id      string
	orderID order.ID
	codes   chan order.EventCode

	mu      sync.Mutex
	cancels int
	closed  bool
	err     error
}

func (s *fakeSub) ID() string                    { return s.id }
func (s *fakeSub) OrderID() order.ID             { return s.orderID }
func (s *fakeSub) Codes() <-chan order.EventCode { return s.codes }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	s.endLocked(&feed.Fault{Kind: feed.KindAbort, OrderID: s.orderID, Err: feed.ErrAbort})
}

func (s *fakeSub) push(codes ...order.EventCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, c := range codes {
		s.codes <- c
	}
}

// fail ends the stream as the transport would.
func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *fakeSub) endLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.codes)
}

func (s *fakeSub) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

type fakeFeed struct {
	mu        sync.Mutex
	subs      []*fakeSub
	subErr    error
	queries   int
	queryFunc func(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error)
}

func (f *fakeFeed) Subscribe(_ context.Context, _ order.Role, id order.ID) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &fakeSub{
		id:      fmt.Sprintf("sub-%d", len(f.subs)+1),
		orderID: id,
		codes:   make(chan order.EventCode, 16),
	}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) QueryOnce(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error) {
	f.mu.Lock()
	f.queries++
	fn := f.queryFunc
	f.mu.Unlock()
	if fn == nil {
		return "", &feed.Fault{Kind: feed.KindTimeout, OrderID: id, Err: feed.ErrTimeout}
	}
	return fn(ctx, id, timeout)
}

func (f *fakeFeed) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeFeed) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func matchWith(v order.VehicleRef) func(context.Context, order.ID, time.Duration) (order.VehicleRef, error) {
	return func(context.Context, order.ID, time.Duration) (order.VehicleRef, error) { return v, nil }
}

// blockUntilDone waits like a real query that is never matched.
func blockUntilDone(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error) {
	select {
	case <-ctx.Done():
		return "", &feed.Fault{Kind: feed.KindAbort, OrderID: id, Err: feed.ErrAbort}
	case <-time.After(timeout):
		return "", &feed.Fault{Kind: feed.KindTimeout, OrderID: id, Err: feed.ErrTimeout}
	}
}

type noticeLog struct {
	mu   sync.Mutex
	list []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, n)
}

func (l *noticeLog) all() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice(nil), l.list...)
}

func (l *noticeLog) has(level Level, msg string) bool {
	for _, n := range l.all() {
		if n.Level == level && n.Message == msg {
			return true
		}
	}
	return false
}

type harness struct {
	gw      *fakeGateway
	feed    *fakeFeed
	notices *noticeLog
}

func newHarness() *harness {
	return &harness{gw: &fakeGateway{}, feed: &fakeFeed{}, notices: &noticeLog{}}
}

func (h *harness) config() Config {
	return Config{Gateway: h.gw, Feed: h.feed, Notify: h.notices.add, MatchTimeout: time.Second}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

var (
	_ gateway.Gateway = (*fakeGateway)(nil)
	_ feed.Feed       = (*fakeFeed)(nil)
)
