// README: EventFeed contract plus the subscription stream and live-subscription registry shared by transports.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"robotaxi/internal/modules/order"
)

// Feed delivers push events for orders.
type Feed interface {
	// Subscribe opens the long-lived event stream for one order. A second
	// subscribe for the same role and order while the first is live fails
	// with a KindDuplicate fault.
	Subscribe(ctx context.Context, role order.Role, id order.ID) (Subscription, error)
	// QueryOnce waits at most timeout for the order to be matched to a vehicle.
	QueryOnce(ctx context.Context, id order.ID, timeout time.Duration) (order.VehicleRef, error)
}

// Subscription is one live event stream.
type Subscription interface {
	ID() string
	OrderID() order.ID
	// Codes delivers events in arrival order and is closed when the stream ends.
	Codes() <-chan order.EventCode
	// Err reports why the stream ended. Only valid once Codes is closed.
	Err() error
	// Cancel tears the stream down and returns once the transport has released it.
	Cancel()
}

const streamBuffer = 16

type subKey struct {
	role order.Role
	id   order.ID
}

// stream is the Subscription handed out by every transport. The transport
// goroutine owns delivery and must call close exactly once when it exits.
type stream struct {
	id      string
	key     subKey
	codes   chan order.EventCode
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	errOnce sync.Once
	err     error
}

func newStream(parent context.Context, key subKey) *stream {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &stream{
		id:     uuid.NewString(),
		key:    key,
		codes:  make(chan order.EventCode, streamBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *stream) ID() string                    { return s.id }
func (s *stream) OrderID() order.ID             { return s.key.id }
func (s *stream) Codes() <-chan order.EventCode { return s.codes }

func (s *stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *stream) Cancel() {
	s.cancel()
	<-s.done
}

// deliver hands one code to the consumer; false means the stream was cancelled.
func (s *stream) deliver(code order.EventCode) bool {
	select {
	case s.codes <- code:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail records the first terminal error.
func (s *stream) fail(err error) {
	s.errOnce.Do(func() { s.err = err })
}

// close records an abort if nothing else was recorded and releases waiters.
func (s *stream) close() {
	s.fail(newFault(KindAbort, s.key.id, ErrAbort))
	close(s.done)
	close(s.codes)
}

// registry tracks live subscriptions and in-flight match queries so that
// redundant calls surface as duplicates instead of competing on the wire.
type registry struct {
	mu      sync.Mutex
	live    map[subKey]struct{}
	queries map[order.ID]struct{}
}

func newRegistry() *registry {
	return &registry{
		live:    make(map[subKey]struct{}),
		queries: make(map[order.ID]struct{}),
	}
}

func (r *registry) claim(key subKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[key]; ok {
		return newFault(KindDuplicate, key.id, ErrDuplicate)
	}
	r.live[key] = struct{}{}
	return nil
}

func (r *registry) release(key subKey) {
	r.mu.Lock()
	delete(r.live, key)
	r.mu.Unlock()
}

func (r *registry) claimQuery(id order.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queries[id]; ok {
		return newFault(KindDuplicate, id, ErrDuplicate)
	}
	r.queries[id] = struct{}{}
	return nil
}

func (r *registry) releaseQuery(id order.ID) {
	r.mu.Lock()
	delete(r.queries, id)
	r.mu.Unlock()
}
