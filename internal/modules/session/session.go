// README: Shared session machinery: busy guard, state ownership, subscription lifecycle, and notices.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"robotaxi/internal/log"
	"robotaxi/internal/metrics"
	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/gateway"
	"robotaxi/internal/modules/order"
)

// DefaultMatchTimeout bounds the rider's wait for a vehicle assignment.
const DefaultMatchTimeout = 30 * time.Second

var (
	ErrBusy         = errors.New("another request is in progress for this session")
	ErrMatchTimeout = errors.New("matching timed out")
	ErrOrderActive  = errors.New("an order is already active")
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is one user-visible message about an order.
type Notice struct {
	Role    order.Role `json:"role"`
	OrderID order.ID   `json:"order_id,omitempty"`
	Level   Level      `json:"level"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// User-visible messages.
const (
	msgCreateFailed       = "order creation failed"
	msgConfirmed          = "order confirmed"
	msgMatchTimeout       = "matching timed out"
	msgMatchFailed        = "matching failed"
	msgAutoCompleted      = "auto-completed"
	msgAutoCancelled      = "auto-cancelled"
	msgCancelledByDriver  = "order cancelled by driver"
	msgCancelledByRider   = "order cancelled by passenger"
	msgOrderReceived      = "order received"
	msgVehicleAtPickUp    = "vehicle arrived at pick-up point"
	msgVehicleAtDropOff   = "vehicle arrived at drop-off point"
	msgPassengerPickedUp  = "passenger picked up"
	msgOrderError         = "order error"
	msgCancelled          = "order cancelled"
	msgCompleted          = "order completed"
	msgArrivedAtPickUp    = "arrived at pick-up point"
	msgRecovered          = "resumed order in progress"
	msgDetailFetchMissing = "order detail unavailable"
)

// Config wires a session to its collaborators.
type Config struct {
	Gateway gateway.Gateway
	Feed    feed.Feed
	// Notify receives every notice. It must not block.
	Notify func(Notice)
	// MatchTimeout applies to riders only; zero means DefaultMatchTimeout.
	MatchTimeout time.Duration
}

// core is the role-independent half of a session. All state lives behind mu;
// busy is a one-slot semaphore held for the whole of an intent or an
// event-driven gateway call.
type core struct {
	role     order.Role
	gw       gateway.Gateway
	feed     feed.Feed
	notifyFn func(Notice)
	log      zerolog.Logger
	handle   func(w *watch, code order.EventCode)

	busy chan struct{}

	mu    sync.Mutex
	st    order.State
	sub   *watch
	abort context.CancelFunc
}

func newCore(role order.Role, cfg Config) *core {
	return &core{
		role:     role,
		gw:       cfg.Gateway,
		feed:     cfg.Feed,
		notifyFn: cfg.Notify,
		log:      log.WithComponent("session").With().Str(log.FieldRole, string(role)).Logger(),
		busy:     make(chan struct{}, 1),
		st:       order.NewState(role),
	}
}

// watch is one live subscription and the goroutine consuming it.
type watch struct {
	orderID order.ID
	sub     feed.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	done    chan struct{}
}

// stop cancels the subscription. Safe to call more than once and from the
// consumer itself.
func (w *watch) stop() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Cancel()
	})
}

func (c *core) tryAcquire() bool {
	select {
	case c.busy <- struct{}{}:
		c.setBusy(true)
		return true
	default:
		return false
	}
}

// acquire waits for the busy slot and gives up when ctx ends.
func (c *core) acquire(ctx context.Context) bool {
	select {
	case c.busy <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if ctx.Err() != nil {
		<-c.busy
		return false
	}
	c.setBusy(true)
	return true
}

func (c *core) release() {
	c.setBusy(false)
	<-c.busy
}

func (c *core) busyErr() error {
	metrics.IncBusyRejection(string(c.role))
	c.log.Debug().Msg("intent rejected, session busy")
	return ErrBusy
}

func (c *core) setBusy(v bool) {
	c.mu.Lock()
	c.st.Busy = v
	c.mu.Unlock()
}

func (c *core) snapshot() order.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Clone()
}

func (c *core) orderID() order.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.OrderID
}

func (c *core) phase() order.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Phase
}

func (c *core) isCurrent(w *watch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub == w
}

func (c *core) setAbort(fn context.CancelFunc) {
	c.mu.Lock()
	c.abort = fn
	c.mu.Unlock()
}

func (c *core) pendingAbort() context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort
}

// transitionLocked moves to phase to if the table allows it. Caller holds mu.
func (c *core) transitionLocked(to order.Phase) bool {
	from := c.st.Phase
	if from == to {
		return true
	}
	if !order.CanTransition(c.role, from, to) {
		c.log.Warn().
			Str(log.FieldOrderID, string(c.st.OrderID)).
			Str(log.FieldOldPhase, string(from)).
			Str(log.FieldNewPhase, string(to)).
			Msg("transition not allowed")
		return false
	}
	c.st.Phase = to
	metrics.IncTransition(string(c.role), string(to))
	c.log.Debug().
		Str(log.FieldOrderID, string(c.st.OrderID)).
		Str(log.FieldOldPhase, string(from)).
		Str(log.FieldNewPhase, string(to)).
		Msg("session transition")
	return true
}

// record stores code as the last event and, if phase is set, moves there.
func (c *core) record(code order.EventCode, phase order.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.LastEvent = code
	if phase != "" {
		c.transitionLocked(phase)
	}
}

// reset returns the session to idle and tears down the subscription,
// waiting for its consumer unless the caller is that consumer.
func (c *core) resetFrom(self *watch) {
	c.mu.Lock()
	w := c.sub
	c.sub = nil
	prev := c.st
	busy := c.st.Busy
	c.st = order.NewState(c.role)
	c.st.Busy = busy
	c.mu.Unlock()

	if prev.Phase != order.PhaseIdle {
		metrics.IncTransition(string(c.role), string(order.PhaseIdle))
		c.log.Info().
			Str(log.FieldOrderID, string(prev.OrderID)).
			Str(log.FieldOldPhase, string(prev.Phase)).
			Msg("session reset")
	}
	if w != nil {
		w.stop()
		if w != self {
			<-w.done
		}
	}
}

func (c *core) reset() { c.resetFrom(nil) }

// dropWatch cancels and awaits the current subscription, keeping state.
func (c *core) dropWatch() {
	c.mu.Lock()
	w := c.sub
	c.sub = nil
	c.mu.Unlock()
	if w != nil {
		w.stop()
		<-w.done
	}
}

// openWatch replaces any prior subscription with one for id.
func (c *core) openWatch(ctx context.Context, id order.ID) error {
	c.dropWatch()
	sub, err := c.feed.Subscribe(ctx, c.role, id)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		orderID: id,
		sub:     sub,
		ctx:     wctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.sub = w
	c.mu.Unlock()

	c.log.Debug().
		Str(log.FieldOrderID, string(id)).
		Str("subscription", sub.ID()).
		Msg("watching order")
	go c.consume(w)
	return nil
}

// watchOrder opens the subscription for id. Ignorable faults leave the
// session as it is; anything else cancels the order and resets.
func (c *core) watchOrder(ctx context.Context, id order.ID) error {
	err := c.openWatch(ctx, id)
	if err == nil {
		return nil
	}
	kind, action := feed.Policy(err, false)
	metrics.IncFeedFault(string(c.role), kind.String())
	if action == feed.ActionIgnore {
		c.log.Debug().Err(err).Str(log.FieldFaultKind, kind.String()).Msg("subscribe fault ignored")
		return nil
	}
	c.log.Error().Err(err).Str(log.FieldOrderID, string(id)).Msg("subscribe failed")
	if cerr := c.cancelAndReset(context.WithoutCancel(ctx), id, err.Error()); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// consume handles codes one at a time in arrival order.
func (c *core) consume(w *watch) {
	defer close(w.done)
	for code := range w.sub.Codes() {
		if w.ctx.Err() != nil || !c.isCurrent(w) {
			return
		}
		name := order.CodeName(c.role, code)
		metrics.IncEvent(string(c.role), name)
		c.log.Info().
			Str(log.FieldOrderID, string(w.orderID)).
			Int(log.FieldEventCode, int(code)).
			Str("event", name).
			Msg("order event")
		c.handle(w, code)
	}
	if w.ctx.Err() != nil || !c.isCurrent(w) {
		return
	}

	err := w.sub.Err()
	kind, action := feed.Policy(err, false)
	metrics.IncFeedFault(string(c.role), kind.String())
	if action == feed.ActionIgnore {
		c.log.Debug().Err(err).Str(log.FieldFaultKind, kind.String()).Msg("feed fault ignored")
		return
	}
	c.log.Error().Err(err).Str(log.FieldOrderID, string(w.orderID)).Msg("event stream failed")
	msg := msgOrderError
	if err != nil {
		msg = err.Error()
	}
	c.autoCancel(w, msg)
}

// finish is the terminal path for codes that end the order on the backend.
func (c *core) finish(w *watch, msg string) {
	c.resetFrom(w)
	c.notify(LevelInfo, w.orderID, msg)
}

// autoCancel cancels w's order after a fatal condition on its stream. It
// waits for the busy slot but gives up if the subscription goes away.
func (c *core) autoCancel(w *watch, reason string) {
	if !c.acquire(w.ctx) {
		return
	}
	defer c.release()
	if !c.isCurrent(w) {
		return
	}
	err := c.gw.Cancel(w.ctx, c.role, w.orderID)
	c.resetFrom(w)
	if err != nil {
		c.log.Error().Err(err).Str(log.FieldOrderID, string(w.orderID)).Msg("auto-cancel failed")
		c.notify(LevelError, w.orderID, fmt.Sprintf("%s (cancel failed: %v)", reason, err))
		return
	}
	c.notify(LevelError, w.orderID, reason)
}

// cancelAndReset is autoCancel for callers that already hold busy. The
// session resets whether or not the backend accepted the cancel.
func (c *core) cancelAndReset(ctx context.Context, id order.ID, reason string) error {
	err := c.gw.Cancel(ctx, c.role, id)
	c.reset()
	if err != nil {
		c.notify(LevelError, id, fmt.Sprintf("%s (cancel failed: %v)", reason, err))
		return err
	}
	c.notify(LevelError, id, reason)
	return nil
}

func (c *core) cancelOrder(ctx context.Context) error {
	if !c.tryAcquire() {
		abort := c.pendingAbort()
		if abort == nil {
			return c.busyErr()
		}
		abort()
		if !c.acquire(ctx) {
			return ctx.Err()
		}
	}
	defer c.release()

	id := c.orderID()
	if id == "" {
		return nil
	}
	if err := c.gw.Cancel(ctx, c.role, id); err != nil {
		c.notify(LevelError, id, err.Error())
		return err
	}
	c.reset()
	c.notify(LevelInfo, id, msgCancelled)
	return nil
}

func (c *core) completeOrder(ctx context.Context) error {
	if !c.tryAcquire() {
		return c.busyErr()
	}
	defer c.release()

	id := c.orderID()
	if id == "" {
		return nil
	}
	if err := c.gw.Complete(ctx, c.role, id); err != nil {
		c.notify(LevelError, id, err.Error())
		return err
	}
	c.reset()
	c.notify(LevelInfo, id, msgCompleted)
	return nil
}

// recoverOrder adopts the backend's in-service order, if any, and resumes
// watching it. adopt runs with mu held.
func (c *core) recoverOrder(ctx context.Context, adopt func(d *order.Detail)) (order.ID, error) {
	if !c.tryAcquire() {
		return "", c.busyErr()
	}
	defer c.release()

	if id := c.orderID(); id != "" {
		return id, nil
	}
	d, err := c.gw.FetchActiveOrder(ctx, c.role)
	if err != nil {
		return "", err
	}
	if d == nil || d.OrderID == "" {
		return "", nil
	}

	c.mu.Lock()
	c.st.OrderID = d.OrderID
	c.st.Vehicle = d.VehicleID
	adopt(d)
	c.mu.Unlock()

	c.log.Info().Str(log.FieldOrderID, string(d.OrderID)).Msg("recovered active order")
	c.notify(LevelInfo, d.OrderID, msgRecovered)
	if err := c.watchOrder(ctx, d.OrderID); err != nil {
		return "", err
	}
	return d.OrderID, nil
}

// close aborts a pending matching wait and tears down the subscription
// without touching the backend.
func (c *core) close() {
	c.mu.Lock()
	abort := c.abort
	w := c.sub
	c.sub = nil
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
	if w != nil {
		w.stop()
		<-w.done
	}
}

func (c *core) notify(level Level, id order.ID, msg string) {
	n := Notice{Role: c.role, OrderID: id, Level: level, Message: msg, At: time.Now()}
	metrics.IncNotice(string(c.role), string(level))
	ev := c.log.Info()
	if level == LevelError {
		ev = c.log.Warn()
	}
	ev.Str(log.FieldOrderID, string(id)).Str("notice", msg).Msg("notice")
	if c.notifyFn != nil {
		c.notifyFn(n)
	}
}
