// README: Rider session: create, bounded matching wait, event handling, cancel/complete, recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"robotaxi/internal/log"
	"robotaxi/internal/metrics"
	"robotaxi/internal/modules/feed"
	"robotaxi/internal/modules/order"
)

// RiderSession tracks the rider's view of one order.
type RiderSession struct {
	c       *core
	timeout time.Duration
}

func NewRider(cfg Config) *RiderSession {
	s := &RiderSession{c: newCore(order.RoleRider, cfg), timeout: cfg.MatchTimeout}
	if s.timeout <= 0 {
		s.timeout = DefaultMatchTimeout
	}
	s.c.handle = s.handle
	return s
}

func (s *RiderSession) State() order.State { return s.c.snapshot() }

// CreateOrder books trip, waits up to the match timeout for a vehicle, and
// starts watching the order. A cancel issued during the wait aborts it; the
// order id is still returned and the cancel finishes the reset.
func (s *RiderSession) CreateOrder(ctx context.Context, trip order.TripWaypoints) (order.ID, error) {
	c := s.c
	if !c.tryAcquire() {
		return "", c.busyErr()
	}
	defer c.release()

	if err := trip.Validate(); err != nil {
		return "", err
	}
	if c.orderID() != "" {
		return "", ErrOrderActive
	}

	// the wait belongs to the session, not the caller: only CancelOrder or
	// Close may cut it short.
	matchCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	c.setAbort(abort)
	defer c.setAbort(nil)

	id, err := c.gw.CreateRiderOrder(ctx, trip)
	if err == nil && id == "" {
		err = order.ErrEmptyResult
	}
	if err != nil {
		c.log.Error().Err(err).Msg("create rider order failed")
		c.notify(LevelError, "", msgCreateFailed)
		return "", err
	}

	c.mu.Lock()
	c.st.OrderID = id
	c.transitionLocked(order.PhaseCreating)
	c.transitionLocked(order.PhaseMatching)
	c.st.Matching = true
	c.mu.Unlock()
	c.log.Info().Str(log.FieldOrderID, string(id)).Dur("timeout", s.timeout).Msg("waiting for match")

	vehicle, err := s.awaitMatch(matchCtx, id)

	c.mu.Lock()
	c.st.Matching = false
	c.mu.Unlock()

	if err != nil {
		return s.matchFailed(ctx, id, err)
	}

	c.mu.Lock()
	c.st.Vehicle = vehicle
	c.st.Detail = &order.Detail{
		OrderID:   id,
		VehicleID: vehicle,
		Trip:      trip,
		Status:    string(order.PhaseConfirmed),
	}
	c.transitionLocked(order.PhaseConfirmed)
	c.mu.Unlock()
	metrics.IncMatchingOutcome("matched")
	c.log.Info().Str(log.FieldOrderID, string(id)).Str(log.FieldVehicle, string(vehicle)).Msg("order matched")
	c.notify(LevelInfo, id, msgConfirmed)

	if err := c.watchOrder(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// awaitMatch runs the single bounded query. Ignorable faults the feed raises
// on its own (a duplicate query, or an abort this session did not issue) do
// not end the wait early: it runs out its own timer and resolves as a timeout.
// Only ctx, cancelled by CancelOrder or Close, cuts it short.
func (s *RiderSession) awaitMatch(ctx context.Context, id order.ID) (order.VehicleRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	deadline := time.Now().Add(s.timeout)
	vehicle, err := s.c.feed.QueryOnce(ctx, id, s.timeout)
	if err == nil && vehicle == "" {
		return "", fmt.Errorf("match for order %s carried no vehicle", id)
	}
	if err == nil {
		return vehicle, nil
	}
	kind := feed.Classify(err)
	if (kind != feed.KindDuplicate && kind != feed.KindAbort) || ctx.Err() != nil {
		return "", err
	}

	metrics.IncFeedFault(string(order.RoleRider), kind.String())
	s.c.log.Debug().
		Str(log.FieldOrderID, string(id)).
		Str(log.FieldFaultKind, kind.String()).
		Msg("match query fault ignored, waiting out timer")
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.C:
		return "", feed.ErrTimeout
	}
}

func (s *RiderSession) matchFailed(ctx context.Context, id order.ID, err error) (order.ID, error) {
	c := s.c
	kind, action := feed.Policy(err, true)
	metrics.IncFeedFault(string(order.RoleRider), kind.String())
	ctx = context.WithoutCancel(ctx)

	switch action {
	case feed.ActionIgnore:
		// reached only through this session's own abort; CancelOrder or
		// Close finishes the order from here.
		metrics.IncMatchingOutcome("aborted")
		c.log.Info().Str(log.FieldOrderID, string(id)).Msg("matching wait aborted")
		return id, nil
	case feed.ActionTimeoutCancel:
		metrics.IncMatchingOutcome("timeout")
		c.log.Warn().Str(log.FieldOrderID, string(id)).Msg("matching timed out")
		if cerr := c.cancelAndReset(ctx, id, msgMatchTimeout); cerr != nil {
			return "", errors.Join(ErrMatchTimeout, cerr)
		}
		return "", ErrMatchTimeout
	}

	metrics.IncMatchingOutcome("failed")
	c.log.Error().Err(err).Str(log.FieldOrderID, string(id)).Msg("matching failed")
	if cerr := c.cancelAndReset(ctx, id, fmt.Sprintf("%s: %v", msgMatchFailed, err)); cerr != nil {
		return "", errors.Join(err, cerr)
	}
	return "", err
}

func (s *RiderSession) handle(w *watch, code order.EventCode) {
	c := s.c
	switch code {
	case order.RiderArrivedPickUp:
		c.record(code, order.PhaseEnRoutePickUp)
		c.notify(LevelInfo, w.orderID, msgVehicleAtPickUp)
	case order.RiderUserPickUp:
		c.record(code, order.PhaseEnRouteDropOff)
		c.notify(LevelInfo, w.orderID, msgPassengerPickedUp)
	case order.RiderArrivedGetOff:
		c.record(code, "")
		c.notify(LevelInfo, w.orderID, msgVehicleAtDropOff)
	case order.RiderAutoComplete:
		c.finish(w, msgAutoCompleted)
	case order.RiderAutoCancel:
		c.finish(w, msgAutoCancelled)
	case order.RiderDriverOrderCanceled:
		c.finish(w, msgCancelledByDriver)
	default:
		c.autoCancel(w, fmt.Sprintf("%s: %s", msgOrderError, order.CodeName(order.RoleRider, code)))
	}
}

// CancelOrder cancels the active order. With no order it succeeds without
// calling the backend.
func (s *RiderSession) CancelOrder(ctx context.Context) error { return s.c.cancelOrder(ctx) }

func (s *RiderSession) CompleteOrder(ctx context.Context) error { return s.c.completeOrder(ctx) }

// RecoverActiveOrder resumes an order already in service at the backend.
func (s *RiderSession) RecoverActiveOrder(ctx context.Context) (order.ID, error) {
	return s.c.recoverOrder(ctx, func(d *order.Detail) {
		detail := *d
		s.c.st.Detail = &detail
		s.c.transitionLocked(order.PhaseConfirmed)
	})
}

// Close stops the matching wait and the subscription. The order itself is
// left alone so it can be recovered later.
func (s *RiderSession) Close() { s.c.close() }
