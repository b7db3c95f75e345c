// README: Driver session: create, event handling with lazy detail fetch, arrived/cancel/complete, recovery.
package session

import (
	"context"
	"fmt"

	"robotaxi/internal/log"
	"robotaxi/internal/modules/order"
)

// DriverSession tracks the driver's view of one order. There is no matching
// wait: the order is watched as soon as it exists.
type DriverSession struct {
	c *core
}

func NewDriver(cfg Config) *DriverSession {
	s := &DriverSession{c: newCore(order.RoleDriver, cfg)}
	s.c.handle = s.handle
	return s
}

func (s *DriverSession) State() order.State { return s.c.snapshot() }

func (s *DriverSession) CreateOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (order.ID, error) {
	c := s.c
	if !c.tryAcquire() {
		return "", c.busyErr()
	}
	defer c.release()

	if c.orderID() != "" {
		return "", ErrOrderActive
	}

	id, err := c.gw.CreateDriverOrder(ctx, vehicle, mapID)
	if err == nil && id == "" {
		err = order.ErrEmptyResult
	}
	if err != nil {
		c.log.Error().Err(err).Str(log.FieldVehicle, string(vehicle)).Msg("create driver order failed")
		c.notify(LevelError, "", msgCreateFailed)
		return "", err
	}

	c.mu.Lock()
	c.st.OrderID = id
	c.st.Vehicle = vehicle
	c.transitionLocked(order.PhaseCreated)
	c.mu.Unlock()
	c.log.Info().Str(log.FieldOrderID, string(id)).Str(log.FieldVehicle, string(vehicle)).Msg("driver order created")

	if err := c.watchOrder(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DriverSession) handle(w *watch, code order.EventCode) {
	c := s.c
	switch code {
	case order.DriverUserOrderConfirmed:
		c.record(code, order.PhaseInProgress)
		c.notify(LevelInfo, w.orderID, msgOrderReceived)
		s.attachDetail(w)
	case order.DriverArrivedPickUp:
		c.record(code, "")
		c.notify(LevelInfo, w.orderID, msgVehicleAtPickUp)
	case order.DriverUserPickUp:
		c.record(code, "")
		c.notify(LevelInfo, w.orderID, msgPassengerPickedUp)
	case order.DriverAutoComplete:
		c.finish(w, msgAutoCompleted)
	case order.DriverAutoCancel:
		c.finish(w, msgAutoCancelled)
	case order.DriverUserOrderCanceled:
		c.finish(w, msgCancelledByRider)
	default:
		// includes UserOrderNotCompleted
		c.autoCancel(w, fmt.Sprintf("%s: %s", msgOrderError, order.CodeName(order.RoleDriver, code)))
	}
}

// attachDetail fetches the in-service order once the passenger confirms.
// The push payload carries only the code.
func (s *DriverSession) attachDetail(w *watch) {
	c := s.c
	if !c.acquire(w.ctx) {
		return
	}
	defer c.release()
	if !c.isCurrent(w) {
		return
	}

	d, err := c.gw.FetchActiveOrder(w.ctx, order.RoleDriver)
	if err != nil {
		if w.ctx.Err() == nil {
			c.notify(LevelError, w.orderID, err.Error())
		}
		return
	}
	if d == nil || (d.OrderID != "" && d.OrderID != w.orderID) {
		c.log.Warn().Str(log.FieldOrderID, string(w.orderID)).Msg("active order does not match watched order")
		c.notify(LevelError, w.orderID, msgDetailFetchMissing)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != w || c.st.Detail != nil {
		return
	}
	detail := *d
	detail.OrderID = w.orderID
	c.st.Detail = &detail
}

// ArrivedPickUp reports arrival at the pick-up point. It does nothing unless
// an order is in progress.
func (s *DriverSession) ArrivedPickUp(ctx context.Context) error {
	c := s.c
	if !c.tryAcquire() {
		return c.busyErr()
	}
	defer c.release()

	id := c.orderID()
	if id == "" || c.phase() != order.PhaseInProgress {
		return nil
	}
	if err := c.gw.MarkArrived(ctx, id); err != nil {
		c.notify(LevelError, id, err.Error())
		return err
	}
	c.notify(LevelInfo, id, msgArrivedAtPickUp)
	return nil
}

func (s *DriverSession) CancelOrder(ctx context.Context) error { return s.c.cancelOrder(ctx) }

func (s *DriverSession) CompleteOrder(ctx context.Context) error { return s.c.completeOrder(ctx) }

// RecoverActiveOrder resumes an order already in service at the backend. An
// order with a passenger attached resumes in progress.
func (s *DriverSession) RecoverActiveOrder(ctx context.Context) (order.ID, error) {
	return s.c.recoverOrder(ctx, func(d *order.Detail) {
		if d.UserID == "" {
			s.c.transitionLocked(order.PhaseCreated)
			return
		}
		detail := *d
		s.c.st.Detail = &detail
		s.c.transitionLocked(order.PhaseInProgress)
	})
}

func (s *DriverSession) Close() { s.c.close() }
