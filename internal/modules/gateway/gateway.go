// README: OrderGateway contract (synchronous order backend calls) and its error type.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"robotaxi/internal/modules/order"
)

// Gateway is the order-management backend. Create calls may succeed with an
// empty id; callers treat that as order.ErrEmptyResult.
type Gateway interface {
	CreateRiderOrder(ctx context.Context, trip order.TripWaypoints) (order.ID, error)
	CreateDriverOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (order.ID, error)
	Cancel(ctx context.Context, role order.Role, id order.ID) error
	Complete(ctx context.Context, role order.Role, id order.ID) error
	MarkArrived(ctx context.Context, id order.ID) error
	// FetchActiveOrder returns the caller's in-service order, or nil when there is none.
	FetchActiveOrder(ctx context.Context, role order.Role) (*order.Detail, error)
}

// Operation names used in errors, logs and metrics.
const (
	OpCreateRider  = "create_rider_order"
	OpCreateDriver = "create_driver_order"
	OpCancel       = "cancel"
	OpComplete     = "complete"
	OpMarkArrived  = "mark_arrived"
	OpFetchActive  = "fetch_active_order"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrInvalidState = errors.New("order not in a valid state for this call")
)

// Error is any failed backend call. Status is the HTTP status when the
// backend answered, zero otherwise.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("gateway %s: %s (status %d)", e.Op, e.Message, e.Status)
	case e.Message != "":
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s failed", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	return &Error{Op: op, Err: err}
}
