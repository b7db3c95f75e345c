// README: PGStore integration tests; skipped unless ROBOTAXI_DB_DSN points at a scratch database.
package gateway

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"robotaxi/internal/modules/order"
)

func newTestStore(t *testing.T) *PGStore {
	t.Helper()
	dsn := os.Getenv("ROBOTAXI_DB_DSN")
	if dsn == "" {
		t.Skip("ROBOTAXI_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	// unique owners keep parallel runs apart
	s := NewPGStore(pool, "rider-"+uuid.NewString(), "driver-"+uuid.NewString())
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPGStore_RiderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := s.FetchActiveOrder(ctx, order.RoleRider)
	if err != nil || d != nil {
		t.Fatalf("expected no active order, got %+v, %v", d, err)
	}

	trip := order.TripWaypoints{From: "1", To: "3", MapID: "2020120314"}
	id, err := s.CreateRiderOrder(ctx, trip)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d, err = s.FetchActiveOrder(ctx, order.RoleRider)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d == nil || d.OrderID != id || d.Trip != trip || d.Status != StatusCreated {
		t.Fatalf("unexpected active order %+v", d)
	}

	if err := s.Assign(ctx, id, "veh-7", "", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.Complete(ctx, order.RoleRider, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if d, _ := s.FetchActiveOrder(ctx, order.RoleRider); d != nil {
		t.Fatalf("completed order still active: %+v", d)
	}

	err = s.Cancel(ctx, order.RoleRider, id)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after complete: expected ErrInvalidState, got %v", err)
	}
}

func TestPGStore_DriverLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateDriverOrder(ctx, "e100.carxm.sim", "20190911")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Assign(ctx, id, "", "u-1", "555-0100"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	d, err := s.FetchActiveOrder(ctx, order.RoleDriver)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d.UserID != "u-1" || d.VehicleID != "e100.carxm.sim" || d.Status != StatusMatched {
		t.Fatalf("unexpected detail %+v", d)
	}

	if err := s.PickUp(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pick-up before arrival: expected ErrInvalidState, got %v", err)
	}
	if err := s.MarkArrived(ctx, id); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if err := s.PickUp(ctx, id); err != nil {
		t.Fatalf("pick-up: %v", err)
	}

	d, err = s.FetchActiveOrder(ctx, order.RoleDriver)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d == nil || d.Status != StatusInService {
		t.Fatalf("expected in-service order still active, got %+v", d)
	}
	if err := s.MarkArrived(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("arrived after pick-up: expected ErrInvalidState, got %v", err)
	}
	if err := s.Complete(ctx, order.RoleDriver, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestPGStore_UnknownOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []order.ID{"not-a-uuid", order.ID(uuid.NewString())} {
		if err := s.Cancel(ctx, order.RoleRider, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("cancel %s: expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestPGStore_RejectsBadTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRiderOrder(context.Background(), order.TripWaypoints{From: "1"})
	if !errors.Is(err, order.ErrBadTrip) {
		t.Fatalf("expected ErrBadTrip, got %v", err)
	}
}
