// README: OrderGateway backed by PostgreSQL for running without the remote order backend.
package gateway

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"robotaxi/internal/metrics"
	"robotaxi/internal/modules/order"
)

//go:embed schema.sql
var schemaSQL string

// Row statuses kept by PGStore.
const (
	StatusCreated       = "created"
	StatusMatched       = "matched"
	StatusArrivedPickUp = "arrived_pickup"
	StatusInService     = "in_service"
	StatusCompleted     = "completed"
	StatusCancelled     = "cancelled"
)

var activeStatuses = []string{StatusCreated, StatusMatched, StatusArrivedPickUp, StatusInService}

type PGStore struct {
	db       *pgxpool.Pool
	riderID  string
	driverID string
}

func NewPGStore(db *pgxpool.Pool, riderID, driverID string) *PGStore {
	return &PGStore{db: db, riderID: riderID, driverID: driverID}
}

// Migrate creates the orders table if it does not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func (s *PGStore) CreateRiderOrder(ctx context.Context, trip order.TripWaypoints) (id order.ID, err error) {
	defer observe(OpCreateRider, time.Now(), &err)
	if err := trip.Validate(); err != nil {
		return "", &Error{Op: OpCreateRider, Message: err.Error(), Err: err}
	}
	id = order.ID(uuid.NewString())
	_, err = s.db.Exec(ctx, `
		INSERT INTO robotaxi_orders (id, role, owner_id, trip_from, trip_to, map_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(id), string(order.RoleRider), s.riderID,
		trip.From, trip.To, trip.MapID, StatusCreated,
	)
	if err != nil {
		return "", opError(OpCreateRider, err)
	}
	return id, nil
}

func (s *PGStore) CreateDriverOrder(ctx context.Context, vehicle order.VehicleRef, mapID string) (id order.ID, err error) {
	defer observe(OpCreateDriver, time.Now(), &err)
	id = order.ID(uuid.NewString())
	_, err = s.db.Exec(ctx, `
		INSERT INTO robotaxi_orders (id, role, owner_id, vehicle_id, map_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(id), string(order.RoleDriver), s.driverID,
		string(vehicle), mapID, StatusCreated,
	)
	if err != nil {
		return "", opError(OpCreateDriver, err)
	}
	return id, nil
}

func (s *PGStore) Cancel(ctx context.Context, role order.Role, id order.ID) (err error) {
	defer observe(OpCancel, time.Now(), &err)
	return s.finish(ctx, OpCancel, role, id, StatusCancelled)
}

func (s *PGStore) Complete(ctx context.Context, role order.Role, id order.ID) (err error) {
	defer observe(OpComplete, time.Now(), &err)
	return s.finish(ctx, OpComplete, role, id, StatusCompleted)
}

func (s *PGStore) MarkArrived(ctx context.Context, id order.ID) (err error) {
	defer observe(OpMarkArrived, time.Now(), &err)
	if !validID(id) {
		return notFound(OpMarkArrived)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE robotaxi_orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND role = $3 AND status IN ($4, $5)`,
		StatusArrivedPickUp, string(id), string(order.RoleDriver), StatusCreated, StatusMatched,
	)
	if err != nil {
		return opError(OpMarkArrived, err)
	}
	if tag.RowsAffected() != 1 {
		return s.missing(ctx, OpMarkArrived, order.RoleDriver, id)
	}
	return nil
}

// PickUp moves an order whose vehicle has reached the pick-up point into
// service. Local tools call it when the passenger boards.
func (s *PGStore) PickUp(ctx context.Context, id order.ID) error {
	if !validID(id) {
		return notFound("pick_up")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE robotaxi_orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		StatusInService, string(id), StatusArrivedPickUp,
	)
	if err != nil {
		return opError("pick_up", err)
	}
	if tag.RowsAffected() != 1 {
		return &Error{Op: "pick_up", Message: ErrInvalidState.Error(), Err: ErrInvalidState}
	}
	return nil
}

func (s *PGStore) FetchActiveOrder(ctx context.Context, role order.Role) (d *order.Detail, err error) {
	defer observe(OpFetchActive, time.Now(), &err)
	row := s.db.QueryRow(ctx, `
		SELECT id::text, vehicle_id, user_id, user_phone, trip_from, trip_to, map_id, status
		FROM robotaxi_orders
		WHERE role = $1 AND owner_id = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`,
		string(role), s.owner(role), activeStatuses,
	)

	var detail order.Detail
	err = row.Scan(
		&detail.OrderID, &detail.VehicleID, &detail.UserID, &detail.UserPhone,
		&detail.Trip.From, &detail.Trip.To, &detail.Trip.MapID, &detail.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, opError(OpFetchActive, err)
	}
	return &detail, nil
}

// Assign records the vehicle and passenger serving an order. It is how a
// local matcher hands a rider order to a vehicle and tells the driver who
// booked it.
func (s *PGStore) Assign(ctx context.Context, id order.ID, vehicle order.VehicleRef, userID, userPhone string) error {
	if !validID(id) {
		return notFound("assign")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE robotaxi_orders
		SET vehicle_id = COALESCE(NULLIF($1, ''), vehicle_id),
		    user_id = $2,
		    user_phone = $3,
		    status = $4,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		string(vehicle), userID, userPhone, StatusMatched, string(id), StatusCreated,
	)
	if err != nil {
		return opError("assign", err)
	}
	if tag.RowsAffected() != 1 {
		return &Error{Op: "assign", Message: ErrInvalidState.Error(), Err: ErrInvalidState}
	}
	return nil
}

func (s *PGStore) finish(ctx context.Context, op string, role order.Role, id order.ID, to string) error {
	if !validID(id) {
		return notFound(op)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE robotaxi_orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND role = $3 AND status = ANY($4)`,
		to, string(id), string(role), activeStatuses,
	)
	if err != nil {
		return opError(op, err)
	}
	if tag.RowsAffected() != 1 {
		return s.missing(ctx, op, role, id)
	}
	return nil
}

// missing tells "no such order" apart from "order in the wrong state".
func (s *PGStore) missing(ctx context.Context, op string, role order.Role, id order.ID) error {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM robotaxi_orders WHERE id = $1 AND role = $2)`,
		string(id), string(role),
	).Scan(&exists)
	if err != nil {
		return opError(op, err)
	}
	if !exists {
		return notFound(op)
	}
	return &Error{Op: op, Message: ErrInvalidState.Error(), Err: ErrInvalidState}
}

func validID(id order.ID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

func notFound(op string) error {
	return &Error{Op: op, Message: ErrNotFound.Error(), Err: ErrNotFound}
}

func (s *PGStore) owner(role order.Role) string {
	if role == order.RoleDriver {
		return s.driverID
	}
	return s.riderID
}

func observe(op string, start time.Time, err *error) {
	metrics.ObserveGatewayCall(op, start, *err)
}

var _ Gateway = (*PGStore)(nil)
