// README: Trip order identifiers, waypoints, and detail shared by rider and driver sessions.
package order

import (
	"errors"
	"fmt"
)

// ID identifies one trip order. The empty ID means "no active order".
type ID string

// VehicleRef identifies the vehicle serving an order.
type VehicleRef string

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRider, RoleDriver:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// TripWaypoints is the origin/destination pair a rider books against a map version.
type TripWaypoints struct {
	From  string
	To    string
	MapID string
}

func (t TripWaypoints) Validate() error {
	if t.From == "" || t.To == "" || t.MapID == "" {
		return ErrBadTrip
	}
	return nil
}

// Detail is the in-service view of an order as reported by the backend.
type Detail struct {
	OrderID   ID
	VehicleID VehicleRef
	UserID    string
	UserPhone string
	Trip      TripWaypoints
	Status    string
}

var (
	// ErrEmptyResult is returned when the backend accepts a create call but hands back no order id.
	ErrEmptyResult = errors.New("order id is empty")
	ErrBadTrip     = errors.New("trip needs from, to and map id")
)
