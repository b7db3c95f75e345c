// README: Push event codes per role and their user-visible names.
package order

import "strconv"

// EventCode is a lifecycle signal pushed for a subscribed order. The same
// numeric value means different things to the rider and the driver, so a code
// is only meaningful together with the role whose subscription delivered it.
type EventCode int

// CodeNone marks that no event has been received for the current order.
const CodeNone EventCode = -1

// Rider subscription codes.
const (
	RiderArrivedPickUp EventCode = iota + 1
	RiderArrivedGetOff
	RiderUserPickUp
	RiderAutoComplete
	RiderAutoCancel
	RiderDriverOrderCanceled
)

// Driver subscription codes.
const (
	DriverUserOrderConfirmed EventCode = iota + 1
	DriverArrivedPickUp
	DriverUserPickUp
	DriverAutoComplete
	DriverAutoCancel
	DriverUserOrderCanceled
	DriverUserOrderNotCompleted
)

var riderCodeNames = map[EventCode]string{
	RiderArrivedPickUp:       "arrived_pick_up",
	RiderArrivedGetOff:       "arrived_get_off",
	RiderUserPickUp:          "user_pick_up",
	RiderAutoComplete:        "auto_complete",
	RiderAutoCancel:          "auto_cancel",
	RiderDriverOrderCanceled: "driver_order_canceled",
}

var driverCodeNames = map[EventCode]string{
	DriverUserOrderConfirmed:    "user_order_confirmed",
	DriverArrivedPickUp:         "arrived_pick_up",
	DriverUserPickUp:            "user_pick_up",
	DriverAutoComplete:          "auto_complete",
	DriverAutoCancel:            "auto_cancel",
	DriverUserOrderCanceled:     "user_order_canceled",
	DriverUserOrderNotCompleted: "user_order_not_completed",
}

// Known reports whether code belongs to the role's code set.
func Known(role Role, code EventCode) bool {
	switch role {
	case RoleRider:
		_, ok := riderCodeNames[code]
		return ok
	case RoleDriver:
		_, ok := driverCodeNames[code]
		return ok
	}
	return false
}

// CodeName renders code against the role's code set.
func CodeName(role Role, code EventCode) string {
	if code == CodeNone {
		return "none"
	}
	var names map[EventCode]string
	switch role {
	case RoleRider:
		names = riderCodeNames
	case RoleDriver:
		names = driverCodeNames
	}
	if n, ok := names[code]; ok {
		return n
	}
	return "unrecognized(" + strconv.Itoa(int(code)) + ")"
}
