// README: Order model tests (transition table, code sets, derived actions).
package order

import "testing"

// TestCanTransition verifies the per-role transition tables.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		role     Role
		from, to Phase
		want     bool
	}{
		// rider happy path
		{RoleRider, PhaseIdle, PhaseCreating, true},
		{RoleRider, PhaseCreating, PhaseMatching, true},
		{RoleRider, PhaseMatching, PhaseConfirmed, true},
		{RoleRider, PhaseConfirmed, PhaseEnRoutePickUp, true},
		{RoleRider, PhaseEnRoutePickUp, PhaseEnRouteDropOff, true},
		{RoleRider, PhaseConfirmed, PhaseEnRouteDropOff, true},
		// recovery adopts a confirmed order
		{RoleRider, PhaseIdle, PhaseConfirmed, true},
		// terminal reset from anywhere
		{RoleRider, PhaseMatching, PhaseIdle, true},
		{RoleRider, PhaseEnRouteDropOff, PhaseIdle, true},
		// invalid
		{RoleRider, PhaseIdle, PhaseIdle, false},
		{RoleRider, PhaseIdle, PhaseMatching, false},
		{RoleRider, PhaseEnRouteDropOff, PhaseEnRoutePickUp, false},
		{RoleRider, PhaseCreating, PhaseCreated, false},
		// driver
		{RoleDriver, PhaseIdle, PhaseCreated, true},
		{RoleDriver, PhaseCreated, PhaseInProgress, true},
		{RoleDriver, PhaseIdle, PhaseInProgress, true},
		{RoleDriver, PhaseInProgress, PhaseIdle, true},
		{RoleDriver, PhaseIdle, PhaseMatching, false},
		{RoleDriver, PhaseInProgress, PhaseCreated, false},
		// unknown role
		{Role("fleet"), PhaseIdle, PhaseCreated, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.role, tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.role, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestKnownCodesAreRoleScoped(t *testing.T) {
	if !Known(RoleDriver, DriverUserOrderNotCompleted) {
		t.Fatal("driver code 7 should be known to the driver")
	}
	if Known(RoleRider, DriverUserOrderNotCompleted) {
		t.Fatal("driver code 7 must not be known to the rider")
	}
	if Known(RoleRider, CodeNone) || Known(RoleDriver, 0) {
		t.Fatal("sentinel and zero codes are not events")
	}
	if got := CodeName(RoleRider, 3); got != "user_pick_up" {
		t.Fatalf("CodeName(rider, 3) = %q", got)
	}
	if got := CodeName(RoleDriver, 1); got != "user_order_confirmed" {
		t.Fatalf("CodeName(driver, 1) = %q", got)
	}
	if got := CodeName(RoleRider, 42); got != "unrecognized(42)" {
		t.Fatalf("CodeName(rider, 42) = %q", got)
	}
}

func TestRiderActions(t *testing.T) {
	s := NewState(RoleRider)
	a := s.Actions()
	if !a.CanCreate || a.CanCancel || a.CanComplete {
		t.Fatalf("idle rider actions: %+v", a)
	}

	s.OrderID = "order-42"
	a = s.Actions()
	if a.CanCreate || !a.CanCancel || a.CanComplete {
		t.Fatalf("active rider actions: %+v", a)
	}

	s.LastEvent = RiderUserPickUp
	if s.Actions().CanCancel {
		t.Fatal("rider cannot cancel once picked up")
	}

	s.LastEvent = RiderArrivedGetOff
	a = s.Actions()
	if !a.CanComplete || a.CanCancel {
		t.Fatalf("rider at drop-off actions: %+v", a)
	}

	s.Busy = true
	if s.Actions() != (Actions{}) {
		t.Fatal("busy session offers no actions")
	}
}

func TestDriverActions(t *testing.T) {
	s := NewState(RoleDriver)
	s.OrderID = "order-7"

	if !s.Actions().CanCancel {
		t.Fatal("created driver order can be cancelled")
	}

	s.LastEvent = DriverUserOrderConfirmed
	if a := s.Actions(); !a.CanArrivePickUp || !a.CanCancel {
		t.Fatalf("confirmed driver actions: %+v", a)
	}

	s.LastEvent = DriverArrivedPickUp
	if a := s.Actions(); !a.CanPickUp || a.CanCancel {
		t.Fatalf("arrived driver actions: %+v", a)
	}

	s.LastEvent = DriverUserPickUp
	if a := s.Actions(); !a.CanComplete || a.CanCancel {
		t.Fatalf("picked-up driver actions: %+v", a)
	}

	s.LastEvent = DriverUserOrderNotCompleted
	if s.Actions().CanCancel {
		t.Fatal("driver cannot cancel a not-completed order")
	}
}

func TestStateCloneCopiesDetail(t *testing.T) {
	s := NewState(RoleDriver)
	s.Detail = &Detail{OrderID: "order-7", UserID: "u1"}
	c := s.Clone()
	c.Detail.UserID = "u2"
	if s.Detail.UserID != "u1" {
		t.Fatal("clone must not alias detail")
	}
}

func TestTripValidate(t *testing.T) {
	if err := (TripWaypoints{From: "1", To: "3", MapID: "2020120314"}).Validate(); err != nil {
		t.Fatalf("valid trip: %v", err)
	}
	if err := (TripWaypoints{From: "1", MapID: "2020120314"}).Validate(); err != ErrBadTrip {
		t.Fatalf("missing destination: got %v", err)
	}
}
