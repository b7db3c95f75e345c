// README: Session phases, the per-role transition table, and the session state snapshot.
package order

type Phase string

const (
	PhaseIdle Phase = "idle"

	// rider
	PhaseCreating       Phase = "creating"
	PhaseMatching       Phase = "matching"
	PhaseConfirmed      Phase = "confirmed"
	PhaseEnRoutePickUp  Phase = "enroute_pickup"
	PhaseEnRouteDropOff Phase = "enroute_dropoff"

	// driver
	PhaseCreated    Phase = "created"
	PhaseInProgress Phase = "in_progress"
)

// AllowedTransitions represents each role's session flow as code. Every
// non-idle phase may also fall back to idle; that is the terminal reset.
var AllowedTransitions = map[Role]map[Phase][]Phase{
	RoleRider: {
		PhaseIdle:           {PhaseCreating, PhaseConfirmed},
		PhaseCreating:       {PhaseMatching},
		PhaseMatching:       {PhaseConfirmed},
		PhaseConfirmed:      {PhaseEnRoutePickUp, PhaseEnRouteDropOff},
		PhaseEnRoutePickUp:  {PhaseEnRouteDropOff},
		PhaseEnRouteDropOff: {},
	},
	RoleDriver: {
		PhaseIdle:       {PhaseCreated, PhaseInProgress},
		PhaseCreated:    {PhaseInProgress},
		PhaseInProgress: {},
	},
}

func CanTransition(role Role, from, to Phase) bool {
	table, ok := AllowedTransitions[role]
	if !ok {
		return false
	}
	next, ok := table[from]
	if !ok {
		return false
	}
	if to == PhaseIdle && from != PhaseIdle {
		return true
	}
	for _, p := range next {
		if p == to {
			return true
		}
	}
	return false
}

// State is a point-in-time copy of a session. Zero OrderID means idle.
type State struct {
	Role      Role
	OrderID   ID
	Vehicle   VehicleRef
	LastEvent EventCode
	Detail    *Detail
	Matching  bool
	Phase     Phase
	Busy      bool
}

// NewState returns the idle state for role.
func NewState(role Role) State {
	return State{Role: role, LastEvent: CodeNone, Phase: PhaseIdle}
}

// Clone returns a copy that shares nothing with s.
func (s State) Clone() State {
	if s.Detail != nil {
		d := *s.Detail
		s.Detail = &d
	}
	return s
}

// Actions lists which intents make sense for the presentation layer to offer.
type Actions struct {
	CanCreate       bool `json:"can_create"`
	CanCancel       bool `json:"can_cancel"`
	CanComplete     bool `json:"can_complete"`
	CanArrivePickUp bool `json:"can_arrive_pick_up"`
	CanPickUp       bool `json:"can_pick_up"`
}

func (s State) Actions() Actions {
	var a Actions
	active := s.OrderID != ""
	a.CanCreate = !active
	switch s.Role {
	case RoleRider:
		a.CanComplete = s.LastEvent == RiderArrivedGetOff
		a.CanCancel = active &&
			s.LastEvent != RiderArrivedGetOff &&
			s.LastEvent != RiderUserPickUp
	case RoleDriver:
		a.CanArrivePickUp = s.LastEvent == DriverUserOrderConfirmed
		a.CanPickUp = s.LastEvent == DriverArrivedPickUp
		a.CanComplete = s.LastEvent == DriverUserPickUp
		a.CanCancel = active &&
			s.LastEvent != DriverArrivedPickUp &&
			s.LastEvent != DriverUserPickUp &&
			s.LastEvent != DriverUserOrderNotCompleted
	}
	if s.Busy {
		a = Actions{}
	}
	return a
}
