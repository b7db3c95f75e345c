// README: Canonical field names for structured logging.
package log

const (
	FieldComponent = "component"
	FieldRequestID = "request_id"

	FieldRole      = "role"
	FieldOrderID   = "order_id"
	FieldVehicle   = "vehicle"
	FieldEventCode = "event_code"
	FieldOldPhase  = "old_phase"
	FieldNewPhase  = "new_phase"
	FieldFaultKind = "fault_kind"
	FieldOp        = "op"

	FieldMethod   = "method"
	FieldPath     = "path"
	FieldStatus   = "status"
	FieldDuration = "duration"
)
