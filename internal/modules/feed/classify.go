// README: Feed fault taxonomy and the single classifier both sessions use to decide ignore vs cancel.
package feed

import (
	"context"
	"errors"
	"fmt"

	"robotaxi/internal/modules/order"
)

// Kind is the classified shape of a feed fault.
type Kind int

const (
	KindFatal Kind = iota
	KindDuplicate
	KindAbort
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindAbort:
		return "abort"
	case KindTimeout:
		return "timeout"
	}
	return "fatal"
}

var (
	ErrDuplicate = errors.New("duplicate subscription")
	ErrAbort     = errors.New("subscription aborted")
	ErrTimeout   = errors.New("query timed out")
)

// Fault is a feed failure tagged with its kind and the order it concerns.
type Fault struct {
	Kind    Kind
	OrderID order.ID
	Err     error
}

func (f *Fault) Error() string {
	if f.OrderID == "" {
		return fmt.Sprintf("feed %s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("feed %s for order %s: %v", f.Kind, f.OrderID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind Kind, id order.ID, err error) *Fault {
	return &Fault{Kind: kind, OrderID: id, Err: err}
}

// Classify maps a raw feed error to its kind. Unknown shapes are fatal.
func Classify(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrAbort), errors.Is(err, context.Canceled):
		return KindAbort
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindFatal
}

// Action is what a session does about a classified fault.
type Action int

const (
	// ActionIgnore absorbs the fault: no state change, nothing reported.
	ActionIgnore Action = iota
	// ActionCancel cancels the order, resets the session and reports the fault.
	ActionCancel
	// ActionTimeoutCancel is ActionCancel reported as a matching timeout.
	ActionTimeoutCancel
)

// Decide picks the action for kind. A timeout only has its own meaning inside
// a bounded wait; anywhere else it is treated as fatal.
func Decide(kind Kind, bounded bool) Action {
	switch kind {
	case KindDuplicate, KindAbort:
		return ActionIgnore
	case KindTimeout:
		if bounded {
			return ActionTimeoutCancel
		}
	}
	return ActionCancel
}

// Policy classifies err and decides in one step. The returned kind is the
// effective one: a timeout outside a bounded wait comes back as KindFatal.
func Policy(err error, bounded bool) (Kind, Action) {
	kind := Classify(err)
	if kind == KindTimeout && !bounded {
		kind = KindFatal
	}
	return kind, Decide(kind, bounded)
}
