package order

import "fmt"

// State is an order lifecycle state. The zero value is StatePendingPayment;
// the integer value of each state is what the orders.status column stores.
type State uint8

const (
	StatePendingPayment State = iota
	StatePaid
	StateConfirmed
	StateShipped
	StateCompleted
	StateCancelled
)

// String returns the canonical upper-snake name of the state.
func (s State) String() string {
	switch s {
	case StatePendingPayment:
		return "PENDING_PAYMENT"
	case StatePaid:
		return "PAID"
	case StateConfirmed:
		return "CONFIRMED"
	case StateShipped:
		return "SHIPPED"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Event is a lifecycle trigger applied to an order state.
type Event uint8

const (
	EventPay Event = iota
	EventConfirm
	EventShip
	EventReceive
	EventCancel
)

// String returns the canonical name of the event.
func (e Event) String() string {
	switch e {
	case EventPay:
		return "PAY"
	case EventConfirm:
		return "CONFIRM"
	case EventShip:
		return "SHIP"
	case EventReceive:
		return "RECEIVE"
	case EventCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// transitions is the single source of truth for transition legality:
// current state -> legal event -> next state. Every non-terminal state
// admits CANCEL; terminal states admit nothing.
var transitions = map[State]map[Event]State{
	StatePendingPayment: {EventPay: StatePaid, EventCancel: StateCancelled},
	StatePaid:           {EventConfirm: StateConfirmed, EventCancel: StateCancelled},
	StateConfirmed:      {EventShip: StateShipped, EventCancel: StateCancelled},
	StateShipped:        {EventReceive: StateCompleted, EventCancel: StateCancelled},
	StateCompleted:      {},
	StateCancelled:      {},
}

// IllegalTransitionError reports an event that is not legal in the current
// state.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: state %s does not allow %s", e.From, e.Event)
}

// Transition returns the state reached by applying event to from. It is a
// pure function with no I/O; storage-level guards must agree with it.
func Transition(from State, event Event) (State, error) {
	next, ok := transitions[from][event]
	if !ok {
		return from, &IllegalTransitionError{From: from, Event: event}
	}
	return next, nil
}
