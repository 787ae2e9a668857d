// Package delivery owns the campaign-contact delivery state machine and the
// applier that moves contacts through it.
package delivery

// Status is a campaign contact's delivery status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward statuses. Failed is handled separately.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

// CounterDelta is how much each campaign counter moves for one transition.
type CounterDelta struct {
	Delivered int
	Read      int
	Failed    int
}

// Zero reports whether the delta touches no counter.
func (d CounterDelta) Zero() bool {
	return d.Delivered == 0 && d.Read == 0 && d.Failed == 0
}

// Decision is the outcome of evaluating a transition.
type Decision struct {
	Transition bool
	Reason     string
	Counters   CounterDelta
	// SetDeliveredAt and SetReadAt mark timestamps the transition fills in.
	SetDeliveredAt bool
	SetReadAt      bool
}

// Decide evaluates moving a contact from current to target. Forward statuses
// are monotonic; failed is terminal and wins from any non-terminal state.
func Decide(current, target Status) Decision {
	if current.Terminal() {
		return Decision{Reason: "contact already failed"}
	}
	if target == StatusFailed {
		return Decision{Transition: true, Counters: CounterDelta{Failed: 1}}
	}
	if target.rank() == 0 {
		return Decision{Reason: "unknown target status"}
	}
	if target.rank() <= current.rank() {
		return Decision{Reason: "status not ahead of current"}
	}

	d := Decision{Transition: true}
	// A jump straight to read still counts the skipped delivery.
	if current.rank() < StatusDelivered.rank() && target.rank() >= StatusDelivered.rank() {
		d.Counters.Delivered = 1
		d.SetDeliveredAt = true
	}
	if target == StatusRead {
		d.Counters.Read = 1
		d.SetReadAt = true
	}
	return d
}
