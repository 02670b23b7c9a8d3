package advisory

import "tripmate/internal/trip/model"

// Priority ranks candidate messages; a lower value wins arbitration.
type Priority int

const (
	PriorityArriveAtCurrentStop Priority = iota
	PriorityArriveAtOtherStop
	PriorityCompleteForm
	PrioritySelectStopToNavigate
	PriorityNextStopAddress
)

// PriorityNone is returned by Arbitrate when nothing was dispatched.
const PriorityNone Priority = -1

func (p Priority) String() string {
	switch p {
	case PriorityArriveAtCurrentStop:
		return "arrive_at_current_stop"
	case PriorityArriveAtOtherStop:
		return "arrive_at_other_stop"
	case PriorityCompleteForm:
		return "complete_form"
	case PrioritySelectStopToNavigate:
		return "select_stop_to_navigate"
	case PriorityNextStopAddress:
		return "next_stop_address"
	}
	return "none"
}

// ArrivalClass reports whether the priority is one of the two arrival levels.
func (p Priority) ArrivalClass() bool {
	return p == PriorityArriveAtCurrentStop || p == PriorityArriveAtOtherStop
}

// SingletonClass reports whether at most one message of this priority may
// exist in the queue at a time.
func (p Priority) SingletonClass() bool {
	return p == PriorityCompleteForm || p == PrioritySelectStopToNavigate || p == PriorityNextStopAddress
}

// Message is a candidate advisory message competing for the display panel.
type Message struct {
	MessageID         int64
	Text              string
	Priority          Priority
	StopIDs           []int
	Anchor            model.GeoPoint
	LocationAtEnqueue model.GeoPoint

	// RequiresDecision marks arrival prompts that wait for a driver
	// yes/no; those run the auto-dismiss countdown after dispatch.
	RequiresDecision bool
	// NegativeGuf marks prompts whose countdown expiry counts as an
	// automatic negative acknowledgment.
	NegativeGuf bool
}

func (m Message) sameArrival(other Message) bool {
	return m.MessageID == other.MessageID && m.Text == other.Text && m.Priority == other.Priority
}
