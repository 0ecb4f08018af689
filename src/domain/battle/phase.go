package battle

// Phase is the lifecycle state of a battle.
type Phase string

const (
	PhasePendingInvite Phase = "pending_invite"
	PhaseCountdown     Phase = "countdown"
	PhaseActive        Phase = "active"
	PhaseEnded         Phase = "ended"
	PhaseCancelled     Phase = "cancelled"
)

// transitions lists every forward edge of the phase graph. No phase is revisited.
var transitions = map[Phase][]Phase{
	PhasePendingInvite: {PhaseCountdown, PhaseCancelled},
	PhaseCountdown:     {PhaseActive, PhaseCancelled},
	PhaseActive:        {PhaseEnded},
}

// CanTransition reports whether from -> to is an edge of the phase graph.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether the phase still holds its streams' battle slot.
func (p Phase) Live() bool {
	return p == PhasePendingInvite || p == PhaseCountdown || p == PhaseActive
}

func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseCancelled
}
