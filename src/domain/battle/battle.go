package battle

import (
	"slices"
	"time"

	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

// Side identifies one half of a battle. Side A is always the challenger.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

func (s Side) Validate() error {
	if s != SideA && s != SideB {
		return ErrInvalidSide
	}
	return nil
}

func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// EndReason explains how an ACTIVE battle reached ENDED.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonManual    EndReason = "manual"
	ReasonForfeit   EndReason = "forfeit"
)

// Participants names both sides of a battle.
type Participants struct {
	StreamA shared.StreamID
	StreamB shared.StreamID
	UserA   shared.UserID
	UserB   shared.UserID
	// CohostStream is the optional multi-participant stream on the opponent side.
	CohostStream shared.StreamID
}

func (p Participants) Validate() error {
	if err := p.StreamA.Validate(); err != nil {
		return err
	}
	if err := p.StreamB.Validate(); err != nil {
		return err
	}
	if err := p.UserA.Validate(); err != nil {
		return err
	}
	if err := p.UserB.Validate(); err != nil {
		return err
	}
	if p.StreamA == p.StreamB {
		return ErrSameStream
	}
	return nil
}

// Battle aggregate is the authoritative record of one PK battle. It is mutated only by the
// battle state machine, which serializes access per battle.
type Battle struct {
	ID           shared.BattleID
	InvitationID shared.InvitationID
	Participants
	Phase Phase
	Rules Rules

	InviteSentAt time.Time
	CreatedAt    time.Time
	StartedAt    time.Time
	EndsAt       time.Time
	EndedAt      time.Time
	UpdatedAt    time.Time

	ScoreA    int64
	ScoreB    int64
	WinnerID  shared.UserID
	Draw      bool
	EndReason EndReason

	// Sources are the score source ids already counted in ScoreA and ScoreB as of the last
	// checkpoint. A restored battle uses them to keep rejecting redelivered events.
	Sources []shared.SourceID
}

// NewBattle creates a battle in COUNTDOWN. Battles are only created once the handshake is settled.
func NewBattle(id shared.BattleID, p Participants, rules Rules, inviteSentAt, now time.Time) (*Battle, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if inviteSentAt.IsZero() {
		inviteSentAt = now
	}
	return &Battle{
		ID:           id,
		Participants: p,
		Phase:        PhaseCountdown,
		Rules:        rules,
		InviteSentAt: inviteSentAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (b *Battle) transition(to Phase, now time.Time) error {
	if !CanTransition(b.Phase, to) {
		return ErrInvalidTransition
	}
	b.Phase = to
	b.UpdatedAt = now
	return nil
}

// Activate moves COUNTDOWN to ACTIVE and fixes the end deadline.
func (b *Battle) Activate(now time.Time) error {
	if err := b.transition(PhaseActive, now); err != nil {
		return err
	}
	b.StartedAt = now
	b.EndsAt = now.Add(b.Rules.Duration())
	b.ScoreA, b.ScoreB = 0, 0
	return nil
}

// Cancel moves a battle that never started to CANCELLED.
func (b *Battle) Cancel(now time.Time) error {
	if err := b.transition(PhaseCancelled, now); err != nil {
		return err
	}
	b.EndedAt = now
	return nil
}

// ObserveScores records the latest aggregated totals. Scores never decrease.
func (b *Battle) ObserveScores(scoreA, scoreB int64) {
	if b.Phase != PhaseActive {
		return
	}
	b.raiseScores(scoreA, scoreB)
}

// Checkpoint folds the live totals and their applied sources into an ACTIVE battle.
func (b *Battle) Checkpoint(now time.Time, scoreA, scoreB int64, sources []shared.SourceID) {
	if b.Phase != PhaseActive {
		return
	}
	b.raiseScores(scoreA, scoreB)
	b.Sources = sources
	b.UpdatedAt = now
}

func (b *Battle) raiseScores(scoreA, scoreB int64) {
	if scoreA > b.ScoreA {
		b.ScoreA = scoreA
	}
	if scoreB > b.ScoreB {
		b.ScoreB = scoreB
	}
}

// End moves ACTIVE to ENDED with the final totals. For a forfeit the side opposite the
// forfeiter wins regardless of score.
func (b *Battle) End(now time.Time, reason EndReason, scoreA, scoreB int64, forfeiter Side) error {
	if reason == ReasonForfeit {
		if err := forfeiter.Validate(); err != nil {
			return err
		}
	}
	if err := b.transition(PhaseEnded, now); err != nil {
		return err
	}
	b.raiseScores(scoreA, scoreB)
	b.EndedAt = now
	b.EndReason = reason

	switch {
	case reason == ReasonForfeit:
		b.WinnerID = b.userOf(forfeiter.Opposite())
	case b.ScoreA > b.ScoreB:
		b.WinnerID = b.UserA
	case b.ScoreB > b.ScoreA:
		b.WinnerID = b.UserB
	case b.Rules.TiePolicy == TieChallenger:
		b.WinnerID = b.UserA
	default:
		b.Draw = true
	}
	return nil
}

func (b *Battle) userOf(side Side) shared.UserID {
	if side == SideA {
		return b.UserA
	}
	return b.UserB
}

// TimeRemaining is the ACTIVE time left, never negative.
func (b *Battle) TimeRemaining(now time.Time) time.Duration {
	if b.Phase != PhaseActive {
		return 0
	}
	left := b.EndsAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Streams lists the streams whose battle slot this battle holds.
func (b *Battle) Streams() []shared.StreamID {
	return []shared.StreamID{b.StreamA, b.StreamB}
}

// Channels are the real-time destinations for every battle event: both broadcast streams.
func (b *Battle) Channels() []realtime.Channel {
	return []realtime.Channel{realtime.StreamChannel(b.StreamA), realtime.StreamChannel(b.StreamB)}
}

// Snapshot returns a copy that is safe to hand to other goroutines.
func (b *Battle) Snapshot() Battle {
	snap := *b
	snap.Sources = slices.Clone(b.Sources)
	return snap
}
