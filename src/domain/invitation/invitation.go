package invitation

import (
	"time"

	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

// Status tracks the handshake. SENT is the only non-terminal status.
type Status string

const (
	StatusSent      Status = "sent"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Params describe a new invitation request.
type Params struct {
	ChallengerID     shared.UserID
	ChallengerName   string
	ChallengerAvatar string
	OpponentID       shared.UserID
	StreamA          shared.StreamID
	StreamB          shared.StreamID
	CohostStream     shared.StreamID
	Rounds           int
	RoundDuration    time.Duration
}

// Invitation is the pre-battle handshake record. It is never reused once resolved.
type Invitation struct {
	ID shared.InvitationID
	Params
	Status     Status
	BattleID   shared.BattleID
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt time.Time
}

func NewInvitation(id shared.InvitationID, p Params, now time.Time, timeout time.Duration) (*Invitation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := p.ChallengerID.Validate(); err != nil {
		return nil, err
	}
	if err := p.OpponentID.Validate(); err != nil {
		return nil, err
	}
	if err := p.StreamA.Validate(); err != nil {
		return nil, err
	}
	if err := p.StreamB.Validate(); err != nil {
		return nil, err
	}
	if p.ChallengerID == p.OpponentID || p.StreamA == p.StreamB {
		return nil, ErrSelfInvite
	}
	return &Invitation{
		ID:        id,
		Params:    p,
		Status:    StatusSent,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}, nil
}

// Resolve moves SENT to a terminal status. Anything but SENT reports ErrAlreadyResolved.
func (i *Invitation) Resolve(outcome Status, now time.Time) error {
	if !outcome.Terminal() {
		return ErrInvalidOutcome
	}
	if i.Status != StatusSent {
		return ErrAlreadyResolved
	}
	i.Status = outcome
	i.ResolvedAt = now
	return nil
}

// Message is the client-facing text for the current status.
func (i *Invitation) Message() string {
	switch i.Status {
	case StatusSent:
		return i.challengerLabel() + " invited you to a PK battle"
	case StatusAccepted:
		return "PK battle invitation accepted"
	case StatusRejected:
		return "PK battle invitation declined"
	case StatusCancelled:
		return "PK battle invitation cancelled"
	case StatusTimedOut:
		return "PK battle invitation expired"
	}
	return ""
}

func (i *Invitation) challengerLabel() string {
	if i.ChallengerName != "" {
		return i.ChallengerName
	}
	return string(i.ChallengerID)
}

func (i *Invitation) Streams() []shared.StreamID {
	return []shared.StreamID{i.StreamA, i.StreamB}
}

// Channels are the opponent's personal channel followed by both stream channels.
func (i *Invitation) Channels() []realtime.Channel {
	return []realtime.Channel{
		realtime.UserChannel(i.OpponentID),
		realtime.StreamChannel(i.StreamA),
		realtime.StreamChannel(i.StreamB),
	}
}

// PushRecipient is the user notified out-of-band about a new invitation.
func (i *Invitation) PushRecipient() shared.UserID {
	return i.OpponentID
}

func (i *Invitation) Snapshot() Invitation {
	return *i
}
