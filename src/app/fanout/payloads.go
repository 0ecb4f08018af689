package fanout

import (
	"math"
	"time"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
)

// InvitationPayload is the body of pk.battle.invitation, sent on creation and on every resolution.
type InvitationPayload struct {
	ID               string `json:"id"`
	LiveStreamID     string `json:"liveStreamId"`
	ChallengerID     string `json:"challengerId"`
	ChallengerName   string `json:"challengerName"`
	ChallengerAvatar string `json:"challengerAvatar"`
	OpponentID       string `json:"opponentId"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	CreatedAt        int64  `json:"createdAt"`
	BattleID         string `json:"battleId,omitempty"`
}

type CountdownPayload struct {
	BattleID         string `json:"battleId"`
	CountdownSeconds int64  `json:"countdownSeconds"`
}

type StartedPayload struct {
	BattleID        string `json:"battleId"`
	StartedAt       int64  `json:"startedAt"`
	EndsAt          int64  `json:"endsAt"`
	DurationSeconds int64  `json:"durationSeconds"`
}

type ScorePayload struct {
	BattleID             string `json:"battleId"`
	ScoreA               int64  `json:"scoreA"`
	ScoreB               int64  `json:"scoreB"`
	TimeRemainingSeconds int64  `json:"timeRemainingSeconds"`
}

// EndedPayload carries a null winnerId for a draw.
type EndedPayload struct {
	BattleID string  `json:"battleId"`
	ScoreA   int64   `json:"scoreA"`
	ScoreB   int64   `json:"scoreB"`
	WinnerID *string `json:"winnerId"`
	Draw     bool    `json:"draw"`
	Reason   string  `json:"reason"`
}

type CancelledPayload struct {
	BattleID string `json:"battleId"`
	Reason   string `json:"reason"`
}

func NewInvitationPayload(inv invitation.Invitation) InvitationPayload {
	return InvitationPayload{
		ID:               string(inv.ID),
		LiveStreamID:     string(inv.StreamA),
		ChallengerID:     string(inv.ChallengerID),
		ChallengerName:   inv.ChallengerName,
		ChallengerAvatar: inv.ChallengerAvatar,
		OpponentID:       string(inv.OpponentID),
		Status:           string(inv.Status),
		Message:          inv.Message(),
		CreatedAt:        inv.CreatedAt.Unix(),
		BattleID:         string(inv.BattleID),
	}
}

func NewCountdownPayload(b battle.Battle) CountdownPayload {
	return CountdownPayload{
		BattleID:         string(b.ID),
		CountdownSeconds: seconds(b.Rules.CountdownDuration),
	}
}

func NewStartedPayload(b battle.Battle) StartedPayload {
	return StartedPayload{
		BattleID:        string(b.ID),
		StartedAt:       b.StartedAt.Unix(),
		EndsAt:          b.EndsAt.Unix(),
		DurationSeconds: seconds(b.Rules.Duration()),
	}
}

func NewScorePayload(b battle.Battle, now time.Time) ScorePayload {
	return ScorePayload{
		BattleID:             string(b.ID),
		ScoreA:               b.ScoreA,
		ScoreB:               b.ScoreB,
		TimeRemainingSeconds: seconds(b.TimeRemaining(now)),
	}
}

func NewEndedPayload(b battle.Battle) EndedPayload {
	p := EndedPayload{
		BattleID: string(b.ID),
		ScoreA:   b.ScoreA,
		ScoreB:   b.ScoreB,
		Draw:     b.Draw,
		Reason:   string(b.EndReason),
	}
	if b.WinnerID != "" {
		w := string(b.WinnerID)
		p.WinnerID = &w
	}
	return p
}

func NewCancelledPayload(b battle.Battle, reason string) CancelledPayload {
	return CancelledPayload{BattleID: string(b.ID), Reason: reason}
}

// seconds rounds up so a client never sees 0 while time is still left.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
