package score

import (
	"fmt"
	"time"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/shared"
)

// Event is an immutable score contribution, usually one gift transaction. SourceID
// de-duplicates at-least-once delivery from upstream.
type Event struct {
	BattleID   shared.BattleID
	Side       battle.Side
	Amount     int64
	SourceID   shared.SourceID
	OccurredAt time.Time
}

func (e Event) Validate() error {
	if err := e.BattleID.Validate(); err != nil {
		return err
	}
	if err := e.Side.Validate(); err != nil {
		return err
	}
	if err := e.SourceID.Validate(); err != nil {
		return err
	}
	if e.Amount <= 0 {
		return ErrInvalidAmount
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred at is required", shared.ErrInvalidArgument)
	}
	return nil
}

// Totals is the pair of running sums for one battle.
type Totals struct {
	A int64
	B int64
}

func (t Totals) Of(side battle.Side) int64 {
	if side == battle.SideA {
		return t.A
	}
	return t.B
}
