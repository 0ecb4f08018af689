package battle

import (
	"fmt"
	"time"
)

// TiePolicy decides the outcome of a completed battle with equal scores.
type TiePolicy string

const (
	// TieDraw leaves the winner empty and flags the battle as a draw.
	TieDraw TiePolicy = "draw"
	// TieChallenger awards a tied battle to side A.
	TieChallenger TiePolicy = "challenger"
)

func (p TiePolicy) Validate() error {
	switch p {
	case TieDraw, TieChallenger:
		return nil
	}
	return fmt.Errorf("%w: unknown tie policy %q", ErrInvalidRules, string(p))
}

// Upper bounds for a single battle. A battle holds both streams' slots until it ends.
const (
	MaxRounds         = 10
	MaxBattleDuration = time.Hour
)

// Rules is the configuration snapshot taken when a battle is created. It never changes afterwards.
type Rules struct {
	Rounds            int
	RoundDuration     time.Duration
	CountdownDuration time.Duration
	TiePolicy         TiePolicy
}

// Duration is the total ACTIVE time of the battle.
func (r Rules) Duration() time.Duration {
	return time.Duration(r.Rounds) * r.RoundDuration
}

func (r Rules) Validate() error {
	if r.Rounds <= 0 {
		return fmt.Errorf("%w: rounds must be positive", ErrInvalidRules)
	}
	if r.RoundDuration <= 0 {
		return fmt.Errorf("%w: round duration must be positive", ErrInvalidRules)
	}
	if err := checkBounds(r.Rounds, r.RoundDuration); err != nil {
		return err
	}
	if r.CountdownDuration < 0 {
		return fmt.Errorf("%w: countdown must not be negative", ErrInvalidRules)
	}
	return r.TiePolicy.Validate()
}

// ValidateOverride checks optional per-battle rounds and round duration. Zero keeps the default.
func ValidateOverride(rounds int, roundDuration time.Duration) error {
	if rounds < 0 || roundDuration < 0 {
		return fmt.Errorf("%w: rounds and round duration must not be negative", ErrInvalidRules)
	}
	r, d := max(rounds, 1), max(roundDuration, time.Nanosecond)
	return checkBounds(r, d)
}

func checkBounds(rounds int, roundDuration time.Duration) error {
	if rounds > MaxRounds {
		return fmt.Errorf("%w: at most %d rounds", ErrInvalidRules, MaxRounds)
	}
	// Compared by division so the product cannot overflow.
	if roundDuration > MaxBattleDuration/time.Duration(rounds) {
		return fmt.Errorf("%w: battle may last at most %s", ErrInvalidRules, MaxBattleDuration)
	}
	return nil
}
