package battle

import (
	"context"

	"github.com/sonzai/livepk/src/domain/shared"
)

// Repository stores durable battle records. It is written after every transition and is
// never consulted for live decisions.
type Repository interface {
	Save(ctx context.Context, battle Battle) error
	Get(ctx context.Context, id shared.BattleID) (Battle, error)
	// ListLive returns battles persisted in COUNTDOWN or ACTIVE, used to re-arm timers on boot.
	ListLive(ctx context.Context) ([]Battle, error)
}
