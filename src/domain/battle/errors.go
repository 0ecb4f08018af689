package battle

import (
	"fmt"

	"github.com/sonzai/livepk/src/domain/shared"
)

var (
	ErrUnknownBattle         = fmt.Errorf("unknown battle: %w", shared.ErrNotFound)
	ErrDuplicateActiveBattle = fmt.Errorf("battle already active for stream: %w", shared.ErrConflict)
	ErrInvalidTransition     = fmt.Errorf("battle phase does not allow this action: %w", shared.ErrInvalidState)
	ErrNotActive             = fmt.Errorf("battle is not active: %w", shared.ErrInvalidState)
	ErrInvalidSide           = fmt.Errorf("side must be a or b: %w", shared.ErrInvalidArgument)
	ErrSameStream            = fmt.Errorf("a stream cannot battle itself: %w", shared.ErrInvalidArgument)
	ErrInvalidRules          = fmt.Errorf("battle rules are invalid: %w", shared.ErrInvalidArgument)
)
