package score

import (
	"fmt"

	"github.com/sonzai/livepk/src/domain/shared"
)

var (
	ErrDuplicateSource = fmt.Errorf("score source already applied: %w", shared.ErrDuplicate)
	ErrUnknownLedger   = fmt.Errorf("no score ledger for battle: %w", shared.ErrNotFound)
	ErrLedgerClosed    = fmt.Errorf("score ledger is closed: %w", shared.ErrInvalidState)
	ErrInvalidAmount   = fmt.Errorf("score amount must be positive: %w", shared.ErrInvalidArgument)
)
