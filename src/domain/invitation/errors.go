package invitation

import (
	"errors"
	"fmt"

	"github.com/sonzai/livepk/src/domain/shared"
)

var (
	ErrUnknownInvitation      = fmt.Errorf("unknown invitation: %w", shared.ErrNotFound)
	ErrDuplicatePendingInvite = fmt.Errorf("invitation already pending for stream: %w", shared.ErrConflict)
	ErrAlreadyResolved        = fmt.Errorf("invitation already resolved: %w", shared.ErrInvalidState)
	ErrInvalidOutcome         = errors.New("invitation outcome must be terminal")
	ErrSelfInvite             = fmt.Errorf("cannot invite yourself: %w", shared.ErrInvalidArgument)
	ErrNotParticipant         = errors.New("caller is not allowed to act on this invitation")
)
