package invitation

import (
	"context"

	"github.com/sonzai/livepk/src/domain/shared"
)

// Repository stores durable invitation records.
type Repository interface {
	Save(ctx context.Context, invitation Invitation) error
	Get(ctx context.Context, id shared.InvitationID) (Invitation, error)
}
