package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

// BattleRepository implements battle.Repository using in-memory storage.
type BattleRepository struct {
	mu      sync.RWMutex
	battles map[shared.BattleID]battle.Battle
}

// NewBattleRepository creates a new in-memory battle repository.
func NewBattleRepository() *BattleRepository {
	return &BattleRepository{
		battles: make(map[shared.BattleID]battle.Battle),
	}
}

// Save stores a battle snapshot. A snapshot older than the stored one is ignored.
func (r *BattleRepository) Save(ctx context.Context, b battle.Battle) error {
	if err := b.ID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrRejected, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.battles[b.ID]; ok && prev.UpdatedAt.After(b.UpdatedAt) {
		return nil
	}
	r.battles[b.ID] = b
	return nil
}

// Get retrieves a battle by ID.
func (r *BattleRepository) Get(ctx context.Context, id shared.BattleID) (battle.Battle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.battles[id]
	if !exists {
		return battle.Battle{}, battle.ErrUnknownBattle
	}

	return b, nil
}

// ListLive returns every battle still in COUNTDOWN or ACTIVE, oldest first.
func (r *BattleRepository) ListLive(ctx context.Context) ([]battle.Battle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	live := make([]battle.Battle, 0)
	for _, b := range r.battles {
		if b.Phase == battle.PhaseCountdown || b.Phase == battle.PhaseActive {
			live = append(live, b)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	return live, nil
}

// InvitationRepository implements invitation.Repository using in-memory storage.
type InvitationRepository struct {
	mu          sync.RWMutex
	invitations map[shared.InvitationID]invitation.Invitation
}

// NewInvitationRepository creates a new in-memory invitation repository.
func NewInvitationRepository() *InvitationRepository {
	return &InvitationRepository{
		invitations: make(map[shared.InvitationID]invitation.Invitation),
	}
}

// Save stores an invitation snapshot.
func (r *InvitationRepository) Save(ctx context.Context, inv invitation.Invitation) error {
	if err := inv.ID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrRejected, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.invitations[inv.ID] = inv
	return nil
}

// Get retrieves an invitation by ID.
func (r *InvitationRepository) Get(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, exists := r.invitations[id]
	if !exists {
		return invitation.Invitation{}, invitation.ErrUnknownInvitation
	}

	return inv, nil
}
