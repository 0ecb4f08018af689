package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

// InvitationRepository implements invitation.Repository on the pk_invitations table.
type InvitationRepository struct {
	db querier
}

const invitationColumns = `id, challenger_id, challenger_name, challenger_avatar, opponent_id, stream_a,
	stream_b, cohost_stream, rounds, round_duration_ms, status, battle_id, created_at, expires_at, resolved_at`

// A resolved invitation is final; a late SENT snapshot must not reopen it.
const upsertInvitation = `INSERT INTO pk_invitations (` + invitationColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	battle_id = EXCLUDED.battle_id,
	resolved_at = EXCLUDED.resolved_at
WHERE pk_invitations.status = 'sent'`

func (r *InvitationRepository) Save(ctx context.Context, inv invitation.Invitation) error {
	_, err := r.db.Exec(ctx, upsertInvitation,
		string(inv.ID),
		string(inv.ChallengerID),
		inv.ChallengerName,
		inv.ChallengerAvatar,
		string(inv.OpponentID),
		string(inv.StreamA),
		string(inv.StreamB),
		string(inv.CohostStream),
		inv.Rounds,
		inv.RoundDuration.Milliseconds(),
		string(inv.Status),
		string(inv.BattleID),
		inv.CreatedAt.UTC(),
		inv.ExpiresAt.UTC(),
		nullTime(inv.ResolvedAt),
	)
	return classify("save invitation "+string(inv.ID), err)
}

func (r *InvitationRepository) Get(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	row := r.db.QueryRow(ctx, `SELECT `+invitationColumns+` FROM pk_invitations WHERE id = $1`, string(id))
	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return invitation.Invitation{}, invitation.ErrUnknownInvitation
	}
	if err != nil {
		return invitation.Invitation{}, fmt.Errorf("get invitation %s: %w", id, err)
	}
	return inv, nil
}

func scanInvitation(row pgx.Row) (invitation.Invitation, error) {
	var (
		inv                      invitation.Invitation
		id, challenger, opponent string
		streamA, streamB, cohost string
		status, battleID         string
		roundMillis              int64
		resolvedAt               *time.Time
	)
	err := row.Scan(
		&id, &challenger, &inv.ChallengerName, &inv.ChallengerAvatar, &opponent, &streamA,
		&streamB, &cohost, &inv.Rounds, &roundMillis, &status, &battleID, &inv.CreatedAt, &inv.ExpiresAt, &resolvedAt,
	)
	if err != nil {
		return invitation.Invitation{}, err
	}

	inv.ID = shared.InvitationID(id)
	inv.ChallengerID = shared.UserID(challenger)
	inv.OpponentID = shared.UserID(opponent)
	inv.StreamA = shared.StreamID(streamA)
	inv.StreamB = shared.StreamID(streamB)
	inv.CohostStream = shared.StreamID(cohost)
	inv.RoundDuration = time.Duration(roundMillis) * time.Millisecond
	inv.Status = invitation.Status(status)
	inv.BattleID = shared.BattleID(battleID)
	inv.ResolvedAt = fromNullTime(resolvedAt)
	return inv, nil
}
