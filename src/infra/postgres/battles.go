package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/shared"
)

// BattleRepository implements battle.Repository on the pk_battles table.
type BattleRepository struct {
	db querier
}

const battleColumns = `id, invitation_id, stream_a, stream_b, user_a, user_b, cohost_stream, phase,
	rounds, round_duration_ms, countdown_ms, tie_policy, invite_sent_at, created_at, started_at,
	ends_at, ended_at, updated_at, score_a, score_b, winner_id, draw, end_reason, source_ids`

// Older snapshots never overwrite newer ones, so out-of-order retries are harmless.
const upsertBattle = `INSERT INTO pk_battles (` + battleColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
ON CONFLICT (id) DO UPDATE SET
	phase = EXCLUDED.phase,
	started_at = EXCLUDED.started_at,
	ends_at = EXCLUDED.ends_at,
	ended_at = EXCLUDED.ended_at,
	updated_at = EXCLUDED.updated_at,
	score_a = EXCLUDED.score_a,
	score_b = EXCLUDED.score_b,
	winner_id = EXCLUDED.winner_id,
	draw = EXCLUDED.draw,
	end_reason = EXCLUDED.end_reason,
	source_ids = EXCLUDED.source_ids
WHERE pk_battles.updated_at <= EXCLUDED.updated_at`

func (r *BattleRepository) Save(ctx context.Context, b battle.Battle) error {
	_, err := r.db.Exec(ctx, upsertBattle, battleArgs(b)...)
	return classify("save battle "+string(b.ID), err)
}

func (r *BattleRepository) Get(ctx context.Context, id shared.BattleID) (battle.Battle, error) {
	row := r.db.QueryRow(ctx, `SELECT `+battleColumns+` FROM pk_battles WHERE id = $1`, string(id))
	b, err := scanBattle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return battle.Battle{}, battle.ErrUnknownBattle
	}
	if err != nil {
		return battle.Battle{}, fmt.Errorf("get battle %s: %w", id, err)
	}
	return b, nil
}

func (r *BattleRepository) ListLive(ctx context.Context) ([]battle.Battle, error) {
	rows, err := r.db.Query(ctx, `SELECT `+battleColumns+` FROM pk_battles
		WHERE phase IN ('countdown', 'active') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query live battles: %w", err)
	}
	defer rows.Close()

	var live []battle.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan live battle: %w", err)
		}
		live = append(live, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live battles: %w", err)
	}
	return live, nil
}

func battleArgs(b battle.Battle) []any {
	return []any{
		string(b.ID),
		string(b.InvitationID),
		string(b.StreamA),
		string(b.StreamB),
		string(b.UserA),
		string(b.UserB),
		string(b.CohostStream),
		string(b.Phase),
		b.Rules.Rounds,
		b.Rules.RoundDuration.Milliseconds(),
		b.Rules.CountdownDuration.Milliseconds(),
		string(b.Rules.TiePolicy),
		nullTime(b.InviteSentAt),
		b.CreatedAt.UTC(),
		nullTime(b.StartedAt),
		nullTime(b.EndsAt),
		nullTime(b.EndedAt),
		b.UpdatedAt.UTC(),
		b.ScoreA,
		b.ScoreB,
		string(b.WinnerID),
		b.Draw,
		string(b.EndReason),
		sourceStrings(b.Sources),
	}
}

// sourceStrings never returns nil so the column stays an empty array rather than NULL.
func sourceStrings(ids []shared.SourceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func scanBattle(row pgx.Row) (battle.Battle, error) {
	var (
		b                                        battle.Battle
		id, invitationID, streamA, streamB       string
		userA, userB, cohost, phase, tiePolicy   string
		winner, endReason                        string
		roundMillis, countdownMillis             int64
		inviteSentAt, startedAt, endsAt, endedAt *time.Time
		sources                                  []string
	)
	err := row.Scan(
		&id, &invitationID, &streamA, &streamB, &userA, &userB, &cohost, &phase,
		&b.Rules.Rounds, &roundMillis, &countdownMillis, &tiePolicy, &inviteSentAt, &b.CreatedAt, &startedAt,
		&endsAt, &endedAt, &b.UpdatedAt, &b.ScoreA, &b.ScoreB, &winner, &b.Draw, &endReason, &sources,
	)
	if err != nil {
		return battle.Battle{}, err
	}

	b.ID = shared.BattleID(id)
	b.InvitationID = shared.InvitationID(invitationID)
	b.Participants = battle.Participants{
		StreamA:      shared.StreamID(streamA),
		StreamB:      shared.StreamID(streamB),
		UserA:        shared.UserID(userA),
		UserB:        shared.UserID(userB),
		CohostStream: shared.StreamID(cohost),
	}
	b.Phase = battle.Phase(phase)
	b.Rules.RoundDuration = time.Duration(roundMillis) * time.Millisecond
	b.Rules.CountdownDuration = time.Duration(countdownMillis) * time.Millisecond
	b.Rules.TiePolicy = battle.TiePolicy(tiePolicy)
	b.InviteSentAt = fromNullTime(inviteSentAt)
	b.StartedAt = fromNullTime(startedAt)
	b.EndsAt = fromNullTime(endsAt)
	b.EndedAt = fromNullTime(endedAt)
	b.WinnerID = shared.UserID(winner)
	b.EndReason = battle.EndReason(endReason)
	for _, src := range sources {
		b.Sources = append(b.Sources, shared.SourceID(src))
	}
	return b, nil
}
