package invitations_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/invitations"
	"github.com/sonzai/livepk/src/app/scores"
	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/app/timer/timertest"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

type recordingPublisher struct {
	mu          sync.Mutex
	battles     map[realtime.EventName][]battle.Battle
	invitations []invitation.Invitation
}

func (r *recordingPublisher) PublishBattle(name realtime.EventName, b battle.Battle, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.battles == nil {
		r.battles = map[realtime.EventName][]battle.Battle{}
	}
	r.battles[name] = append(r.battles[name], b)
}

func (r *recordingPublisher) PublishInvitation(inv invitation.Invitation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations = append(r.invitations, inv)
}

func (r *recordingPublisher) battleEvents(name realtime.EventName) []battle.Battle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]battle.Battle(nil), r.battles[name]...)
}

func (r *recordingPublisher) statuses() []invitation.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]invitation.Status, 0, len(r.invitations))
	for _, inv := range r.invitations {
		out = append(out, inv.Status)
	}
	return out
}

type mockRecorder struct {
	mu      sync.Mutex
	battles map[shared.BattleID]battle.Battle
	invites map[shared.InvitationID]invitation.Invitation
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{
		battles: map[shared.BattleID]battle.Battle{},
		invites: map[shared.InvitationID]invitation.Invitation{},
	}
}

func (m *mockRecorder) RecordBattle(b battle.Battle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = b
}

func (m *mockRecorder) RecordInvitation(inv invitation.Invitation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[inv.ID] = inv
}

func (m *mockRecorder) Battle(_ context.Context, id shared.BattleID) (battle.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.battles[id]; ok {
		return b, nil
	}
	return battle.Battle{}, battle.ErrUnknownBattle
}

func (m *mockRecorder) Invitation(_ context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invites[id]; ok {
		return inv, nil
	}
	return invitation.Invitation{}, invitation.ErrUnknownInvitation
}

type fixture struct {
	invites *invitations.Service
	battles *battles.Service
	timers  *timertest.Scheduler
	pub     *recordingPublisher
	store   *mockRecorder
	table   *slots.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		timers: timertest.New(time.Unix(1_700_000_000, 0)),
		pub:    &recordingPublisher{},
		store:  newMockRecorder(),
		table:  slots.NewTable(),
	}
	rules := battle.Rules{Rounds: 1, RoundDuration: 300 * time.Second, CountdownDuration: 5 * time.Second, TiePolicy: battle.TieDraw}
	f.battles = battles.NewService(f.table, scores.NewAggregator(nil), f.timers, f.pub, f.store,
		battles.Options{Rules: rules}, nil, nil).WithArchive(f.store)

	var battleSeq, inviteSeq atomic.Int32
	f.battles.NewID = func() shared.BattleID { return shared.BattleID(fmt.Sprintf("b-%d", battleSeq.Inc())) }
	f.invites = invitations.NewService(f.table, f.battles, f.timers, f.pub, f.store,
		invitations.Options{Timeout: 30 * time.Second}, nil, nil).WithArchive(f.store)
	f.invites.NewID = func() shared.InvitationID { return shared.InvitationID(fmt.Sprintf("inv-%d", inviteSeq.Inc())) }
	return f
}

func inviteAB() invitations.InviteCommand {
	return invitations.InviteCommand{
		ChallengerID:   "u-a",
		ChallengerName: "Alice",
		OpponentID:     "u-b",
		StreamA:        "s-a",
		StreamB:        "s-b",
		Rounds:         1,
		RoundDuration:  300 * time.Second,
	}
}

func (f *fixture) invite(t *testing.T) invitation.Invitation {
	t.Helper()
	inv, err := f.invites.Invite(context.Background(), inviteAB())
	require.NoError(t, err)
	return inv
}

func (f *fixture) accept(t *testing.T, id shared.InvitationID) battle.Battle {
	t.Helper()
	res, err := f.invites.Respond(context.Background(), invitations.RespondCommand{InvitationID: id, ResponderID: "u-b", Accept: true})
	require.NoError(t, err)
	require.NotNil(t, res.Battle)
	return *res.Battle
}

func TestService_Invite(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture)
		cmd     func() invitations.InviteCommand
		wantErr error
	}{
		{name: "sends invitation", cmd: inviteAB},
		{
			name: "self invite",
			cmd: func() invitations.InviteCommand {
				cmd := inviteAB()
				cmd.OpponentID = cmd.ChallengerID
				return cmd
			},
			wantErr: invitation.ErrSelfInvite,
		},
		{
			name:    "pending invitation on the pair",
			setup:   func(t *testing.T, f *fixture) { f.invite(t) },
			cmd:     inviteAB,
			wantErr: invitation.ErrDuplicatePendingInvite,
		},
		{
			name: "opponent stream is battling",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.battles.StartDirect(context.Background(), battles.StartDirectCommand{
					ChallengerID: "u-c", StreamA: "s-c", OpponentID: "u-b", StreamB: "s-b",
				})
				require.NoError(t, err)
			},
			cmd:     inviteAB,
			wantErr: battle.ErrDuplicateActiveBattle,
		},
		{
			name: "negative rounds",
			cmd: func() invitations.InviteCommand {
				cmd := inviteAB()
				cmd.Rounds = -1
				return cmd
			},
			wantErr: battle.ErrInvalidRules,
		},
		{
			name: "battle longer than the limit",
			cmd: func() invitations.InviteCommand {
				cmd := inviteAB()
				cmd.Rounds = 1_000_000
				cmd.RoundDuration = 10_000_000 * time.Second
				return cmd
			},
			wantErr: battle.ErrInvalidRules,
		},
		{
			name: "round override exceeds the limit with default rounds",
			cmd: func() invitations.InviteCommand {
				cmd := inviteAB()
				cmd.RoundDuration = 2 * time.Hour
				return cmd
			},
			wantErr: battle.ErrInvalidRules,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			before := len(f.pub.statuses())
			inv, err := f.invites.Invite(context.Background(), tt.cmd())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Invite() error = %v, want %v", err, tt.wantErr)
				}
				assert.Len(t, f.pub.statuses(), before, "rejected invite must not publish")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, invitation.StatusSent, inv.Status)
			assert.Equal(t, []invitation.Status{invitation.StatusSent}, f.pub.statuses())
			assert.Equal(t, 1, f.invites.Pending())

			delay, ok := f.timers.Delay("invitation:" + string(inv.ID) + ":timeout")
			require.True(t, ok)
			assert.Equal(t, 30*time.Second, delay)
		})
	}
}

func TestService_ConcurrentInvitesForSamePair(t *testing.T) {
	f := newFixture(t)
	const n = 32

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		pending atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := inviteAB()
			if i%2 == 1 {
				cmd.ChallengerID, cmd.OpponentID = cmd.OpponentID, cmd.ChallengerID
				cmd.StreamA, cmd.StreamB = cmd.StreamB, cmd.StreamA
			}
			_, err := f.invites.Invite(context.Background(), cmd)
			switch {
			case err == nil:
				ok.Inc()
			case errors.Is(err, invitation.ErrDuplicatePendingInvite):
				pending.Inc()
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), pending.Load())
	assert.Equal(t, 1, f.invites.Pending())
}

func TestService_Respond(t *testing.T) {
	ctx := context.Background()

	t.Run("reject frees the pair", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t)

		res, err := f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: inv.ID, ResponderID: "u-b"})
		require.NoError(t, err)
		assert.Equal(t, invitation.StatusRejected, res.Invitation.Status)
		assert.Nil(t, res.Battle)
		assert.Equal(t, 0, f.table.Len())
		assert.Equal(t, []invitation.Status{invitation.StatusSent, invitation.StatusRejected}, f.pub.statuses())

		_, pending := f.timers.Delay("invitation:" + string(inv.ID) + ":timeout")
		assert.False(t, pending)

		_, err = f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: inv.ID, Accept: true})
		assert.ErrorIs(t, err, invitation.ErrAlreadyResolved)
		assert.Equal(t, 0, f.battles.Live())
	})

	t.Run("accept starts countdown", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t)

		b := f.accept(t, inv.ID)
		assert.Equal(t, battle.PhaseCountdown, b.Phase)
		assert.Equal(t, inv.ID, b.InvitationID)
		assert.Equal(t, inv.CreatedAt, b.InviteSentAt)

		holder, ok := f.table.HolderOf("s-a")
		require.True(t, ok)
		assert.Equal(t, slots.BattleHolder(b.ID), holder)

		got, err := f.invites.GetInvitation(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, invitation.StatusAccepted, got.Status)
		assert.Equal(t, b.ID, got.BattleID)
	})

	t.Run("only the opponent may respond", func(t *testing.T) {
		f := newFixture(t)
		inv := f.invite(t)
		_, err := f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: inv.ID, ResponderID: "u-a", Accept: true})
		assert.ErrorIs(t, err, invitation.ErrNotParticipant)
	})

	t.Run("unknown invitation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: "missing", Accept: true})
		assert.ErrorIs(t, err, invitation.ErrUnknownInvitation)
	})
}

func TestService_ConcurrentAcceptCreatesOneBattle(t *testing.T) {
	f := newFixture(t)
	inv := f.invite(t)

	const n = 16
	ids := make(chan shared.BattleID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.invites.Respond(context.Background(), invitations.RespondCommand{InvitationID: inv.ID, Accept: true})
			if assert.NoError(t, err) && assert.NotNil(t, res.Battle) {
				ids <- res.Battle.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[shared.BattleID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1, "every accept must see the same battle")
	assert.Equal(t, 1, f.battles.Live())
	assert.Len(t, f.pub.battleEvents(realtime.EventCountdownStarted), 1)
}

func TestService_CancelInvite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.invite(t)

	_, err := f.invites.CancelInvite(ctx, inv.ID, "u-b")
	assert.ErrorIs(t, err, invitation.ErrNotParticipant)

	cancelled, err := f.invites.CancelInvite(ctx, inv.ID, "u-a")
	require.NoError(t, err)
	assert.Equal(t, invitation.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.table.Len())

	_, err = f.invites.CancelInvite(ctx, inv.ID, "u-a")
	assert.NoError(t, err, "cancel twice is a no-op")

	accepted := f.invite(t)
	f.accept(t, accepted.ID)
	_, err = f.invites.CancelInvite(ctx, accepted.ID, "u-a")
	assert.ErrorIs(t, err, invitation.ErrAlreadyResolved)
}

func TestService_ResolvedInvitationsAreEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.invite(t)
	_, err := f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: inv.ID})
	require.NoError(t, err)

	f.timers.Advance(5 * time.Minute)

	got, err := f.invites.GetInvitation(ctx, inv.ID)
	require.NoError(t, err, "evicted invitations are served from the archive")
	assert.Equal(t, invitation.StatusRejected, got.Status)

	_, err = f.invites.Respond(ctx, invitations.RespondCommand{InvitationID: inv.ID})
	assert.NoError(t, err, "a repeated reject stays idempotent after eviction")
}
