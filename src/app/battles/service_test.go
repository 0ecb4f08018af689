package battles_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/fanout"
	"github.com/sonzai/livepk/src/app/scores"
	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/app/timer/timertest"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/score"
	"github.com/sonzai/livepk/src/domain/shared"
)

type harness struct {
	svc      *battles.Service
	timers   *timertest.Scheduler
	pub      *recordingPublisher
	store    *memoryRecorder
	table    *slots.Table
	agg      *scores.Aggregator
	scope    tally.TestScope
	sequence int
}

func newHarness(t *testing.T, throttle time.Duration) *harness {
	t.Helper()
	h := &harness{
		timers: timertest.New(time.Unix(1_700_000_000, 0)),
		pub:    &recordingPublisher{},
		store:  newMemoryRecorder(),
		table:  slots.NewTable(),
		agg:    scores.NewAggregator(nil),
		scope:  tally.NewTestScope("", nil),
	}
	opts := battles.Options{
		Rules: battle.Rules{
			Rounds:            1,
			RoundDuration:     300 * time.Second,
			CountdownDuration: 5 * time.Second,
			TiePolicy:         battle.TieDraw,
		},
		ScoreThrottle: throttle,
	}
	h.svc = battles.NewService(h.table, h.agg, h.timers, h.pub, h.store, opts, nil, h.scope).WithArchive(h.store)
	h.svc.NewID = func() shared.BattleID {
		h.sequence++
		return shared.BattleID(fmt.Sprintf("b-%d", h.sequence))
	}
	return h
}

func directCommand() battles.StartDirectCommand {
	return battles.StartDirectCommand{ChallengerID: "u-a", StreamA: "s-a", OpponentID: "u-b", StreamB: "s-b"}
}

func (h *harness) startActive(t *testing.T) battle.Battle {
	t.Helper()
	b, err := h.svc.StartDirect(context.Background(), directCommand())
	require.NoError(t, err)
	require.True(t, h.timers.Fire("battle:"+string(b.ID)+":countdown-end"))
	got, err := h.svc.GetBattle(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, battle.PhaseActive, got.Phase)
	return got
}

func (h *harness) submit(t *testing.T, id shared.BattleID, side battle.Side, amount int64, source string) score.Totals {
	t.Helper()
	totals, err := h.svc.SubmitScoreEvent(context.Background(), battles.ScoreCommand{
		BattleID: id, Side: side, Amount: amount, SourceID: shared.SourceID(source),
	})
	require.NoError(t, err)
	return totals
}

func TestService_StartDirect(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(table *slots.Table)
		cmd     battles.StartDirectCommand
		wantErr error
	}{
		{name: "starts countdown", cmd: directCommand()},
		{
			name:    "stream already battling",
			setup:   func(table *slots.Table) { _ = table.Claim(slots.BattleHolder("other"), "s-b") },
			cmd:     directCommand(),
			wantErr: battle.ErrDuplicateActiveBattle,
		},
		{
			name:    "stream has pending invitation",
			setup:   func(table *slots.Table) { _ = table.Claim(slots.InvitationHolder("inv-9"), "s-a") },
			cmd:     directCommand(),
			wantErr: invitation.ErrDuplicatePendingInvite,
		},
		{
			name:    "same stream on both sides",
			cmd:     battles.StartDirectCommand{ChallengerID: "u-a", StreamA: "s-a", OpponentID: "u-b", StreamB: "s-a"},
			wantErr: battle.ErrSameStream,
		},
		{
			name: "battle longer than the limit",
			cmd: battles.StartDirectCommand{
				ChallengerID: "u-a", StreamA: "s-a", OpponentID: "u-b", StreamB: "s-b",
				Rounds: 1_000_000, RoundDuration: 10_000_000 * time.Second,
			},
			wantErr: battle.ErrInvalidRules,
		},
		{
			name: "negative round duration",
			cmd: battles.StartDirectCommand{
				ChallengerID: "u-a", StreamA: "s-a", OpponentID: "u-b", StreamB: "s-b", RoundDuration: -time.Second,
			},
			wantErr: battle.ErrInvalidRules,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			if tt.setup != nil {
				tt.setup(h.table)
			}
			b, err := h.svc.StartDirect(context.Background(), tt.cmd)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StartDirect() error = %v, want %v", err, tt.wantErr)
				}
				if h.svc.Live() != 0 {
					t.Errorf("Live() = %d after rejected start", h.svc.Live())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, battle.PhaseCountdown, b.Phase)

			delay, ok := h.timers.Delay("battle:b-1:countdown-end")
			require.True(t, ok)
			assert.Equal(t, 5*time.Second, delay)

			events := h.pub.named(realtime.EventCountdownStarted)
			require.Len(t, events, 1)
			assert.Equal(t, fanout.CountdownPayload{BattleID: "b-1", CountdownSeconds: 5}, events[0].payload)

			holder, ok := h.table.HolderOf("s-a")
			require.True(t, ok)
			assert.Equal(t, slots.BattleHolder("b-1"), holder)
			assert.Equal(t, battle.PhaseCountdown, h.store.battles["b-1"].Phase)
		})
	}
}

func TestService_StartDirectOverridesRules(t *testing.T) {
	h := newHarness(t, 0)
	cmd := directCommand()
	cmd.Rounds = 3
	cmd.RoundDuration = time.Minute

	b, err := h.svc.StartDirect(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, b.Rules.Duration())
}

func TestService_CountdownElapsedActivates(t *testing.T) {
	h := newHarness(t, 0)
	b := h.startActive(t)

	delay, ok := h.timers.Delay("battle:" + string(b.ID) + ":battle-end")
	require.True(t, ok)
	assert.Equal(t, 300*time.Second, delay)
	assert.Equal(t, h.timers.Now(), b.StartedAt)
	require.Len(t, h.pub.named(realtime.EventStarted), 1)

	h.timers.Replay("battle:" + string(b.ID) + ":countdown-end")
	assert.Len(t, h.pub.named(realtime.EventStarted), 1, "duplicate countdown fire must be a no-op")
}

func TestService_SubmitScoreEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown battle", func(t *testing.T) {
		h := newHarness(t, 0)
		_, err := h.svc.SubmitScoreEvent(ctx, battles.ScoreCommand{BattleID: "nope", Side: battle.SideA, Amount: 1, SourceID: "g"})
		assert.ErrorIs(t, err, battle.ErrUnknownBattle)
	})

	t.Run("countdown rejects scores", func(t *testing.T) {
		h := newHarness(t, 0)
		b, err := h.svc.StartDirect(ctx, directCommand())
		require.NoError(t, err)
		_, err = h.svc.SubmitScoreEvent(ctx, battles.ScoreCommand{BattleID: b.ID, Side: battle.SideA, Amount: 1, SourceID: "g"})
		assert.ErrorIs(t, err, battle.ErrNotActive)
	})

	t.Run("duplicate source is ignored", func(t *testing.T) {
		h := newHarness(t, 0)
		b := h.startActive(t)
		assert.Equal(t, int64(50), h.submit(t, b.ID, battle.SideA, 50, "gift-1").A)
		assert.Equal(t, int64(80), h.submit(t, b.ID, battle.SideA, 30, "gift-2").A)
		assert.Equal(t, int64(80), h.submit(t, b.ID, battle.SideA, 30, "gift-2").A)
	})

	t.Run("invalid side", func(t *testing.T) {
		h := newHarness(t, 0)
		b := h.startActive(t)
		_, err := h.svc.SubmitScoreEvent(ctx, battles.ScoreCommand{BattleID: b.ID, Side: "c", Amount: 1, SourceID: "g"})
		assert.ErrorIs(t, err, battle.ErrInvalidSide)
	})

	t.Run("ended battle rejects scores", func(t *testing.T) {
		h := newHarness(t, 0)
		b := h.startActive(t)
		_, err := h.svc.EndBattle(ctx, battles.EndCommand{BattleID: b.ID})
		require.NoError(t, err)
		_, err = h.svc.SubmitScoreEvent(ctx, battles.ScoreCommand{BattleID: b.ID, Side: battle.SideA, Amount: 1, SourceID: "late"})
		assert.ErrorIs(t, err, battle.ErrNotActive)
	})
}

func TestService_BattleEndTimerDecidesWinner(t *testing.T) {
	h := newHarness(t, 0)
	b := h.startActive(t)
	h.submit(t, b.ID, battle.SideA, 50, "gift-1")
	h.submit(t, b.ID, battle.SideA, 30, "gift-2")

	h.timers.Advance(299 * time.Second)
	require.Empty(t, h.pub.named(realtime.EventEnded))
	h.timers.Advance(time.Second)

	ended := h.pub.named(realtime.EventEnded)
	require.Len(t, ended, 1)
	payload := ended[0].payload.(fanout.EndedPayload)
	assert.Equal(t, int64(80), payload.ScoreA)
	assert.Equal(t, int64(0), payload.ScoreB)
	require.NotNil(t, payload.WinnerID)
	assert.Equal(t, "u-a", *payload.WinnerID)
	assert.Equal(t, string(battle.ReasonCompleted), payload.Reason)

	assert.Equal(t, 0, h.svc.Live())
	assert.Equal(t, 0, h.table.Len(), "ending must free both stream slots")
	assert.Equal(t, 0, h.agg.Len())
	assert.Equal(t, battle.PhaseEnded, h.store.battles[b.ID].Phase)

	h.timers.Replay("battle:" + string(b.ID) + ":battle-end")
	assert.Len(t, h.pub.named(realtime.EventEnded), 1, "duplicate end fire must be a no-op")

	counters := h.scope.Snapshot().Counters()
	assert.Equal(t, int64(1), counters["battles.ended+reason=completed"].Value())
}

func TestService_EndBattle(t *testing.T) {
	tests := []struct {
		name       string
		cmd        func(id shared.BattleID) battles.EndCommand
		scoreA     int64
		scoreB     int64
		wantReason battle.EndReason
		wantWinner shared.UserID
		wantDraw   bool
	}{
		{
			name:       "manual end with leader",
			cmd:        func(id shared.BattleID) battles.EndCommand { return battles.EndCommand{BattleID: id} },
			scoreB:     10,
			wantReason: battle.ReasonManual,
			wantWinner: "u-b",
		},
		{
			name:       "manual end tied",
			cmd:        func(id shared.BattleID) battles.EndCommand { return battles.EndCommand{BattleID: id} },
			scoreA:     4,
			scoreB:     4,
			wantReason: battle.ReasonManual,
			wantDraw:   true,
		},
		{
			name:       "opponent forfeits while ahead",
			cmd:        func(id shared.BattleID) battles.EndCommand { return battles.EndCommand{BattleID: id, Forfeited: true} },
			scoreB:     500,
			wantReason: battle.ReasonForfeit,
			wantWinner: "u-a",
		},
		{
			name: "challenger forfeits",
			cmd: func(id shared.BattleID) battles.EndCommand {
				return battles.EndCommand{BattleID: id, Forfeited: true, ForfeitingSide: battle.SideA}
			},
			scoreA:     500,
			wantReason: battle.ReasonForfeit,
			wantWinner: "u-b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			b := h.startActive(t)
			if tt.scoreA > 0 {
				h.submit(t, b.ID, battle.SideA, tt.scoreA, "gift-a")
			}
			if tt.scoreB > 0 {
				h.submit(t, b.ID, battle.SideB, tt.scoreB, "gift-b")
			}

			ended, err := h.svc.EndBattle(context.Background(), tt.cmd(b.ID))
			require.NoError(t, err)
			assert.Equal(t, battle.PhaseEnded, ended.Phase)
			assert.Equal(t, tt.wantReason, ended.EndReason)
			assert.Equal(t, tt.wantWinner, ended.WinnerID)
			assert.Equal(t, tt.wantDraw, ended.Draw)
			assert.Equal(t, tt.scoreA, ended.ScoreA)
			assert.Equal(t, tt.scoreB, ended.ScoreB)

			_, pending := h.timers.Delay("battle:" + string(b.ID) + ":battle-end")
			assert.False(t, pending, "manual end must cancel the end timer")

			again, err := h.svc.EndBattle(context.Background(), tt.cmd(b.ID))
			require.NoError(t, err, "ending twice is idempotent")
			assert.Equal(t, ended.WinnerID, again.WinnerID)
			assert.Len(t, h.pub.named(realtime.EventEnded), 1)
		})
	}
}

func TestService_EndBattleErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	_, err := h.svc.EndBattle(ctx, battles.EndCommand{BattleID: "missing"})
	assert.ErrorIs(t, err, battle.ErrUnknownBattle)

	b, err := h.svc.StartDirect(ctx, directCommand())
	require.NoError(t, err)
	_, err = h.svc.EndBattle(ctx, battles.EndCommand{BattleID: b.ID})
	assert.ErrorIs(t, err, battle.ErrNotActive)

	_, err = h.svc.EndBattle(ctx, battles.EndCommand{BattleID: b.ID, Forfeited: true, ForfeitingSide: "x"})
	assert.ErrorIs(t, err, battle.ErrInvalidSide)
}

func TestService_CancelBattle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	b, err := h.svc.StartDirect(ctx, directCommand())
	require.NoError(t, err)

	cancelled, err := h.svc.CancelBattle(ctx, b.ID, "host_left")
	require.NoError(t, err)
	assert.Equal(t, battle.PhaseCancelled, cancelled.Phase)
	assert.False(t, h.timers.Fire("battle:"+string(b.ID)+":countdown-end"), "countdown must be cancelled")
	assert.Equal(t, 0, h.table.Len())
	assert.Equal(t, 0, h.agg.Len(), "cancel never touches the score aggregator")

	events := h.pub.named(realtime.EventCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, fanout.CancelledPayload{BattleID: string(b.ID), Reason: "host_left"}, events[0].payload)

	_, err = h.svc.CancelBattle(ctx, b.ID, "")
	assert.NoError(t, err, "cancel twice is a no-op")
	assert.Len(t, h.pub.named(realtime.EventCancelled), 1)

	h.timers.Replay("battle:" + string(b.ID) + ":countdown-end")
	got, err := h.svc.GetBattle(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, battle.PhaseCancelled, got.Phase, "a late countdown fire cannot revive a cancelled battle")

	active := h.startActive(t)
	_, err = h.svc.CancelBattle(ctx, active.ID, "")
	assert.ErrorIs(t, err, battle.ErrInvalidTransition)
}

func TestService_ScoreUpdatesAreThrottled(t *testing.T) {
	h := newHarness(t, time.Second)
	b := h.startActive(t)
	flushKey := "battle:" + string(b.ID) + ":score-flush"

	h.submit(t, b.ID, battle.SideA, 10, "g-1")
	require.Len(t, h.pub.named(realtime.EventScoreUpdated), 1, "first update goes out immediately")

	h.submit(t, b.ID, battle.SideA, 10, "g-2")
	h.submit(t, b.ID, battle.SideB, 5, "g-3")
	assert.Len(t, h.pub.named(realtime.EventScoreUpdated), 1)
	delay, ok := h.timers.Delay(flushKey)
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)

	h.timers.Advance(time.Second)
	updates := h.pub.named(realtime.EventScoreUpdated)
	require.Len(t, updates, 2)
	last := updates[1].payload.(fanout.ScorePayload)
	assert.Equal(t, int64(20), last.ScoreA)
	assert.Equal(t, int64(5), last.ScoreB)
	assert.Equal(t, int64(299), last.TimeRemainingSeconds)
}

func TestService_ConcurrentEndAndTimerEndOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, 0)
		b := h.startActive(t)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			h.timers.Replay("battle:" + string(b.ID) + ":battle-end")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.EndBattle(context.Background(), battles.EndCommand{BattleID: b.ID})
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.EndBattle(context.Background(), battles.EndCommand{BattleID: b.ID, Forfeited: true})
		}()
		wg.Wait()

		require.Len(t, h.pub.named(realtime.EventEnded), 1)
	}
}

func TestService_ConcurrentScoresAreNotLost(t *testing.T) {
	h := newHarness(t, 0)
	b := h.startActive(t)

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.svc.SubmitScoreEvent(context.Background(), battles.ScoreCommand{
				BattleID: b.ID, Side: battle.SideB, Amount: 1, SourceID: shared.SourceID(fmt.Sprintf("g-%d", i)),
			})
		}(i)
	}
	wg.Wait()

	ended, err := h.svc.EndBattle(context.Background(), battles.EndCommand{BattleID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(200), ended.ScoreB)
}

func TestService_BattleForStream(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	b := h.startActive(t)
	h.submit(t, b.ID, battle.SideA, 7, "g-1")

	got, err := h.svc.BattleForStream(ctx, "s-b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, int64(7), got.ScoreA)

	_, err = h.svc.BattleForStream(ctx, "s-z")
	assert.ErrorIs(t, err, battle.ErrUnknownBattle)
}

func TestService_CohostMixer(t *testing.T) {
	h := newHarness(t, 0)
	mixer := &mockMixer{}
	h.svc.WithMixer(mixer)

	cmd := directCommand()
	cmd.CohostStream = "s-co"
	b, err := h.svc.StartDirect(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, h.timers.Fire("battle:"+string(b.ID)+":countdown-end"))
	h.svc.Wait()

	require.Len(t, mixer.started, 1)
	assert.Equal(t, []string{"s-a", "s-b", "s-co"}, sortedStreams(mixer.started[0]))

	_, err = h.svc.EndBattle(context.Background(), battles.EndCommand{BattleID: b.ID})
	require.NoError(t, err)
	h.svc.Wait()
	assert.Equal(t, []string{"task-1"}, mixer.stopped)
}

func TestService_MixerFailureDoesNotAffectBattle(t *testing.T) {
	h := newHarness(t, 0)
	h.svc.WithMixer(&mockMixer{startFunc: func(context.Context, []shared.StreamID) (string, error) {
		return "", errors.New("mixer unavailable")
	}})

	cmd := directCommand()
	cmd.CohostStream = "s-co"
	b, err := h.svc.StartDirect(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, h.timers.Fire("battle:"+string(b.ID)+":countdown-end"))
	h.svc.Wait()

	got, err := h.svc.GetBattle(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, battle.PhaseActive, got.Phase)
}

func TestService_Restore(t *testing.T) {
	h := newHarness(t, 0)
	now := h.timers.Now()

	active, err := battle.NewBattle("b-old", battle.Participants{StreamA: "s-a", StreamB: "s-b", UserA: "u-a", UserB: "u-b"},
		battle.Rules{Rounds: 1, RoundDuration: 300 * time.Second, CountdownDuration: 5 * time.Second, TiePolicy: battle.TieDraw},
		now.Add(-2*time.Minute), now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, active.Activate(now.Add(-100*time.Second)))
	active.Checkpoint(now.Add(-10*time.Second), 40, 0, []shared.SourceID{"g-old"})

	require.NoError(t, h.svc.Restore([]battle.Battle{active.Snapshot()}))

	delay, ok := h.timers.Delay("battle:b-old:battle-end")
	require.True(t, ok)
	assert.Equal(t, 200*time.Second, delay)

	totals := h.submit(t, "b-old", battle.SideA, 40, "g-old")
	assert.Equal(t, int64(40), totals.A, "source counted before the restart")
	totals = h.submit(t, "b-old", battle.SideA, 2, "g-new")
	assert.Equal(t, int64(42), totals.A)

	_, err = h.svc.StartDirect(context.Background(), directCommand())
	assert.ErrorIs(t, err, battle.ErrDuplicateActiveBattle)
}

func TestService_RestartKeepsScoresAndSources(t *testing.T) {
	h := newHarness(t, 0)
	b := h.startActive(t)
	h.submit(t, b.ID, battle.SideA, 50, "g-1")
	h.submit(t, b.ID, battle.SideA, 30, "g-2")

	persisted, err := h.store.Battle(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, battle.PhaseActive, persisted.Phase)
	require.Equal(t, int64(80), persisted.ScoreA)
	require.Equal(t, []shared.SourceID{"g-1", "g-2"}, persisted.Sources)

	restarted := newHarness(t, 0)
	require.NoError(t, restarted.svc.Restore([]battle.Battle{persisted}))

	totals := restarted.submit(t, b.ID, battle.SideA, 30, "g-2")
	assert.Equal(t, int64(80), totals.A, "redelivered source must not count again")
	restarted.submit(t, b.ID, battle.SideB, 5, "g-3")

	ended, err := restarted.svc.EndBattle(context.Background(), battles.EndCommand{BattleID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(80), ended.ScoreA)
	assert.Equal(t, int64(5), ended.ScoreB)
	assert.Equal(t, shared.UserID("u-a"), ended.WinnerID)
	assert.False(t, ended.Draw)
}

func TestService_ThrottledScoresArePersistedOnFlush(t *testing.T) {
	h := newHarness(t, time.Second)
	b := h.startActive(t)
	h.submit(t, b.ID, battle.SideA, 10, "g-1")
	h.submit(t, b.ID, battle.SideB, 4, "g-2")

	persisted, err := h.store.Battle(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), persisted.ScoreA)
	assert.Equal(t, int64(0), persisted.ScoreB, "second change waits for the trailing flush")

	h.timers.Advance(time.Second)
	persisted, err = h.store.Battle(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), persisted.ScoreB)
	assert.Equal(t, []shared.SourceID{"g-1", "g-2"}, persisted.Sources)
}

func TestService_RestoreSkipsConflictingBattle(t *testing.T) {
	h := newHarness(t, 0)
	now := h.timers.Now()
	rules := battle.Rules{Rounds: 1, RoundDuration: 300 * time.Second, CountdownDuration: 5 * time.Second, TiePolicy: battle.TieDraw}

	blocked, err := battle.NewBattle("b-blocked", battle.Participants{StreamA: "s-a", StreamB: "s-b", UserA: "u-a", UserB: "u-b"}, rules, now, now)
	require.NoError(t, err)
	ok, err := battle.NewBattle("b-ok", battle.Participants{StreamA: "s-c", StreamB: "s-d", UserA: "u-c", UserB: "u-d"}, rules, now, now)
	require.NoError(t, err)
	require.NoError(t, h.table.Claim(slots.BattleHolder("b-other"), "s-a"))

	err = h.svc.Restore([]battle.Battle{blocked.Snapshot(), ok.Snapshot()})
	require.ErrorIs(t, err, battle.ErrDuplicateActiveBattle)
	assert.Contains(t, err.Error(), "b-blocked")

	assert.Equal(t, 1, h.svc.Live())
	_, armed := h.timers.Delay("battle:b-ok:countdown-end")
	assert.True(t, armed)
	_, armed = h.timers.Delay("battle:b-blocked:countdown-end")
	assert.False(t, armed)
}
