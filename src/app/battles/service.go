package battles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/app/fanout"
	"github.com/sonzai/livepk/src/app/scores"
	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/app/timer"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/score"
	"github.com/sonzai/livepk/src/domain/shared"
)

// Scheduler is the subset of the timer service the state machine drives.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func()) timer.Handle
	CancelKey(key string) bool
	Now() time.Time
}

// Recorder persists snapshots after each transition without blocking the caller.
type Recorder interface {
	RecordBattle(b battle.Battle)
}

// Archive serves battles that have left the live registry.
type Archive interface {
	Battle(ctx context.Context, id shared.BattleID) (battle.Battle, error)
}

// Mixer is the cohost audio/video mixing service.
type Mixer interface {
	Start(ctx context.Context, participants []shared.StreamID) (string, error)
	Stop(ctx context.Context, taskID string) error
}

type Options struct {
	Rules         battle.Rules
	ScoreThrottle time.Duration
	MixerTimeout  time.Duration
}

type entry struct {
	mu        sync.RWMutex
	b         *battle.Battle
	mixerTask string

	lastScorePush *atomic.Int64
	flushPending  *atomic.Bool
}

// Service is the battle state machine. It owns every live battle, serializes transitions per
// battle and leaves unrelated battles fully parallel.
type Service struct {
	Slots   *slots.Table
	Scores  *scores.Aggregator
	Timers  Scheduler
	Fanout  fanout.Publisher
	Store   Recorder
	Archive Archive
	Mixer   Mixer
	Logger  *zap.Logger
	NewID   func() shared.BattleID

	opts Options

	mu       sync.RWMutex
	live     map[shared.BattleID]*entry
	byStream map[shared.StreamID]shared.BattleID

	bg sync.WaitGroup

	started   tally.Counter
	cancelled tally.Counter
	scope     tally.Scope
}

func NewService(table *slots.Table, agg *scores.Aggregator, timers Scheduler, publisher fanout.Publisher, store Recorder, opts Options, logger *zap.Logger, scope tally.Scope) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	if opts.MixerTimeout <= 0 {
		opts.MixerTimeout = 10 * time.Second
	}
	scope = scope.SubScope("battles")
	return &Service{
		Slots:     table,
		Scores:    agg,
		Timers:    timers,
		Fanout:    publisher,
		Store:     store,
		Logger:    logger,
		NewID:     func() shared.BattleID { return shared.BattleID(uuid.Must(uuid.NewV4()).String()) },
		opts:      opts,
		live:      make(map[shared.BattleID]*entry),
		byStream:  make(map[shared.StreamID]shared.BattleID),
		started:   scope.Counter("started"),
		cancelled: scope.Counter("cancelled"),
		scope:     scope,
	}
}

// WithMixer enables cohost mixing for battles with a cohost stream.
func (s *Service) WithMixer(m Mixer) *Service {
	s.Mixer = m
	return s
}

// WithArchive lets lookups fall through to persisted battles.
func (s *Service) WithArchive(a Archive) *Service {
	s.Archive = a
	return s
}

func countdownKey(id shared.BattleID) string { return "battle:" + string(id) + ":countdown-end" }
func battleEndKey(id shared.BattleID) string { return "battle:" + string(id) + ":battle-end" }
func scoreFlushKey(id shared.BattleID) string { return "battle:" + string(id) + ":score-flush" }

// StartFromInvitation creates a COUNTDOWN battle for an accepted invitation. The caller holds the
// stream locks for the invitation's streams and the invitation still owns their slots; ownership
// moves to the battle without the slots ever being free.
func (s *Service) StartFromInvitation(ctx context.Context, inv invitation.Invitation) (battle.Battle, error) {
	rules := s.rulesFor(inv.Rounds, inv.RoundDuration)
	p := battle.Participants{
		StreamA:      inv.StreamA,
		StreamB:      inv.StreamB,
		UserA:        inv.ChallengerID,
		UserB:        inv.OpponentID,
		CohostStream: inv.CohostStream,
	}
	return s.start(ctx, p, rules, inv.CreatedAt, inv.ID)
}

type StartDirectCommand struct {
	ChallengerID  shared.UserID
	StreamA       shared.StreamID
	OpponentID    shared.UserID
	StreamB       shared.StreamID
	CohostStream  shared.StreamID
	Rounds        int
	RoundDuration time.Duration
}

// StartDirect skips the invitation handshake for trusted callers.
func (s *Service) StartDirect(ctx context.Context, cmd StartDirectCommand) (battle.Battle, error) {
	p := battle.Participants{
		StreamA:      cmd.StreamA,
		StreamB:      cmd.StreamB,
		UserA:        cmd.ChallengerID,
		UserB:        cmd.OpponentID,
		CohostStream: cmd.CohostStream,
	}
	if err := p.Validate(); err != nil {
		return battle.Battle{}, err
	}
	rules, err := s.ResolveRules(cmd.Rounds, cmd.RoundDuration)
	if err != nil {
		return battle.Battle{}, err
	}
	unlock := s.Slots.Lock(p.StreamA, p.StreamB)
	defer unlock()
	return s.start(ctx, p, rules, time.Time{}, "")
}

// ResolveRules applies per-battle overrides to the default rules and validates the result. Zero
// keeps the default.
func (s *Service) ResolveRules(rounds int, roundDuration time.Duration) (battle.Rules, error) {
	if err := battle.ValidateOverride(rounds, roundDuration); err != nil {
		return battle.Rules{}, err
	}
	rules := s.rulesFor(rounds, roundDuration)
	if err := rules.Validate(); err != nil {
		return battle.Rules{}, err
	}
	return rules, nil
}

func (s *Service) rulesFor(rounds int, roundDuration time.Duration) battle.Rules {
	rules := s.opts.Rules
	if rounds > 0 {
		rules.Rounds = rounds
	}
	if roundDuration > 0 {
		rules.RoundDuration = roundDuration
	}
	return rules
}

func (s *Service) start(_ context.Context, p battle.Participants, rules battle.Rules, inviteSentAt time.Time, invID shared.InvitationID) (battle.Battle, error) {
	now := s.Timers.Now()
	b, err := battle.NewBattle(s.NewID(), p, rules, inviteSentAt, now)
	if err != nil {
		return battle.Battle{}, err
	}
	b.InvitationID = invID

	holder := slots.BattleHolder(b.ID)
	if invID != "" {
		err = s.Slots.Transfer(slots.InvitationHolder(invID), holder, b.Streams()...)
	} else {
		err = s.Slots.Claim(holder, b.Streams()...)
	}
	if err != nil {
		return battle.Battle{}, slots.Translate(err)
	}

	e := &entry{b: b, lastScorePush: atomic.NewInt64(0), flushPending: atomic.NewBool(false)}
	s.register(e)

	e.mu.Lock()
	s.Timers.Schedule(countdownKey(b.ID), rules.CountdownDuration, func() { s.onCountdownElapsed(b.ID) })
	snap := b.Snapshot()
	e.mu.Unlock()

	s.started.Inc(1)
	s.Logger.Info("battle countdown started",
		zap.String("battle_id", string(b.ID)),
		zap.String("stream_a", string(b.StreamA)),
		zap.String("stream_b", string(b.StreamB)),
		zap.Duration("countdown", rules.CountdownDuration))
	s.Fanout.PublishBattle(realtime.EventCountdownStarted, snap, fanout.NewCountdownPayload(snap))
	s.record(snap)
	return snap, nil
}

func (s *Service) register(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[e.b.ID] = e
	for _, stream := range e.b.Streams() {
		s.byStream[stream] = e.b.ID
	}
}

func (s *Service) evict(b battle.Battle) {
	s.mu.Lock()
	delete(s.live, b.ID)
	for _, stream := range b.Streams() {
		if s.byStream[stream] == b.ID {
			delete(s.byStream, stream)
		}
	}
	s.mu.Unlock()
	s.Slots.Release(slots.BattleHolder(b.ID), b.Streams()...)
}

func (s *Service) entry(id shared.BattleID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live[id]
	return e, ok
}

func (s *Service) onCountdownElapsed(id shared.BattleID) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.b.Phase != battle.PhaseCountdown {
		e.mu.Unlock()
		return
	}
	now := s.Timers.Now()
	if err := e.b.Activate(now); err != nil {
		e.mu.Unlock()
		s.Logger.Warn("battle activation rejected", zap.String("battle_id", string(id)), zap.Error(err))
		return
	}
	s.Scores.Reset(id)
	s.Timers.Schedule(battleEndKey(id), e.b.Rules.Duration(), func() { s.onBattleElapsed(id) })
	snap := e.b.Snapshot()
	e.mu.Unlock()

	s.Logger.Info("battle active", zap.String("battle_id", string(id)), zap.Time("ends_at", snap.EndsAt))
	s.Fanout.PublishBattle(realtime.EventStarted, snap, fanout.NewStartedPayload(snap))
	s.record(snap)
	s.startMixer(e, snap)
}

func (s *Service) onBattleElapsed(id shared.BattleID) {
	e, ok := s.entry(id)
	if !ok {
		return
	}
	if _, _, err := s.finish(e, battle.ReasonCompleted, ""); err != nil && !errors.Is(err, battle.ErrInvalidTransition) {
		s.Logger.Warn("battle end timer failed", zap.String("battle_id", string(id)), zap.Error(err))
	}
}

type EndCommand struct {
	BattleID  shared.BattleID
	Forfeited bool
	// ForfeitingSide defaults to the opponent side when Forfeited is set.
	ForfeitingSide battle.Side
}

// EndBattle ends an ACTIVE battle manually or by forfeit. Ending an already ENDED battle returns
// its final record unchanged.
func (s *Service) EndBattle(ctx context.Context, cmd EndCommand) (battle.Battle, error) {
	if err := cmd.BattleID.Validate(); err != nil {
		return battle.Battle{}, err
	}
	reason := battle.ReasonManual
	var forfeiter battle.Side
	if cmd.Forfeited {
		reason = battle.ReasonForfeit
		forfeiter = cmd.ForfeitingSide
		if forfeiter == "" {
			forfeiter = battle.SideB
		}
		if err := forfeiter.Validate(); err != nil {
			return battle.Battle{}, err
		}
	}

	e, ok := s.entry(cmd.BattleID)
	if !ok {
		archived, err := s.archived(ctx, cmd.BattleID)
		if err != nil {
			return battle.Battle{}, err
		}
		if archived.Phase == battle.PhaseEnded {
			return archived, nil
		}
		return archived, battle.ErrInvalidTransition
	}

	snap, already, err := s.finish(e, reason, forfeiter)
	if err != nil {
		return snap, err
	}
	if already {
		s.Logger.Debug("battle already ended", zap.String("battle_id", string(cmd.BattleID)))
	}
	return snap, nil
}

// finish moves ACTIVE to ENDED. It reports already=true when the battle had ended before.
func (s *Service) finish(e *entry, reason battle.EndReason, forfeiter battle.Side) (battle.Battle, bool, error) {
	e.mu.Lock()
	switch e.b.Phase {
	case battle.PhaseEnded:
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, true, nil
	case battle.PhaseActive:
	case battle.PhaseCountdown:
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, false, battle.ErrNotActive
	default:
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, false, battle.ErrInvalidTransition
	}

	id := e.b.ID
	totals, err := s.Scores.Freeze(id)
	if err != nil {
		totals = score.Totals{A: e.b.ScoreA, B: e.b.ScoreB}
	}
	if err := e.b.End(s.Timers.Now(), reason, totals.A, totals.B, forfeiter); err != nil {
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, false, err
	}
	s.Timers.CancelKey(battleEndKey(id))
	s.Timers.CancelKey(scoreFlushKey(id))
	task := e.mixerTask
	e.mixerTask = ""
	snap := e.b.Snapshot()
	e.mu.Unlock()

	s.Scores.Discard(id)
	s.evict(snap)

	s.scope.Tagged(map[string]string{"reason": string(reason)}).Counter("ended").Inc(1)
	s.Logger.Info("battle ended",
		zap.String("battle_id", string(id)),
		zap.String("reason", string(reason)),
		zap.Int64("score_a", snap.ScoreA),
		zap.Int64("score_b", snap.ScoreB),
		zap.String("winner_id", string(snap.WinnerID)),
		zap.Bool("draw", snap.Draw))
	s.Fanout.PublishBattle(realtime.EventEnded, snap, fanout.NewEndedPayload(snap))
	s.record(snap)
	s.stopMixer(id, task)
	return snap, false, nil
}

// CancelBattle aborts a battle still in COUNTDOWN. Cancelling twice is a no-op.
func (s *Service) CancelBattle(ctx context.Context, id shared.BattleID, reason string) (battle.Battle, error) {
	if err := id.Validate(); err != nil {
		return battle.Battle{}, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	e, ok := s.entry(id)
	if !ok {
		archived, err := s.archived(ctx, id)
		if err != nil {
			return battle.Battle{}, err
		}
		if archived.Phase == battle.PhaseCancelled {
			return archived, nil
		}
		return archived, battle.ErrInvalidTransition
	}

	e.mu.Lock()
	if e.b.Phase == battle.PhaseCancelled {
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, nil
	}
	if err := e.b.Cancel(s.Timers.Now()); err != nil {
		snap := e.b.Snapshot()
		e.mu.Unlock()
		return snap, err
	}
	s.Timers.CancelKey(countdownKey(id))
	snap := e.b.Snapshot()
	e.mu.Unlock()

	s.evict(snap)
	s.cancelled.Inc(1)
	s.Logger.Info("battle cancelled", zap.String("battle_id", string(id)), zap.String("reason", reason))
	s.Fanout.PublishBattle(realtime.EventCancelled, snap, fanout.NewCancelledPayload(snap, reason))
	s.record(snap)
	return snap, nil
}

type ScoreCommand struct {
	BattleID shared.BattleID
	Side     battle.Side
	Amount   int64
	SourceID shared.SourceID
}

// SubmitScoreEvent applies one score contribution to an ACTIVE battle. A repeated source id is
// not an error; the unchanged totals are returned.
func (s *Service) SubmitScoreEvent(ctx context.Context, cmd ScoreCommand) (score.Totals, error) {
	ev := score.Event{
		BattleID:   cmd.BattleID,
		Side:       cmd.Side,
		Amount:     cmd.Amount,
		SourceID:   cmd.SourceID,
		OccurredAt: s.Timers.Now(),
	}
	if err := ev.Validate(); err != nil {
		return score.Totals{}, err
	}
	e, ok := s.entry(cmd.BattleID)
	if !ok {
		if _, err := s.archived(ctx, cmd.BattleID); err != nil {
			return score.Totals{}, err
		}
		return score.Totals{}, battle.ErrNotActive
	}

	e.mu.RLock()
	if e.b.Phase != battle.PhaseActive {
		e.mu.RUnlock()
		return score.Totals{}, battle.ErrNotActive
	}
	totals, err := s.Scores.Apply(ev)
	e.mu.RUnlock()

	switch {
	case errors.Is(err, score.ErrDuplicateSource):
		return totals, nil
	case errors.Is(err, score.ErrLedgerClosed), errors.Is(err, score.ErrUnknownLedger):
		return totals, battle.ErrNotActive
	case err != nil:
		return totals, err
	}
	s.scoreChanged(e, cmd.BattleID)
	return totals, nil
}

// scoreChanged publishes at most one score update per throttle window. Changes inside the window
// collapse into a single trailing update.
func (s *Service) scoreChanged(e *entry, id shared.BattleID) {
	if !e.flushPending.CompareAndSwap(false, true) {
		return
	}
	last := time.Unix(0, e.lastScorePush.Load())
	wait := s.opts.ScoreThrottle - s.Timers.Now().Sub(last)
	if wait <= 0 {
		s.flushScore(e)
		return
	}
	s.Timers.Schedule(scoreFlushKey(id), wait, func() { s.flushScore(e) })
}

// flushScore publishes the current totals and persists them with their applied sources, so a
// restart loses at most one throttle window of score events.
func (s *Service) flushScore(e *entry) {
	e.flushPending.Store(false)
	now := s.Timers.Now()

	e.mu.Lock()
	if e.b.Phase != battle.PhaseActive {
		e.mu.Unlock()
		return
	}
	if totals, sources, err := s.Scores.Checkpoint(e.b.ID); err == nil {
		e.b.Checkpoint(now, totals.A, totals.B, sources)
	}
	snap := e.b.Snapshot()
	e.lastScorePush.Store(now.UnixNano())
	s.record(snap)
	e.mu.Unlock()

	s.Fanout.PublishBattle(realtime.EventScoreUpdated, snap, fanout.NewScorePayload(snap, now))
}

// GetBattle returns the live battle, or its persisted record once it has left the registry.
func (s *Service) GetBattle(ctx context.Context, id shared.BattleID) (battle.Battle, error) {
	if err := id.Validate(); err != nil {
		return battle.Battle{}, err
	}
	if e, ok := s.entry(id); ok {
		return s.snapshot(e), nil
	}
	return s.archived(ctx, id)
}

// BattleForStream returns the live battle holding stream's slot.
func (s *Service) BattleForStream(_ context.Context, stream shared.StreamID) (battle.Battle, error) {
	if err := stream.Validate(); err != nil {
		return battle.Battle{}, err
	}
	s.mu.RLock()
	id, ok := s.byStream[stream]
	var e *entry
	if ok {
		e = s.live[id]
	}
	s.mu.RUnlock()
	if e == nil {
		return battle.Battle{}, battle.ErrUnknownBattle
	}
	return s.snapshot(e), nil
}

// snapshot reads live totals so callers see scores newer than the last throttled push.
func (s *Service) snapshot(e *entry) battle.Battle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := e.b.Snapshot()
	if snap.Phase == battle.PhaseActive {
		if totals, err := s.Scores.Totals(snap.ID); err == nil {
			snap.ScoreA, snap.ScoreB = totals.A, totals.B
		}
	}
	return snap
}

func (s *Service) archived(ctx context.Context, id shared.BattleID) (battle.Battle, error) {
	if s.Archive == nil {
		return battle.Battle{}, battle.ErrUnknownBattle
	}
	b, err := s.Archive.Battle(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return battle.Battle{}, battle.ErrUnknownBattle
		}
		return battle.Battle{}, err
	}
	return b, nil
}

// Live is the number of battles in the registry.
func (s *Service) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Restore re-registers persisted COUNTDOWN and ACTIVE battles after a restart and re-arms their
// timers against the current clock. Overdue timers fire immediately. A battle whose streams are
// already taken is skipped; the returned error lists every skipped battle.
func (s *Service) Restore(battles []battle.Battle) error {
	now := s.Timers.Now()
	var skipped []error
	for i := range battles {
		b := battles[i]
		if !b.Phase.Live() || b.Phase == battle.PhasePendingInvite {
			continue
		}
		if err := s.Slots.Claim(slots.BattleHolder(b.ID), b.Streams()...); err != nil {
			err = fmt.Errorf("restore battle %s: %w", b.ID, slots.Translate(err))
			s.Logger.Warn("battle not restored", zap.String("battle_id", string(b.ID)), zap.Error(err))
			skipped = append(skipped, err)
			continue
		}
		e := &entry{b: &b, lastScorePush: atomic.NewInt64(0), flushPending: atomic.NewBool(false)}
		s.register(e)

		id := b.ID
		switch b.Phase {
		case battle.PhaseCountdown:
			left := b.CreatedAt.Add(b.Rules.CountdownDuration).Sub(now)
			s.Timers.Schedule(countdownKey(id), left, func() { s.onCountdownElapsed(id) })
		case battle.PhaseActive:
			s.Scores.Seed(id, score.Totals{A: b.ScoreA, B: b.ScoreB}, b.Sources)
			s.Timers.Schedule(battleEndKey(id), b.EndsAt.Sub(now), func() { s.onBattleElapsed(id) })
		}
		s.Logger.Info("battle restored",
			zap.String("battle_id", string(id)),
			zap.String("phase", string(b.Phase)),
			zap.Int64("score_a", b.ScoreA),
			zap.Int64("score_b", b.ScoreB))
	}
	return errors.Join(skipped...)
}

// Wait blocks until background mixer calls have returned.
func (s *Service) Wait() {
	s.bg.Wait()
}

func (s *Service) record(b battle.Battle) {
	if s.Store != nil {
		s.Store.RecordBattle(b)
	}
}

func (s *Service) startMixer(e *entry, b battle.Battle) {
	if s.Mixer == nil || b.CohostStream == "" {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MixerTimeout)
		defer cancel()
		task, err := s.Mixer.Start(ctx, []shared.StreamID{b.StreamA, b.StreamB, b.CohostStream})
		if err != nil {
			s.Logger.Warn("cohost mixer start failed", zap.String("battle_id", string(b.ID)), zap.Error(err))
			return
		}
		e.mu.Lock()
		ended := e.b.Phase != battle.PhaseActive
		if !ended {
			e.mixerTask = task
		}
		e.mu.Unlock()
		if ended {
			if err := s.Mixer.Stop(ctx, task); err != nil {
				s.Logger.Warn("cohost mixer stop failed", zap.String("battle_id", string(b.ID)), zap.Error(err))
			}
		}
	}()
}

func (s *Service) stopMixer(id shared.BattleID, task string) {
	if s.Mixer == nil || task == "" {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MixerTimeout)
		defer cancel()
		if err := s.Mixer.Stop(ctx, task); err != nil {
			s.Logger.Warn("cohost mixer stop failed", zap.String("battle_id", string(id)), zap.Error(err))
		}
	}()
}
