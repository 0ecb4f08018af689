package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

type Config struct {
	SweepInterval time.Duration
	SaveTimeout   time.Duration
}

type record struct {
	seq    uint64
	battle *battle.Battle
	invite *invitation.Invitation
}

// Writer persists snapshots after transitions. Callers never wait on the store: the latest
// snapshot per entity is queued and written in the background, and failed writes stay queued
// until a later sweep succeeds.
type Writer struct {
	battles battle.Repository
	invites invitation.Repository
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]record
	seq     uint64

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	cron    gocron.Scheduler

	saved    tally.Counter
	failed   tally.Counter
	rejected tally.Counter
	depth    tally.Gauge
}

func New(battles battle.Repository, invites invitation.Repository, cfg Config, clock clockwork.Clock, logger *zap.Logger, scope tally.Scope) (*Writer, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, err
	}
	scope = scope.SubScope("outbox")
	w := &Writer{
		battles:  battles,
		invites:  invites,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]record),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cron:     cron,
		saved:    scope.Counter("saved"),
		failed:   scope.Counter("failed"),
		rejected: scope.Counter("rejected"),
		depth:    scope.Gauge("pending"),
	}
	if _, err := cron.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(w.kick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}
	return w, nil
}

// Start runs the write loop and the retry sweep.
func (w *Writer) Start() {
	go w.loop()
	w.cron.Start()
}

// Close stops the sweep and makes one last synchronous attempt at everything still queued.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.cron.Shutdown(); err != nil {
		w.logger.Warn("outbox sweep shutdown", zap.Error(err))
	}
	close(w.stop)
	<-w.done
	return w.Flush(ctx)
}

func battleKey(id shared.BattleID) string { return "battle:" + string(id) }
func invitationKey(id shared.InvitationID) string { return "invitation:" + string(id) }

func (w *Writer) RecordBattle(b battle.Battle) {
	w.enqueue(battleKey(b.ID), record{battle: &b})
}

func (w *Writer) RecordInvitation(inv invitation.Invitation) {
	w.enqueue(invitationKey(inv.ID), record{invite: &inv})
}

func (w *Writer) enqueue(key string, r record) {
	w.mu.Lock()
	if prev, ok := w.pending[key]; ok && prev.battle != nil && r.battle != nil &&
		prev.battle.UpdatedAt.After(r.battle.UpdatedAt) {
		w.mu.Unlock()
		return
	}
	w.seq++
	r.seq = w.seq
	w.pending[key] = r
	w.depth.Update(float64(len(w.pending)))
	w.mu.Unlock()
	w.kick()
}

func (w *Writer) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Battle returns the newest known snapshot, preferring one that is still queued.
func (w *Writer) Battle(ctx context.Context, id shared.BattleID) (battle.Battle, error) {
	w.mu.Lock()
	r, ok := w.pending[battleKey(id)]
	w.mu.Unlock()
	if ok {
		return *r.battle, nil
	}
	return w.battles.Get(ctx, id)
}

func (w *Writer) Invitation(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	w.mu.Lock()
	r, ok := w.pending[invitationKey(id)]
	w.mu.Unlock()
	if ok {
		return *r.invite, nil
	}
	return w.invites.Get(ctx, id)
}

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			_ = w.Flush(context.Background())
		case <-w.stop:
			return
		}
	}
}

// Flush writes every queued snapshot once and returns the first transient failure.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := make(map[string]record, len(w.pending))
	for k, r := range w.pending {
		batch[k] = r
	}
	w.mu.Unlock()

	var first error
	for key, r := range batch {
		err := w.save(ctx, r)
		switch {
		case err == nil:
			w.saved.Inc(1)
			w.settle(key, r.seq)
		case errors.Is(err, shared.ErrRejected):
			w.rejected.Inc(1)
			w.logger.Error("store rejected snapshot, dropping", zap.String("key", key), zap.Error(err))
			w.settle(key, r.seq)
		default:
			w.failed.Inc(1)
			w.logger.Warn("snapshot write failed, will retry", zap.String("key", key), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (w *Writer) save(ctx context.Context, r record) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.SaveTimeout)
	defer cancel()
	if r.battle != nil {
		return w.battles.Save(ctx, *r.battle)
	}
	return w.invites.Save(ctx, *r.invite)
}

// settle drops the record unless a newer snapshot arrived while it was being written.
func (w *Writer) settle(key string, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.pending[key]; ok && cur.seq == seq {
		delete(w.pending, key)
	}
	w.depth.Update(float64(len(w.pending)))
}
