package scores

import (
	"slices"
	"sync"

	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/score"
	"github.com/sonzai/livepk/src/domain/shared"
)

type ledger struct {
	// mu is read-held by every apply and write-held by Freeze, so no apply can land after the
	// final totals are taken.
	mu     sync.RWMutex
	closed bool
	a      *atomic.Int64
	b      *atomic.Int64
	seen   sync.Map
}

func newLedger() *ledger {
	return &ledger{a: atomic.NewInt64(0), b: atomic.NewInt64(0)}
}

func (l *ledger) totals() score.Totals {
	return score.Totals{A: l.a.Load(), B: l.b.Load()}
}

// Aggregator keeps one running ledger per ACTIVE battle. Applies to the same battle run in
// parallel; only source de-duplication is synchronized.
type Aggregator struct {
	mu      sync.RWMutex
	ledgers map[shared.BattleID]*ledger

	applied    tally.Counter
	duplicates tally.Counter
	rejected   tally.Counter
}

func NewAggregator(scope tally.Scope) *Aggregator {
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("scores")
	return &Aggregator{
		ledgers:    make(map[shared.BattleID]*ledger),
		applied:    scope.Tagged(map[string]string{"result": "applied"}).Counter("events"),
		duplicates: scope.Tagged(map[string]string{"result": "duplicate"}).Counter("events"),
		rejected:   scope.Tagged(map[string]string{"result": "rejected"}).Counter("events"),
	}
}

// Reset opens a zeroed ledger for the battle, replacing any previous one.
func (a *Aggregator) Reset(id shared.BattleID) {
	a.mu.Lock()
	a.ledgers[id] = newLedger()
	a.mu.Unlock()
}

// Seed opens a ledger that starts from previously persisted totals and the sources already counted
// in them, so redelivered events stay duplicates.
func (a *Aggregator) Seed(id shared.BattleID, totals score.Totals, sources []shared.SourceID) {
	l := newLedger()
	l.a.Store(totals.A)
	l.b.Store(totals.B)
	for _, src := range sources {
		l.seen.Store(src, struct{}{})
	}
	a.mu.Lock()
	a.ledgers[id] = l
	a.mu.Unlock()
}

func (a *Aggregator) ledger(id shared.BattleID) (*ledger, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.ledgers[id]
	return l, ok
}

// Apply adds the event to its battle's totals. A repeated source id leaves the totals unchanged
// and reports ErrDuplicateSource alongside the current totals.
func (a *Aggregator) Apply(e score.Event) (score.Totals, error) {
	if err := e.Validate(); err != nil {
		a.rejected.Inc(1)
		return score.Totals{}, err
	}
	l, ok := a.ledger(e.BattleID)
	if !ok {
		a.rejected.Inc(1)
		return score.Totals{}, score.ErrUnknownLedger
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		a.rejected.Inc(1)
		return l.totals(), score.ErrLedgerClosed
	}
	if _, dup := l.seen.LoadOrStore(e.SourceID, struct{}{}); dup {
		a.duplicates.Inc(1)
		return l.totals(), score.ErrDuplicateSource
	}
	if e.Side == battle.SideA {
		l.a.Add(e.Amount)
	} else {
		l.b.Add(e.Amount)
	}
	a.applied.Inc(1)
	return l.totals(), nil
}

func (a *Aggregator) Totals(id shared.BattleID) (score.Totals, error) {
	l, ok := a.ledger(id)
	if !ok {
		return score.Totals{}, score.ErrUnknownLedger
	}
	return l.totals(), nil
}

// Checkpoint returns the totals together with exactly the sources counted in them, sorted. Applies
// wait while the checkpoint is taken.
func (a *Aggregator) Checkpoint(id shared.BattleID) (score.Totals, []shared.SourceID, error) {
	l, ok := a.ledger(id)
	if !ok {
		return score.Totals{}, nil, score.ErrUnknownLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var sources []shared.SourceID
	l.seen.Range(func(key, _ any) bool {
		sources = append(sources, key.(shared.SourceID))
		return true
	})
	slices.Sort(sources)
	return l.totals(), sources, nil
}

// Freeze closes the ledger to further applies and returns the final totals. Freezing twice
// returns the same totals.
func (a *Aggregator) Freeze(id shared.BattleID) (score.Totals, error) {
	l, ok := a.ledger(id)
	if !ok {
		return score.Totals{}, score.ErrUnknownLedger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.totals(), nil
}

// Discard drops the ledger. It is safe to call for battles that never had one.
func (a *Aggregator) Discard(id shared.BattleID) {
	a.mu.Lock()
	delete(a.ledgers, id)
	a.mu.Unlock()
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ledgers)
}
