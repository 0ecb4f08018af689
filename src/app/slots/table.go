package slots

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

// ErrOccupied is matched by every ConflictError.
var ErrOccupied = errors.New("stream slot is occupied")

// Holder names what currently owns a stream's battle slot.
type Holder string

const (
	kindInvitation = "invitation"
	kindBattle     = "battle"
)

func InvitationHolder(id shared.InvitationID) Holder {
	return Holder(kindInvitation + ":" + string(id))
}

func BattleHolder(id shared.BattleID) Holder {
	return Holder(kindBattle + ":" + string(id))
}

func (h Holder) IsBattle() bool {
	return strings.HasPrefix(string(h), kindBattle+":")
}

func (h Holder) IsInvitation() bool {
	return strings.HasPrefix(string(h), kindInvitation+":")
}

// ConflictError reports the first stream that could not be claimed and who holds it.
type ConflictError struct {
	Stream shared.StreamID
	Holder Holder
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stream %s is held by %s", e.Stream, e.Holder)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrOccupied
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Table is the per-stream battle slot registry. Slot ownership changes atomically across all
// streams of a claim. Lock provides per-stream critical sections for multi-step handoffs.
type Table struct {
	locksMu sync.Mutex
	locks   map[shared.StreamID]*keyLock

	mu      sync.RWMutex
	holders map[shared.StreamID]Holder
}

func NewTable() *Table {
	return &Table{
		locks:   make(map[shared.StreamID]*keyLock),
		holders: make(map[shared.StreamID]Holder),
	}
}

// Lock acquires the per-stream locks for every given stream and returns the release func.
// Streams are locked in sorted order so overlapping callers cannot deadlock.
func (t *Table) Lock(streams ...shared.StreamID) func() {
	keys := dedupe(streams)
	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		l := t.acquire(k)
		l.mu.Lock()
		held = append(held, l)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				t.releaseRef(keys[i])
			}
		})
	}
}

func (t *Table) acquire(k shared.StreamID) *keyLock {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[k]
	if !ok {
		l = &keyLock{}
		t.locks[k] = l
	}
	l.refs++
	return l
}

func (t *Table) releaseRef(k shared.StreamID) {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l := t.locks[k]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, k)
	}
}

// Claim gives holder every stream or none of them. A stream already owned by the same holder
// is not a conflict.
func (t *Table) Claim(holder Holder, streams ...shared.StreamID) error {
	keys := dedupe(streams)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if cur, ok := t.holders[k]; ok && cur != holder {
			return &ConflictError{Stream: k, Holder: cur}
		}
	}
	for _, k := range keys {
		t.holders[k] = holder
	}
	return nil
}

// Transfer hands streams owned by from to to without the slot ever appearing free.
func (t *Table) Transfer(from, to Holder, streams ...shared.StreamID) error {
	keys := dedupe(streams)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		if cur, ok := t.holders[k]; ok && cur != from && cur != to {
			return &ConflictError{Stream: k, Holder: cur}
		}
	}
	for _, k := range keys {
		t.holders[k] = to
	}
	return nil
}

// Release frees the streams still owned by holder and reports how many were freed.
func (t *Table) Release(holder Holder, streams ...shared.StreamID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	freed := 0
	for _, k := range dedupe(streams) {
		if t.holders[k] == holder {
			delete(t.holders, k)
			freed++
		}
	}
	return freed
}

// HolderOf returns the current owner of stream, if any.
func (t *Table) HolderOf(stream shared.StreamID) (Holder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.holders[stream]
	return h, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.holders)
}

func dedupe(streams []shared.StreamID) []shared.StreamID {
	out := make([]shared.StreamID, 0, len(streams))
	seen := make(map[shared.StreamID]struct{}, len(streams))
	for _, s := range streams {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Translate maps a slot conflict to the domain error for whoever holds the slot.
func Translate(err error) error {
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	if conflict.Holder.IsBattle() {
		return fmt.Errorf("%w: %s", battle.ErrDuplicateActiveBattle, conflict.Stream)
	}
	return fmt.Errorf("%w: %s", invitation.ErrDuplicatePendingInvite, conflict.Stream)
}
