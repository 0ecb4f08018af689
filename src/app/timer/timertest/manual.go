// Package timertest provides a deterministic scheduler for tests of code driven by timer keys.
package timertest

import (
	"sort"
	"sync"
	"time"

	"github.com/sonzai/livepk/src/app/timer"
)

type pending struct {
	at    time.Time
	delay time.Duration
	seq   int
	fn    func()
}

// Scheduler fires callbacks only when the test advances its clock or fires a key. Callbacks run
// synchronously on the calling goroutine.
type Scheduler struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending map[string]pending
	last    map[string]func()
}

func New(now time.Time) *Scheduler {
	return &Scheduler{now: now, pending: map[string]pending{}, last: map[string]func(){}}
}

func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) timer.Handle {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.pending[key] = pending{at: s.now.Add(delay), delay: delay, seq: s.seq, fn: fn}
	s.last[key] = fn
	return timer.Handle{}
}

func (s *Scheduler) CancelKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	delete(s.pending, key)
	return ok
}

func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward and fires every callback that falls due, in deadline order.
// Callbacks scheduled while advancing fire too if they are due before the new time.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	for {
		s.mu.Lock()
		key, next, ok := s.earliestLocked()
		if !ok || next.at.After(target) {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		if next.at.After(s.now) {
			s.now = next.at
		}
		s.mu.Unlock()
		next.fn()
	}
}

func (s *Scheduler) earliestLocked() (string, pending, bool) {
	if len(s.pending) == 0 {
		return "", pending{}, false
	}
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.pending[keys[i]], s.pending[keys[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	return keys[0], s.pending[keys[0]], true
}

// Fire runs the pending callback for key without moving the clock. It reports whether one was pending.
func (s *Scheduler) Fire(key string) bool {
	s.mu.Lock()
	p, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.fn()
	return true
}

// Replay runs the most recent callback scheduled under key again, as a duplicate delivery would.
func (s *Scheduler) Replay(key string) {
	s.mu.Lock()
	fn := s.last[key]
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Delay returns the delay a pending key was scheduled with.
func (s *Scheduler) Delay(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	return p.delay, ok
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
