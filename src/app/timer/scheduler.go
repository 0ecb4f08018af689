package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

type entry struct {
	key   string
	at    time.Time
	seq   uint64
	index int
	state *atomic.Int32
	fn    func()
}

// Handle refers to one scheduled callback. The zero Handle is valid and cancels nothing.
type Handle struct {
	e *entry
}

func (h Handle) Key() string {
	if h.e == nil {
		return ""
	}
	return h.e.key
}

// Fired reports whether the callback has started running.
func (h Handle) Fired() bool {
	return h.e != nil && h.e.state.Load() == stateFired
}

// Scheduler runs delayed callbacks on a single logical clock. Each callback fires at most
// once; scheduling an already pending key replaces the earlier timer.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu    sync.Mutex
	queue entryHeap
	byKey map[string]*entry
	seq   uint64

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started *atomic.Bool
	running sync.WaitGroup
}

func NewScheduler(clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:   clock,
		logger:  logger,
		byKey:   make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: atomic.NewBool(false),
	}
}

// Now is the scheduler's logical time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Start launches the dispatch loop. It is safe to schedule before Start.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop halts the loop and waits for callbacks already running. Pending timers are dropped.
func (s *Scheduler) Stop() {
	if s.started.CompareAndSwap(true, false) {
		close(s.stop)
		<-s.done
	}
	s.running.Wait()
}

// Schedule registers fn to run after delay under key, cancelling any pending timer with the same key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	if prev, ok := s.byKey[key]; ok {
		s.cancelLocked(prev)
	}
	s.seq++
	e := &entry{
		key:   key,
		at:    s.clock.Now().Add(delay),
		seq:   s.seq,
		state: atomic.NewInt32(statePending),
		fn:    fn,
	}
	heap.Push(&s.queue, e)
	s.byKey[key] = e
	s.mu.Unlock()

	s.notify()
	return Handle{e: e}
}

// Cancel stops a pending callback. It returns false when the callback already started or was
// cancelled before; that case is a no-op.
func (s *Scheduler) Cancel(h Handle) bool {
	if h.e == nil {
		return false
	}
	s.mu.Lock()
	cancelled := s.cancelLocked(h.e)
	s.mu.Unlock()
	if cancelled {
		s.notify()
	}
	return cancelled
}

// CancelKey cancels whatever is pending under key.
func (s *Scheduler) CancelKey(key string) bool {
	s.mu.Lock()
	e, ok := s.byKey[key]
	cancelled := ok && s.cancelLocked(e)
	s.mu.Unlock()
	if cancelled {
		s.notify()
	}
	return cancelled
}

// Pending is the number of callbacks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) cancelLocked(e *entry) bool {
	if !e.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	if s.byKey[e.key] == e {
		delete(s.byKey, e.key)
	}
	return true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		for _, e := range s.popDue(s.clock.Now()) {
			s.running.Add(1)
			go s.run(e)
		}

		var (
			t  clockwork.Timer
			ch <-chan time.Time
		)
		if wait, ok := s.nextWait(); ok {
			t = s.clock.NewTimer(wait)
			ch = t.Chan()
		}

		select {
		case <-ch:
		case <-s.wake:
		case <-s.stop:
			if t != nil {
				t.Stop()
			}
			return
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (s *Scheduler) popDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		if s.byKey[e.key] == e {
			delete(s.byKey, e.key)
		}
		if e.state.CompareAndSwap(statePending, stateFired) {
			due = append(due, e)
		}
	}
	return due
}

func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return 0, false
	}
	wait := s.queue[0].at.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (s *Scheduler) run(e *entry) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked", zap.String("key", e.key), zap.Any("panic", r))
		}
	}()
	e.fn()
}
