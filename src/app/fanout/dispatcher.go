package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

var (
	ErrDeliveryFailure = errors.New("fanout delivery failed")
	ErrClosed          = errors.New("fanout dispatcher is closed")
)

// Transport writes one envelope to its channel. Implementations may be local or relayed.
type Transport interface {
	Deliver(ctx context.Context, env realtime.Envelope) error
}

// Notification is an out-of-band push to a single user.
type Notification struct {
	UserID shared.UserID
	Title  string
	Body   string
	Data   map[string]string
}

type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

// Publisher is what the state machines depend on. Publishing never blocks on delivery.
type Publisher interface {
	PublishBattle(name realtime.EventName, b battle.Battle, payload any)
	PublishInvitation(inv invitation.Invitation)
}

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	Backoff        time.Duration
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 5 * time.Second
	}
	return c
}

type job struct {
	env  *realtime.Envelope
	push *Notification
}

func (j job) describe() []zap.Field {
	if j.env != nil {
		return []zap.Field{zap.String("event", string(j.env.Event)), zap.String("channel", j.env.Channel)}
	}
	return []zap.Field{zap.String("push_user", string(j.push.UserID))}
}

// Dispatcher resolves channels from the source entity, builds one envelope per channel and
// delivers them on a sharded worker pool. Envelopes for one channel keep their order.
type Dispatcher struct {
	transport Transport
	pusher    Pusher
	clock     clockwork.Clock
	logger    *zap.Logger
	cfg       Config

	mu     sync.RWMutex
	closed bool
	queues []chan job
	wg     sync.WaitGroup

	delivered tally.Counter
	failed    tally.Counter
	dropped   tally.Counter
	retried   tally.Counter
}

func NewDispatcher(transport Transport, pusher Pusher, cfg Config, clock clockwork.Clock, logger *zap.Logger, scope tally.Scope) *Dispatcher {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("fanout")
	d := &Dispatcher{
		transport: transport,
		pusher:    pusher,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		queues:    make([]chan job, cfg.Workers),
		delivered: scope.Tagged(map[string]string{"result": "delivered"}).Counter("deliveries"),
		failed:    scope.Tagged(map[string]string{"result": "failed"}).Counter("deliveries"),
		dropped:   scope.Tagged(map[string]string{"result": "dropped"}).Counter("deliveries"),
		retried:   scope.Counter("retries"),
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d
}

func (d *Dispatcher) PublishBattle(name realtime.EventName, b battle.Battle, payload any) {
	d.Publish(name, b.Channels(), payload)
}

// PublishInvitation fans the invitation out to the opponent and both streams. A freshly sent
// invitation also pushes to the opponent.
func (d *Dispatcher) PublishInvitation(inv invitation.Invitation) {
	d.Publish(realtime.EventInvitation, inv.Channels(), NewInvitationPayload(inv))
	if inv.Status == invitation.StatusSent && d.pusher != nil {
		d.Notify(Notification{
			UserID: inv.PushRecipient(),
			Title:  "PK battle invite",
			Body:   inv.Message(),
			Data: map[string]string{
				"event":        string(realtime.EventInvitation),
				"invitationId": string(inv.ID),
				"liveStreamId": string(inv.StreamA),
			},
		})
	}
}

// Publish enqueues one envelope per channel. Encoding errors and full queues are logged and
// counted, never returned.
func (d *Dispatcher) Publish(name realtime.EventName, channels []realtime.Channel, payload any) {
	now := d.clock.Now()
	for _, ch := range channels {
		env, err := realtime.NewEnvelope(name, ch, payload, now)
		if err != nil {
			d.logger.Error("failed to encode envelope", zap.String("event", string(name)), zap.Error(err))
			d.dropped.Inc(1)
			continue
		}
		d.enqueue(ch.String(), job{env: &env})
	}
}

func (d *Dispatcher) Notify(n Notification) {
	d.enqueue("push:"+string(n.UserID), job{push: &n})
}

func (d *Dispatcher) enqueue(shardKey string, j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Inc(1)
		d.logger.Warn("dropping fanout after close", append(j.describe(), zap.Error(ErrClosed))...)
		return
	}
	select {
	case d.queues[shard(shardKey, len(d.queues))] <- j:
	default:
		d.dropped.Inc(1)
		d.logger.Error("fanout queue full", append(j.describe(), zap.Error(ErrDeliveryFailure))...)
	}
}

// Close stops intake and waits for queued deliveries, including their retries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(queue <-chan job) {
	defer d.wg.Done()
	for j := range queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.attempt(j); err == nil {
			d.delivered.Inc(1)
			return
		}
		if attempt < d.cfg.MaxAttempts {
			d.retried.Inc(1)
			d.clock.Sleep(d.cfg.Backoff << (attempt - 1))
		}
	}
	d.failed.Inc(1)
	fields := append(j.describe(), zap.Int("attempts", d.cfg.MaxAttempts), zap.Error(err))
	d.logger.Error(ErrDeliveryFailure.Error(), fields...)
}

func (d *Dispatcher) attempt(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliverTimeout)
	defer cancel()
	if j.env != nil {
		if d.transport == nil {
			return nil
		}
		return d.transport.Deliver(ctx, *j.env)
	}
	return d.pusher.Push(ctx, *j.push)
}

func shard(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
