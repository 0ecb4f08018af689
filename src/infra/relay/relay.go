package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/domain/realtime"
)

const DefaultPrefix = "pk:"

// Local receives envelopes relayed from any node. The websocket hub satisfies it.
type Local interface {
	Deliver(ctx context.Context, env realtime.Envelope) error
}

// Relay publishes envelopes on Redis pub/sub so every node delivers them to its own
// subscribers. Publishing nodes receive their own messages back through Run.
type Relay struct {
	rdb    redis.UniversalClient
	local  Local
	prefix string
	logger *zap.Logger

	published tally.Counter
	received  tally.Counter
	malformed tally.Counter
}

func New(rdb redis.UniversalClient, local Local, prefix string, logger *zap.Logger, scope tally.Scope) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("relay")
	return &Relay{
		rdb:       rdb,
		local:     local,
		prefix:    prefix,
		logger:    logger,
		published: scope.Counter("published"),
		received:  scope.Counter("received"),
		malformed: scope.Counter("malformed"),
	}
}

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Deliver publishes env to the Redis topic for its channel.
func (r *Relay) Deliver(ctx context.Context, env realtime.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.prefix+env.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Channel, err)
	}
	r.published.Inc(1)
	return nil
}

// Run pattern-subscribes to every relayed channel and forwards messages to the local
// transport until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", r.prefix, err)
	}
	r.logger.Info("relay subscribed", zap.String("pattern", r.prefix+"*"))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.forward(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *Relay) forward(ctx context.Context, topic, payload string) {
	var env realtime.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.malformed.Inc(1)
		r.logger.Warn("dropping malformed relay message", zap.String("topic", topic), zap.Error(err))
		return
	}
	if env.Channel != strings.TrimPrefix(topic, r.prefix) {
		r.malformed.Inc(1)
		r.logger.Warn("relay topic does not match envelope channel",
			zap.String("topic", topic), zap.String("channel", env.Channel))
		return
	}
	r.received.Inc(1)
	if err := r.local.Deliver(ctx, env); err != nil {
		r.logger.Warn("local delivery failed", zap.String("channel", env.Channel), zap.Error(err))
	}
}
