package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sonzai/livepk/src/domain/shared"
)

// ChannelKind distinguishes broadcast stream channels from a user's personal channel.
type ChannelKind string

const (
	KindStream ChannelKind = "stream"
	KindUser   ChannelKind = "user"
)

// Channel is a computed fanout destination. It is derived per event and never stored.
type Channel struct {
	Kind ChannelKind
	ID   string
}

func StreamChannel(id shared.StreamID) Channel {
	return Channel{Kind: KindStream, ID: string(id)}
}

func UserChannel(id shared.UserID) Channel {
	return Channel{Kind: KindUser, ID: string(id)}
}

func (c Channel) String() string {
	return string(c.Kind) + ":" + c.ID
}

// ParseChannel parses the "kind:id" form produced by String.
func ParseChannel(raw string) (Channel, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return Channel{}, fmt.Errorf("%w: channel must look like stream:<id> or user:<id>", shared.ErrInvalidArgument)
	}
	switch ChannelKind(kind) {
	case KindStream, KindUser:
		return Channel{Kind: ChannelKind(kind), ID: id}, nil
	}
	return Channel{}, fmt.Errorf("%w: unknown channel kind %q", shared.ErrInvalidArgument, kind)
}

// EventName tags every outbound real-time message.
type EventName string

const (
	EventInvitation       EventName = "pk.battle.invitation"
	EventCountdownStarted EventName = "pk.battle.countdown-started"
	EventStarted          EventName = "pk.battle.started"
	EventScoreUpdated     EventName = "pk.battle.score-updated"
	EventEnded            EventName = "pk.battle.ended"
	EventCancelled        EventName = "pk.battle.cancelled"
)

// Envelope is the normalized frame written to a channel.
type Envelope struct {
	Event   EventName       `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	SentAt  int64           `json:"sentAt"`
}

func NewEnvelope(name EventName, channel Channel, payload any, now time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Event:   name,
		Channel: channel.String(),
		Data:    data,
		SentAt:  now.Unix(),
	}, nil
}
