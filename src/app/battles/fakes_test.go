package battles_test

import (
	"context"
	"sort"
	"sync"

	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

type published struct {
	name    realtime.EventName
	battle  battle.Battle
	payload any
}

type recordingPublisher struct {
	mu          sync.Mutex
	events      []published
	invitations []invitation.Invitation
}

func (r *recordingPublisher) PublishBattle(name realtime.EventName, b battle.Battle, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{name: name, battle: b, payload: payload})
}

func (r *recordingPublisher) PublishInvitation(inv invitation.Invitation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations = append(r.invitations, inv)
}

func (r *recordingPublisher) named(name realtime.EventName) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type memoryRecorder struct {
	mu      sync.Mutex
	battles map[shared.BattleID]battle.Battle
	writes  int
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{battles: map[shared.BattleID]battle.Battle{}}
}

func (m *memoryRecorder) RecordBattle(b battle.Battle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.battles[b.ID] = b
	m.writes++
}

func (m *memoryRecorder) Battle(_ context.Context, id shared.BattleID) (battle.Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	if !ok {
		return battle.Battle{}, shared.ErrNotFound
	}
	return b, nil
}

type mockMixer struct {
	mu        sync.Mutex
	startFunc func(ctx context.Context, participants []shared.StreamID) (string, error)
	started   [][]shared.StreamID
	stopped   []string
}

func (m *mockMixer) Start(ctx context.Context, participants []shared.StreamID) (string, error) {
	m.mu.Lock()
	m.started = append(m.started, participants)
	m.mu.Unlock()
	if m.startFunc != nil {
		return m.startFunc(ctx, participants)
	}
	return "task-1", nil
}

func (m *mockMixer) Stop(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, taskID)
	return nil
}

func sortedStreams(ids []shared.StreamID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	sort.Strings(out)
	return out
}
