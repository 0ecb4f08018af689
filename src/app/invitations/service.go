package invitations

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/fanout"
	"github.com/sonzai/livepk/src/app/slots"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
)

// BattleStarter turns an accepted invitation into a battle.
type BattleStarter interface {
	StartFromInvitation(ctx context.Context, inv invitation.Invitation) (battle.Battle, error)
	ResolveRules(rounds int, roundDuration time.Duration) (battle.Rules, error)
	GetBattle(ctx context.Context, id shared.BattleID) (battle.Battle, error)
}

type Recorder interface {
	RecordInvitation(inv invitation.Invitation)
}

type Archive interface {
	Invitation(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error)
}

type Options struct {
	// Timeout is how long an invitation stays SENT before it times out.
	Timeout time.Duration
	// Retention keeps resolved invitations in memory so repeated responses stay idempotent.
	Retention time.Duration
}

// Service is the invitation registry. Every handshake step for a pair of streams runs inside
// that pair's stream locks, so an invitation and the battle it becomes are never both absent.
type Service struct {
	Slots   *slots.Table
	Battles BattleStarter
	Timers  battles.Scheduler
	Fanout  fanout.Publisher
	Store   Recorder
	Archive Archive
	Logger  *zap.Logger
	NewID   func() shared.InvitationID

	opts Options

	mu      sync.RWMutex
	invites map[shared.InvitationID]*invitation.Invitation

	outcomes tally.Scope
}

func NewService(table *slots.Table, starter BattleStarter, timers battles.Scheduler, publisher fanout.Publisher, store Recorder, opts Options, logger *zap.Logger, scope tally.Scope) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Service{
		Slots:    table,
		Battles:  starter,
		Timers:   timers,
		Fanout:   publisher,
		Store:    store,
		Logger:   logger,
		NewID:    func() shared.InvitationID { return shared.InvitationID(uuid.Must(uuid.NewV4()).String()) },
		opts:     opts,
		invites:  make(map[shared.InvitationID]*invitation.Invitation),
		outcomes: scope.SubScope("invitations"),
	}
}

func (s *Service) WithArchive(a Archive) *Service {
	s.Archive = a
	return s
}

func timeoutKey(id shared.InvitationID) string { return "invitation:" + string(id) + ":timeout" }
func evictKey(id shared.InvitationID) string { return "invitation:" + string(id) + ":evict" }

type InviteCommand struct {
	ChallengerID     shared.UserID
	ChallengerName   string
	ChallengerAvatar string
	OpponentID       shared.UserID
	StreamA          shared.StreamID
	StreamB          shared.StreamID
	CohostStream     shared.StreamID
	Rounds           int
	RoundDuration    time.Duration
}

// Invite opens a handshake. It fails when either stream already has a pending invitation or a
// live battle.
func (s *Service) Invite(ctx context.Context, cmd InviteCommand) (invitation.Invitation, error) {
	if _, err := s.Battles.ResolveRules(cmd.Rounds, cmd.RoundDuration); err != nil {
		return invitation.Invitation{}, err
	}
	now := s.Timers.Now()
	inv, err := invitation.NewInvitation(s.NewID(), invitation.Params{
		ChallengerID:     cmd.ChallengerID,
		ChallengerName:   cmd.ChallengerName,
		ChallengerAvatar: cmd.ChallengerAvatar,
		OpponentID:       cmd.OpponentID,
		StreamA:          cmd.StreamA,
		StreamB:          cmd.StreamB,
		CohostStream:     cmd.CohostStream,
		Rounds:           cmd.Rounds,
		RoundDuration:    cmd.RoundDuration,
	}, now, s.opts.Timeout)
	if err != nil {
		return invitation.Invitation{}, err
	}

	unlock := s.Slots.Lock(inv.Streams()...)
	defer unlock()

	if err := s.Slots.Claim(slots.InvitationHolder(inv.ID), inv.Streams()...); err != nil {
		s.count("conflict")
		return invitation.Invitation{}, slots.Translate(err)
	}

	s.mu.Lock()
	s.invites[inv.ID] = inv
	snap := inv.Snapshot()
	s.mu.Unlock()

	id := inv.ID
	s.Timers.Schedule(timeoutKey(id), s.opts.Timeout, func() { s.onTimeout(id) })

	s.count("sent")
	s.Logger.Info("battle invitation sent",
		zap.String("invitation_id", string(id)),
		zap.String("challenger_id", string(snap.ChallengerID)),
		zap.String("opponent_id", string(snap.OpponentID)))
	s.Fanout.PublishInvitation(snap)
	s.record(snap)
	return snap, nil
}

type RespondCommand struct {
	InvitationID shared.InvitationID
	// ResponderID, when set, must be the invited opponent.
	ResponderID shared.UserID
	Accept      bool
}

type RespondResult struct {
	Invitation invitation.Invitation
	// Battle is set when the invitation was accepted.
	Battle *battle.Battle
}

// Respond accepts or rejects a SENT invitation. Repeating the same response returns the first
// result; responding after another resolution reports ErrAlreadyResolved with the final record.
func (s *Service) Respond(ctx context.Context, cmd RespondCommand) (RespondResult, error) {
	inv, err := s.lookup(ctx, cmd.InvitationID)
	if err != nil {
		return RespondResult{}, err
	}
	if cmd.ResponderID != "" && cmd.ResponderID != inv.OpponentID {
		return RespondResult{}, invitation.ErrNotParticipant
	}
	want := invitation.StatusRejected
	if cmd.Accept {
		want = invitation.StatusAccepted
	}

	unlock := s.Slots.Lock(inv.Streams()...)
	defer unlock()

	live, ok := s.live(cmd.InvitationID)
	if !ok || live.Status != invitation.StatusSent {
		final := inv
		if ok {
			final = live
		}
		return s.settled(ctx, final, want)
	}

	if !cmd.Accept {
		snap := s.resolve(cmd.InvitationID, invitation.StatusRejected, "")
		s.Slots.Release(slots.InvitationHolder(snap.ID), snap.Streams()...)
		s.announce(snap)
		return RespondResult{Invitation: snap}, nil
	}

	b, err := s.Battles.StartFromInvitation(ctx, live)
	if err != nil {
		s.Logger.Error("battle start failed for accepted invitation",
			zap.String("invitation_id", string(cmd.InvitationID)), zap.Error(err))
		snap := s.resolve(cmd.InvitationID, invitation.StatusCancelled, "")
		s.Slots.Release(slots.InvitationHolder(snap.ID), snap.Streams()...)
		s.announce(snap)
		return RespondResult{Invitation: snap}, err
	}
	snap := s.resolve(cmd.InvitationID, invitation.StatusAccepted, b.ID)
	s.announce(snap)
	return RespondResult{Invitation: snap, Battle: &b}, nil
}

// settled answers a response to an invitation that is no longer SENT.
func (s *Service) settled(ctx context.Context, inv invitation.Invitation, want invitation.Status) (RespondResult, error) {
	res := RespondResult{Invitation: inv}
	if inv.Status != want {
		return res, invitation.ErrAlreadyResolved
	}
	if inv.BattleID != "" {
		b, err := s.Battles.GetBattle(ctx, inv.BattleID)
		if err == nil {
			res.Battle = &b
		}
	}
	return res, nil
}

// CancelInvite lets the challenger withdraw a SENT invitation.
func (s *Service) CancelInvite(ctx context.Context, id shared.InvitationID, challengerID shared.UserID) (invitation.Invitation, error) {
	inv, err := s.lookup(ctx, id)
	if err != nil {
		return invitation.Invitation{}, err
	}
	if challengerID != "" && challengerID != inv.ChallengerID {
		return invitation.Invitation{}, invitation.ErrNotParticipant
	}

	unlock := s.Slots.Lock(inv.Streams()...)
	defer unlock()

	live, ok := s.live(id)
	if !ok || live.Status != invitation.StatusSent {
		if ok {
			inv = live
		}
		if inv.Status == invitation.StatusCancelled {
			return inv, nil
		}
		return inv, invitation.ErrAlreadyResolved
	}
	snap := s.resolve(id, invitation.StatusCancelled, "")
	s.Slots.Release(slots.InvitationHolder(id), snap.Streams()...)
	s.announce(snap)
	return snap, nil
}

func (s *Service) onTimeout(id shared.InvitationID) {
	inv, ok := s.live(id)
	if !ok {
		return
	}
	unlock := s.Slots.Lock(inv.Streams()...)
	defer unlock()

	if cur, ok := s.live(id); !ok || cur.Status != invitation.StatusSent {
		return
	}
	snap := s.resolve(id, invitation.StatusTimedOut, "")
	s.Slots.Release(slots.InvitationHolder(id), snap.Streams()...)
	s.announce(snap)
}

// resolve moves a SENT invitation to its terminal status. The caller holds the stream locks and
// has checked the status.
func (s *Service) resolve(id shared.InvitationID, outcome invitation.Status, battleID shared.BattleID) invitation.Invitation {
	now := s.Timers.Now()
	s.Timers.CancelKey(timeoutKey(id))

	s.mu.Lock()
	inv := s.invites[id]
	if err := inv.Resolve(outcome, now); err != nil {
		s.Logger.Warn("invitation resolve rejected", zap.String("invitation_id", string(id)), zap.Error(err))
	}
	inv.BattleID = battleID
	snap := inv.Snapshot()
	s.mu.Unlock()

	s.Timers.Schedule(evictKey(id), s.opts.Retention, func() { s.evict(id) })
	s.count(string(outcome))
	s.Logger.Info("battle invitation resolved",
		zap.String("invitation_id", string(id)),
		zap.String("status", string(outcome)),
		zap.String("battle_id", string(battleID)))
	return snap
}

func (s *Service) announce(inv invitation.Invitation) {
	s.Fanout.PublishInvitation(inv)
	s.record(inv)
}

func (s *Service) evict(id shared.InvitationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[id]; ok && inv.Status.Terminal() {
		delete(s.invites, id)
	}
}

// GetInvitation returns the registry copy, falling back to the persisted record.
func (s *Service) GetInvitation(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	return s.lookup(ctx, id)
}

func (s *Service) lookup(ctx context.Context, id shared.InvitationID) (invitation.Invitation, error) {
	if err := id.Validate(); err != nil {
		return invitation.Invitation{}, err
	}
	if inv, ok := s.live(id); ok {
		return inv, nil
	}
	if s.Archive == nil {
		return invitation.Invitation{}, invitation.ErrUnknownInvitation
	}
	inv, err := s.Archive.Invitation(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return invitation.Invitation{}, invitation.ErrUnknownInvitation
	}
	return inv, err
}

func (s *Service) live(id shared.InvitationID) (invitation.Invitation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[id]
	if !ok {
		return invitation.Invitation{}, false
	}
	return inv.Snapshot(), true
}

// Pending is the number of invitations still SENT.
func (s *Service) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inv := range s.invites {
		if inv.Status == invitation.StatusSent {
			n++
		}
	}
	return n
}

func (s *Service) record(inv invitation.Invitation) {
	if s.Store != nil {
		s.Store.RecordInvitation(inv)
	}
}

func (s *Service) count(outcome string) {
	s.outcomes.Tagged(map[string]string{"outcome": outcome}).Counter("total").Inc(1)
}
