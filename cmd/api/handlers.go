package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/invitations"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/realtime"
	"github.com/sonzai/livepk/src/domain/shared"
)

var errForbidden = errors.New("caller may not act on this resource")

// decodeJSON reads an optional JSON body. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", shared.ErrInvalidArgument, err)
	}
	return nil
}

type BattleResponse struct {
	ID                   string  `json:"id"`
	InvitationID         string  `json:"invitationId,omitempty"`
	Phase                string  `json:"phase"`
	ChallengerID         string  `json:"challengerId"`
	OpponentID           string  `json:"opponentId"`
	StreamA              string  `json:"streamA"`
	StreamB              string  `json:"streamB"`
	CohostStream         string  `json:"cohostStream,omitempty"`
	Rounds               int     `json:"rounds"`
	RoundDurationSeconds int64   `json:"roundDurationSeconds"`
	CountdownSeconds     int64   `json:"countdownSeconds"`
	TiePolicy            string  `json:"tiePolicy"`
	ScoreA               int64   `json:"scoreA"`
	ScoreB               int64   `json:"scoreB"`
	WinnerID             *string `json:"winnerId"`
	Draw                 bool    `json:"draw"`
	EndReason            string  `json:"endReason,omitempty"`
	CreatedAt            int64   `json:"createdAt"`
	StartedAt            int64   `json:"startedAt,omitempty"`
	EndsAt               int64   `json:"endsAt,omitempty"`
	EndedAt              int64   `json:"endedAt,omitempty"`
}

func newBattleResponse(b battle.Battle) BattleResponse {
	out := BattleResponse{
		ID:                   string(b.ID),
		InvitationID:         string(b.InvitationID),
		Phase:                string(b.Phase),
		ChallengerID:         string(b.UserA),
		OpponentID:           string(b.UserB),
		StreamA:              string(b.StreamA),
		StreamB:              string(b.StreamB),
		CohostStream:         string(b.CohostStream),
		Rounds:               b.Rules.Rounds,
		RoundDurationSeconds: int64(b.Rules.RoundDuration / time.Second),
		CountdownSeconds:     int64(b.Rules.CountdownDuration / time.Second),
		TiePolicy:            string(b.Rules.TiePolicy),
		ScoreA:               b.ScoreA,
		ScoreB:               b.ScoreB,
		Draw:                 b.Draw,
		EndReason:            string(b.EndReason),
		CreatedAt:            unix(b.CreatedAt),
		StartedAt:            unix(b.StartedAt),
		EndsAt:               unix(b.EndsAt),
		EndedAt:              unix(b.EndedAt),
	}
	if b.WinnerID != "" {
		winner := string(b.WinnerID)
		out.WinnerID = &winner
	}
	return out
}

type InvitationResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	ChallengerID     string `json:"challengerId"`
	ChallengerName   string `json:"challengerName"`
	ChallengerAvatar string `json:"challengerAvatar,omitempty"`
	OpponentID       string `json:"opponentId"`
	StreamA          string `json:"streamA"`
	StreamB          string `json:"streamB"`
	CohostStream     string `json:"cohostStream,omitempty"`
	BattleID         string `json:"battleId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	ExpiresAt        int64  `json:"expiresAt"`
	ResolvedAt       int64  `json:"resolvedAt,omitempty"`
}

func newInvitationResponse(inv invitation.Invitation) InvitationResponse {
	return InvitationResponse{
		ID:               string(inv.ID),
		Status:           string(inv.Status),
		Message:          inv.Message(),
		ChallengerID:     string(inv.ChallengerID),
		ChallengerName:   inv.ChallengerName,
		ChallengerAvatar: inv.ChallengerAvatar,
		OpponentID:       string(inv.OpponentID),
		StreamA:          string(inv.StreamA),
		StreamB:          string(inv.StreamB),
		CohostStream:     string(inv.CohostStream),
		BattleID:         string(inv.BattleID),
		CreatedAt:        unix(inv.CreatedAt),
		ExpiresAt:        unix(inv.ExpiresAt),
		ResolvedAt:       unix(inv.ResolvedAt),
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type InviteRequest struct {
	OpponentID           string `json:"opponentId"`
	StreamA              string `json:"streamA"`
	StreamB              string `json:"streamB"`
	CohostStream         string `json:"cohostStream"`
	ChallengerName       string `json:"challengerName"`
	ChallengerAvatar     string `json:"challengerAvatar"`
	Rounds               int    `json:"rounds"`
	RoundDurationSeconds int64  `json:"roundDurationSeconds"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inv, err := s.cfg.Invitations.Invite(r.Context(), invitations.InviteCommand{
		ChallengerID:     userFromContext(r.Context()),
		ChallengerName:   req.ChallengerName,
		ChallengerAvatar: req.ChallengerAvatar,
		OpponentID:       shared.UserID(req.OpponentID),
		StreamA:          shared.StreamID(req.StreamA),
		StreamB:          shared.StreamID(req.StreamB),
		CohostStream:     shared.StreamID(req.CohostStream),
		Rounds:           req.Rounds,
		RoundDuration:    seconds(req.RoundDurationSeconds),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newInvitationResponse(inv))
}

func (s *Server) handleGetInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.cfg.Invitations.GetInvitation(r.Context(), shared.InvitationID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if user := userFromContext(r.Context()); user != inv.ChallengerID && user != inv.OpponentID {
		s.writeError(w, r, errForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, newInvitationResponse(inv))
}

type RespondRequest struct {
	Accept bool `json:"accept"`
}

type RespondResponse struct {
	Invitation InvitationResponse `json:"invitation"`
	Battle     *BattleResponse    `json:"battle,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.cfg.Invitations.Respond(r.Context(), invitations.RespondCommand{
		InvitationID: shared.InvitationID(mux.Vars(r)["id"]),
		ResponderID:  userFromContext(r.Context()),
		Accept:       req.Accept,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := RespondResponse{Invitation: newInvitationResponse(out.Invitation)}
	if out.Battle != nil {
		b := newBattleResponse(*out.Battle)
		resp.Battle = &b
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := s.cfg.Invitations.CancelInvite(r.Context(), shared.InvitationID(mux.Vars(r)["id"]), userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newInvitationResponse(inv))
}

type StartBattleRequest struct {
	OpponentID           string `json:"opponentId"`
	StreamA              string `json:"streamA"`
	StreamB              string `json:"streamB"`
	CohostStream         string `json:"cohostStream"`
	Rounds               int    `json:"rounds"`
	RoundDurationSeconds int64  `json:"roundDurationSeconds"`
	// DurationSeconds asks for a single round of that length. It excludes the two fields above.
	DurationSeconds      int64  `json:"durationSeconds"`
}

func (req StartBattleRequest) rounds() (int, time.Duration, error) {
	if req.DurationSeconds == 0 {
		return req.Rounds, seconds(req.RoundDurationSeconds), nil
	}
	if req.Rounds > 1 || req.RoundDurationSeconds != 0 {
		return 0, 0, fmt.Errorf("%w: durationSeconds cannot be combined with rounds or roundDurationSeconds",
			shared.ErrInvalidArgument)
	}
	return 1, seconds(req.DurationSeconds), nil
}

// seconds converts a request field, saturating instead of wrapping so oversized values still fail
// rule validation.
func seconds(n int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Second)
	switch {
	case n > limit:
		return math.MaxInt64
	case n < -limit:
		return math.MinInt64
	}
	return time.Duration(n) * time.Second
}

func (s *Server) handleStartDirect(w http.ResponseWriter, r *http.Request) {
	var req StartBattleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rounds, roundDuration, err := req.rounds()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.cfg.Battles.StartDirect(r.Context(), battles.StartDirectCommand{
		ChallengerID:  userFromContext(r.Context()),
		StreamA:       shared.StreamID(req.StreamA),
		OpponentID:    shared.UserID(req.OpponentID),
		StreamB:       shared.StreamID(req.StreamB),
		CohostStream:  shared.StreamID(req.CohostStream),
		Rounds:        rounds,
		RoundDuration: roundDuration,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newBattleResponse(b))
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Battles.GetBattle(r.Context(), shared.BattleID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBattleResponse(b))
}

func (s *Server) handleStreamBattle(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Battles.BattleForStream(r.Context(), shared.StreamID(mux.Vars(r)["id"]))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBattleResponse(b))
}

// participant loads a battle and checks the caller is one of its two broadcasters.
func (s *Server) participant(r *http.Request) (shared.BattleID, error) {
	id := shared.BattleID(mux.Vars(r)["id"])
	b, err := s.cfg.Battles.GetBattle(r.Context(), id)
	if err != nil {
		return id, err
	}
	if user := userFromContext(r.Context()); user != b.UserA && user != b.UserB {
		return id, errForbidden
	}
	return id, nil
}

type EndBattleRequest struct {
	Forfeited      bool   `json:"forfeited"`
	ForfeitingSide string `json:"forfeitingSide"`
}

func (s *Server) handleEndBattle(w http.ResponseWriter, r *http.Request) {
	var req EndBattleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.participant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.cfg.Battles.EndBattle(r.Context(), battles.EndCommand{
		BattleID:       id,
		Forfeited:      req.Forfeited,
		ForfeitingSide: battle.Side(req.ForfeitingSide),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBattleResponse(b))
}

type CancelBattleRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelBattle(w http.ResponseWriter, r *http.Request) {
	var req CancelBattleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.participant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.cfg.Battles.CancelBattle(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBattleResponse(b))
}

type SubmitScoreRequest struct {
	Side     string `json:"side"`
	Amount   int64  `json:"amount"`
	SourceID string `json:"sourceId"`
}

type SubmitScoreResponse struct {
	BattleID string `json:"battleId"`
	ScoreA   int64  `json:"scoreA"`
	ScoreB   int64  `json:"scoreB"`
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	var req SubmitScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := shared.BattleID(mux.Vars(r)["id"])
	totals, err := s.cfg.Battles.SubmitScoreEvent(r.Context(), battles.ScoreCommand{
		BattleID: id,
		Side:     battle.Side(req.Side),
		Amount:   req.Amount,
		SourceID: shared.SourceID(req.SourceID),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cfg.Logger.Debug("score event accepted",
		zap.String("battle_id", string(id)),
		zap.String("source_id", req.SourceID),
		zap.String("service", serviceFromContext(r.Context())),
	)
	s.writeJSON(w, http.StatusAccepted, SubmitScoreResponse{BattleID: string(id), ScoreA: totals.A, ScoreB: totals.B})
}

// handleRealtime subscribes the caller to one channel. Personal channels are only open to their owner.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ch, err := realtime.ParseChannel(r.URL.Query().Get("channel"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ch.Kind == realtime.KindUser && shared.UserID(ch.ID) != userFromContext(r.Context()) {
		s.writeError(w, r, errForbidden)
		return
	}
	if err := s.cfg.Hub.Serve(w, r, ch); err != nil {
		s.cfg.Logger.Warn("realtime subscribe failed",
			zap.String("channel", ch.String()),
			zap.String("request_id", correlationIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
}

type HealthResponse struct {
	Status             string `json:"status"`
	LiveBattles        int    `json:"liveBattles"`
	PendingInvitations int    `json:"pendingInvitations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:             "ok",
		LiveBattles:        s.cfg.Battles.Live(),
		PendingInvitations: s.cfg.Invitations.Pending(),
	})
}
