// Package premove stages a move chosen while it is not yet the player's
// turn and replays it automatically the moment the turn arrives, provided it
// is still truly legal. State machine: empty -> staged -> {submitted | cancelled}.
package premove

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/internal/rules"
	"github.com/kapu/chess-livesync/internal/session"
)

var (
	// ErrPromotionChoiceRequired pauses staging until the user picks a
	// promotion piece (auto-queen preference disabled).
	ErrPromotionChoiceRequired = errors.New("promotion choice required")
	// ErrNotStageable rejects a target outside the pseudo-legal set.
	ErrNotStageable = errors.New("move is not stageable")
	// ErrOwnTurn rejects staging while it is already the player's turn.
	ErrOwnTurn = errors.New("it is your turn, play the move directly")
	// ErrInactive rejects staging outside an active match.
	ErrInactive = errors.New("match is not active")
)

// CancelReason tells the caller why a staged premove was dropped.
type CancelReason string

const (
	CancelIllegal  CancelReason = "illegal"  // opponent's reply invalidated it; user-visible
	CancelRestaged CancelReason = "restaged" // replaced by a new target
	CancelCleared  CancelReason = "cleared"  // explicit user clear
	CancelInactive CancelReason = "inactive" // match left active status
)

// Premove is one staged move.
type Premove struct {
	From      string
	To        string
	Promotion string // "", or one of q r b n
}

func (p Premove) UCI() string {
	return p.From + p.To + p.Promotion
}

// Config is injected at construction; ambient settings never leak in.
type Config struct {
	Side      session.Side
	AutoQueen bool
}

// Queue holds at most one staged premove. All methods run on the engine
// goroutine.
type Queue struct {
	cfg      Config
	staged   *Premove
	onCancel func(p Premove, reason CancelReason)
}

func New(cfg Config, onCancel func(Premove, CancelReason)) *Queue {
	return &Queue{cfg: cfg, onCancel: onCancel}
}

// Staged returns the staged premove, or nil.
func (q *Queue) Staged() *Premove { return q.staged }

// Stage records a premove chosen while the opponent is to move. Target
// legality is checked against the pseudo-legal set: the current position
// with the turn flipped to the player's color, since true legality cannot be
// known before the opponent replies.
func (q *Queue) Stage(cur *session.GameSession, from, to, promotion string) error {
	if cur.Status != session.StatusActive {
		return ErrInactive
	}
	if cur.Turn == q.cfg.Side {
		return ErrOwnTurn
	}

	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))

	if promotion == "" && rules.IsPromotion(cur.FEN, from, to, q.cfg.Side) {
		if !q.cfg.AutoQueen {
			return ErrPromotionChoiceRequired
		}
		promotion = "q"
	}

	cand := Premove{From: from, To: to, Promotion: promotion}
	pseudo, err := rules.PseudoLegalFor(cur.FEN, q.cfg.Side)
	if err != nil {
		return err
	}
	if !pseudo.Contains(cand.UCI()) {
		return ErrNotStageable
	}

	if q.staged != nil {
		q.cancel(CancelRestaged)
	}
	q.staged = &cand
	obslog.L().Info("premove_staged",
		zap.String("session_id", cur.ID),
		zap.String("uci", cand.UCI()),
	)
	return nil
}

// Clear drops the staged premove on explicit user action.
func (q *Queue) Clear() {
	if q.staged != nil {
		q.cancel(CancelCleared)
	}
}

// Reset silently empties the queue on subscription change.
func (q *Queue) Reset() { q.staged = nil }

// Poll inspects the freshly published state and decides the staged premove's
// fate: consumed for submission when the turn arrived and the exact move is
// in the true legal set, cancelled when it fell out, untouched otherwise.
// midSubmission defers the decision while an optimistic move is in flight.
func (q *Queue) Poll(cur *session.GameSession, midSubmission bool) *Premove {
	if q.staged == nil {
		return nil
	}
	if cur.Status != session.StatusActive {
		q.cancel(CancelInactive)
		return nil
	}
	if cur.Turn != q.cfg.Side || midSubmission {
		return nil
	}

	legal, err := rules.LegalMoves(cur.FEN)
	if err != nil {
		obslog.L().Warn("premove_legal_set_failed", zap.String("session_id", cur.ID), zap.Error(err))
		q.cancel(CancelIllegal)
		return nil
	}
	if !legal.Contains(q.staged.UCI()) {
		q.cancel(CancelIllegal)
		return nil
	}

	p := *q.staged
	q.staged = nil
	obslog.L().Info("premove_submit",
		zap.String("session_id", cur.ID),
		zap.String("uci", p.UCI()),
	)
	return &p
}

func (q *Queue) cancel(reason CancelReason) {
	p := *q.staged
	q.staged = nil
	obslog.L().Info("premove_cancel",
		zap.String("uci", p.UCI()),
		zap.String("reason", string(reason)),
	)
	if q.onCancel != nil {
		q.onCancel(p, reason)
	}
}
