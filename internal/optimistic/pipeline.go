// Package optimistic applies the player's own move locally before the server
// confirms it, so the move feels instantaneous without ever showing an
// illegal position. All methods run on the engine goroutine; only the
// network call leaves it.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/internal/rules"
	"github.com/kapu/chess-livesync/internal/session"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Submitter sends a validated move to the server.
type Submitter interface {
	SubmitMove(ctx context.Context, sessionID, uci string) error
}

// Move is a locally-applied move pending server confirmation.
type Move struct {
	UCI      string
	SAN      string
	FEN      string
	MovesUCI []string
	MovesSAN []string
	Turn     session.Side
}

// Pipeline tracks at most one outstanding optimistic move.
type Pipeline struct {
	submit Submitter
	side   session.Side
	post   func(func())              // serializes completions onto the engine goroutine
	onFail func(mv *Move, err error) // retraction already done when called

	outstanding *Move
}

func New(submit Submitter, side session.Side, post func(func()), onFail func(mv *Move, err error)) *Pipeline {
	return &Pipeline{submit: submit, side: side, post: post, onFail: onFail}
}

// Outstanding returns the pending move, or nil.
func (p *Pipeline) Outstanding() *Move { return p.outstanding }

// Reset drops any provisional state. Called on subscription change.
func (p *Pipeline) Reset() { p.outstanding = nil }

// Submit validates uci against the current view and, if locally legal,
// publishes it provisionally and sends it to the server. A locally illegal
// move errors immediately and performs no network call.
func (p *Pipeline) Submit(cur *session.GameSession, uci string) (*Move, error) {
	if cur.Status != session.StatusActive {
		return nil, syncdto.ErrGameOver
	}
	if p.outstanding != nil {
		return nil, syncdto.ErrMovePending
	}
	view := p.View(cur)
	if view.Turn != p.side {
		return nil, syncdto.ErrNotYourTurn
	}

	applied, err := rules.Apply(view.FEN, uci)
	if err != nil {
		return nil, fmt.Errorf("local validation: %w", err)
	}

	mv := &Move{
		UCI:      applied.UCI,
		SAN:      applied.SAN,
		FEN:      applied.FEN,
		MovesUCI: append(append([]string(nil), view.MovesUCI...), applied.UCI),
		MovesSAN: append(append([]string(nil), view.MovesSAN...), applied.SAN),
		Turn:     applied.Turn,
	}
	p.outstanding = mv

	sessionID := cur.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := p.submit.SubmitMove(ctx, sessionID, mv.UCI)
		p.post(func() { p.complete(mv, err) })
	}()

	obslog.L().Info("optimistic_apply",
		zap.String("session_id", sessionID),
		zap.String("uci", mv.UCI),
		zap.Int("ply", len(mv.MovesUCI)),
	)
	return mv, nil
}

// complete runs on the engine goroutine once the network call resolves.
// Acceptance keeps the provisional state in place until reconciliation;
// rejection retracts it unconditionally.
func (p *Pipeline) complete(mv *Move, err error) {
	if err == nil {
		return
	}
	if p.outstanding == mv {
		p.outstanding = nil
	}
	obslog.L().Info("optimistic_retract",
		zap.String("uci", mv.UCI),
		zap.Error(err),
	)
	if p.onFail != nil {
		p.onFail(mv, err)
	}
}

// Reconcile clears the outstanding move once the authoritative move list has
// reached or overtaken it. Returns true when a retraction happened.
func (p *Pipeline) Reconcile(cur *session.GameSession) bool {
	if p.outstanding == nil {
		return false
	}
	if len(cur.MovesUCI) >= len(p.outstanding.MovesUCI) || cur.Status.Terminal() {
		p.outstanding = nil
		return true
	}
	return false
}

// View overlays the provisional move onto the authoritative state. Returns
// cur unchanged when nothing is outstanding.
func (p *Pipeline) View(cur *session.GameSession) *session.GameSession {
	mv := p.outstanding
	if mv == nil {
		return cur
	}
	next := cur.Clone()
	next.FEN = mv.FEN
	next.MovesUCI = append([]string(nil), mv.MovesUCI...)
	next.MovesSAN = append([]string(nil), mv.MovesSAN...)
	next.Turn = mv.Turn
	return next
}

// Suppressed reports whether a rejection should stay invisible because the
// match already ended: terminal state replaces the error surface.
func Suppressed(cur *session.GameSession, err error) bool {
	return errors.Is(err, syncdto.ErrGameOver) || cur.Status.Terminal()
}
