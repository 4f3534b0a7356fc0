package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Merge folds an event payload (delta or snapshot) into cur and returns the
// next state. Every field resolves independently with the precedence
// flat payload field > nested game object field > previous value, so a
// payload never wipes fields it does not mention. When nothing changed the
// SAME pointer is returned, letting downstream skip redundant work.
func Merge(cur *GameSession, ev *syncdto.Event) *GameSession {
	next := cur.Clone()

	if fen, ok := pick(ev.FEN, nested(ev).FEN); ok && fen != "" {
		next.FEN = fen
	}
	mergeMoves(cur, next, ev)
	mergeStatus(cur, next, ev)
	if res, ok := pick(ev.Result, nested(ev).Result); ok {
		next.Result = res
	}
	if turn, ok := pick(ev.Turn, nested(ev).Turn); ok {
		if s, valid := parseSide(turn); valid {
			next.Turn = s
		}
	}
	if w, ok := pick(ev.WhiteMS, nested(ev).WhiteMS); ok {
		next.WhiteMS = w
	}
	if b, ok := pick(ev.BlackMS, nested(ev).BlackMS); ok {
		next.BlackMS = b
	}
	mergeDrawOffer(next, ev)
	mergeRematch(next, ev)

	if ev.ServerAt.Defined && !ev.ServerAt.Null {
		next.ServerAt = time.UnixMilli(ev.ServerAt.Value)
	}
	if ev.Seq > next.LastSeq {
		next.LastSeq = ev.Seq
	}

	if next.Equal(cur) {
		return cur
	}
	return next
}

// nested returns the event's game object, or a zero value so field lookups
// stay uniform for payloads without one.
func nested(ev *syncdto.Event) *syncdto.GameObject {
	if ev.Game != nil {
		return ev.Game
	}
	return &syncdto.GameObject{}
}

// pick resolves one field: flat wins over nested; absent and explicit-null
// both fall through to the previous value here. Presence-sensitive fields
// (draw offer, rematch) have dedicated handling below.
func pick[T any](flat, inner syncdto.Opt[T]) (T, bool) {
	if flat.Defined && !flat.Null {
		return flat.Value, true
	}
	if inner.Defined && !inner.Null {
		return inner.Value, true
	}
	var zero T
	return zero, false
}

// pickPresence resolves a field where explicit null means "cleared".
func pickPresence[T any](flat, inner syncdto.Opt[T]) (syncdto.Opt[T], bool) {
	if flat.Defined {
		return flat, true
	}
	if inner.Defined {
		return inner, true
	}
	return syncdto.Opt[T]{}, false
}

func mergeMoves(cur, next *GameSession, ev *syncdto.Event) {
	if uci, ok := pick(ev.MovesUCI, nested(ev).MovesUCI); ok {
		// The accepted move list never shrinks; a shorter list is a stale
		// payload racing a newer one.
		if len(uci) >= len(cur.MovesUCI) {
			next.MovesUCI = append([]string(nil), uci...)
		} else {
			obslog.L().Debug("merge_moves_stale",
				zap.String("session_id", cur.ID),
				zap.Int("have", len(cur.MovesUCI)),
				zap.Int("got", len(uci)),
			)
		}
	}
	if san, ok := pick(ev.MovesSAN, nested(ev).MovesSAN); ok {
		if len(san) >= len(cur.MovesSAN) {
			next.MovesSAN = append([]string(nil), san...)
		}
	}
}

func mergeStatus(cur, next *GameSession, ev *syncdto.Event) {
	raw, ok := pick(ev.Status, nested(ev).Status)
	if !ok {
		return
	}
	st := Status(raw)
	if st.rank() < 0 {
		obslog.L().Warn("merge_status_unknown", zap.String("session_id", cur.ID), zap.String("status", raw))
		return
	}
	// One-directional lifecycle: never step backwards.
	if st.rank() < cur.Status.rank() {
		obslog.L().Debug("merge_status_regression_dropped",
			zap.String("session_id", cur.ID),
			zap.String("have", string(cur.Status)),
			zap.String("got", string(st)),
		)
		return
	}
	next.Status = st
}

func mergeDrawOffer(next *GameSession, ev *syncdto.Event) {
	field, mentioned := pickPresence(ev.DrawOffer, nested(ev).DrawOffer)
	if !mentioned {
		return
	}
	if field.Null {
		next.DrawOffer = nil
		return
	}
	if s, valid := parseSide(field.Value); valid {
		next.DrawOffer = &s
	}
}

func mergeRematch(next *GameSession, ev *syncdto.Event) {
	field, mentioned := pickPresence(ev.Rematch, nested(ev).Rematch)
	if !mentioned {
		return
	}
	if field.Null {
		next.Rematch = nil
		return
	}
	r := field.Value
	next.Rematch = &Rematch{
		RequestedBy:   r.RequestedBy,
		RequestedAt:   time.UnixMilli(r.RequestedAt),
		Status:        r.Status,
		NextSessionID: r.NextSessionID,
	}
}

func parseSide(raw string) (Side, bool) {
	switch raw {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return "", false
	}
}
