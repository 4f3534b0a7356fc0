package session

import "time"

// Side identifies a chess color.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Other() Side {
	if s == White {
		return Black
	}
	return White
}

// Status is the match lifecycle state. Transitions are one-directional:
// pending -> active -> {finished | aborted}.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusAborted  Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// rank orders statuses along the allowed transition path, so regressions in
// stale payloads can be rejected.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusFinished, StatusAborted:
		return 2
	default:
		return -1
	}
}

// Rematch mirrors the server's rematch negotiation sub-state.
type Rematch struct {
	RequestedBy   string
	RequestedAt   time.Time
	Status        string
	NextSessionID string
}

func (r *Rematch) equal(o *Rematch) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.RequestedBy == o.RequestedBy &&
		r.RequestedAt.Equal(o.RequestedAt) &&
		r.Status == o.Status &&
		r.NextSessionID == o.NextSessionID
}

// GameSession is the client's mirror of one match. It is owned by the engine
// goroutine and mutated exclusively through Merge; consumers treat it as
// immutable once published.
type GameSession struct {
	ID       string
	FEN      string
	MovesUCI []string
	MovesSAN []string
	Status   Status
	Result   string

	WhiteMS int64
	BlackMS int64
	Turn    Side

	DrawOffer *Side // nil when no offer is outstanding
	Rematch   *Rematch

	LastSeq  int64
	ServerAt time.Time // last authoritative wall-clock timestamp, zero if never sent
}

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// New returns the empty mirror created when a subscription begins.
func New(id string) *GameSession {
	return &GameSession{
		ID:     id,
		FEN:    StartFEN,
		Status: StatusPending,
		Turn:   White,
	}
}

// Clone returns a deep copy. Merge works on a clone so an unchanged merge can
// hand back the original pointer.
func (g *GameSession) Clone() *GameSession {
	cp := *g
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	cp.MovesSAN = append([]string(nil), g.MovesSAN...)
	if g.DrawOffer != nil {
		d := *g.DrawOffer
		cp.DrawOffer = &d
	}
	if g.Rematch != nil {
		r := *g.Rematch
		cp.Rematch = &r
	}
	return &cp
}

// Equal compares every tracked field. Used by Merge for no-op detection.
func (g *GameSession) Equal(o *GameSession) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.ID != o.ID || g.FEN != o.FEN || g.Status != o.Status || g.Result != o.Result ||
		g.WhiteMS != o.WhiteMS || g.BlackMS != o.BlackMS || g.Turn != o.Turn ||
		g.LastSeq != o.LastSeq || !g.ServerAt.Equal(o.ServerAt) {
		return false
	}
	if !sliceEqual(g.MovesUCI, o.MovesUCI) || !sliceEqual(g.MovesSAN, o.MovesSAN) {
		return false
	}
	if (g.DrawOffer == nil) != (o.DrawOffer == nil) {
		return false
	}
	if g.DrawOffer != nil && *g.DrawOffer != *o.DrawOffer {
		return false
	}
	return g.Rematch.equal(o.Rematch)
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
