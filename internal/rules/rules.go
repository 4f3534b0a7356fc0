// Package rules wraps the chess rules library behind the small surface the
// sync engine needs: legal move enumeration, pseudo-legal staging sets, and
// local move simulation. The server stays the sole arbiter of legality; this
// package only pre-filters.
package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/kapu/chess-livesync/internal/session"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// MoveList carries both notations for one legal move set.
type MoveList struct {
	UCI []string
	SAN []string
}

// Contains reports membership of a from+to+promotion triple in the UCI set.
func (l *MoveList) Contains(uci string) bool {
	uci = strings.ToLower(strings.TrimSpace(uci))
	for _, m := range l.UCI {
		if m == uci {
			return true
		}
	}
	return false
}

// Applied is the result of simulating one move locally.
type Applied struct {
	UCI      string
	SAN      string
	FEN      string
	Turn     session.Side
	Outcome  string // empty while the game continues
	Terminal bool
}

func buildGame(fen string) (*nchess.Game, error) {
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen %q: %w", fen, err)
	}
	return nchess.NewGame(option), nil
}

// LegalMoves enumerates the true legal move set for the position.
func LegalMoves(fen string) (*MoveList, error) {
	game, err := buildGame(fen)
	if err != nil {
		return nil, err
	}
	return enumerate(game), nil
}

// PseudoLegalFor enumerates moves for side as if it were already side's
// turn. True legality (e.g. a pin created by the opponent's reply) cannot be
// known yet, so the set is computed on the position with the turn flipped and
// any en-passant right dropped.
func PseudoLegalFor(fen string, side session.Side) (*MoveList, error) {
	game, err := buildGame(flipTurn(fen, side))
	if err != nil {
		return nil, err
	}
	return enumerate(game), nil
}

func enumerate(game *nchess.Game) *MoveList {
	pos := game.Position()
	moves := game.ValidMoves()
	out := &MoveList{
		UCI: make([]string, 0, len(moves)),
		SAN: make([]string, 0, len(moves)),
	}
	for i := range moves {
		m := moves[i]
		out.UCI = append(out.UCI, nchess.UCINotation{}.Encode(pos, &m))
		out.SAN = append(out.SAN, nchess.AlgebraicNotation{}.Encode(pos, &m))
	}
	return out
}

// Apply simulates uci on the position and returns the resulting state.
// An unparseable or illegal move yields syncdto.ErrIllegalMove.
func Apply(fen, uci string) (*Applied, error) {
	game, err := buildGame(fen)
	if err != nil {
		return nil, err
	}
	pos := game.Position()
	uci = strings.ToLower(strings.TrimSpace(uci))
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", syncdto.ErrIllegalMove, uci)
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := game.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %s", syncdto.ErrIllegalMove, uci)
	}
	out := &Applied{
		UCI:  uci,
		SAN:  san,
		FEN:  game.FEN(),
		Turn: sideFrom(game.Position().Turn()),
	}
	switch game.Outcome() {
	case nchess.WhiteWon:
		out.Outcome, out.Terminal = "white", true
	case nchess.BlackWon:
		out.Outcome, out.Terminal = "black", true
	case nchess.Draw:
		out.Outcome, out.Terminal = "draw", true
	}
	return out, nil
}

// Replay rebuilds a position by applying UCI moves from the start position.
func Replay(moves []string) (string, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return "", fmt.Errorf("apply move %q: %w", mv, err)
		}
	}
	return game.FEN(), nil
}

// IsPromotion reports whether from->to moves side's pawn onto its last rank.
func IsPromotion(fen, from, to string, side session.Side) bool {
	if len(from) != 2 || len(to) != 2 {
		return false
	}
	game, err := buildGame(fen)
	if err != nil {
		return false
	}
	sq, ok := squareFrom(from)
	if !ok {
		return false
	}
	piece := game.Position().Board().Piece(sq)
	if piece.Type() != nchess.Pawn {
		return false
	}
	if sideFrom(piece.Color()) != side {
		return false
	}
	if side == session.White {
		return to[1] == '8'
	}
	return to[1] == '1'
}

func sideFrom(c nchess.Color) session.Side {
	if c == nchess.White {
		return session.White
	}
	return session.Black
}

// squareFrom maps algebraic coordinates onto the library's square index
// (A1=0 .. H8=63).
func squareFrom(s string) (nchess.Square, bool) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return 0, false
	}
	file := int(s[0] - 'a')
	rank := int(s[1] - '1')
	return nchess.Square(rank*8 + file), true
}

// flipTurn rewrites the FEN side-to-move field and drops the en-passant
// square, which only makes sense for the side whose turn it really is.
func flipTurn(fen string, side session.Side) string {
	fields := strings.Fields(fen)
	if len(fields) < 4 {
		return fen
	}
	want := "w"
	if side == session.Black {
		want = "b"
	}
	if fields[1] == want {
		return fen
	}
	fields[1] = want
	fields[3] = "-"
	return strings.Join(fields, " ")
}
