package syncdto

import "errors"

// Sentinel errors shared between the API client and the sync engine.
var (
	// ErrEventsUnsupported marks a session whose incremental-events endpoint
	// answered with a not-found class status. The session is expected to be
	// polled in snapshot-only mode for the rest of its lifetime.
	ErrEventsUnsupported = errors.New("incremental events unsupported for session")

	ErrNotYourTurn = errors.New("not your turn")
	ErrIllegalMove = errors.New("illegal move")
	ErrGameOver    = errors.New("game is over")
	ErrMovePending = errors.New("a move is already pending confirmation")
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "sync error"
}

// Unwrap maps well-known server rejection codes onto sentinel errors so
// callers can use errors.Is regardless of which path produced the failure.
func (e DomainError) Unwrap() error {
	switch e.Code {
	case "not_your_turn":
		return ErrNotYourTurn
	case "illegal_move":
		return ErrIllegalMove
	case "game_over", "game_finished", "game_aborted":
		return ErrGameOver
	default:
		return nil
	}
}
