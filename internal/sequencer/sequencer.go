// Package sequencer totally orders incoming events and detects gaps. Both
// ingest paths (live channel and polling fallback) funnel through a single
// Sequencer, which makes the last-applied sequence number race-free without
// locks: the owning engine goroutine is the only caller.
package sequencer

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Decision is the verdict for one incoming event.
type Decision int

const (
	// Drop discards the event: already applied, or a duplicate delivery.
	Drop Decision = iota
	// Apply forwards the event to the state merger.
	Apply
	// ResyncThenApply signals one or more missed events: the caller must
	// fetch a full snapshot first, then offer the event again.
	ResyncThenApply
)

const dedupeTTL = 2 * time.Second

// Sequencer tracks the last applied sequence number and absorbs duplicate
// deliveries of unsequenced events from overlapping channel/poll paths.
type Sequencer struct {
	clock   clockwork.Clock
	lastSeq int64
	seen    map[string]time.Time // fingerprint -> expiry
}

func New(clock clockwork.Clock) *Sequencer {
	return &Sequencer{
		clock: clock,
		seen:  make(map[string]time.Time),
	}
}

// Reset clears all per-session state. Called when the subscription changes.
func (s *Sequencer) Reset() {
	s.lastSeq = 0
	s.seen = make(map[string]time.Time)
}

func (s *Sequencer) LastSeq() int64 { return s.lastSeq }

// SetLastSeq fast-forwards after a snapshot application closed a gap.
func (s *Sequencer) SetLastSeq(n int64) {
	if n > s.lastSeq {
		s.lastSeq = n
	}
}

// Admit decides what to do with ev. On Apply the sequence number is
// advanced; on ResyncThenApply it is not, so the caller re-admits the event
// after the snapshot lands (by then it is usually covered and drops).
func (s *Sequencer) Admit(ev *syncdto.Event) Decision {
	if !ev.Kind.Sequenced() || ev.Seq == 0 {
		return s.admitUnsequenced(ev)
	}
	if ev.Seq <= s.lastSeq {
		return Drop
	}
	if ev.Kind.Terminal() {
		// Finality is idempotent: apply even across a gap.
		s.lastSeq = ev.Seq
		return Apply
	}
	if ev.Seq > s.lastSeq+1 {
		obslog.L().Info("seq_gap_detected",
			zap.Int64("last_seq", s.lastSeq),
			zap.Int64("got_seq", ev.Seq),
		)
		return ResyncThenApply
	}
	s.lastSeq = ev.Seq
	return Apply
}

// admitUnsequenced applies best-effort events at most once per fingerprint
// within the dedupe window.
func (s *Sequencer) admitUnsequenced(ev *syncdto.Event) Decision {
	fp := fingerprint(ev)
	now := s.clock.Now()
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[fp]; dup {
		return Drop
	}
	s.seen[fp] = now.Add(dedupeTTL)
	return Apply
}

// fingerprint identifies one unsequenced event by its content and sender.
// Chat carries its content in Message; clock ticks carry theirs in the time
// fields, so two ticks with different remaining times are distinct events,
// not duplicate deliveries.
func fingerprint(ev *syncdto.Event) string {
	if ev.Kind == syncdto.KindChat {
		return fmt.Sprintf("%s|%s|%s|%s", ev.Kind, ev.Sender, ev.Room, ev.Message)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", ev.Kind, ev.Sender,
		optKey(ev.WhiteMS), optKey(ev.BlackMS), optKey(ev.Turn), optKey(ev.ServerAt))
}

func optKey[T any](o syncdto.Opt[T]) string {
	if !o.Defined || o.Null {
		return "-"
	}
	return fmt.Sprint(o.Value)
}
