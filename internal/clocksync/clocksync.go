// Package clocksync turns discrete authoritative clock snapshots into a
// smooth countdown. Only the side to move runs down between snapshots; the
// other side stays pinned to its anchor value.
package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kapu/chess-livesync/internal/session"
)

const (
	// redraw cadence while the countdown is live
	tickInterval = 100 * time.Millisecond
	// the countdown stays frozen for the first two plies
	minPlies = 2
)

// Tick is one rendered countdown sample.
type Tick struct {
	WhiteMS int64
	BlackMS int64
	Turn    session.Side
}

// Synchronizer extrapolates between authoritative clock anchors. All times
// are compared on the local monotonic timeline; a server-vs-local offset is
// maintained from server timestamps to correct wall-clock drift.
type Synchronizer struct {
	clock  clockwork.Clock
	onTick func(Tick)

	mu      sync.Mutex
	anchor  *anchor
	offset  time.Duration // server wall clock minus local wall clock
	hasOff  bool
	stopCh  chan struct{}
}

type anchor struct {
	whiteMS int64
	blackMS int64
	turn    session.Side
	at      time.Time // local receipt instant, server-adjusted when possible
	plies   int
	active  bool
}

func New(clock clockwork.Clock, onTick func(Tick)) *Synchronizer {
	return &Synchronizer{clock: clock, onTick: onTick}
}

// SetAnchor replaces the extrapolation anchor. serverAt is the authoritative
// timestamp carried by the snapshot, or the zero time when the server sent
// none; in that case local receipt time anchors the countdown.
func (s *Synchronizer) SetAnchor(whiteMS, blackMS int64, turn session.Side, serverAt time.Time, plies int, active bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	at := now
	if !serverAt.IsZero() {
		if s.hasOff {
			// Place the anchor on the local timeline using the previously
			// learned offset: a server stamp older than the translated
			// "now" credits the transit delay to the side on move.
			at = serverAt.Add(-s.offset)
		}
		s.offset = serverAt.Sub(now)
		s.hasOff = true
	}
	s.anchor = &anchor{
		whiteMS: whiteMS,
		blackMS: blackMS,
		turn:    turn,
		at:      at,
		plies:   plies,
		active:  active,
	}
}

// Offset returns the last known server-minus-local clock offset.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Start begins the redraw loop. No-op when already running.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	s.stopCh = stop
	go s.loop(stop)
}

// Stop halts the redraw loop and forgets the anchor and offset.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.anchor = nil
	s.offset = 0
	s.hasOff = false
}

func (s *Synchronizer) loop(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if tick, ok := s.Sample(); ok {
				s.onTick(tick)
			}
		}
	}
}

// Sample computes the current displayed countdown. ok is false while there
// is nothing to show (no anchor, match not active, opening plies).
func (s *Synchronizer) Sample() (Tick, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	a := s.anchor
	s.mu.Unlock()
	if a == nil || !a.active || a.plies < minPlies {
		return Tick{}, false
	}
	elapsed := now.Sub(a.at).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tick := Tick{WhiteMS: a.whiteMS, BlackMS: a.blackMS, Turn: a.turn}
	if a.turn == session.White {
		tick.WhiteMS = clampMS(a.whiteMS - elapsed)
	} else {
		tick.BlackMS = clampMS(a.blackMS - elapsed)
	}
	return tick, true
}

func clampMS(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
