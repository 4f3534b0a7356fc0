// Package poller guarantees forward progress while the live channel is down
// by pulling incremental events (or full snapshots) on a fixed interval.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Transport is the pull side of the server API.
type Transport interface {
	FetchSnapshot(ctx context.Context, sessionID, mode string) (*syncdto.SessionSnapshot, error)
	FetchEvents(ctx context.Context, sessionID string, sinceSeq int64) (*syncdto.EventsPage, error)
}

// Poller pulls while disconnected and feeds results through the same event
// path as the live channel. When the incremental endpoint turns out to be
// unsupported for a session it degrades to snapshot-only mode for that
// session's remaining lifetime.
type Poller struct {
	transport Transport
	clock     clockwork.Clock
	interval  time.Duration

	onEvents   func([]syncdto.Event)
	onSnapshot func(*syncdto.SessionSnapshot)
	onNotice   func(key string)
	lastSeq    func() int64

	mu           sync.Mutex
	sessionID    string
	mode         string
	snapshotOnly bool
	stopCh       chan struct{}
}

func New(
	transport Transport,
	clock clockwork.Clock,
	interval time.Duration,
	lastSeq func() int64,
	onEvents func([]syncdto.Event),
	onSnapshot func(*syncdto.SessionSnapshot),
	onNotice func(key string),
) *Poller {
	return &Poller{
		transport:  transport,
		clock:      clock,
		interval:   interval,
		lastSeq:    lastSeq,
		onEvents:   onEvents,
		onSnapshot: onSnapshot,
		onNotice:   onNotice,
	}
}

// Reset rebinds the poller to a new session. Snapshot-only mode is a
// per-session property and clears here.
func (p *Poller) Reset(sessionID, mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.sessionID = sessionID
	p.mode = mode
	p.snapshotOnly = false
}

// Start begins polling. No-op when already running or unbound.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil || p.sessionID == "" {
		return
	}
	stop := make(chan struct{})
	p.stopCh = stop
	go p.loop(p.sessionID, p.mode, stop)
}

// Stop halts polling. Called the moment the live channel reports connected.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

func (p *Poller) loop(sessionID, mode string, stop <-chan struct{}) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			p.pollOnce(sessionID, mode, stop)
		}
	}
}

func (p *Poller) pollOnce(sessionID, mode string, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	p.mu.Lock()
	snapshotOnly := p.snapshotOnly
	p.mu.Unlock()

	if !snapshotOnly {
		page, err := p.transport.FetchEvents(ctx, sessionID, p.lastSeq())
		if err == nil {
			if len(page.Events) > 0 {
				p.onEvents(page.Events)
			}
			return
		}
		if errors.Is(err, syncdto.ErrEventsUnsupported) {
			// Permanent for this session: the endpoint does not exist.
			p.mu.Lock()
			p.snapshotOnly = true
			p.mu.Unlock()
			obslog.L().Info("poll_snapshot_only", zap.String("session_id", sessionID))
		} else {
			obslog.L().Warn("poll_events_failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	snap, err := p.transport.FetchSnapshot(ctx, sessionID, mode)
	if err != nil {
		obslog.L().Warn("poll_snapshot_failed", zap.String("session_id", sessionID), zap.Error(err))
		p.onNotice("notice.sync_unavailable")
		return
	}
	p.onSnapshot(snap)
}
