// Package engine reconciles the live channel, the polling fallback, locally
// predicted moves, and the derived countdown into one monotonically
// advancing session view. A single goroutine owns all session state; every
// input path posts closures into its inbox, which is the only mutual
// exclusion in the subsystem.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/archive"
	"github.com/kapu/chess-livesync/internal/clocksync"
	"github.com/kapu/chess-livesync/internal/livechannel"
	"github.com/kapu/chess-livesync/internal/msgcat"
	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/internal/optimistic"
	"github.com/kapu/chess-livesync/internal/poller"
	"github.com/kapu/chess-livesync/internal/premove"
	"github.com/kapu/chess-livesync/internal/rules"
	"github.com/kapu/chess-livesync/internal/sequencer"
	"github.com/kapu/chess-livesync/internal/session"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

// Transport is the pull/push REST surface consumed by the engine.
type Transport interface {
	poller.Transport
	optimistic.Submitter
}

// Callbacks deliver engine output to the presentation layer. They are
// invoked on the engine goroutine and must not block.
type Callbacks struct {
	OnState  func(*session.GameSession)
	OnChat   func(sender, room, message string)
	OnNotice func(text string)
	OnClock  func(clocksync.Tick)
}

// Options configure one engine instance.
type Options struct {
	Mode           string // participant | spectator
	Side           session.Side
	AutoQueen      bool
	ReconnectDelay time.Duration
	PollInterval   time.Duration
}

// Engine is the session synchronization actor.
type Engine struct {
	clock     clockwork.Clock
	transport Transport
	dialer    livechannel.Dialer
	cat       *msgcat.Catalog
	store     *archive.Store // optional
	opts      Options
	cb        Callbacks

	inbox chan func()
	done  chan struct{}

	// Everything below is owned by the engine goroutine.
	epoch         int
	cur           *session.GameSession
	lastPub       *session.GameSession
	seq           *sequencer.Sequencer
	pipeline      *optimistic.Pipeline
	queue         *premove.Queue
	channel       *livechannel.Manager
	poll          *poller.Poller
	clocks        *clocksync.Synchronizer
	resyncing     bool
	pending       []*syncdto.Event
	anchorSig     string
	sawDisconnect bool
}

func New(transport Transport, dialer livechannel.Dialer, clock clockwork.Clock, cat *msgcat.Catalog, store *archive.Store, opts Options, cb Callbacks) *Engine {
	e := &Engine{
		clock:     clock,
		transport: transport,
		dialer:    dialer,
		cat:       cat,
		store:     store,
		opts:      opts,
		cb:        cb,
		inbox:     make(chan func(), 256),
		done:      make(chan struct{}),
	}
	e.seq = sequencer.New(clock)
	e.clocks = clocksync.New(clock, func(t clocksync.Tick) {
		e.post(func() {
			if e.cb.OnClock != nil && e.cur != nil {
				e.cb.OnClock(t)
			}
		})
	})
	return e
}

// Run processes the inbox until ctx is cancelled. It must be running before
// Subscribe has any effect.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return
		case f := <-e.inbox:
			f()
		}
	}
}

// post serializes f onto the engine goroutine.
func (e *Engine) post(f func()) {
	select {
	case e.inbox <- f:
	case <-e.done:
	}
}

// Subscribe switches the engine to a session. Any previous subscription is
// torn down synchronously (channel closed, timers cancelled, state reset)
// before the new one starts.
func (e *Engine) Subscribe(sessionID string) {
	e.post(func() { e.subscribe(sessionID) })
}

// Unsubscribe drops the current subscription.
func (e *Engine) Unsubscribe() {
	e.post(func() { e.teardown() })
}

// SubmitMove plays uci as the local player, optimistically.
func (e *Engine) SubmitMove(uci string) {
	e.post(func() { e.submitMove(uci) })
}

// StagePremove stages from->to for automatic submission on the next turn.
func (e *Engine) StagePremove(from, to, promotion string) {
	e.post(func() { e.stagePremove(from, to, promotion) })
}

// ClearPremove drops any staged premove.
func (e *Engine) ClearPremove() {
	e.post(func() {
		if e.queue != nil {
			e.queue.Clear()
		}
	})
}

// SendChat writes a chat frame over the live channel, best effort.
func (e *Engine) SendChat(message, room string) {
	e.post(func() {
		ch := e.channel
		if ch == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ch.SendChat(ctx, message, room); err != nil {
				obslog.L().Warn("chat_send_failed", zap.Error(err))
			}
		}()
	})
}

func (e *Engine) subscribe(sessionID string) {
	e.teardown()
	e.epoch++
	ep := e.epoch

	e.cur = session.New(sessionID)
	e.lastPub = nil
	e.anchorSig = ""
	e.pipeline = optimistic.New(e.transport, e.opts.Side, e.post, func(mv *optimistic.Move, err error) {
		if e.epoch == ep {
			e.onMoveRejected(mv, err)
		}
	})
	e.queue = premove.New(premove.Config{Side: e.opts.Side, AutoQueen: e.opts.AutoQueen}, func(p premove.Premove, reason premove.CancelReason) {
		if reason == premove.CancelIllegal && e.cb.OnNotice != nil {
			e.cb.OnNotice(e.render("notice.premove_cancelled", map[string]string{"Move": p.UCI()}))
		}
	})

	e.channel = livechannel.NewManager(e.dialer, e.clock, e.opts.ReconnectDelay,
		func(ev *syncdto.Event) {
			e.post(func() {
				if e.epoch == ep {
					e.handleEvent(ev)
				}
			})
		},
		func(connected bool) {
			e.post(func() {
				if e.epoch == ep {
					e.onConnChange(connected)
				}
			})
		},
	)
	e.poll = poller.New(e.transport, e.clock, e.opts.PollInterval,
		func() int64 { return e.seq.LastSeq() },
		func(events []syncdto.Event) {
			e.post(func() {
				if e.epoch != ep {
					return
				}
				for i := range events {
					e.handleEvent(&events[i])
				}
			})
		},
		func(snap *syncdto.SessionSnapshot) {
			e.post(func() {
				if e.epoch == ep {
					e.applySnapshot(snap)
				}
			})
		},
		func(key string) {
			e.post(func() {
				if e.epoch == ep && e.cb.OnNotice != nil {
					e.cb.OnNotice(e.render(key, nil))
				}
			})
		},
	)

	obslog.L().Info("session_subscribe",
		zap.String("session_id", sessionID),
		zap.String("mode", e.opts.Mode),
		zap.Int("epoch", ep),
	)

	e.channel.Subscribe(sessionID, e.opts.Mode)
	e.poll.Reset(sessionID, e.opts.Mode)
	e.poll.Start() // stops as soon as the channel reports connected
	e.clocks.Start()

	e.beginResync(ep, nil)
}

// teardown synchronously unwinds the current subscription: connection
// closed, reconnect cancelled, polling cancelled, all session-scoped state
// reset. In-flight completions are rendered harmless by the epoch guard.
func (e *Engine) teardown() {
	if e.channel != nil {
		e.channel.Unsubscribe()
		e.channel = nil
	}
	if e.poll != nil {
		e.poll.Stop()
		e.poll = nil
	}
	e.clocks.Stop()
	e.seq.Reset()
	if e.pipeline != nil {
		e.pipeline.Reset()
		e.pipeline = nil
	}
	if e.queue != nil {
		e.queue.Reset()
		e.queue = nil
	}
	e.cur = nil
	e.lastPub = nil
	e.resyncing = false
	e.pending = nil
	e.anchorSig = ""
	e.sawDisconnect = false
	e.epoch++
}

func (e *Engine) onConnChange(connected bool) {
	if connected {
		e.poll.Stop()
		if e.sawDisconnect && e.cb.OnNotice != nil {
			e.cb.OnNotice(e.render("notice.reconnected", nil))
		}
		e.sawDisconnect = false
		return
	}
	e.sawDisconnect = true
	e.poll.Start()
}

// handleEvent is the single funnel both ingest paths go through.
func (e *Engine) handleEvent(ev *syncdto.Event) {
	if e.cur == nil {
		return
	}
	if e.resyncing && ev.Kind.Sequenced() && !ev.Kind.Terminal() {
		e.pending = append(e.pending, ev)
		return
	}
	switch e.seq.Admit(ev) {
	case sequencer.Drop:
		return
	case sequencer.ResyncThenApply:
		e.beginResync(e.epoch, ev)
	case sequencer.Apply:
		e.apply(ev)
	}
}

// beginResync fetches a full snapshot out of band. Events arriving before it
// lands are parked and re-admitted afterwards, preserving order.
func (e *Engine) beginResync(ep int, gapEvent *syncdto.Event) {
	e.resyncing = true
	if gapEvent != nil {
		e.pending = append(e.pending, gapEvent)
	}
	sessionID, mode := e.cur.ID, e.opts.Mode
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := e.transport.FetchSnapshot(ctx, sessionID, mode)
		e.post(func() {
			if e.epoch != ep {
				return
			}
			e.finishResync(snap, err)
		})
	}()
}

func (e *Engine) finishResync(snap *syncdto.SessionSnapshot, err error) {
	e.resyncing = false
	if err != nil {
		// The poller keeps trying; stay on the last consistent view.
		obslog.L().Warn("resync_failed", zap.Error(err))
	} else {
		e.applySnapshot(snap)
	}
	queued := e.pending
	e.pending = nil
	for _, ev := range queued {
		e.handleEvent(ev)
	}
}

func (e *Engine) applySnapshot(snap *syncdto.SessionSnapshot) {
	if e.cur == nil || snap == nil {
		return
	}
	next := session.Merge(e.cur, snap.AsEvent())
	e.seq.SetLastSeq(snap.Seq)
	if next == e.cur {
		return
	}
	e.cur = next
	obslog.L().Debug("snapshot_applied",
		zap.String("session_id", e.cur.ID),
		zap.Int64("seq", snap.Seq),
	)
	e.publish()
}

func (e *Engine) apply(ev *syncdto.Event) {
	switch ev.Kind {
	case syncdto.KindChat:
		if e.cb.OnChat != nil {
			e.cb.OnChat(ev.Sender, ev.Room, ev.Message)
		}
		return
	case syncdto.KindClockTick:
		e.anchorFromTick(ev)
		return
	}

	next := session.Merge(e.cur, ev)
	if next == e.cur {
		return
	}
	prev := e.cur
	deriveFEN(prev, next, ev)
	e.cur = next
	e.notices(prev, ev)
	e.publish()

	if e.cur.Status.Terminal() && !prev.Status.Terminal() {
		e.archiveFinal()
	}
}

// deriveFEN rebuilds the position from the move list when a payload advanced
// the moves without carrying one. The previous FEN would misrepresent the
// board until the next full snapshot otherwise.
func deriveFEN(prev, next *session.GameSession, ev *syncdto.Event) {
	if ev.FEN.Defined || (ev.Game != nil && ev.Game.FEN.Defined) {
		return
	}
	if len(next.MovesUCI) <= len(prev.MovesUCI) {
		return
	}
	fen, err := rules.Replay(next.MovesUCI)
	if err != nil {
		obslog.L().Warn("replay_failed",
			zap.String("session_id", next.ID),
			zap.Int("plies", len(next.MovesUCI)),
			zap.Error(err),
		)
		return
	}
	next.FEN = fen
}

func (e *Engine) notices(prev *session.GameSession, ev *syncdto.Event) {
	if e.cb.OnNotice == nil {
		return
	}
	switch ev.Kind {
	case syncdto.KindDrawOffered:
		if e.cur.DrawOffer != nil {
			e.cb.OnNotice(e.render("notice.draw_offered", map[string]string{"Side": string(*e.cur.DrawOffer)}))
		}
	case syncdto.KindDrawResolved:
		e.cb.OnNotice(e.render("notice.draw_resolved", nil))
	case syncdto.KindRematchOffered:
		if e.cur.Rematch != nil {
			e.cb.OnNotice(e.render("notice.rematch_offered", map[string]string{"By": e.cur.Rematch.RequestedBy}))
		}
	}
	if e.cur.Status.Terminal() && !prev.Status.Terminal() {
		e.cb.OnNotice(e.render("notice.game_over", map[string]string{"Result": e.cur.Result}))
	}
}

// publish reconciles provisional state against the new authoritative state
// and pushes the merged view out, skipping identical publications.
func (e *Engine) publish() {
	if e.cur == nil {
		return
	}
	if e.pipeline != nil {
		e.pipeline.Reconcile(e.cur)
	}
	view := e.cur
	if e.pipeline != nil {
		view = e.pipeline.View(e.cur)
	}
	if view != e.lastPub && !view.Equal(e.lastPub) {
		e.lastPub = view
		if e.cb.OnState != nil {
			e.cb.OnState(view)
		}
	}

	e.anchorFromState()
	e.triggerPremove()
}

// anchorFromState re-anchors the countdown only when the authoritative
// clock-bearing fields actually moved, so extrapolation is never reset by
// unrelated updates.
func (e *Engine) anchorFromState() {
	sig := fmt.Sprintf("%d|%d|%s|%d|%d", e.cur.WhiteMS, e.cur.BlackMS, e.cur.Turn, e.cur.ServerAt.UnixMilli(), len(e.cur.MovesUCI))
	if sig == e.anchorSig {
		return
	}
	e.anchorSig = sig
	e.clocks.SetAnchor(
		e.cur.WhiteMS,
		e.cur.BlackMS,
		e.cur.Turn,
		e.cur.ServerAt,
		len(e.cur.MovesUCI),
		e.cur.Status == session.StatusActive,
	)
}

// anchorFromTick handles best-effort clock events that carry times but no
// sequence number.
func (e *Engine) anchorFromTick(ev *syncdto.Event) {
	if !ev.WhiteMS.Defined || !ev.BlackMS.Defined {
		return
	}
	turn := e.cur.Turn
	if ev.Turn.Defined && !ev.Turn.Null {
		if ev.Turn.Value == "black" || ev.Turn.Value == "b" {
			turn = session.Black
		} else {
			turn = session.White
		}
	}
	var at time.Time
	if ev.ServerAt.Defined && !ev.ServerAt.Null {
		at = time.UnixMilli(ev.ServerAt.Value)
	}
	e.clocks.SetAnchor(ev.WhiteMS.Value, ev.BlackMS.Value, turn, at,
		len(e.cur.MovesUCI), e.cur.Status == session.StatusActive)
}

// triggerPremove fires the staged premove when the freshly published state
// says it is time, routing through the optimistic pipeline.
func (e *Engine) triggerPremove() {
	if e.queue == nil || e.opts.Mode != "participant" {
		return
	}
	mid := e.pipeline != nil && e.pipeline.Outstanding() != nil
	pm := e.queue.Poll(e.cur, mid)
	if pm == nil {
		return
	}
	if _, err := e.pipeline.Submit(e.cur, pm.UCI()); err != nil {
		obslog.L().Warn("premove_submit_failed", zap.String("uci", pm.UCI()), zap.Error(err))
		if e.cb.OnNotice != nil && !optimistic.Suppressed(e.cur, err) {
			e.cb.OnNotice(e.render("notice.premove_cancelled", map[string]string{"Move": pm.UCI()}))
		}
		return
	}
	e.publish()
}

func (e *Engine) submitMove(uci string) {
	if e.cur == nil || e.pipeline == nil {
		return
	}
	if e.opts.Mode != "participant" {
		obslog.L().Warn("move_in_spectator_mode", zap.String("uci", uci))
		return
	}
	if _, err := e.pipeline.Submit(e.cur, uci); err != nil {
		if e.cb.OnNotice != nil && !optimistic.Suppressed(e.cur, err) {
			e.cb.OnNotice(e.render("notice.move_rejected", map[string]string{"Move": uci, "Reason": err.Error()}))
		}
		return
	}
	e.publish()
}

func (e *Engine) stagePremove(from, to, promotion string) {
	if e.cur == nil || e.queue == nil {
		return
	}
	if err := e.queue.Stage(e.cur, from, to, promotion); err != nil {
		if errors.Is(err, premove.ErrPromotionChoiceRequired) && e.cb.OnNotice != nil {
			e.cb.OnNotice(e.render("notice.premove_promotion_choice", map[string]string{"Move": from + to}))
			return
		}
		obslog.L().Info("premove_stage_rejected",
			zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}

// onMoveRejected runs after the pipeline already retracted the provisional
// state. Rejections caused by the match having ended stay invisible: the
// terminal state is the answer.
func (e *Engine) onMoveRejected(mv *optimistic.Move, err error) {
	if e.cur == nil {
		return
	}
	e.publish()
	if optimistic.Suppressed(e.cur, err) {
		return
	}
	if e.cb.OnNotice != nil {
		e.cb.OnNotice(e.render("notice.move_rejected", map[string]string{"Move": mv.UCI, "Reason": err.Error()}))
	}
}

func (e *Engine) archiveFinal() {
	if e.store == nil {
		return
	}
	g := e.cur.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveFinal(ctx, g); err != nil {
			obslog.L().Error("archive_save_failed", zap.String("session_id", g.ID), zap.Error(err))
		}
	}()
}

func (e *Engine) render(key string, data any) string {
	if e.cat == nil {
		return key
	}
	return e.cat.Render(key, data)
}
