package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kapu/chess-livesync/internal/clocksync"
	"github.com/kapu/chess-livesync/internal/livechannel"
	"github.com/kapu/chess-livesync/internal/session"
	"github.com/kapu/chess-livesync/pkg/syncdto"
)

type fakeTransport struct {
	mu        sync.Mutex
	snap      *syncdto.SessionSnapshot
	snapCalls int
	submitErr error
	submits   []string
	submitted chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{submitted: make(chan string, 16)}
}

func (f *fakeTransport) FetchSnapshot(_ context.Context, _, _ string) (*syncdto.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	if f.snap == nil {
		return nil, errors.New("no snapshot configured")
	}
	cp := *f.snap
	return &cp, nil
}

func (f *fakeTransport) FetchEvents(_ context.Context, _ string, _ int64) (*syncdto.EventsPage, error) {
	return &syncdto.EventsPage{}, nil
}

func (f *fakeTransport) SubmitMove(_ context.Context, _, uci string) error {
	f.mu.Lock()
	f.submits = append(f.submits, uci)
	err := f.submitErr
	f.mu.Unlock()
	f.submitted <- uci
	return err
}

func (f *fakeTransport) setSnapshot(s *syncdto.SessionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

func (f *fakeTransport) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCalls
}

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeConn struct {
	frames    chan *syncdto.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan *syncdto.Event, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (*syncdto.Event, error) {
	select {
	case ev := <-c.frames:
		return ev, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Send(context.Context, any) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type harness struct {
	eng       *Engine
	transport *fakeTransport
	conn      *fakeConn
	states    chan *session.GameSession
	notices   chan string
	chats     chan string
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	h := &harness{
		transport: newFakeTransport(),
		conn:      newFakeConn(),
		states:    make(chan *session.GameSession, 32),
		notices:   make(chan string, 32),
		chats:     make(chan string, 32),
	}
	dialer := livechannel.DialerFunc(func(context.Context, string, string) (livechannel.Conn, error) {
		return h.conn, nil
	})
	h.eng = New(h.transport, dialer, clockwork.NewFakeClock(), nil, nil,
		Options{
			Mode:           mode,
			Side:           session.White,
			ReconnectDelay: 2 * time.Second,
			PollInterval:   3 * time.Second,
		},
		Callbacks{
			OnState:  func(g *session.GameSession) { h.states <- g },
			OnNotice: func(text string) { h.notices <- text },
			OnChat:   func(sender, _, message string) { h.chats <- sender + ": " + message },
			OnClock:  func(clocksync.Tick) {},
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.eng.Run(ctx)
	return h
}

func (h *harness) waitState(t *testing.T) *session.GameSession {
	t.Helper()
	select {
	case g := <-h.states:
		return g
	case <-time.After(2 * time.Second):
		t.Fatal("no state published")
		return nil
	}
}

func (h *harness) waitNotice(t *testing.T) string {
	t.Helper()
	select {
	case n := <-h.notices:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice published")
		return ""
	}
}

func activeSnapshot(seq int64) *syncdto.SessionSnapshot {
	return &syncdto.SessionSnapshot{
		ID:  "s1",
		Seq: seq,
		Game: syncdto.GameObject{
			Status: syncdto.Some("active"),
			Turn:   syncdto.Some("white"),
			FEN:    syncdto.Some(session.StartFEN),
		},
	}
}

func TestSubscribe_InitialSnapshotPublishes(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(4))
	h.eng.Subscribe("s1")

	g := h.waitState(t)
	if g.Status != session.StatusActive || g.LastSeq != 4 {
		t.Fatalf("state = %+v", g)
	}
}

func TestGap_TriggersExactlyOneResync(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(4))
	h.eng.Subscribe("s1")
	h.waitState(t) // initial snapshot, seq 4

	h.conn.frames <- &syncdto.Event{Kind: syncdto.KindState, Seq: 5, WhiteMS: syncdto.Some[int64](59_000)}
	if g := h.waitState(t); g.LastSeq != 5 {
		t.Fatalf("seq 5 not applied: %+v", g)
	}
	h.conn.frames <- &syncdto.Event{Kind: syncdto.KindState, Seq: 6, BlackMS: syncdto.Some[int64](58_000)}
	if g := h.waitState(t); g.LastSeq != 6 {
		t.Fatalf("seq 6 not applied: %+v", g)
	}

	// Seq 7 goes missing; 8 must force a single snapshot refresh.
	refreshed := activeSnapshot(8)
	refreshed.Game.WhiteMS = syncdto.Some[int64](57_000)
	h.transport.setSnapshot(refreshed)
	h.conn.frames <- &syncdto.Event{Kind: syncdto.KindState, Seq: 8, WhiteMS: syncdto.Some[int64](57_000)}

	g := h.waitState(t)
	if g.LastSeq != 8 || g.WhiteMS != 57_000 {
		t.Fatalf("resynced state = %+v", g)
	}
	if calls := h.transport.snapshotCalls(); calls != 2 {
		t.Fatalf("snapshot calls = %d, want 2 (initial + gap)", calls)
	}

	// The covered event was dropped on re-admission: no further publication.
	select {
	case g := <-h.states:
		t.Fatalf("extra state after resync: %+v", g)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestApply_MoveListWithoutFENDerivesPosition(t *testing.T) {
	h := newHarness(t, "spectator")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.conn.frames <- &syncdto.Event{
		Kind:     syncdto.KindState,
		Seq:      2,
		MovesUCI: syncdto.Some([]string{"e2e4"}),
		Turn:     syncdto.Some("black"),
	}

	g := h.waitState(t)
	if g.FEN == session.StartFEN {
		t.Fatal("position not rebuilt from the move list")
	}
	if !strings.Contains(g.FEN, "4P3") || !strings.Contains(g.FEN, " b ") {
		t.Fatalf("FEN = %q, want the position after e4 with black to move", g.FEN)
	}
}

func TestOptimisticMove_OverlayThenConfirm(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.SubmitMove("e2e4")

	overlay := h.waitState(t)
	if len(overlay.MovesUCI) != 1 || overlay.MovesUCI[0] != "e2e4" || overlay.Turn != session.Black {
		t.Fatalf("overlay = %+v", overlay)
	}

	select {
	case uci := <-h.transport.submitted:
		if uci != "e2e4" {
			t.Fatalf("submitted %q", uci)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("move never sent")
	}

	// Server confirms at seq 2; the provisional move reconciles away.
	h.conn.frames <- &syncdto.Event{
		Kind:     syncdto.KindState,
		Seq:      2,
		MovesUCI: syncdto.Some([]string{"e2e4"}),
		MovesSAN: syncdto.Some([]string{"e4"}),
		Turn:     syncdto.Some("black"),
	}
	confirmed := h.waitState(t)
	if confirmed.LastSeq != 2 || len(confirmed.MovesUCI) != 1 {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	if n := h.transport.submitCount(); n != 1 {
		t.Fatalf("submit count = %d", n)
	}
}

func TestOptimisticMove_ServerRejectionRollsBack(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.transport.submitErr = &syncdto.DomainError{Code: "illegal_move", Message: "illegal"}
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.SubmitMove("e2e4")
	overlay := h.waitState(t)
	if len(overlay.MovesUCI) != 1 {
		t.Fatalf("overlay = %+v", overlay)
	}

	reverted := h.waitState(t)
	if len(reverted.MovesUCI) != 0 || reverted.Turn != session.White {
		t.Fatalf("reverted = %+v", reverted)
	}
	if n := h.waitNotice(t); !strings.Contains(n, "move_rejected") {
		t.Fatalf("notice = %q", n)
	}
}

func TestSubmitMove_LocallyIllegalNeverSent(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.SubmitMove("e2e5")
	if n := h.waitNotice(t); !strings.Contains(n, "move_rejected") {
		t.Fatalf("notice = %q", n)
	}
	if h.transport.submitCount() != 0 {
		t.Fatal("locally illegal move reached the network")
	}
}

func TestSpectator_CannotSubmit(t *testing.T) {
	h := newHarness(t, "spectator")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.SubmitMove("e2e4")
	select {
	case uci := <-h.transport.submitted:
		t.Fatalf("spectator submitted %q", uci)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPremove_FiresWhenTurnArrives(t *testing.T) {
	h := newHarness(t, "participant")
	snap := activeSnapshot(1)
	snap.Game.Turn = syncdto.Some("black")
	h.transport.setSnapshot(snap)
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.StagePremove("e2", "e4", "")

	// Black replies; it becomes white's turn and the premove plays itself.
	h.conn.frames <- &syncdto.Event{
		Kind: syncdto.KindState,
		Seq:  2,
		Turn: syncdto.Some("white"),
	}

	select {
	case uci := <-h.transport.submitted:
		if uci != "e2e4" {
			t.Fatalf("premoved %q", uci)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("premove never submitted")
	}
}

func TestChat_PassedThrough(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.conn.frames <- &syncdto.Event{Kind: syncdto.KindChat, Sender: "alice", Room: "r1", Message: "gg"}
	select {
	case got := <-h.chats:
		if got != "alice: gg" {
			t.Fatalf("chat = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat not delivered")
	}
}

func TestGameEnd_PublishesNotice(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.conn.frames <- &syncdto.Event{
		Kind:   syncdto.KindGameEnd,
		Seq:    2,
		Status: syncdto.Some("finished"),
		Result: syncdto.Some("1-0"),
	}
	g := h.waitState(t)
	if g.Status != session.StatusFinished || g.Result != "1-0" {
		t.Fatalf("final state = %+v", g)
	}
	if n := h.waitNotice(t); !strings.Contains(n, "game_over") {
		t.Fatalf("notice = %q", n)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := newHarness(t, "participant")
	h.transport.setSnapshot(activeSnapshot(1))
	h.eng.Subscribe("s1")
	h.waitState(t)

	h.eng.Unsubscribe()
	// Give the teardown a moment, then push a frame at the dead subscription.
	time.Sleep(50 * time.Millisecond)
	select {
	case h.conn.frames <- &syncdto.Event{Kind: syncdto.KindState, Seq: 2, WhiteMS: syncdto.Some[int64](1)}:
	default:
	}

	select {
	case g := <-h.states:
		t.Fatalf("state published after unsubscribe: %+v", g)
	case <-time.After(150 * time.Millisecond):
	}
}
