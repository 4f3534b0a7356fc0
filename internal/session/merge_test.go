package session

import (
	"testing"

	"github.com/kapu/chess-livesync/pkg/syncdto"
)

func activeSession() *GameSession {
	g := New("s1")
	g.Status = StatusActive
	g.MovesUCI = []string{"e2e4", "e7e5"}
	g.MovesSAN = []string{"e4", "e5"}
	g.WhiteMS = 60_000
	g.BlackMS = 60_000
	g.LastSeq = 2
	return g
}

func TestMerge_FlatBeatsNested(t *testing.T) {
	cur := activeSession()
	ev := &syncdto.Event{
		Kind: syncdto.KindState,
		Seq:  3,
		FEN:  syncdto.Some("flat-fen"),
		Game: &syncdto.GameObject{FEN: syncdto.Some("nested-fen")},
	}
	next := Merge(cur, ev)
	if next.FEN != "flat-fen" {
		t.Fatalf("FEN = %q, want flat payload to win", next.FEN)
	}
}

func TestMerge_NestedFillsWhenFlatAbsent(t *testing.T) {
	cur := activeSession()
	ev := &syncdto.Event{
		Kind: syncdto.KindState,
		Seq:  3,
		Game: &syncdto.GameObject{
			FEN:     syncdto.Some("nested-fen"),
			WhiteMS: syncdto.Some[int64](55_000),
		},
	}
	next := Merge(cur, ev)
	if next.FEN != "nested-fen" {
		t.Fatalf("FEN = %q", next.FEN)
	}
	if next.WhiteMS != 55_000 {
		t.Fatalf("WhiteMS = %d", next.WhiteMS)
	}
	// Unmentioned fields survive.
	if next.BlackMS != 60_000 || len(next.MovesUCI) != 2 {
		t.Fatalf("unmentioned fields clobbered: %+v", next)
	}
}

func TestMerge_NullFallsThroughForRegularFields(t *testing.T) {
	cur := activeSession()
	ev := &syncdto.Event{
		Kind: syncdto.KindState,
		Seq:  3,
		FEN:  syncdto.Null[string](),
	}
	next := Merge(cur, ev)
	if next.FEN != cur.FEN {
		t.Fatalf("explicit null cleared a regular field: %q", next.FEN)
	}
}

func TestMerge_DrawOfferPresence(t *testing.T) {
	cur := activeSession()

	offered := Merge(cur, &syncdto.Event{
		Kind:      syncdto.KindDrawOffered,
		Seq:       3,
		DrawOffer: syncdto.Some("black"),
	})
	if offered.DrawOffer == nil || *offered.DrawOffer != Black {
		t.Fatalf("draw offer not set: %+v", offered.DrawOffer)
	}

	// Explicit null clears; absence keeps.
	kept := Merge(offered, &syncdto.Event{Kind: syncdto.KindState, Seq: 4, WhiteMS: syncdto.Some[int64](50_000)})
	if kept.DrawOffer == nil {
		t.Fatal("absent drawOffer field cleared an outstanding offer")
	}
	cleared := Merge(kept, &syncdto.Event{Kind: syncdto.KindDrawResolved, Seq: 5, DrawOffer: syncdto.Null[string]()})
	if cleared.DrawOffer != nil {
		t.Fatalf("explicit null did not clear: %+v", cleared.DrawOffer)
	}
}

func TestMerge_NoChangeReturnsSamePointer(t *testing.T) {
	cur := activeSession()
	ev := &syncdto.Event{
		Kind: syncdto.KindState,
		FEN:  syncdto.Some(cur.FEN),
	}
	if next := Merge(cur, ev); next != cur {
		t.Fatal("identical merge returned a new pointer")
	}
}

func TestMerge_StaleMoveListRejected(t *testing.T) {
	cur := activeSession()
	ev := &syncdto.Event{
		Kind:     syncdto.KindState,
		Seq:      3,
		MovesUCI: syncdto.Some([]string{"e2e4"}),
		WhiteMS:  syncdto.Some[int64](59_000),
	}
	next := Merge(cur, ev)
	if len(next.MovesUCI) != 2 {
		t.Fatalf("shorter move list replaced a longer one: %v", next.MovesUCI)
	}
	// The rest of the payload still lands.
	if next.WhiteMS != 59_000 {
		t.Fatalf("WhiteMS = %d", next.WhiteMS)
	}
}

func TestMerge_StatusNeverRegresses(t *testing.T) {
	cur := activeSession()
	cur.Status = StatusFinished
	cur.Result = "1-0"
	next := Merge(cur, &syncdto.Event{
		Kind:   syncdto.KindState,
		Seq:    3,
		Status: syncdto.Some("active"),
	})
	if next.Status != StatusFinished {
		t.Fatalf("status regressed to %s", next.Status)
	}
}

func TestMerge_UnknownStatusIgnored(t *testing.T) {
	cur := activeSession()
	next := Merge(cur, &syncdto.Event{
		Kind:   syncdto.KindState,
		Seq:    3,
		Status: syncdto.Some("paused"),
	})
	if next.Status != StatusActive {
		t.Fatalf("unknown status applied: %s", next.Status)
	}
}

func TestMerge_SeqAdvancesMonotonically(t *testing.T) {
	cur := activeSession()
	next := Merge(cur, &syncdto.Event{Kind: syncdto.KindState, Seq: 9, FEN: syncdto.Some("x")})
	if next.LastSeq != 9 {
		t.Fatalf("LastSeq = %d", next.LastSeq)
	}
	again := Merge(next, &syncdto.Event{Kind: syncdto.KindState, Seq: 4, FEN: syncdto.Some("y")})
	if again.LastSeq != 9 {
		t.Fatalf("LastSeq went backwards: %d", again.LastSeq)
	}
}

func TestMerge_RematchLifecycle(t *testing.T) {
	cur := activeSession()
	cur.Status = StatusFinished

	offered := Merge(cur, &syncdto.Event{
		Kind: syncdto.KindRematchOffered,
		Seq:  3,
		Rematch: syncdto.Some(syncdto.Rematch{
			RequestedBy: "white",
			RequestedAt: 1_700_000_000_000,
			Status:      "pending",
		}),
	})
	if offered.Rematch == nil || offered.Rematch.RequestedBy != "white" {
		t.Fatalf("rematch not recorded: %+v", offered.Rematch)
	}

	accepted := Merge(offered, &syncdto.Event{
		Kind: syncdto.KindRematchAccepted,
		Seq:  4,
		Rematch: syncdto.Some(syncdto.Rematch{
			RequestedBy:   "white",
			RequestedAt:   1_700_000_000_000,
			Status:        "accepted",
			NextSessionID: "s2",
		}),
	})
	if accepted.Rematch.Status != "accepted" || accepted.Rematch.NextSessionID != "s2" {
		t.Fatalf("rematch acceptance lost: %+v", accepted.Rematch)
	}
}

func TestClone_IsDeep(t *testing.T) {
	cur := activeSession()
	side := White
	cur.DrawOffer = &side
	cp := cur.Clone()
	cp.MovesUCI[0] = "d2d4"
	*cp.DrawOffer = Black
	if cur.MovesUCI[0] != "e2e4" || *cur.DrawOffer != White {
		t.Fatal("clone shares memory with original")
	}
}
