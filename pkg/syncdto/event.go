package syncdto

// EventKind discriminates server-originated notifications.
type EventKind string

const (
	KindSnapshot        EventKind = "snapshot"
	KindState           EventKind = "state"
	KindChat            EventKind = "chat"
	KindDrawOffered     EventKind = "draw_offered"
	KindDrawResolved    EventKind = "draw_resolved"
	KindRematchOffered  EventKind = "rematch_offered"
	KindRematchAccepted EventKind = "rematch_accepted"
	KindRematchDeclined EventKind = "rematch_declined"
	KindClockTick       EventKind = "clock"
	KindGameEnd         EventKind = "end"
)

// Sequenced reports whether events of this kind carry a sequence number.
// Chat and best-effort clock ticks are delivered outside the ordered stream.
func (k EventKind) Sequenced() bool {
	switch k {
	case KindChat, KindClockTick:
		return false
	default:
		return true
	}
}

// Terminal reports whether the event finalizes the match. Terminal events are
// idempotent and applied even when they arrive ahead of a sequence gap.
func (k EventKind) Terminal() bool {
	return k == KindGameEnd
}

// Rematch mirrors the server's rematch negotiation sub-state.
type Rematch struct {
	RequestedBy   string `json:"requestedBy"`
	RequestedAt   int64  `json:"requestedAt"` // unix millis
	Status        string `json:"status"`
	NextSessionID string `json:"nextSessionId,omitempty"`
}

// GameObject is the nested duplicate of the flat state fields some server
// payloads carry. Flat fields win over nested ones during merge.
type GameObject struct {
	FEN       Opt[string]   `json:"fen"`
	MovesUCI  Opt[[]string] `json:"moves"`
	MovesSAN  Opt[[]string] `json:"san"`
	Status    Opt[string]   `json:"status"`
	Result    Opt[string]   `json:"result"`
	Turn      Opt[string]   `json:"turn"`
	WhiteMS   Opt[int64]    `json:"wtime"`
	BlackMS   Opt[int64]    `json:"btime"`
	DrawOffer Opt[string]   `json:"drawOffer"`
	Rematch   Opt[Rematch]  `json:"rematch"`
}

// Event is one server notification, received over the live channel or the
// incremental poll. Seq is zero for kinds outside the ordered stream.
type Event struct {
	Kind EventKind `json:"type"`
	Seq  int64     `json:"seq,omitempty"`

	FEN       Opt[string]   `json:"fen"`
	MovesUCI  Opt[[]string] `json:"moves"`
	MovesSAN  Opt[[]string] `json:"san"`
	Status    Opt[string]   `json:"status"`
	Result    Opt[string]   `json:"result"`
	Turn      Opt[string]   `json:"turn"`
	WhiteMS   Opt[int64]    `json:"wtime"`
	BlackMS   Opt[int64]    `json:"btime"`
	DrawOffer Opt[string]   `json:"drawOffer"`
	Rematch   Opt[Rematch]  `json:"rematch"`
	ServerAt  Opt[int64]    `json:"at"` // unix millis, server wall clock

	Game *GameObject `json:"game,omitempty"`

	// chat payload
	Sender  string `json:"sender,omitempty"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionSnapshot is the full authoritative state, fetched on demand.
type SessionSnapshot struct {
	ID   string      `json:"id"`
	Seq  int64       `json:"seq"`
	Game GameObject  `json:"game"`
	At   Opt[int64]  `json:"at"`
}

// AsEvent reshapes a snapshot into the event form shared by both ingest
// paths, so snapshots and deltas flow through one application pipeline.
func (s *SessionSnapshot) AsEvent() *Event {
	return &Event{
		Kind:     KindSnapshot,
		Seq:      s.Seq,
		Game:     &s.Game,
		ServerAt: s.At,
	}
}

// EventsPage is the incremental-events pull response.
type EventsPage struct {
	Events  []Event `json:"events"`
	LastSeq int64   `json:"lastSeq"`
}

// ChatSend is the outbound chat frame written over the live channel.
type ChatSend struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
}
