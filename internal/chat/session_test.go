package chat

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/protocol"
	"github.com/workmesh/orderchat/internal/status"
	"github.com/workmesh/orderchat/internal/store"
	"github.com/workmesh/orderchat/internal/transport"
)

// fakeTransport records outbound frames and lets tests inject events.
type fakeTransport struct {
	events chan transport.Event

	mu          sync.Mutex
	sent        []sentFrame
	connectErr  error
	sendErr     error
	connects    int
	disconnects int
}

type sentFrame struct {
	evt protocol.ClientEvent
	at  time.Time
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Send(evt protocol.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{evt: evt, at: time.Now()})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) framesOf(t protocol.EventType) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if s.evt.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// fakeQueue is an in-memory RetryStore.
type fakeQueue struct {
	mu    sync.Mutex
	items []store.RetryItem
	saves int
}

func (q *fakeQueue) LoadRetryQueue() ([]store.RetryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.RetryItem(nil), q.items...), nil
}

func (q *fakeQueue) SaveRetryQueue(items []store.RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]store.RetryItem(nil), items...)
	q.saves++
	return nil
}

func (q *fakeQueue) snapshot() []store.RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.RetryItem(nil), q.items...)
}

type fixture struct {
	s  *Session
	tr *fakeTransport
	q  *fakeQueue
	m  *status.Machine
	b  *bus.Bus
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithQueue(t, opts, &fakeQueue{})
}

func newFixtureWithQueue(t *testing.T, opts Options, q *fakeQueue) *fixture {
	t.Helper()
	tr := newFakeTransport()
	b := bus.New()
	m := status.NewMachine(b)
	s, err := NewSession(tr, q, b, m, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return &fixture{s: s, tr: tr, q: q, m: m, b: b}
}

// connect drives the transport lifecycle to Connected and waits for the
// reducer to catch up.
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.tr.events <- transport.Event{Kind: transport.KindConnecting}
	f.tr.events <- transport.Event{Kind: transport.KindConnected}
	waitUntil(t, "session connected", f.s.Connected)
}

func (f *fixture) push(ev protocol.ServerEvent) {
	f.tr.events <- transport.Event{Kind: transport.KindServer, Server: &ev}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t, Options{})

	if m := f.s.SendMessage("hi"); m != nil {
		t.Error("SendMessage without a room should return nil")
	}

	f.s.JoinOrder("o1")
	if m := f.s.SendMessage("   "); m != nil {
		t.Error("SendMessage with blank text should return nil")
	}
	if got := len(f.s.Messages()); got != 0 {
		t.Errorf("rejected sends left %d messages", got)
	}
}

func TestOptimisticEchoAndConfirm(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	m := f.s.SendMessage("hi")
	if m == nil {
		t.Fatal("SendMessage returned nil")
	}
	if m.Status != StatusSending || !m.Optimistic {
		t.Errorf("message = %+v, want optimistic sending", m)
	}
	if !strings.HasPrefix(m.TempID, "temp-") {
		t.Errorf("temp id = %q, want temp- prefix", m.TempID)
	}

	// The optimistic echo is visible before any network confirmation.
	msgs := f.s.Messages()
	if len(msgs) != 1 || msgs[0].TempID != m.TempID {
		t.Fatalf("messages = %+v, want the optimistic entry", msgs)
	}

	waitUntil(t, "send frame", func() bool {
		return len(f.tr.framesOf(protocol.SendMessage)) == 1
	})
	frame := f.tr.framesOf(protocol.SendMessage)[0].evt
	if frame.TempID != m.TempID || frame.Body != "hi" || frame.OrderID != "o1" {
		t.Errorf("frame = %+v, want hi/o1 with temp id", frame)
	}

	// Server confirms with the same temp id: replaced in place, not duplicated.
	f.push(protocol.ServerEvent{
		Type: protocol.MessageNew,
		Message: &protocol.Message{
			ID: "m1", OrderID: "o1", SenderID: "u1", SenderRole: "user",
			Body: "hi", Status: "sent", TempID: m.TempID, CreatedAt: m.CreatedAt,
		},
	})
	waitUntil(t, "confirmation", func() bool {
		msgs := f.s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})
	got := f.s.Messages()[0]
	if got.Optimistic || got.Status != StatusSent {
		t.Errorf("confirmed message = %+v, want sent, not optimistic", got)
	}
}

func TestDuplicatePushRenderedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	msg := protocol.Message{ID: "m1", OrderID: "o1", Body: "dup", Status: "sent", CreatedAt: 100}
	f.push(protocol.ServerEvent{Type: protocol.MessageNew, Message: &msg})
	f.push(protocol.ServerEvent{Type: protocol.MessageNew, Message: &msg})
	f.push(protocol.ServerEvent{Type: protocol.MessageNew, Message: &msg})

	waitUntil(t, "first delivery", func() bool { return len(f.s.Messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(f.s.Messages()); got != 1 {
		t.Errorf("got %d messages after triple push, want 1", got)
	}
}

func TestHistoryAndPushesStaySorted(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.push(protocol.ServerEvent{
		Type: protocol.MessageHistory, OrderID: "o1",
		Messages: []protocol.Message{
			{ID: "m3", OrderID: "o1", CreatedAt: 3000, Status: "sent"},
			{ID: "m1", OrderID: "o1", CreatedAt: 1000, Status: "sent"},
		},
	})
	// Out-of-order delivery: an older message arrives after the snapshot.
	f.push(protocol.ServerEvent{
		Type:    protocol.MessageNew,
		Message: &protocol.Message{ID: "m2", OrderID: "o1", CreatedAt: 2000, Status: "sent"},
	})

	waitUntil(t, "three messages", func() bool { return len(f.s.Messages()) == 3 })
	msgs := f.s.Messages()
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" || msgs[2].ID != "m3" {
		t.Errorf("order = %s %s %s, want m1 m2 m3", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestOfflineSendFailsAndQueues(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")

	m := f.s.SendMessage("x")
	if m == nil {
		t.Fatal("SendMessage returned nil")
	}
	if m.Status != StatusFailed {
		t.Errorf("status = %v, want failed while disconnected", m.Status)
	}

	msgs := f.s.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Errorf("messages = %+v, want one failed entry", msgs)
	}

	queued := f.q.snapshot()
	if len(queued) != 1 || queued[0].TempID != m.TempID || queued[0].Body != "x" || queued[0].OrderID != "o1" {
		t.Errorf("persisted queue = %+v, want the failed item", queued)
	}
	if got := len(f.tr.framesOf(protocol.SendMessage)); got != 0 {
		t.Errorf("sent %d frames while disconnected, want 0", got)
	}
}

func TestDrainReplaysOnlyCurrentRoomWithSpacing(t *testing.T) {
	q := &fakeQueue{items: []store.RetryItem{
		{OrderID: "o1", Body: "a", TempID: "temp-1-a", CreatedAt: 1},
		{OrderID: "o1", Body: "b", TempID: "temp-2-b", CreatedAt: 2},
		{OrderID: "o2", Body: "c", TempID: "temp-3-c", CreatedAt: 3},
	}}
	f := newFixtureWithQueue(t, Options{DrainInterval: 200 * time.Millisecond}, q)

	f.s.JoinOrder("o1")
	f.connect(t)

	waitUntil(t, "two replays", func() bool {
		return len(f.tr.framesOf(protocol.SendMessage)) == 2
	})
	time.Sleep(250 * time.Millisecond)

	frames := f.tr.framesOf(protocol.SendMessage)
	if len(frames) != 2 {
		t.Fatalf("got %d replays, want 2 (other room must stay queued)", len(frames))
	}
	if frames[0].evt.TempID != "temp-1-a" || frames[1].evt.TempID != "temp-2-b" {
		t.Errorf("replay order = %s, %s, want temp-1-a then temp-2-b",
			frames[0].evt.TempID, frames[1].evt.TempID)
	}
	if gap := frames[1].at.Sub(frames[0].at); gap < 150*time.Millisecond {
		t.Errorf("replay gap = %v, want >= drain interval", gap)
	}

	// The o2 item is untouched until its room becomes current.
	var hasO2 bool
	for _, it := range f.s.RetryQueue() {
		if it.OrderID == "o2" {
			hasO2 = true
		}
	}
	if !hasO2 {
		t.Error("o2 item missing from queue after drain")
	}
}

func TestDrainAbortsOnRoomSwitch(t *testing.T) {
	q := &fakeQueue{items: []store.RetryItem{
		{OrderID: "o1", Body: "a", TempID: "temp-1-a", CreatedAt: 1},
		{OrderID: "o1", Body: "b", TempID: "temp-2-b", CreatedAt: 2},
	}}
	f := newFixtureWithQueue(t, Options{DrainInterval: 300 * time.Millisecond}, q)

	f.s.JoinOrder("o1")
	f.connect(t)

	waitUntil(t, "first replay", func() bool {
		return len(f.tr.framesOf(protocol.SendMessage)) == 1
	})
	f.s.JoinOrder("o2")

	time.Sleep(500 * time.Millisecond)
	if got := len(f.tr.framesOf(protocol.SendMessage)); got != 1 {
		t.Errorf("got %d replays after room switch, want 1", got)
	}
}

func TestRetryAfterServerError(t *testing.T) {
	var errMu sync.Mutex
	var reported []string
	f := newFixture(t, Options{OnError: func(msg string) {
		errMu.Lock()
		reported = append(reported, msg)
		errMu.Unlock()
	}})
	f.s.JoinOrder("o1")
	f.connect(t)

	m := f.s.SendMessage("spam")
	if m == nil {
		t.Fatal("SendMessage returned nil")
	}

	f.push(protocol.ServerEvent{Type: protocol.MessageError, TempID: m.TempID, Reason: "rejected by moderation"})
	waitUntil(t, "message failed", func() bool {
		msgs := f.s.Messages()
		return len(msgs) == 1 && msgs[0].Status == StatusFailed
	})

	errMu.Lock()
	gotErr := len(reported) == 1 && reported[0] == "rejected by moderation"
	errMu.Unlock()
	if !gotErr {
		t.Errorf("reported errors = %v, want the rejection reason", reported)
	}

	// The failed message is retryable with the same identity.
	f.s.RetryMessage(m.TempID)
	waitUntil(t, "resend", func() bool {
		return len(f.tr.framesOf(protocol.SendMessage)) == 2
	})
	frames := f.tr.framesOf(protocol.SendMessage)
	if frames[1].evt.TempID != m.TempID {
		t.Errorf("retry temp id = %q, want %q", frames[1].evt.TempID, m.TempID)
	}
	if got := f.s.Messages()[0].Status; got != StatusSending {
		t.Errorf("status after retry = %v, want sending", got)
	}
}

func TestRetryUnknownTempIDIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.s.RetryMessage("temp-nope")
	if got := len(f.tr.framesOf(protocol.SendMessage)); got != 0 {
		t.Errorf("sent %d frames for unknown temp id, want 0", got)
	}
}

func TestRoomSwitchClearsViewImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.push(protocol.ServerEvent{
		Type: protocol.MessageHistory, OrderID: "o1",
		Messages: []protocol.Message{{ID: "m1", OrderID: "o1", CreatedAt: 1, Status: "sent"}},
	})
	waitUntil(t, "o1 history", func() bool { return len(f.s.Messages()) == 1 })

	// Switching rooms empties the view before any o2 history arrives.
	f.s.JoinOrder("o2")
	if got := len(f.s.Messages()); got != 0 {
		t.Fatalf("got %d messages right after switch, want 0", got)
	}

	// A late snapshot for the old room is stale and must be dropped.
	f.push(protocol.ServerEvent{
		Type: protocol.MessageHistory, OrderID: "o1",
		Messages: []protocol.Message{{ID: "m1", OrderID: "o1", CreatedAt: 1, Status: "sent"}},
	})
	// The o2 snapshot lands normally.
	f.push(protocol.ServerEvent{
		Type: protocol.MessageHistory, OrderID: "o2",
		Messages: []protocol.Message{{ID: "m9", OrderID: "o2", CreatedAt: 9, Status: "sent"}},
	})

	waitUntil(t, "o2 history", func() bool {
		msgs := f.s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m9"
	})
}

func TestJoinDeferredUntilConnected(t *testing.T) {
	f := newFixture(t, Options{})

	f.s.JoinOrder("o1")
	if got := len(f.tr.framesOf(protocol.JoinOrder)); got != 0 {
		t.Fatalf("join emitted while disconnected")
	}

	f.connect(t)
	waitUntil(t, "deferred join", func() bool {
		return len(f.tr.framesOf(protocol.JoinOrder)) == 1
	})
	if frame := f.tr.framesOf(protocol.JoinOrder)[0].evt; frame.OrderID != "o1" {
		t.Errorf("joined %q, want o1", frame.OrderID)
	}
}

func TestRejoinAfterReconnect(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)
	waitUntil(t, "initial join", func() bool {
		return len(f.tr.framesOf(protocol.JoinOrder)) == 1
	})

	f.tr.events <- transport.Event{Kind: transport.KindReconnecting}
	waitUntil(t, "connecting state", f.s.Connecting)
	f.tr.events <- transport.Event{Kind: transport.KindConnected}

	waitUntil(t, "rejoin", func() bool {
		return len(f.tr.framesOf(protocol.JoinOrder)) == 2
	})
}

func TestStatusFanout(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.push(protocol.ServerEvent{
		Type: protocol.MessageHistory, OrderID: "o1",
		Messages: []protocol.Message{
			{ID: "m1", OrderID: "o1", CreatedAt: 1, Status: "sent"},
			{ID: "m2", OrderID: "o1", CreatedAt: 2, Status: "sent"},
		},
	})
	waitUntil(t, "history", func() bool { return len(f.s.Messages()) == 2 })

	f.push(protocol.ServerEvent{Type: protocol.MessageStatus, MessageIDs: []string{"m1", "m2"}, Status: "seen"})
	waitUntil(t, "seen fanout", func() bool {
		msgs := f.s.Messages()
		return msgs[0].Status == StatusSeen && msgs[1].Status == StatusSeen
	})
}

func TestMarkSeenEmitsIDs(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")

	// Disconnected: nothing goes out.
	f.s.MarkSeen([]string{"m1"})
	if got := len(f.tr.framesOf(protocol.MarkSeen)); got != 0 {
		t.Error("mark_seen emitted while disconnected")
	}

	f.connect(t)
	f.s.MarkSeen([]string{"m1", "m2"})
	f.s.MarkDelivered([]string{"m3"})

	waitUntil(t, "mark frames", func() bool {
		return len(f.tr.framesOf(protocol.MarkSeen)) == 1 && len(f.tr.framesOf(protocol.MarkDelivered)) == 1
	})
	seen := f.tr.framesOf(protocol.MarkSeen)[0].evt
	if len(seen.MessageIDs) != 2 || seen.OrderID != "o1" {
		t.Errorf("mark_seen = %+v, want 2 ids for o1", seen)
	}
}

func TestTypingDebounce(t *testing.T) {
	f := newFixture(t, Options{TypingTimeout: 200 * time.Millisecond})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.s.StartTyping()
	time.Sleep(80 * time.Millisecond)
	secondCall := time.Now()
	f.s.StartTyping()

	waitUntil(t, "auto stop", func() bool {
		return len(f.tr.framesOf(protocol.TypingStop)) == 1
	})
	stopAt := f.tr.framesOf(protocol.TypingStop)[0].at

	if got := len(f.tr.framesOf(protocol.TypingStart)); got != 1 {
		t.Errorf("got %d start signals, want 1 (debounced)", got)
	}
	if d := stopAt.Sub(secondCall); d < 150*time.Millisecond {
		t.Errorf("stop fired %v after second call, want >= timeout", d)
	}

	// No further stop arrives later.
	time.Sleep(300 * time.Millisecond)
	if got := len(f.tr.framesOf(protocol.TypingStop)); got != 1 {
		t.Errorf("got %d stop signals, want exactly 1", got)
	}
}

func TestStopTypingImmediate(t *testing.T) {
	f := newFixture(t, Options{TypingTimeout: 200 * time.Millisecond})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.s.StartTyping()
	f.s.StopTyping()

	waitUntil(t, "stop signal", func() bool {
		return len(f.tr.framesOf(protocol.TypingStop)) == 1
	})

	// The canceled timer must not fire a second stop.
	time.Sleep(300 * time.Millisecond)
	if got := len(f.tr.framesOf(protocol.TypingStop)); got != 1 {
		t.Errorf("got %d stop signals, want 1", got)
	}
}

func TestIncomingTypingUpdates(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.JoinOrder("o1")
	f.connect(t)

	f.push(protocol.ServerEvent{Type: protocol.TypingUpdate, SenderID: "admin-7", SenderRole: "admin", IsTyping: true})
	waitUntil(t, "typer added", func() bool { return len(f.s.TypingUsers()) == 1 })

	users := f.s.TypingUsers()
	if users[0].SenderID != "admin-7" || users[0].Role != RoleAdmin {
		t.Errorf("typing users = %+v, want admin-7/admin", users)
	}

	f.push(protocol.ServerEvent{Type: protocol.TypingUpdate, SenderID: "admin-7", SenderRole: "admin", IsTyping: false})
	waitUntil(t, "typer removed", func() bool { return len(f.s.TypingUsers()) == 0 })
}

func TestEnableFailsFastWithoutCredential(t *testing.T) {
	var errMu sync.Mutex
	var got string
	f := newFixture(t, Options{OnError: func(msg string) {
		errMu.Lock()
		got = msg
		errMu.Unlock()
	}})
	f.tr.connectErr = errors.New("no auth credential available")

	f.s.SetEnabled(true)

	errMu.Lock()
	defer errMu.Unlock()
	if got != "no auth credential available" {
		t.Errorf("onError = %q, want the credential error", got)
	}
}

func TestDisableDisconnects(t *testing.T) {
	f := newFixture(t, Options{})
	f.s.SetEnabled(true)
	f.s.SetEnabled(false)

	f.tr.mu.Lock()
	defer f.tr.mu.Unlock()
	if f.tr.connects != 1 || f.tr.disconnects != 1 {
		t.Errorf("connects=%d disconnects=%d, want 1/1", f.tr.connects, f.tr.disconnects)
	}
}

// TestOfflineSendScenario walks the full lifecycle: fail offline, drain on
// reconnect, confirm, queue empty.
func TestOfflineSendScenario(t *testing.T) {
	f := newFixture(t, Options{DrainInterval: 100 * time.Millisecond})
	f.s.JoinOrder("o1")

	m := f.s.SendMessage("Hello")
	if m == nil || m.Status != StatusFailed {
		t.Fatalf("offline send = %+v, want failed message", m)
	}
	if got := len(f.q.snapshot()); got != 1 {
		t.Fatalf("queue = %d items, want 1", got)
	}

	f.connect(t)
	waitUntil(t, "drain replay", func() bool {
		return len(f.tr.framesOf(protocol.SendMessage)) == 1
	})
	waitUntil(t, "message back to sending", func() bool {
		return f.s.Messages()[0].Status == StatusSending
	})

	f.push(protocol.ServerEvent{
		Type: protocol.MessageNew,
		Message: &protocol.Message{
			ID: "m1", OrderID: "o1", Body: "Hello", Status: "sent",
			TempID: m.TempID, CreatedAt: m.CreatedAt,
		},
	})
	waitUntil(t, "confirmation", func() bool {
		msgs := f.s.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1" && len(f.q.snapshot()) == 0
	})
}
