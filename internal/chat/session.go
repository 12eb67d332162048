// Package chat implements the order-chat session: optimistic local echo,
// at-most-once rendering, a durable retry queue, and typing signals, all
// reduced from a single transport event stream.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/protocol"
	"github.com/workmesh/orderchat/internal/status"
	"github.com/workmesh/orderchat/internal/store"
	"github.com/workmesh/orderchat/internal/transport"
)

// Transport is the connection manager the session drives. Satisfied by
// *transport.Client; tests use a fake.
type Transport interface {
	Connect() error
	Disconnect()
	Send(protocol.ClientEvent) error
	Events() <-chan transport.Event
}

// RetryStore persists the retry queue as a whole set. Satisfied by
// *store.DB; the pipeline is store-agnostic.
type RetryStore interface {
	LoadRetryQueue() ([]store.RetryItem, error)
	SaveRetryQueue([]store.RetryItem) error
}

// Options tunes session behavior. Zero values use production defaults.
type Options struct {
	// OnError receives human-readable failure descriptions. The session
	// itself never returns transport errors to callers.
	OnError func(msg string)
	// DrainInterval is the spacing between retry replays, default 500ms.
	DrainInterval time.Duration
	// TypingTimeout is the auto-stop delay for outgoing typing, default 3s.
	TypingTimeout time.Duration
}

const (
	defaultDrainInterval = 500 * time.Millisecond
	defaultTypingTimeout = 3 * time.Second
)

// Session owns all chat state for one client. Every mutation happens under
// one mutex and every transport event passes through a single reducer, so
// state changes are serialized the way a single-threaded event loop would be.
type Session struct {
	tr      Transport
	queue   RetryStore
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	enabled  bool
	orderID  string
	joinGen  uint64
	log      *messageLog
	typing   *typingSet
	items    []store.RetryItem
	typingOn bool

	typingTimer *time.Timer
	drainCancel context.CancelFunc

	done     chan struct{}
	loopDone chan struct{}
	closeFn  sync.Once
}

// NewSession builds a session and loads the persisted retry queue, which is
// the source of truth for messages that failed before a restart.
func NewSession(tr Transport, queue RetryStore, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts Options) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = defaultTypingTimeout
	}

	items, err := queue.LoadRetryQueue()
	if err != nil {
		return nil, err
	}

	s := &Session{
		tr:       tr,
		queue:    queue,
		bus:      b,
		machine:  machine,
		logger:   logger,
		opts:     opts,
		log:      newMessageLog(),
		typing:   newTypingSet(),
		items:    items,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	go s.loop()
	return s, nil
}

// SetEnabled toggles the whole feature: enabling connects, disabling tears
// the connection down. Idempotent in both directions.
func (s *Session) SetEnabled(enabled bool) {
	s.mu.Lock()
	was := s.enabled
	s.enabled = enabled
	s.mu.Unlock()

	if enabled {
		if err := s.tr.Connect(); err != nil {
			s.reportError(err.Error())
		}
		return
	}
	if was {
		s.stopDrain()
		s.cancelTypingTimer()
		s.tr.Disconnect()
	}
}

// Reconnect drops the current socket and dials again. No-op while disabled.
func (s *Session) Reconnect() {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.stopDrain()
	s.tr.Disconnect()
	if err := s.tr.Connect(); err != nil {
		s.reportError(err.Error())
	}
}

// Close permanently shuts the session down. The retry queue stays persisted.
func (s *Session) Close() {
	s.closeFn.Do(func() {
		close(s.done)
		s.stopDrain()
		s.cancelTypingTimer()
		s.tr.Disconnect()
		_ = s.machine.Transition(status.Idle)
		<-s.loopDone
	})
}

// JoinOrder makes id the current room. The visible log and typing set are
// cleared immediately, before any history arrives, so a stale conversation
// is never shown. Joining over an active room behaves as leave-then-join.
func (s *Session) JoinOrder(id string) {
	if id == "" {
		s.LeaveOrder()
		return
	}

	s.stopDrain()

	s.mu.Lock()
	prev := s.orderID
	s.joinGen++
	s.orderID = id
	s.log.reset()
	s.typing.reset()
	connected := s.machine.Connected()
	hasQueued := s.queuedForLocked(id) > 0
	s.mu.Unlock()

	if connected {
		if prev != "" && prev != id {
			s.emit(protocol.ClientEvent{Type: protocol.LeaveOrder, OrderID: prev})
		}
		s.emit(protocol.ClientEvent{Type: protocol.JoinOrder, OrderID: id})
		if hasQueued {
			s.startDrain()
		}
	}
	s.publish(bus.KindRoomJoined, id)
}

// LeaveOrder leaves the current room and clears the visible log.
func (s *Session) LeaveOrder() {
	s.stopDrain()

	s.mu.Lock()
	prev := s.orderID
	s.joinGen++
	s.orderID = ""
	s.log.reset()
	s.typing.reset()
	connected := s.machine.Connected()
	s.mu.Unlock()

	if connected && prev != "" {
		s.emit(protocol.ClientEvent{Type: protocol.LeaveOrder, OrderID: prev})
	}
	if prev != "" {
		s.publish(bus.KindRoomLeft, prev)
	}
}

// SendMessage appends an optimistic message and attempts delivery. Returns
// nil without side effects when the trimmed text is empty or no room is
// joined. While disconnected the message is marked failed and queued so the
// UI never shows an indefinite "sending" bubble.
func (s *Session) SendMessage(text string) *Message {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if text == "" || s.orderID == "" {
		s.mu.Unlock()
		return nil
	}

	m := Message{
		TempID:     newTempID(),
		OrderID:    s.orderID,
		SenderRole: RoleUser,
		Body:       text,
		Status:     StatusSending,
		Optimistic: true,
		CreatedAt:  time.Now().UnixMilli(),
	}
	s.log.appendOptimistic(m)

	var sendErr error
	connected := s.machine.Connected()
	if connected {
		sendErr = s.tr.Send(protocol.ClientEvent{
			Type:    protocol.SendMessage,
			OrderID: m.OrderID,
			Body:    m.Body,
			TempID:  m.TempID,
		})
	}
	if !connected || sendErr != nil {
		s.log.setTempStatus(m.TempID, StatusFailed)
		m.Status = StatusFailed
		s.enqueueLocked(store.RetryItem{
			OrderID:   m.OrderID,
			Body:      m.Body,
			TempID:    m.TempID,
			CreatedAt: m.CreatedAt,
		})
	}
	s.mu.Unlock()

	s.publish(bus.KindMessageUpsert, m.TempID)
	if m.Status == StatusFailed {
		s.publish(bus.KindMessageFailed, m.TempID)
	}
	return &m
}

// RetryMessage replays a failed message by temp id, preserving its identity
// so confirmation still de-duplicates against the same logical message.
// No-op when the temp id is not queued.
func (s *Session) RetryMessage(tempID string) {
	s.mu.Lock()
	var item *store.RetryItem
	for i := range s.items {
		if s.items[i].TempID == tempID {
			item = &s.items[i]
			break
		}
	}
	if item == nil {
		s.mu.Unlock()
		return
	}

	s.log.setTempStatus(tempID, StatusSending)
	if s.machine.Connected() {
		if err := s.tr.Send(protocol.ClientEvent{
			Type:    protocol.SendMessage,
			OrderID: item.OrderID,
			Body:    item.Body,
			TempID:  item.TempID,
		}); err != nil {
			s.log.setTempStatus(tempID, StatusFailed)
		}
	}
	s.mu.Unlock()

	s.publish(bus.KindMessageUpsert, tempID)
}

// MarkDelivered acknowledges receipt of the given message ids.
func (s *Session) MarkDelivered(ids []string) {
	s.markStatus(protocol.MarkDelivered, ids)
}

// MarkSeen acknowledges that the given message ids were read.
func (s *Session) MarkSeen(ids []string) {
	s.markStatus(protocol.MarkSeen, ids)
}

func (s *Session) markStatus(t protocol.EventType, ids []string) {
	s.mu.Lock()
	orderID := s.orderID
	connected := s.machine.Connected()
	s.mu.Unlock()
	if !connected || orderID == "" || len(ids) == 0 {
		return
	}
	s.emit(protocol.ClientEvent{Type: t, OrderID: orderID, MessageIDs: ids})
}

// StartTyping emits a typing-start signal and arms the auto-stop timer.
// Repeated calls debounce the timer, so the stop fires once, a full timeout
// after the last renewal.
func (s *Session) StartTyping() {
	s.mu.Lock()
	if !s.machine.Connected() || s.orderID == "" {
		s.mu.Unlock()
		return
	}
	if !s.typingOn {
		s.typingOn = true
		_ = s.tr.Send(protocol.ClientEvent{Type: protocol.TypingStart, OrderID: s.orderID})
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.opts.TypingTimeout, s.autoStopTyping)
	s.mu.Unlock()
}

// StopTyping emits typing-stop immediately and cancels any pending auto-stop.
func (s *Session) StopTyping() {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingOn = false
	orderID := s.orderID
	connected := s.machine.Connected()
	s.mu.Unlock()

	if connected && orderID != "" {
		s.emit(protocol.ClientEvent{Type: protocol.TypingStop, OrderID: orderID})
	}
}

func (s *Session) autoStopTyping() {
	s.mu.Lock()
	if !s.typingOn {
		s.mu.Unlock()
		return
	}
	s.typingOn = false
	s.typingTimer = nil
	orderID := s.orderID
	connected := s.machine.Connected()
	s.mu.Unlock()

	if connected && orderID != "" {
		s.emit(protocol.ClientEvent{Type: protocol.TypingStop, OrderID: orderID})
	}
}

// Connected reports whether a live socket is established.
func (s *Session) Connected() bool { return s.machine.Connected() }

// Connecting reports whether the transport is dialing or retrying.
func (s *Session) Connecting() bool { return s.machine.Connecting() }

// OrderID returns the currently joined room, or "" when none.
func (s *Session) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

// Messages returns the chronologically sorted view of the current room.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.snapshot()
}

// TypingUsers returns who is currently typing.
func (s *Session) TypingUsers() []TypingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.list()
}

// RetryQueue returns a copy of the durable retry queue, all rooms included.
func (s *Session) RetryQueue() []store.RetryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RetryItem, len(s.items))
	copy(out, s.items)
	return out
}
