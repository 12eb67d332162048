package chat

import (
	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/protocol"
	"github.com/workmesh/orderchat/internal/status"
	"github.com/workmesh/orderchat/internal/transport"
)

// loop is the session's single event consumer; every transport and server
// event funnels through the reducer below.
func (s *Session) loop() {
	defer close(s.loopDone)
	events := s.tr.Events()
	for {
		select {
		case evt := <-events:
			s.reduce(evt)
		case <-s.done:
			return
		}
	}
}

// reduce is the one place transport activity mutates session state.
func (s *Session) reduce(evt transport.Event) {
	switch evt.Kind {
	case transport.KindConnecting:
		s.transition(status.Connecting)

	case transport.KindConnected:
		s.transition(status.Connected)
		s.onConnected()

	case transport.KindReconnecting:
		s.stopDrain()
		s.transition(status.Reconnecting)

	case transport.KindFailed:
		s.stopDrain()
		s.transition(status.Failed)
		if evt.Err != nil {
			s.reportError("connection failed: " + evt.Err.Error())
		}

	case transport.KindClosed:
		s.stopDrain()
		s.transition(status.Idle)

	case transport.KindError:
		if evt.Err != nil {
			s.reportError(evt.Err.Error())
		}

	case transport.KindServer:
		if evt.Server != nil {
			s.reduceServer(evt.Server)
		}
	}
}

// onConnected re-issues the join for the current room so membership
// survives reconnection, then kicks off the queue drain.
func (s *Session) onConnected() {
	s.mu.Lock()
	orderID := s.orderID
	hasQueued := s.queuedForLocked(orderID) > 0
	s.mu.Unlock()

	if orderID == "" {
		return
	}
	s.emit(protocol.ClientEvent{Type: protocol.JoinOrder, OrderID: orderID})
	if hasQueued {
		s.startDrain()
	}
}

func (s *Session) reduceServer(ev *protocol.ServerEvent) {
	switch ev.Type {
	case protocol.MessageHistory:
		s.applyHistory(ev)
	case protocol.MessageNew:
		s.applyNew(ev)
	case protocol.MessageStatus:
		s.applyStatus(ev)
	case protocol.MessageError:
		s.applySendError(ev)
	case protocol.TypingUpdate:
		s.applyTyping(ev)
	case protocol.ServerError:
		s.reportError(ev.Reason)
	default:
		s.logger.Debug("ignoring unknown server event", zap.String("type", string(ev.Type)))
	}
}

// applyHistory replaces the whole log with a snapshot. Snapshots for a room
// that is no longer current are stale and dropped; rapid join/join races
// therefore cannot show the wrong conversation.
func (s *Session) applyHistory(ev *protocol.ServerEvent) {
	s.mu.Lock()
	if ev.OrderID == "" || ev.OrderID != s.orderID {
		s.mu.Unlock()
		s.logger.Debug("dropping stale history snapshot", zap.String("order_id", ev.OrderID))
		return
	}
	msgs := make([]Message, 0, len(ev.Messages))
	for _, w := range ev.Messages {
		msgs = append(msgs, fromWire(w))
	}
	s.log.replace(msgs)
	s.mu.Unlock()

	s.publish(bus.KindHistory, len(msgs))
}

// applyNew ingests a single pushed message. A temp id match removes the
// optimistic placeholder and settles the retry queue before the duplicate
// check, so the placeholder never lingers even under redelivery.
func (s *Session) applyNew(ev *protocol.ServerEvent) {
	if ev.Message == nil {
		return
	}
	m := fromWire(*ev.Message)
	m.Optimistic = false

	s.mu.Lock()
	if m.OrderID != "" && m.OrderID != s.orderID {
		// Confirmation for another room still settles its queue item.
		if m.TempID != "" && s.removeQueuedLocked(m.TempID) {
			s.persistQueueLocked()
			s.mu.Unlock()
			s.publish(bus.KindQueueChanged, len(s.RetryQueue()))
			return
		}
		s.mu.Unlock()
		return
	}

	queueChanged := false
	if m.TempID != "" && s.removeQueuedLocked(m.TempID) {
		s.persistQueueLocked()
		queueChanged = true
	}
	added := s.log.apply(m)
	s.mu.Unlock()

	if queueChanged {
		s.publish(bus.KindQueueChanged, len(s.RetryQueue()))
	}
	if added {
		s.publish(bus.KindMessageUpsert, m.ID)
	}
}

func (s *Session) applyStatus(ev *protocol.ServerEvent) {
	s.mu.Lock()
	changed := s.log.setStatus(ev.MessageIDs, DeliveryStatus(ev.Status))
	s.mu.Unlock()
	if changed > 0 {
		s.publish(bus.KindMessageUpsert, ev.Status)
	}
}

// applySendError handles the far end rejecting a specific temp id: the
// optimistic message flips to failed and stays retryable through the queue.
func (s *Session) applySendError(ev *protocol.ServerEvent) {
	if ev.TempID == "" {
		s.reportError(ev.Reason)
		return
	}

	s.mu.Lock()
	flipped := s.log.setTempStatus(ev.TempID, StatusFailed)
	queueChanged := false
	if flipped && s.queuedIndexLocked(ev.TempID) < 0 {
		if m, ok := s.log.byTemp(ev.TempID); ok {
			s.enqueueLocked(retryItemFor(m))
			queueChanged = true
		}
	}
	s.mu.Unlock()

	if flipped {
		s.publish(bus.KindMessageFailed, ev.TempID)
	}
	if queueChanged {
		s.publish(bus.KindQueueChanged, len(s.RetryQueue()))
	}
	s.reportError(ev.Reason)
}

func (s *Session) applyTyping(ev *protocol.ServerEvent) {
	s.mu.Lock()
	s.typing.upsert(ev.SenderID, Role(ev.SenderRole), ev.IsTyping)
	users := s.typing.list()
	s.mu.Unlock()
	s.publish(bus.KindTypingChanged, users)
}

func (s *Session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Warn("state transition rejected", zap.Error(err))
	}
}

func (s *Session) emit(ev protocol.ClientEvent) {
	if err := s.tr.Send(ev); err != nil {
		s.logger.Warn("emit failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (s *Session) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.At(kind, payload))
	}
}

func (s *Session) reportError(msg string) {
	if msg == "" {
		return
	}
	s.logger.Warn("chat error", zap.String("error", msg))
	s.publish(bus.KindError, msg)
	if s.opts.OnError != nil {
		s.opts.OnError(msg)
	}
}

func (s *Session) cancelTypingTimer() {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingOn = false
	s.mu.Unlock()
}
