package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/protocol"
	"github.com/workmesh/orderchat/internal/store"
)

func retryItemFor(m Message) store.RetryItem {
	return store.RetryItem{
		OrderID:   m.OrderID,
		Body:      m.Body,
		TempID:    m.TempID,
		CreatedAt: m.CreatedAt,
	}
}

// enqueueLocked appends an item and persists the whole queue. Caller holds mu.
func (s *Session) enqueueLocked(it store.RetryItem) {
	if s.queuedIndexLocked(it.TempID) >= 0 {
		return
	}
	s.items = append(s.items, it)
	s.persistQueueLocked()
}

func (s *Session) queuedIndexLocked(tempID string) int {
	for i := range s.items {
		if s.items[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// removeQueuedLocked drops the item with the given temp id. Caller holds mu
// and persists afterwards if true is returned.
func (s *Session) removeQueuedLocked(tempID string) bool {
	i := s.queuedIndexLocked(tempID)
	if i < 0 {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

func (s *Session) queuedForLocked(orderID string) int {
	n := 0
	for i := range s.items {
		if s.items[i].OrderID == orderID {
			n++
		}
	}
	return n
}

func (s *Session) persistQueueLocked() {
	if err := s.queue.SaveRetryQueue(s.items); err != nil {
		s.logger.Error("failed to persist retry queue", zap.Error(err))
	}
}

// startDrain replays queued items for the current room, one at a time with
// fixed spacing, never as a burst. At most one drain runs at a time.
func (s *Session) startDrain() {
	s.mu.Lock()
	if s.drainCancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.drainCancel = cancel
	orderID := s.orderID
	gen := s.joinGen
	pending := make([]store.RetryItem, 0, len(s.items))
	for _, it := range s.items {
		if it.OrderID == orderID {
			pending = append(pending, it)
		}
	}
	s.mu.Unlock()

	go s.drain(ctx, orderID, gen, pending)
}

func (s *Session) stopDrain() {
	s.mu.Lock()
	cancel := s.drainCancel
	s.drainCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) drain(ctx context.Context, orderID string, gen uint64, pending []store.RetryItem) {
	defer func() {
		s.mu.Lock()
		s.drainCancel = nil
		s.mu.Unlock()
	}()

	for i, it := range pending {
		if i > 0 {
			select {
			case <-time.After(s.opts.DrainInterval):
			case <-ctx.Done():
				return
			}
		}

		s.mu.Lock()
		// A room switch or disconnect invalidates the drain; confirmed
		// items were already removed from the queue and are skipped.
		if s.joinGen != gen || !s.machine.Connected() {
			s.mu.Unlock()
			return
		}
		if s.queuedIndexLocked(it.TempID) < 0 {
			s.mu.Unlock()
			continue
		}
		s.log.setTempStatus(it.TempID, StatusSending)
		err := s.tr.Send(protocol.ClientEvent{
			Type:    protocol.SendMessage,
			OrderID: it.OrderID,
			Body:    it.Body,
			TempID:  it.TempID,
		})
		if err != nil {
			s.log.setTempStatus(it.TempID, StatusFailed)
		}
		s.mu.Unlock()

		s.publish(bus.KindMessageUpsert, it.TempID)
		if err != nil {
			s.logger.Warn("retry replay failed", zap.String("temp_id", it.TempID), zap.Error(err))
			return
		}
		s.logger.Info("retry replayed", zap.String("temp_id", it.TempID), zap.String("order_id", it.OrderID))
	}
}
