package chat

import "sort"

// messageLog is the ordered, de-duplicated in-memory view of the current
// room. The push channel is at-least-once, so the seen set enforces
// at-most-once rendering; the slice is re-sorted after every mutation so
// render order is always chronological.
type messageLog struct {
	msgs []Message
	seen map[string]struct{}
}

func newMessageLog() *messageLog {
	return &messageLog{seen: make(map[string]struct{})}
}

// reset drops all messages and seen ids, e.g. on room switch.
func (l *messageLog) reset() {
	l.msgs = nil
	l.seen = make(map[string]struct{})
}

// replace swaps in a full history snapshot and rebuilds the seen set.
func (l *messageLog) replace(msgs []Message) {
	l.msgs = append([]Message(nil), msgs...)
	l.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			l.seen[m.ID] = struct{}{}
		}
	}
	l.sort()
}

// appendOptimistic adds a locally created, unconfirmed message.
func (l *messageLog) appendOptimistic(m Message) {
	l.msgs = append(l.msgs, m)
	l.sort()
}

// apply ingests a pushed message. A matching optimistic placeholder is
// always removed first so it never lingers, even when the push turns out
// to be a duplicate. Returns false when the id was already rendered.
func (l *messageLog) apply(m Message) bool {
	if m.TempID != "" {
		l.removeOptimistic(m.TempID)
	}
	if m.ID != "" {
		if _, dup := l.seen[m.ID]; dup {
			return false
		}
		l.seen[m.ID] = struct{}{}
	}
	l.msgs = append(l.msgs, m)
	l.sort()
	return true
}

// setStatus overwrites the status of every listed message id.
func (l *messageLog) setStatus(ids []string, st DeliveryStatus) int {
	changed := 0
	for _, id := range ids {
		for i := range l.msgs {
			if l.msgs[i].ID == id {
				l.msgs[i].Status = st
				changed++
			}
		}
	}
	l.sort()
	return changed
}

// setTempStatus updates the status of the optimistic message with the
// given temp id. Returns false when no such message exists.
func (l *messageLog) setTempStatus(tempID string, st DeliveryStatus) bool {
	for i := range l.msgs {
		if l.msgs[i].TempID == tempID && l.msgs[i].Optimistic {
			l.msgs[i].Status = st
			return true
		}
	}
	return false
}

func (l *messageLog) removeOptimistic(tempID string) {
	for i := range l.msgs {
		if l.msgs[i].TempID == tempID && l.msgs[i].Optimistic {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return
		}
	}
}

// byTemp returns the optimistic message with the given temp id.
func (l *messageLog) byTemp(tempID string) (Message, bool) {
	for i := range l.msgs {
		if l.msgs[i].TempID == tempID && l.msgs[i].Optimistic {
			return l.msgs[i], true
		}
	}
	return Message{}, false
}

// snapshot returns a copy safe for callers to hold.
func (l *messageLog) snapshot() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *messageLog) sort() {
	sort.SliceStable(l.msgs, func(i, j int) bool {
		return l.msgs[i].CreatedAt < l.msgs[j].CreatedAt
	})
}
