package chat

import "sort"

// TypingState is one participant's ephemeral typing signal.
type TypingState struct {
	SenderID string
	Role     Role
	IsTyping bool
}

// typingSet tracks who is typing, keyed by sender id. Entries are removed
// by stop signals; the 3s expiry lives on the sender side, which emits the
// stop automatically.
type typingSet struct {
	entries map[string]TypingState
}

func newTypingSet() *typingSet {
	return &typingSet{entries: make(map[string]TypingState)}
}

func (t *typingSet) reset() {
	t.entries = make(map[string]TypingState)
}

// upsert records or clears a sender's typing state.
func (t *typingSet) upsert(senderID string, role Role, isTyping bool) {
	if senderID == "" {
		return
	}
	if !isTyping {
		delete(t.entries, senderID)
		return
	}
	t.entries[senderID] = TypingState{SenderID: senderID, Role: role, IsTyping: true}
}

// list returns active typers sorted by sender id for stable rendering.
func (t *typingSet) list() []TypingState {
	out := make([]TypingState, 0, len(t.entries))
	for _, ts := range t.entries {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}
