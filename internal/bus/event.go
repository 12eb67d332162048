package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the chat session. Renderers subscribe by
// namespace prefix, e.g. "chat." for everything message-related.
const (
	KindStateChanged  = "session.state_changed"
	KindMessageUpsert = "chat.message_upserted"
	KindHistory       = "chat.history_replaced"
	KindMessageFailed = "chat.message_failed"
	KindQueueChanged  = "chat.queue_changed"
	KindTypingChanged = "chat.typing_changed"
	KindRoomJoined    = "chat.room_joined"
	KindRoomLeft      = "chat.room_left"
	KindError         = "chat.error"
)

// At builds an event stamped with the current time.
func At(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
