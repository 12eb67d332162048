// Package protocol defines the JSON wire format spoken over the order-chat
// socket. One envelope type per direction keeps encoding flat; the Type field
// selects which payload fields are meaningful.
package protocol

// EventType discriminates envelope payloads.
type EventType string

// Client -> server event types.
const (
	JoinOrder     EventType = "join_order"
	LeaveOrder    EventType = "leave_order"
	SendMessage   EventType = "send_message"
	MarkDelivered EventType = "mark_delivered"
	MarkSeen      EventType = "mark_seen"
	TypingStart   EventType = "typing_start"
	TypingStop    EventType = "typing_stop"
)

// Server -> client event types.
const (
	MessageHistory EventType = "message_history"
	MessageNew     EventType = "message_new"
	MessageStatus  EventType = "message_status"
	MessageError   EventType = "message_error"
	TypingUpdate   EventType = "typing_update"
	ServerError    EventType = "error"
)

// Message is a chat message on the wire.
type Message struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	SenderID    string `json:"sender_id,omitempty"`
	SenderRole  string `json:"sender_role,omitempty"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	TempID      string `json:"temp_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	DeliveredAt int64  `json:"delivered_at,omitempty"`
	SeenAt      int64  `json:"seen_at,omitempty"`
}

// ClientEvent is the outbound envelope.
type ClientEvent struct {
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id,omitempty"`
	Body       string    `json:"body,omitempty"`
	TempID     string    `json:"temp_id,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
}

// ServerEvent is the inbound envelope.
type ServerEvent struct {
	Type       EventType `json:"type"`
	OrderID    string    `json:"order_id,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	Message    *Message  `json:"message,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	Status     string    `json:"status,omitempty"`
	TempID     string    `json:"temp_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderRole string    `json:"sender_role,omitempty"`
	IsTyping   bool      `json:"is_typing,omitempty"`
}
