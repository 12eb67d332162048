package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workmesh/orderchat/internal/protocol"
)

// DeliveryStatus is the finite delivery state of a message:
// sending -> sent -> delivered -> seen, with a failed side branch that
// re-enters sending on retry.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
	StatusFailed    DeliveryStatus = "failed"
)

// Role identifies the sender side of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Message is one chat message in an order conversation. Before server
// confirmation it is identified only by TempID and marked Optimistic;
// confirmation replaces it in place with the server identity.
type Message struct {
	ID          string
	TempID      string
	OrderID     string
	SenderID    string
	SenderRole  Role
	Body        string
	Status      DeliveryStatus
	Optimistic  bool
	CreatedAt   int64
	DeliveredAt int64
	SeenAt      int64
}

// newTempID generates a process-unique correlation id for an optimistic
// message: temp-<ms>-<random>.
func newTempID() string {
	return fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// fromWire converts a wire message into a confirmed store entry.
func fromWire(w protocol.Message) Message {
	return Message{
		ID:          w.ID,
		TempID:      w.TempID,
		OrderID:     w.OrderID,
		SenderID:    w.SenderID,
		SenderRole:  Role(w.SenderRole),
		Body:        w.Body,
		Status:      DeliveryStatus(w.Status),
		CreatedAt:   w.CreatedAt,
		DeliveredAt: w.DeliveredAt,
		SeenAt:      w.SeenAt,
	}
}
