package store

// RetryItem is a message awaiting redelivery. It is the durable record of
// user intent until the server confirms the corresponding temp id.
type RetryItem struct {
	OrderID   string
	Body      string
	TempID    string
	CreatedAt int64
}
