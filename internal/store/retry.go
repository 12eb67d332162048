package store

import (
	"fmt"
	"time"
)

// LoadRetryQueue returns all queued retry items, oldest first.
func (db *DB) LoadRetryQueue() ([]RetryItem, error) {
	rows, err := db.Query(`
		SELECT order_id, body, temp_id, created_at
		FROM retry_queue ORDER BY created_at ASC, temp_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		if err := rows.Scan(&it.OrderID, &it.Body, &it.TempID, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveRetryQueue replaces the whole persisted queue with items in one
// transaction. Whole-set replace keeps the durable queue an exact mirror of
// the in-memory one; last writer wins.
func (db *DB) SaveRetryQueue(items []RetryItem) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM retry_queue`); err != nil {
		return fmt.Errorf("clear retry queue: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, it := range items {
		createdAt := it.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := tx.Exec(`
			INSERT INTO retry_queue (order_id, body, temp_id, created_at)
			VALUES (?, ?, ?, ?)`,
			it.OrderID, it.Body, it.TempID, createdAt); err != nil {
			return fmt.Errorf("insert retry item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry queue: %w", err)
	}
	return nil
}
