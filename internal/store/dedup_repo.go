package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Identity    string     `json:"identity"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, identity string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, Identity: identity, ReceivedAt: s.now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		t := s.now().UTC()
		rec.ProcessedAt = &t
	}
	return nil
}

func (c *sqlCore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := c.db.QueryRowContext(ctx, c.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("dedup_check", err)
	}
	return true, nil
}

func (c *sqlCore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		c.q(`INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, identity, c.now().UTC(),
	)
	if err != nil {
		return false, storeErr("record_inbound", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("record_inbound", err)
	}
	return n == 1, nil
}

func (c *sqlCore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		c.now().UTC(), messageID,
	)
	if err != nil {
		return storeErr("mark_processed", err)
	}
	return nil
}
