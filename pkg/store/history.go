package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/outpostd/outpost/pkg/types"
)

// AppendHistory writes one entry to the alarm log.
func (s *Store) AppendHistory(entry *types.HistoryEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx.Bucket([]byte(collectionHistory)), entry.Timestamp, entry)
	})
}

// History returns log entries newer than since, newest-first, capped at 100.
// A zero since defaults to the last 24 hours.
func (s *Store) History(since time.Time) ([]*types.HistoryEntry, error) {
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	var entries []*types.HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(collectionHistory)).Cursor()
		min := sinceKey(since)
		for k, v := c.Last(); k != nil && len(entries) < listLimit; k, v = c.Prev() {
			if !afterKey(k, min) {
				break
			}
			entry := &types.HistoryEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// HistorySink is an alarm sink persisting every alarm to the history log.
type HistorySink struct {
	store *Store
	now   func() time.Time
}

// NewHistorySink returns the history alarm sink.
func NewHistorySink(s *Store) *HistorySink {
	return &HistorySink{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Push appends the alarm to the history collection.
func (h *HistorySink) Push(message string, severity types.Severity) {
	_ = h.store.AppendHistory(&types.HistoryEntry{
		Timestamp: h.now(),
		Message:   message,
		Severity:  severity,
	})
}
