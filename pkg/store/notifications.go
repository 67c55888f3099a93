package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/outpostd/outpost/pkg/types"
)

// AppendNotification persists one restart notification.
func (s *Store) AppendNotification(n *types.RestartNotification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return appendJSON(tx.Bucket([]byte(collectionNotifications)), n.CreationTime, n)
	})
}

// Notifications returns notifications created after since, newest-first,
// capped at 100. A zero since defaults to the last 24 hours.
func (s *Store) Notifications(since time.Time) ([]*types.RestartNotification, error) {
	if since.IsZero() {
		since = time.Now().UTC().Add(-24 * time.Hour)
	}
	var notifications []*types.RestartNotification
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(collectionNotifications)).Cursor()
		min := sinceKey(since)
		for k, v := c.Last(); k != nil && len(notifications) < listLimit; k, v = c.Prev() {
			if !afterKey(k, min) {
				break
			}
			n := &types.RestartNotification{}
			if err := json.Unmarshal(v, n); err != nil {
				return err
			}
			notifications = append(notifications, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

// NotificationCovering reports whether any stored notification for ref covers
// time t. Expired notifications are not removed; they simply stop covering.
func (s *Store) NotificationCovering(ref types.ObjectRef, t time.Time) (bool, error) {
	covering := false
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collectionNotifications)).ForEach(func(_, v []byte) error {
			var n types.RestartNotification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.Object == ref && n.Covers(t) {
				covering = true
			}
			return nil
		})
	})
	return covering, err
}
