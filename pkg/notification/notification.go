package notification

import (
	"fmt"
	"time"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/store"
	"github.com/outpostd/outpost/pkg/types"
)

// Manager records planned maintenance windows and answers whether an event
// for an object at a given time was announced. Every check that raises alarms
// consults it to downgrade planned events to informational severity.
type Manager struct {
	store  *store.Store
	alarms alarm.Sender
	now    func() time.Time
}

// NewManager creates a manager over the given store and alarm sink.
func NewManager(s *store.Store, alarms alarm.Sender) *Manager {
	return &Manager{
		store:  s,
		alarms: alarms,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Add persists a new window and announces it with an info alarm.
func (m *Manager) Add(ref types.ObjectRef, from, until time.Time) error {
	n := &types.RestartNotification{
		CreationTime: m.now(),
		Object:       ref,
		ValidFrom:    from.UTC(),
		ValidUntil:   until.UTC(),
	}
	if err := m.store.AppendNotification(n); err != nil {
		return fmt.Errorf("failed to persist restart notification: %w", err)
	}

	message := fmt.Sprintf("%s is scheduled to be restarted between %s and %s",
		ref, n.ValidFrom.Format(time.RFC3339), n.ValidUntil.Format(time.RFC3339))
	log.Info(message)
	m.alarms.Push(message, types.SeverityInfo)
	return nil
}

// Covers reports whether at least one stored window for ref covers time t.
func (m *Manager) Covers(ref types.ObjectRef, t time.Time) bool {
	covering, err := m.store.NotificationCovering(ref, t)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to query restart notifications")
		return false
	}
	return covering
}

// List returns recent notifications, newest first, bounded to 100.
func (m *Manager) List(since time.Time) ([]*types.RestartNotification, error) {
	return m.store.Notifications(since)
}
