package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func statusRecord(ts time.Time, target, status string) *types.StatusRecord {
	return &types.StatusRecord{
		Timestamp: ts,
		Status: map[string]*types.TargetStatus{
			target: {Status: status},
		},
	}
}

func TestAppendThenLatestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendStatus(CollectionContainerStatus, statusRecord(base, "svc-A", "OK")))
	require.NoError(t, s.AppendStatus(CollectionContainerStatus, statusRecord(base.Add(time.Minute), "svc-A", "NOK")))

	latest, err := s.LatestStatus(CollectionContainerStatus)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.WithinDuration(t, base.Add(time.Minute), latest.Timestamp, 0)
	assert.Equal(t, "NOK", latest.Status["svc-A"].Status)
}

func TestLatestStatus_EmptyCollection(t *testing.T) {
	s := openTestStore(t)

	latest, err := s.LatestStatus(CollectionJMXStatus)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStatusSince_StrictlyAfterBoundary(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendStatus(CollectionServiceStatus,
			statusRecord(base.Add(time.Duration(i)*time.Minute), "web", "OK")))
	}

	recs, err := s.StatusSince(CollectionServiceStatus, base.Add(2*time.Minute), true)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.WithinDuration(t, base.Add(3*time.Minute), recs[0].Timestamp, 0)
	assert.WithinDuration(t, base.Add(4*time.Minute), recs[1].Timestamp, 0)

	// newest-first
	recs, err = s.StatusSince(CollectionServiceStatus, base.Add(2*time.Minute), false)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.WithinDuration(t, base.Add(4*time.Minute), recs[0].Timestamp, 0)
}

func TestProjectStatusAndStat(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cpu := 42.5
	rec := &types.StatusRecord{
		Timestamp: base,
		Status: map[string]*types.TargetStatus{
			"svc-A": {Status: "OK", Stats: &types.Stats{CPUUsagePercent: &cpu}},
			"svc-B": {Status: "NOK"},
		},
	}
	require.NoError(t, s.AppendStatus(CollectionContainerStatus, rec))

	points, err := s.ProjectStatus(CollectionContainerStatus, "svc-A", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "OK", points[0].Status)

	stats, err := s.ProjectStat(CollectionContainerStatus, "svc-A", "cpu_usage_percent", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.NotNil(t, stats[0].Value)
	assert.Equal(t, 42.5, *stats[0].Value)

	// target without stats projects a nil value
	stats, err = s.ProjectStat(CollectionContainerStatus, "svc-B", "cpu_usage_percent", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Nil(t, stats[0].Value)
}

func TestHistory_NewestFirstCappedAt100(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		require.NoError(t, s.AppendHistory(&types.HistoryEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Message:   fmt.Sprintf("event %d", i),
			Severity:  types.SeverityInfo,
		}))
	}

	entries, err := s.History(base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 100)
	assert.Equal(t, "event 149", entries[0].Message)
	assert.Equal(t, "event 50", entries[99].Message)
}

func TestNotificationCovering(t *testing.T) {
	s := openTestStore(t)

	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendNotification(&types.RestartNotification{
		CreationTime: base,
		Object:       ref,
		ValidFrom:    base,
		ValidUntil:   base.Add(time.Hour),
	}))

	covered, err := s.NotificationCovering(ref, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, covered)

	// boundary times are inclusive
	covered, err = s.NotificationCovering(ref, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, covered)

	covered, err = s.NotificationCovering(ref, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, covered)

	// a different object is never covered
	other := types.ObjectRef{Kind: types.KindService, Name: "svc-A"}
	covered, err = s.NotificationCovering(other, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestHistorySink(t *testing.T) {
	s := openTestStore(t)
	sink := NewHistorySink(s)

	sink.Push("container svc-A is BROKEN (UNPLANNED)", types.SeverityAlarm)

	entries, err := s.History(time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "container svc-A is BROKEN (UNPLANNED)", entries[0].Message)
	assert.Equal(t, types.SeverityAlarm, entries[0].Severity)
}
