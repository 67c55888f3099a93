package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/store"
	"github.com/outpostd/outpost/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type recordingSender struct {
	messages   []string
	severities []types.Severity
}

func (r *recordingSender) Push(message string, severity types.Severity) {
	r.messages = append(r.messages, message)
	r.severities = append(r.severities, severity)
}

func newTestManager(t *testing.T) (*Manager, *recordingSender) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sender := &recordingSender{}
	return NewManager(s, sender), sender
}

func TestAdd_PersistsAndAnnounces(t *testing.T) {
	m, sender := newTestManager(t)

	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}
	from := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	until := from.Add(2 * time.Hour)

	require.NoError(t, m.Add(ref, from, until))

	require.Len(t, sender.messages, 1)
	assert.Contains(t, sender.messages[0], "container svc-A is scheduled to be restarted")
	assert.Equal(t, types.SeverityInfo, sender.severities[0])

	notifications, err := m.List(from.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, ref, notifications[0].Object)
}

func TestCovers(t *testing.T) {
	m, _ := newTestManager(t)

	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}
	from := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	require.NoError(t, m.Add(ref, from, from.Add(time.Hour)))

	assert.True(t, m.Covers(ref, from.Add(30*time.Minute)))
	assert.False(t, m.Covers(ref, from.Add(-time.Minute)))
	assert.False(t, m.Covers(ref, from.Add(2*time.Hour)))

	// the same name under a different kind is a different object
	assert.False(t, m.Covers(types.ObjectRef{Kind: types.KindJMX, Name: "svc-A"}, from.Add(30*time.Minute)))
}
