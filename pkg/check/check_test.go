package check

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/types"
)

// fakeClock steps time manually.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

// recordingSender captures pushed alarms.
type recordingSender struct {
	messages   []string
	severities []types.Severity
	times      []time.Time
	clock      *fakeClock
}

func (r *recordingSender) Push(message string, severity types.Severity) {
	r.messages = append(r.messages, message)
	r.severities = append(r.severities, severity)
	if r.clock != nil {
		r.times = append(r.times, r.clock.now)
	}
}

// staticWindow covers everything or nothing.
type staticWindow struct {
	covers bool
}

func (w *staticWindow) Covers(types.ObjectRef, time.Time) bool { return w.covers }

func newTestCheck(clock *fakeClock, sender *recordingSender, window Window) Check {
	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}
	c := New(ref, NewAccumulator(), sender, window)
	c.Now = clock.Now
	return c
}

func TestShallRepeat_GatesOnInterval(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCheck(clock, &recordingSender{}, nil)

	// never executed: always repeats
	assert.True(t, c.ShallRepeat())

	c.MarkExecuted()
	assert.False(t, c.ShallRepeat())

	clock.Advance(30 * time.Second)
	assert.False(t, c.ShallRepeat())

	clock.Advance(31 * time.Second)
	assert.True(t, c.ShallRepeat())
}

func TestShallRepeat_ZeroIntervalAlwaysRepeats(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	c := newTestCheck(clock, &recordingSender{}, nil)
	c.RepeatInterval = 0
	c.MarkExecuted()
	assert.True(t, c.ShallRepeat())
}

func TestSetStatus_ChangeStampsOnlyOnTransition(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCheck(clock, &recordingSender{}, nil)

	assert.Equal(t, Missing, c.LastStatus())

	c.SetStatus(Positive)
	first := c.lastStatusChange
	require.False(t, first.IsZero())

	clock.Advance(time.Minute)
	c.SetStatus(Positive)
	assert.Equal(t, first, c.lastStatusChange, "unchanged status must not move the change timestamp")

	clock.Advance(time.Minute)
	c.SetStatus(Negative)
	assert.True(t, c.lastStatusChange.After(first))
}

func TestShouldSend_FirstTransitionSendsImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCheck(clock, &recordingSender{}, nil)

	// no transition yet: nothing to send
	assert.False(t, c.ShouldSend())

	c.SetStatus(Negative)
	assert.True(t, c.ShouldSend())
}

func TestSendSmartAlarm_DebouncesUntilResendThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sender := &recordingSender{clock: clock}
	c := newTestCheck(clock, sender, nil)

	c.SetStatus(Negative)
	c.SendSmartAlarm("svc-A is down", types.SeverityAlarm)
	require.Len(t, sender.messages, 1)

	// same status shortly after: suppressed
	clock.Advance(time.Minute)
	c.SetStatus(Negative)
	c.SendSmartAlarm("svc-A is down", types.SeverityAlarm)
	assert.Len(t, sender.messages, 1)

	// resend threshold elapsed: repeated
	clock.Advance(10 * time.Minute)
	c.SetStatus(Negative)
	c.SendSmartAlarm("svc-A is down", types.SeverityAlarm)
	require.Len(t, sender.messages, 2)

	// two consecutive alarms without status change are at least the resend
	// threshold apart
	assert.GreaterOrEqual(t, sender.times[1].Sub(sender.times[0]), c.ResendThreshold)
}

func TestSendSmartAlarm_StatusChangeBreaksDebounce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	sender := &recordingSender{clock: clock}
	c := newTestCheck(clock, sender, nil)

	c.SetStatus(Negative)
	c.SendSmartAlarm("down", types.SeverityAlarm)
	require.Len(t, sender.messages, 1)

	clock.Advance(time.Minute)
	c.SetStatus(Positive)
	clock.Advance(time.Second)
	c.SetStatus(Negative)
	c.SendSmartAlarm("down again", types.SeverityAlarm)
	assert.Len(t, sender.messages, 2)
}

func TestPlanned_WindowDowngradesSeverity(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}

	c := newTestCheck(clock, &recordingSender{}, &staticWindow{covers: true})
	severity, label := c.Planned()
	assert.Equal(t, types.SeverityInfo, severity)
	assert.Equal(t, "as planned", label)

	c = newTestCheck(clock, &recordingSender{}, &staticWindow{covers: false})
	severity, label = c.Planned()
	assert.Equal(t, types.SeverityAlarm, severity)
	assert.Equal(t, "UNPLANNED", label)
}

func TestAccumulator_LatchesToFailed(t *testing.T) {
	acc := NewAccumulator()
	assert.True(t, acc.IsOK())

	acc.Fail()
	assert.False(t, acc.IsOK())

	// stays failed until reset
	acc.Fail()
	assert.False(t, acc.IsOK())

	acc.Reset()
	assert.True(t, acc.IsOK())
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "positive", Positive.String())
	assert.Equal(t, "missing", Missing.String())
	assert.Equal(t, "exec-failure", ExecFailure.String())
}
