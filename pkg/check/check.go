package check

import (
	"time"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/types"
)

// Result is the outcome of one check execution. Positive means "the condition
// this check looks for is true" (restart observed, update available, port
// open); it is not a synonym for healthy. Health is folded separately through
// the Accumulator.
type Result int

const (
	Negative Result = iota
	Positive
	NonBinary
	Missing     // no result yet
	ExecFailure // execution failure, not a result
	NotSupported
)

func (r Result) String() string {
	switch r {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	case NonBinary:
		return "non-binary"
	case Missing:
		return "missing"
	case ExecFailure:
		return "exec-failure"
	case NotSupported:
		return "not-supported"
	}
	return "unknown"
}

const (
	// DefaultResendThreshold is the minimum interval between repeated alarms
	// for an unchanged status.
	DefaultResendThreshold = 600 * time.Second

	// DefaultRepeatInterval is the minimum interval between external probes.
	DefaultRepeatInterval = 60 * time.Second
)

// Window answers whether a planned-maintenance notification covers an object
// at a given time.
type Window interface {
	Covers(ref types.ObjectRef, t time.Time) bool
}

// Check carries the scheduling, status tracking and alarm-debounce state of a
// single atomic check. Concrete checks embed it and keep their own cached
// return value; Check only provides the machinery.
type Check struct {
	Object          types.ObjectRef
	Acc             *Accumulator
	Alarms          alarm.Sender
	Window          Window
	RepeatInterval  time.Duration
	ResendThreshold time.Duration

	// Now is the clock; defaults to time.Now. Injected by tests.
	Now func() time.Time

	lastExecution        time.Time
	lastStatus           Result
	lastStatusChange     time.Time
	lastNotificationSent time.Time
}

// New returns check state bound to one object, with default intervals.
func New(ref types.ObjectRef, acc *Accumulator, alarms alarm.Sender, window Window) Check {
	return Check{
		Object:          ref,
		Acc:             acc,
		Alarms:          alarms,
		Window:          window,
		RepeatInterval:  DefaultRepeatInterval,
		ResendThreshold: DefaultResendThreshold,
		lastStatus:      Missing,
	}
}

func (c *Check) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// ShallRepeat reports whether the repeat interval has elapsed since the last
// external probe. A check that has never run always repeats.
func (c *Check) ShallRepeat() bool {
	if c.RepeatInterval <= 0 {
		return true
	}
	if c.lastExecution.IsZero() {
		return true
	}
	return c.now().Sub(c.lastExecution) > c.RepeatInterval
}

// MarkExecuted stamps the start of an external probe.
func (c *Check) MarkExecuted() {
	c.lastExecution = c.now()
}

// LastStatus returns the most recent result.
func (c *Check) LastStatus() Result {
	return c.lastStatus
}

// SetStatus records a new result. The status-change timestamp moves only when
// the value actually changes.
func (c *Check) SetStatus(status Result) {
	if c.lastStatus != status {
		c.lastStatusChange = c.now()
	}
	c.lastStatus = status
}

func (c *Check) statusChangedAfterLastNotification() bool {
	if c.lastStatusChange.IsZero() {
		return false
	}
	if c.lastNotificationSent.IsZero() {
		return true
	}
	return c.lastNotificationSent.Before(c.lastStatusChange)
}

// ShouldSend reports whether an alarm is due: either the status changed since
// the last notification, or the resend threshold has elapsed.
func (c *Check) ShouldSend() bool {
	if c.lastNotificationSent.IsZero() {
		return c.statusChangedAfterLastNotification()
	}
	return c.statusChangedAfterLastNotification() ||
		c.now().Sub(c.lastNotificationSent) > c.ResendThreshold
}

// SignalNotificationSent stamps the debounce clock.
func (c *Check) SignalNotificationSent() {
	c.lastNotificationSent = c.now()
}

// SendSmartAlarm pushes message through the debounce gate.
func (c *Check) SendSmartAlarm(message string, severity types.Severity) {
	if c.Alarms == nil || !c.ShouldSend() {
		return
	}
	c.Alarms.Push(message, severity)
	c.SignalNotificationSent()
}

// Planned consults the restart-notification window for the check's object at
// the current time and returns the alarm severity together with the label to
// append to the message text.
func (c *Check) Planned() (types.Severity, string) {
	if c.Window != nil && c.Window.Covers(c.Object, c.now()) {
		return types.SeverityInfo, "as planned"
	}
	return types.SeverityAlarm, "UNPLANNED"
}
