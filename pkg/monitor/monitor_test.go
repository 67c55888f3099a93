package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeChecker counts cycles and optionally panics.
type fakeChecker struct {
	name       string
	checks     atomic.Int32
	stores     atomic.Int32
	stopped    atomic.Bool
	panicEvery bool
}

func (f *fakeChecker) Name() string { return f.name }
func (f *fakeChecker) RequestStop() { f.stopped.Store(true) }
func (f *fakeChecker) StoreStatus() { f.stores.Add(1) }

func (f *fakeChecker) Check(ctx context.Context) {
	f.checks.Add(1)
	if f.panicEvery {
		panic("probe exploded")
	}
}
func (f *fakeChecker) Status() map[string]*types.TargetStatus { return nil }
func (f *fakeChecker) StatusTimeseries(time.Time) ([]*types.StatusRecord, error) {
	return nil, nil
}

func TestOrchestrator_RunsAndStops(t *testing.T) {
	a := &fakeChecker{name: "a"}
	b := &fakeChecker{name: "b"}

	o := New(a, b)
	o.Start()

	// each worker runs its first cycle immediately
	assert.Eventually(t, func() bool {
		return a.checks.Load() >= 1 && b.checks.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()

	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
	assert.Equal(t, a.checks.Load(), a.stores.Load(), "every cycle stores its status")
}

func TestOrchestrator_PanickingCheckerDoesNotKillWorker(t *testing.T) {
	c := &fakeChecker{name: "broken", panicEvery: true}

	o := New(c)
	o.Start()

	assert.Eventually(t, func() bool {
		return c.checks.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// the panic was isolated; stopping still works cleanly
	o.Stop()
	assert.True(t, c.stopped.Load())
}
