package monitor

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/outpostd/outpost/pkg/checker"
	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/metrics"
)

const (
	// cycleSleep is the pause between check cycles of one worker.
	cycleSleep = 10 * time.Second

	// joinTimeout bounds how long Stop waits for workers to finish.
	joinTimeout = 5 * time.Second
)

// Orchestrator owns one worker goroutine per checker. Each worker runs
// check-store-sleep until stopped; a failing cycle is logged and retried, it
// never crashes a sibling worker.
type Orchestrator struct {
	checkers []checker.Checker

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an orchestrator over the given checkers.
func New(checkers ...checker.Checker) *Orchestrator {
	return &Orchestrator{
		checkers: checkers,
		stopCh:   make(chan struct{}),
	}
}

// Start launches one worker per checker.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for _, c := range o.checkers {
		o.wg.Add(1)
		go o.runWorker(ctx, c)
	}
}

func (o *Orchestrator) runWorker(ctx context.Context, c checker.Checker) {
	defer o.wg.Done()

	logger := log.WithComponent("worker").With().Str("checker", c.Name()).Logger()
	logger.Info().Msg("worker started")

	for {
		o.runCycle(ctx, c)

		select {
		case <-o.stopCh:
			logger.Info().Msg("worker stopped")
			return
		case <-time.After(cycleSleep):
		}
	}
}

// runCycle executes one check-and-store pass, isolating panics.
func (o *Orchestrator) runCycle(ctx context.Context, c checker.Checker) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error().Interface("panic", r).Str("checker", c.Name()).
				Str("stack", string(debug.Stack())).Msg("checker cycle failed")
		}
	}()

	timer := prometheus.NewTimer(metrics.CycleDuration.WithLabelValues(c.Name()))
	c.Check(ctx)
	c.StoreStatus()
	timer.ObserveDuration()
	metrics.CheckCyclesTotal.WithLabelValues(c.Name()).Inc()
}

// Stop signals all checkers, cancels in-flight probes and joins the workers
// with a bounded timeout.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	for _, c := range o.checkers {
		c.RequestStop()
	}
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		log.Warn("timed out waiting for checker workers to stop")
	}
}
