package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/outpostd/outpost/pkg/alarm"
	"github.com/outpostd/outpost/pkg/check"
	"github.com/outpostd/outpost/pkg/dockers"
	"github.com/outpostd/outpost/pkg/metrics"
	"github.com/outpostd/outpost/pkg/notification"
	"github.com/outpostd/outpost/pkg/types"
)

// Checker is a family of checks run together against one class of targets.
// Check runs one full cycle over all configured targets; StoreStatus appends
// the resulting status map to the time-series store. RequestStop asks the
// checker to abandon the cycle at the next target boundary.
type Checker interface {
	Name() string
	Check(ctx context.Context)
	StoreStatus()
	Status() map[string]*types.TargetStatus
	StatusTimeseries(since time.Time) ([]*types.StatusRecord, error)
	RequestStop()
}

// clientFor resolves the container host named by a target configuration. An
// empty id means the default host. A nil return with nil error means the host
// is known but still unreachable.
func clientFor(pool *dockers.Pool, dockerID string) (*client.Client, error) {
	if dockerID == "" {
		return pool.Default(), nil
	}
	if !pool.Has(dockerID) {
		return nil, fmt.Errorf("docker id %s is not defined", dockerID)
	}
	return pool.Get(dockerID), nil
}

// foldCycle folds the accumulator of one target into OK/NOK, emits the
// transition alarms and updates the rolling status. Returns the new
// aggregate.
func foldCycle(checkerName string, ref types.ObjectRef, ok bool, ts *types.TargetStatus,
	alarms alarm.Sender, window *notification.Manager, logger zerolog.Logger) string {

	status := types.StatusOK
	if !ok {
		status = types.StatusNOK
	}

	if ts.Status != "" && ts.Status != status {
		if status == types.StatusOK {
			logger.Info().Str("target", ref.Name).Msg("target has been repaired")
			alarms.Push(fmt.Sprintf("%s is OK again", ref), types.SeverityInfo)
		} else {
			severity, label := plannedLabel(window, ref)
			logger.Warn().Str("target", ref.Name).Str("planned", label).Msg("target is broken")
			alarms.Push(fmt.Sprintf("%s is BROKEN (%s)", ref, label), severity)
		}
	}

	ts.Status = status
	if status != types.StatusOK {
		now := time.Now().UTC()
		ts.LastFailure = &now
	}

	gauge := 0.0
	if ok {
		gauge = 1.0
	}
	metrics.TargetOK.WithLabelValues(checkerName, ref.Name).Set(gauge)

	return status
}

// plannedLabel consults the restart-notification window for ref at the
// current time.
func plannedLabel(window *notification.Manager, ref types.ObjectRef) (types.Severity, string) {
	if window != nil && window.Covers(ref, time.Now().UTC()) {
		return types.SeverityInfo, "as planned"
	}
	return types.SeverityAlarm, "UNPLANNED"
}

// countCheck feeds the per-check result metric.
func countCheck(checkerName string, result check.Result) {
	metrics.ChecksTotal.WithLabelValues(checkerName, result.String()).Inc()
}
