package checker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

func TestFoldCycle_FirstCycleOKIsSilent(t *testing.T) {
	sender := &recordingSender{}
	ts := &types.TargetStatus{Status: types.StatusOK}
	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}

	status := foldCycle("docker", ref, true, ts, sender, nil, log.WithChecker("docker"))

	assert.Equal(t, types.StatusOK, status)
	assert.Equal(t, types.StatusOK, ts.Status)
	assert.Empty(t, sender.messages)
	assert.Nil(t, ts.LastFailure)
}

func TestFoldCycle_TransitionToNOK(t *testing.T) {
	sender := &recordingSender{}
	ts := &types.TargetStatus{Status: types.StatusOK}
	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}

	status := foldCycle("docker", ref, false, ts, sender, nil, log.WithChecker("docker"))

	assert.Equal(t, types.StatusNOK, status)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "container svc-A is BROKEN (UNPLANNED)", sender.messages[0])
	assert.Equal(t, types.SeverityAlarm, sender.severities[0])
	assert.NotNil(t, ts.LastFailure)
}

func TestFoldCycle_RecoveryIsInfo(t *testing.T) {
	sender := &recordingSender{}
	ts := &types.TargetStatus{Status: types.StatusNOK}
	ref := types.ObjectRef{Kind: types.KindService, Name: "web"}

	status := foldCycle("webservice", ref, true, ts, sender, nil, log.WithChecker("webservice"))

	assert.Equal(t, types.StatusOK, status)
	require.Len(t, sender.messages, 1)
	assert.Equal(t, "service web is OK again", sender.messages[0])
	assert.Equal(t, types.SeverityInfo, sender.severities[0])
}

func TestFoldCycle_StayingNOKDoesNotRealarm(t *testing.T) {
	sender := &recordingSender{}
	ts := &types.TargetStatus{Status: types.StatusNOK}
	ref := types.ObjectRef{Kind: types.KindContainer, Name: "svc-A"}

	foldCycle("docker", ref, false, ts, sender, nil, log.WithChecker("docker"))

	assert.Empty(t, sender.messages, "repeat NOK cycles alarm via the per-check debounce, not the fold")
}
