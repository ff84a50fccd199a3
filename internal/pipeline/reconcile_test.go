package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clipcaption/pipeline/internal/domain/tasks"
)

func TestReconcileNilRootReturnsPending(t *testing.T) {
	got := Reconcile(nil, Children{})
	require.Equal(t, tasks.StatusPending, got.Status)
	require.Equal(t, PhasePending, got.Phase)
	require.Equal(t, 0, got.Progress)
}

func TestReconcileRootCompletedIgnoresChildren(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusCompleted, Progress: 40}
	got := Reconcile(root, Children{})
	require.Equal(t, tasks.StatusCompleted, got.Status)
	require.Equal(t, PhaseCompleted, got.Phase)
	require.Equal(t, 100, got.Progress)
}

func TestReconcileRootFailedReportsRootMessage(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusFailed, Progress: 10, Message: "root msg", Error: "boom"}
	got := Reconcile(root, Children{})
	require.Equal(t, tasks.StatusFailed, got.Status)
	require.Equal(t, "root msg", got.Message)
	require.Equal(t, "boom", got.Error)
}

func TestReconcileRootCancelled(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusCancelled, Progress: 15}
	got := Reconcile(root, Children{})
	require.Equal(t, tasks.StatusCancelled, got.Status)
	require.Equal(t, PhaseCancelled, got.Phase)
	require.Equal(t, 15, got.Progress)
}

func TestReconcileNoChildrenYetIsPending(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusPending, Progress: 0}
	got := Reconcile(root, Children{})
	require.Equal(t, PhasePending, got.Phase)
	require.Equal(t, 0, got.Progress)
}

func TestReconcileDownloadChildBandsIntoZeroToThirty(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusRunning}
	dl := &tasks.Task{Status: tasks.StatusRunning, Progress: 50}
	got := Reconcile(root, Children{Download: dl})
	require.Equal(t, PhaseDownload, got.Phase)
	require.Equal(t, tasks.StatusRunning, got.Status)
	require.Equal(t, 15, got.Progress)
}

func TestReconcileTranscribeChildBandsIntoThirtyToSeventy(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusRunning}
	dl := &tasks.Task{Status: tasks.StatusCompleted, Progress: 100}
	tr := &tasks.Task{Status: tasks.StatusRunning, Progress: 50}
	got := Reconcile(root, Children{Download: dl, Transcribe: tr})
	require.Equal(t, PhaseTranscribe, got.Phase)
	require.Equal(t, 50, got.Progress)
}

func TestReconcileEnrichChildBandsIntoSeventyToHundred(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusRunning}
	en := &tasks.Task{Status: tasks.StatusRunning, Progress: 50}
	got := Reconcile(root, Children{
		Download:   &tasks.Task{Status: tasks.StatusCompleted, Progress: 100},
		Transcribe: &tasks.Task{Status: tasks.StatusCompleted, Progress: 100},
		Enrich:     en,
	})
	require.Equal(t, PhaseEnrich, got.Phase)
	require.Equal(t, 85, got.Progress)
}

func TestReconcileDeepestChildFailurePropagatesAsRootFailure(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusRunning}
	tr := &tasks.Task{Status: tasks.StatusFailed, Progress: 40, Error: "asr exploded"}
	got := Reconcile(root, Children{
		Download:   &tasks.Task{Status: tasks.StatusCompleted, Progress: 100},
		Transcribe: tr,
	})
	require.Equal(t, tasks.StatusFailed, got.Status)
	require.Equal(t, PhaseTranscribe, got.Phase)
	require.Equal(t, "asr exploded", got.Error)
	require.Contains(t, got.Message, "asr exploded")
}

func TestReconcileFailedChildWithNoErrorMessageUsesFallback(t *testing.T) {
	root := &tasks.Task{Status: tasks.StatusRunning}
	dl := &tasks.Task{Status: tasks.StatusFailed, Progress: 5}
	got := Reconcile(root, Children{Download: dl})
	require.Equal(t, "unknown error", got.Error)
}

func TestBandClampsOutOfRangeProgress(t *testing.T) {
	require.Equal(t, 0, band(-10, 0.30, 0))
	require.Equal(t, 30, band(200, 0.30, 0))
}
