package tasks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTransitionAllowsForwardProgressionOnly(t *testing.T) {
	require.True(t, ValidTransition(StatusPending, StatusRunning))
	require.True(t, ValidTransition(StatusRunning, StatusCompleted))
	require.True(t, ValidTransition(StatusRunning, StatusFailed))
	require.True(t, ValidTransition(StatusRunning, StatusCancelled))
	require.True(t, ValidTransition(StatusPending, StatusCancelled))
}

func TestValidTransitionRejectsBackEdges(t *testing.T) {
	require.False(t, ValidTransition(StatusRunning, StatusPending))
	require.False(t, ValidTransition(StatusCompleted, StatusRunning))
	require.False(t, ValidTransition(StatusFailed, StatusRunning))
}

func TestValidTransitionRejectsLeavingTerminalStates(t *testing.T) {
	require.False(t, ValidTransition(StatusCompleted, StatusFailed))
	require.False(t, ValidTransition(StatusFailed, StatusCompleted))
	require.False(t, ValidTransition(StatusCancelled, StatusRunning))
}

func TestValidTransitionSameStatusIsAllowed(t *testing.T) {
	require.True(t, ValidTransition(StatusRunning, StatusRunning))
	require.True(t, ValidTransition(StatusCompleted, StatusCompleted))
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(StatusCompleted))
	require.True(t, IsTerminal(StatusFailed))
	require.True(t, IsTerminal(StatusCancelled))
	require.False(t, IsTerminal(StatusPending))
	require.False(t, IsTerminal(StatusRunning))
}
