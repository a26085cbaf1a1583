package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkSummary(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()

	s.ElectionStarted(1)
	s.ElectionWon(1, 120*time.Millisecond)
	s.PromotionStarted(0)
	s.PromotionSucceeded(0, 90*time.Millisecond)
	s.PromotionFailed(1, "timeout")

	sum := s.Summary()
	require.Equal(t, 2, sum.TotalTransitions)
	require.Equal(t, 1, sum.InstantPromotions)
	require.Equal(t, 1, sum.VotingElections)
	require.Equal(t, 1, sum.PromotionFailures)
	require.InDelta(t, 90.0, sum.AvgPromotionMs, 0.01)
}

func TestSinkExportJSON(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()

	s.SubleaderAssigned(0, 2)
	s.HeartbeatRTT(2, 3*time.Millisecond)

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, s.ExportJSON(path))
}

func TestSinkExportCSV(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	defer s.Close()

	s.ElectionWon(2, 50*time.Millisecond)
	path := filepath.Join(t.TempDir(), "metrics.csv")
	require.NoError(t, s.ExportCSV(path))
}
