package carbon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"example.org", "https://example.org"},
		{"https://Example.ORG/", "https://example.org"},
		{"https://example.org:443/page/", "https://example.org/page"},
		{"http://example.org:80/a", "http://example.org/a"},
		{"https://example.org/a#frag", "https://example.org/a"},
	}
	for _, tc := range cases {
		got, err := NormalizeTarget(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizeTargetRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NormalizeTarget("  ")
	require.Error(t, err)
	_, err = NormalizeTarget("https://")
	require.Error(t, err)
}

func TestFingerprintSensitivity(t *testing.T) {
	t.Parallel()

	base := Fingerprint("https://example.org", JobOptions{MaxImages: 100})
	require.Equal(t, base, Fingerprint("https://example.org", JobOptions{MaxImages: 100}))
	require.NotEqual(t, base, Fingerprint("https://example.org", JobOptions{MaxImages: 50}))
	require.NotEqual(t, base, Fingerprint("https://example.org", JobOptions{MaxImages: 100, Mobile: true}))
	require.NotEqual(t, base, Fingerprint("https://example.com", JobOptions{MaxImages: 100}))
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StateQueued.IsTerminal())
	require.False(t, StateRunning.IsTerminal())
	require.True(t, StateSucceeded.IsTerminal())
	require.True(t, StateFailed.IsTerminal())
	require.True(t, StateCancelled.IsTerminal())
}

func TestStageRankOrdering(t *testing.T) {
	t.Parallel()

	stages := []string{StageQueued, StageCapture, StageAnalyze, StageOptimize, StageRender, StageAssemble, StageDone}
	for i := 1; i < len(stages); i++ {
		require.Greater(t, StageRank(stages[i]), StageRank(stages[i-1]))
	}
	require.Equal(t, -1, StageRank("bogus"))
}
