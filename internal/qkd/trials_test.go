package qkd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

func seedRange(n int) []int64 {
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = int64(i + 1)
	}
	return seeds
}

func TestRunTrialsMatchesSequentialSessions(t *testing.T) {
	cfg := qkd.Config{NumQubits: 256, SampleFraction: 0.5, ErrorThreshold: 0.11, EavesdropperPresent: true}
	seeds := seedRange(16)

	results, err := RunTrials(context.Background(), cfg, nil, seeds, 4)
	require.NoError(t, err)
	require.Len(t, results, len(seeds))

	for i, seed := range seeds {
		session := NewBB84Session(quantum.NewSeededSource(seed))
		_ = session.Run(cfg, nil)

		assert.Equal(t, seed, results[i].Seed)
		assert.Equal(t, session.State(), results[i].State, "seed %d", seed)
		assert.Equal(t, session.ErrorRate(), results[i].ErrorRate, "seed %d", seed)
		assert.Equal(t, len(session.SiftedKey()), results[i].SiftedKeyLength, "seed %d", seed)
	}
}

func TestRunTrialsWorkerCountIndependent(t *testing.T) {
	cfg := qkd.Config{NumQubits: 128, SampleFraction: 0.25, ErrorThreshold: 0.11}
	newEve := func() quantum.Eavesdropper {
		return quantum.PartialInterceptResend{Probability: 0.2}
	}
	seeds := seedRange(20)

	serial, err := RunTrials(context.Background(), cfg, newEve, seeds, 1)
	require.NoError(t, err)
	parallel, err := RunTrials(context.Background(), cfg, newEve, seeds, 8)
	require.NoError(t, err)

	assert.Equal(t, serial, parallel)
}

func TestRunTrialsInvalidConfig(t *testing.T) {
	_, err := RunTrials(context.Background(), qkd.Config{NumQubits: 0, SampleFraction: 0.5}, nil, seedRange(3), 2)
	var cfgErr *qkd.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunTrialsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunTrials(ctx, qkd.DefaultConfig(), nil, seedRange(5), 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	results := []TrialResult{
		{State: qkd.StateKeyEstablished, SampleSize: 10, ErrorRate: 0, SiftedKeyLength: 20, FinalKeyLength: 10},
		{State: qkd.StateAbortedEveDetected, SampleSize: 10, ErrorRate: 0.3, SiftedKeyLength: 20},
		{State: qkd.StateAbortedEveDetected, SampleSize: 10, ErrorRate: 0.3, SiftedKeyLength: 20},
		{State: qkd.StateAbortedInsufficient, SampleSize: 0},
	}

	summary := Summarize(results)
	assert.Equal(t, 4, summary.Trials)
	assert.Equal(t, 1, summary.Established)
	assert.Equal(t, 2, summary.EveDetected)
	assert.Equal(t, 1, summary.InsufficientKey)
	assert.InDelta(t, 0.5, summary.DetectionRate, 1e-12)
	assert.InDelta(t, 0.2, summary.MeanErrorRate, 1e-12)
	assert.Greater(t, summary.StdDevErrorRate, 0.0)
	assert.InDelta(t, 2.5, summary.MeanFinalKeyBits, 1e-12)
	assert.InDelta(t, 15, summary.MeanSiftedKeyBits, 1e-12)

	assert.Equal(t, TrialSummary{}, Summarize(nil))

	single := Summarize(results[1:2])
	assert.InDelta(t, 0.3, single.MeanErrorRate, 1e-12)
	assert.Zero(t, single.StdDevErrorRate)
}

func TestSummarizeEavesdropperStatistics(t *testing.T) {
	cfg := qkd.Config{NumQubits: 2000, SampleFraction: 0.5, ErrorThreshold: 0.11, EavesdropperPresent: true}
	results, err := RunTrials(context.Background(), cfg, nil, seedRange(30), 4)
	require.NoError(t, err)

	summary := Summarize(results)
	assert.InDelta(t, 0.25, summary.MeanErrorRate, 0.03)
	assert.Equal(t, 30, summary.EveDetected)
	assert.Equal(t, 1.0, summary.DetectionRate)
}
