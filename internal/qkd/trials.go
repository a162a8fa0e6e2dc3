package qkd

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

// TrialResult is the outcome of one independent session in a batch
type TrialResult struct {
	Seed            int64
	State           qkd.SessionState
	SiftedKeyLength int
	SampleSize      int
	FinalKeyLength  int
	ErrorRate       float64
	PValue          float64
	// KeyErrorRate is the true sender/receiver disagreement within the final
	// key, which is non-zero only when disturbance went undetected.
	KeyErrorRate float64
	Err          error
}

// RunTrials runs one session per seed with at most workers running at once.
// Every session gets its own seeded Source, so results depend only on the
// seed and never on scheduling. newEve may be nil; when set it is called
// once per trial.
//
// Protocol aborts are reported in each TrialResult. The returned error is
// non-nil only for an invalid cfg or a cancelled ctx.
func RunTrials(ctx context.Context, cfg qkd.Config, newEve func() quantum.Eavesdropper, seeds []int64, workers int) ([]TrialResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]TrialResult, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var eve quantum.Eavesdropper
			if newEve != nil {
				eve = newEve()
			}
			results[i] = runTrial(cfg, eve, seed)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runTrial(cfg qkd.Config, eve quantum.Eavesdropper, seed int64) TrialResult {
	session := NewBB84Session(quantum.NewSeededSource(seed))
	err := session.Run(cfg, eve)
	report := session.Report()
	final := session.FinalKey()
	keyErrorRate, calcErr := quantum.CalculateBitError(final.Bits(), final.ReceiverBits())
	if err == nil {
		err = calcErr
	}
	return TrialResult{
		Seed:            seed,
		State:           session.State(),
		SiftedKeyLength: len(session.SiftedKey()),
		SampleSize:      len(session.SampleSet()),
		FinalKeyLength:  len(final),
		ErrorRate:       report.ErrorRate,
		PValue:          report.PValue,
		KeyErrorRate:    keyErrorRate,
		Err:             err,
	}
}

// TrialSummary aggregates a batch of trials
type TrialSummary struct {
	Trials            int     `json:"trials"`
	Established       int     `json:"established"`
	EveDetected       int     `json:"eve_detected"`
	InsufficientKey   int     `json:"insufficient_key"`
	DetectionRate     float64 `json:"detection_rate"`
	MeanErrorRate     float64 `json:"mean_error_rate"`
	StdDevErrorRate   float64 `json:"stddev_error_rate"`
	MeanFinalKeyBits  float64 `json:"mean_final_key_bits"`
	MeanSiftedKeyBits float64 `json:"mean_sifted_key_bits"`
}

// Summarize computes counts and error rate statistics over results.
// Trials that never reached estimation do not contribute an error rate.
func Summarize(results []TrialResult) TrialSummary {
	summary := TrialSummary{Trials: len(results)}
	if len(results) == 0 {
		return summary
	}

	var rates, finals, sifted []float64
	for _, r := range results {
		switch r.State {
		case qkd.StateKeyEstablished:
			summary.Established++
		case qkd.StateAbortedEveDetected:
			summary.EveDetected++
		case qkd.StateAbortedInsufficient:
			summary.InsufficientKey++
		}

		var sampleErr *qkd.InsufficientSampleError
		if r.SampleSize > 0 && !errors.As(r.Err, &sampleErr) {
			rates = append(rates, r.ErrorRate)
		}
		finals = append(finals, float64(r.FinalKeyLength))
		sifted = append(sifted, float64(r.SiftedKeyLength))
	}

	summary.DetectionRate = float64(summary.EveDetected) / float64(len(results))
	summary.MeanFinalKeyBits = stat.Mean(finals, nil)
	summary.MeanSiftedKeyBits = stat.Mean(sifted, nil)

	switch len(rates) {
	case 0:
	case 1:
		summary.MeanErrorRate = rates[0]
	default:
		mean, std := stat.MeanStdDev(rates, nil)
		summary.MeanErrorRate = mean
		if !math.IsNaN(std) {
			summary.StdDevErrorRate = std
		}
	}
	return summary
}
