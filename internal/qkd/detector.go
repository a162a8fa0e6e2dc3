package qkd

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

// EstimateReport is the outcome of checking a revealed sample for disturbance
type EstimateReport struct {
	ErrorRate   float64 `json:"error_rate"`
	EveDetected bool    `json:"eve_detected"`
	Mismatches  int     `json:"mismatches"`
	SampleSize  int     `json:"sample_size"`
	Threshold   float64 `json:"threshold"`
	// PValue is the probability of observing at least Mismatches errors in
	// SampleSize bits if the true error rate were exactly the threshold.
	PValue float64 `json:"p_value"`
}

// Estimate compares sender and receiver bits at every sampled index and
// flags an eavesdropper when the mismatch ratio exceeds threshold.
//
// An empty sample over a non-empty sifted key is an InsufficientSampleError;
// an empty sifted key yields a zero report.
func Estimate(sifted SiftedKey, sample SampleSet, threshold float64) (EstimateReport, error) {
	if len(sample) == 0 {
		if len(sifted) > 0 {
			return EstimateReport{}, &qkd.InsufficientSampleError{SiftedLength: len(sifted)}
		}
		return EstimateReport{Threshold: threshold, PValue: 1}, nil
	}

	byIndex := make(map[int]SiftedBit, len(sifted))
	for _, b := range sifted {
		byIndex[b.Index] = b
	}

	sent := make([]quantum.Bit, len(sample))
	received := make([]quantum.Bit, len(sample))
	for i, idx := range sample {
		b, ok := byIndex[idx]
		if !ok {
			return EstimateReport{}, fmt.Errorf("sample index %d is not part of the sifted key", idx)
		}
		sent[i], received[i] = b.SenderBit, b.ReceiverBit
	}
	mismatches, err := quantum.HammingDistance(sent, received)
	if err != nil {
		return EstimateReport{}, err
	}

	errorRate := float64(mismatches) / float64(len(sample))
	return EstimateReport{
		ErrorRate:   errorRate,
		EveDetected: errorRate > threshold,
		Mismatches:  mismatches,
		SampleSize:  len(sample),
		Threshold:   threshold,
		PValue:      upperTail(mismatches, len(sample), threshold),
	}, nil
}

// upperTail returns P[X >= k] for X ~ Binomial(n, p).
func upperTail(k, n int, p float64) float64 {
	if k <= 0 {
		return 1
	}
	b := distuv.Binomial{N: float64(n), P: p}
	return b.Survival(float64(k - 1))
}

// Detector keeps the history of estimate reports. Each report carries the
// threshold it was judged against, so runs with different thresholds can
// share one history.
type Detector struct {
	mu      sync.Mutex
	history []EstimateReport
}

// NewDetector creates a detector with an empty history.
func NewDetector() *Detector {
	return &Detector{}
}

// Record appends a report to the history.
func (d *Detector) Record(report EstimateReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, report)
}

// History returns a copy of every recorded report, oldest first.
func (d *Detector) History() []EstimateReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]EstimateReport(nil), d.history...)
}

// MeanErrorRate is the mean of all recorded error rates, or 0 without history.
func (d *Detector) MeanErrorRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return 0
	}
	rates := make([]float64, len(d.history))
	for i, r := range d.history {
		rates[i] = r.ErrorRate
	}
	return stat.Mean(rates, nil)
}

// Detections counts recorded reports that flagged an eavesdropper.
func (d *Detector) Detections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.history {
		if r.EveDetected {
			n++
		}
	}
	return n
}
