package qkd

import (
	"fmt"
	"math"
	"sort"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

// Transmission is the record of one qubit, in transmission order
type Transmission struct {
	Index         int           `json:"index"`
	SenderBit     quantum.Bit   `json:"sender_bit"`
	SenderBasis   quantum.Basis `json:"sender_basis"`
	Intercepted   bool          `json:"intercepted"`
	EveBasis      quantum.Basis `json:"eve_basis"`
	EveBit        quantum.Bit   `json:"eve_bit"`
	ReceiverBasis quantum.Basis `json:"receiver_basis"`
	ReceiverBit   quantum.Bit   `json:"receiver_bit"`
}

// TransmissionRecord holds one Transmission per qubit sent
type TransmissionRecord []Transmission

// SiftedBit is a position where sender and receiver bases matched
type SiftedBit struct {
	Index       int         `json:"index"`
	SenderBit   quantum.Bit `json:"sender_bit"`
	ReceiverBit quantum.Bit `json:"receiver_bit"`
}

// SiftedKey is the ordered result of basis reconciliation. FinalKey has the
// same shape: the sifted key with the revealed sample removed.
type SiftedKey []SiftedBit

// Indices returns the original transmission indices.
func (k SiftedKey) Indices() []int {
	indices := make([]int, len(k))
	for i, b := range k {
		indices[i] = b.Index
	}
	return indices
}

// Bits returns the sender's bits, the key material used by both parties.
func (k SiftedKey) Bits() []quantum.Bit {
	bits := make([]quantum.Bit, len(k))
	for i, b := range k {
		bits[i] = b.SenderBit
	}
	return bits
}

// ReceiverBits returns the receiver's view of the same positions.
func (k SiftedKey) ReceiverBits() []quantum.Bit {
	bits := make([]quantum.Bit, len(k))
	for i, b := range k {
		bits[i] = b.ReceiverBit
	}
	return bits
}

// Mismatches counts positions where the two parties disagree.
func (k SiftedKey) Mismatches() int {
	n := 0
	for _, b := range k {
		if b.SenderBit != b.ReceiverBit {
			n++
		}
	}
	return n
}

// Without returns the key minus every index in sample, order preserved.
func (k SiftedKey) Without(sample SampleSet) SiftedKey {
	toRemove := make(map[int]bool, len(sample))
	for _, idx := range sample {
		toRemove[idx] = true
	}

	remaining := make(SiftedKey, 0, len(k))
	for _, b := range k {
		if !toRemove[b.Index] {
			remaining = append(remaining, b)
		}
	}
	return remaining
}

// SampleSet lists the transmission indices revealed for error estimation,
// ascending. They are never part of the final key.
type SampleSet []int

// BB84Session runs the protocol once. It owns its Source and everything
// derived from it; a session is not safe for concurrent use.
type BB84Session struct {
	source quantum.Source
	state  qkd.SessionState
	config qkd.Config

	record   TransmissionRecord
	sifted   SiftedKey
	sample   SampleSet
	finalKey SiftedKey
	report   EstimateReport
}

// NewBB84Session creates a session in the created state bound to src.
func NewBB84Session(src quantum.Source) *BB84Session {
	return &BB84Session{
		source: src,
		state:  qkd.StateCreated,
	}
}

// Run executes the whole protocol: transmission, reconciliation, sampled
// error estimation and key distillation.
//
// eve may be nil; when it is and cfg.EavesdropperPresent is set, a full
// intercept-resend attacker is placed on the channel. Run returns nil only
// when the session reaches StateKeyEstablished. Invalid parameters fail with
// a ConfigurationError before any randomness is drawn and leave the session
// in StateCreated. Aborts return EveDetectedError, InsufficientSampleError or
// InsufficientKeyError.
func (s *BB84Session) Run(cfg qkd.Config, eve quantum.Eavesdropper) error {
	if s.state != qkd.StateCreated {
		return fmt.Errorf("run in state %s: %w", s.state, qkd.ErrInvalidState)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if eve == nil && cfg.EavesdropperPresent {
		eve = quantum.InterceptResend{}
	}
	s.config = cfg

	s.state = qkd.StateTransmitting
	s.record = s.transmit(cfg.NumQubits, quantum.NewChannel(eve))

	s.state = qkd.StateReconciling
	s.sifted = reconcile(s.record)

	s.state = qkd.StateEstimating
	s.sample = s.drawSample(cfg.SampleFraction)
	report, err := Estimate(s.sifted, s.sample, cfg.ErrorThreshold)
	if err != nil {
		s.state = qkd.StateAbortedInsufficient
		return err
	}
	s.report = report

	if report.EveDetected {
		s.state = qkd.StateAbortedEveDetected
		return &qkd.EveDetectedError{
			ErrorRate:  report.ErrorRate,
			Threshold:  cfg.ErrorThreshold,
			SampleSize: report.SampleSize,
		}
	}

	final := s.sifted.Without(s.sample)
	if len(final) == 0 {
		s.state = qkd.StateAbortedInsufficient
		return &qkd.InsufficientKeyError{SiftedLength: len(s.sifted), SampleSize: len(s.sample)}
	}

	s.finalKey = final
	s.state = qkd.StateKeyEstablished
	return nil
}

// transmit sends n qubits. Draw order per qubit: sender bit, sender basis,
// eavesdropper draws, receiver basis, receiver measurement.
func (s *BB84Session) transmit(n int, channel *quantum.Channel) TransmissionRecord {
	record := make(TransmissionRecord, n)
	for i := 0; i < n; i++ {
		bit := s.source.NextBit()
		basis := s.source.NextBasis()
		qubit, seen := channel.Send(i, bit, basis, s.source)

		t := Transmission{
			Index:       i,
			SenderBit:   bit,
			SenderBasis: basis,
		}
		if seen != nil {
			t.Intercepted = true
			t.EveBasis = seen.Basis
			t.EveBit = seen.Bit
		}

		t.ReceiverBasis = s.source.NextBasis()
		t.ReceiverBit = channel.Receive(qubit, t.ReceiverBasis, s.source)
		record[i] = t
	}
	return record
}

// reconcile keeps the positions where sender and receiver bases match.
func reconcile(record TransmissionRecord) SiftedKey {
	sifted := make(SiftedKey, 0, len(record)/2)
	for _, t := range record {
		if t.SenderBasis == t.ReceiverBasis {
			sifted = append(sifted, SiftedBit{
				Index:       t.Index,
				SenderBit:   t.SenderBit,
				ReceiverBit: t.ReceiverBit,
			})
		}
	}
	return sifted
}

// SampleSize is round(fraction*n), at least 1 and at most n when n > 0.
func SampleSize(fraction float64, n int) int {
	if n == 0 {
		return 0
	}
	k := int(math.Round(fraction * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// drawSample picks a uniform subset of sifted positions with a partial
// Fisher-Yates shuffle.
func (s *BB84Session) drawSample(fraction float64) SampleSet {
	n := len(s.sifted)
	k := SampleSize(fraction, n)

	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + s.source.Intn(n-i)
		positions[i], positions[j] = positions[j], positions[i]
	}

	sample := make(SampleSet, k)
	for i := 0; i < k; i++ {
		sample[i] = s.sifted[positions[i]].Index
	}
	sort.Ints(sample)
	return sample
}

// State returns the current lifecycle state.
func (s *BB84Session) State() qkd.SessionState {
	return s.state
}

// Config returns the parameters of the last Run.
func (s *BB84Session) Config() qkd.Config {
	return s.config
}

// Record returns a copy of the transmission record.
func (s *BB84Session) Record() TransmissionRecord {
	return append(TransmissionRecord(nil), s.record...)
}

// SiftedKey returns a copy of the sifted key.
func (s *BB84Session) SiftedKey() SiftedKey {
	return append(SiftedKey(nil), s.sifted...)
}

// SampleSet returns a copy of the revealed sample.
func (s *BB84Session) SampleSet() SampleSet {
	return append(SampleSet(nil), s.sample...)
}

// FinalKey returns the distilled key. It is empty unless the session reached
// StateKeyEstablished.
func (s *BB84Session) FinalKey() SiftedKey {
	if s.state != qkd.StateKeyEstablished {
		return nil
	}
	return append(SiftedKey(nil), s.finalKey...)
}

// ErrorRate returns the estimated error rate of the revealed sample.
func (s *BB84Session) ErrorRate() float64 {
	return s.report.ErrorRate
}

// Report returns the full estimation report.
func (s *BB84Session) Report() EstimateReport {
	return s.report
}
