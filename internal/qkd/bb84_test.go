package qkd

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/stat"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

const (
	plus  = quantum.RectilinearBasis
	cross = quantum.DiagonalBasis
)

func testConfig(numQubits int) qkd.Config {
	cfg := qkd.DefaultConfig()
	cfg.NumQubits = numQubits
	return cfg
}

// TestBB84ScriptedScenario replays a four-qubit run without an eavesdropper
func TestBB84ScriptedScenario(t *testing.T) {
	// Per qubit: sender bit then receiver measurement bit; sender basis then
	// receiver basis.
	src := &quantum.ScriptedSource{
		Bits:  []quantum.Bit{0, 0, 1, 0, 1, 0, 0, 0},
		Bases: []quantum.Basis{plus, plus, plus, cross, cross, cross, cross, plus},
		Ints:  []int{0},
	}
	session := NewBB84Session(src)

	if err := session.Run(testConfig(4), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := session.SiftedKey().Indices(); !reflect.DeepEqual(got, []int{0, 2}) {
		t.Errorf("expected sifted indices [0 2], got %v", got)
	}
	if got := session.SiftedKey().Bits(); !reflect.DeepEqual(got, []quantum.Bit{0, 1}) {
		t.Errorf("expected sifted bits [0 1], got %v", got)
	}
	if got := session.SampleSet(); !reflect.DeepEqual(got, SampleSet{0}) {
		t.Errorf("expected sample [0], got %v", got)
	}
	if session.ErrorRate() != 0 {
		t.Errorf("expected error rate 0, got %.2f", session.ErrorRate())
	}
	if got := session.FinalKey().Bits(); !reflect.DeepEqual(got, []quantum.Bit{1}) {
		t.Errorf("expected final key [1], got %v", got)
	}
	if session.State() != qkd.StateKeyEstablished {
		t.Errorf("expected state %s, got %s", qkd.StateKeyEstablished, session.State())
	}

	record := session.Record()
	if len(record) != 4 {
		t.Fatalf("expected 4 transmissions, got %d", len(record))
	}
	for i, tr := range record {
		if tr.Index != i {
			t.Errorf("transmission %d recorded with index %d", i, tr.Index)
		}
		if tr.Intercepted {
			t.Errorf("transmission %d marked intercepted without eavesdropper", i)
		}
	}
}

// TestBB84ScriptedEavesdropper pins the intercept-resend rule on four qubits
func TestBB84ScriptedEavesdropper(t *testing.T) {
	// Per qubit bits: sender bit, eavesdropper measurement, receiver
	// measurement. The eavesdropper is always in the wrong basis so its
	// outcome is the scripted fresh bit; the receiver then measures the
	// re-prepared qubit.
	src := &quantum.ScriptedSource{
		Bits: []quantum.Bit{
			0, 1, 1, // receiver + vs eve ×: fresh 1
			1, 0, 1, // receiver × matches eve ×: gets eve's 0
			1, 0, 1, // receiver × vs eve +: fresh 1
			0, 1, 0, // receiver + matches eve +: gets eve's 1
		},
		Bases: []quantum.Basis{plus, plus, plus, cross, cross, cross, cross, plus},
		Ints:  []int{1},
	}
	eve := &quantum.FixedBasisEavesdropper{Bases: []quantum.Basis{cross, cross, plus, plus}}
	session := NewBB84Session(src)

	cfg := testConfig(4)
	cfg.ErrorThreshold = 0.11
	err := session.Run(cfg, eve)

	record := session.Record()
	wantEve := []quantum.Basis{cross, cross, plus, plus}
	wantReceiver := []quantum.Bit{1, 0, 1, 1}
	for i, tr := range record {
		if !tr.Intercepted || tr.EveBasis != wantEve[i] {
			t.Errorf("transmission %d: expected interception in %v, got %+v", i, wantEve[i], tr)
		}
		if tr.ReceiverBit != wantReceiver[i] {
			t.Errorf("transmission %d: expected receiver bit %d, got %d", i, wantReceiver[i], tr.ReceiverBit)
		}
	}

	// Sifted positions 0 and 2; Intn picks position 1, i.e. index 2 where
	// the sender sent 1 and the receiver measured 1. The disturbed index 0
	// stays hidden in the final key.
	if got := session.SampleSet(); !reflect.DeepEqual(got, SampleSet{2}) {
		t.Fatalf("expected sample [2], got %v", got)
	}
	if err != nil {
		t.Fatalf("expected undetected run on a clean sample, got %v", err)
	}
	if got := session.FinalKey(); len(got) != 1 || got[0].SenderBit == got[0].ReceiverBit {
		t.Errorf("expected one corrupted final bit, got %+v", got)
	}
}

// TestBB84ForcedMismatchDetection runs 1000-qubit trials where the
// eavesdropper always measures in the wrong basis
func TestBB84ForcedMismatchDetection(t *testing.T) {
	senderBases := []quantum.Basis{plus, plus, cross, cross}
	eveBases := []quantum.Basis{cross, cross, plus, plus}
	const numQubits = 1000
	const trials = 20

	detected := 0
	for trial := 0; trial < trials; trial++ {
		receiver := quantum.NewSeededSource(int64(100 + trial))
		bases := make([]quantum.Basis, 0, 2*numQubits)
		for i := 0; i < numQubits; i++ {
			bases = append(bases, senderBases[i%4], receiver.NextBasis())
		}
		src := &quantum.ScriptedSource{
			Bases:    bases,
			Fallback: quantum.NewSeededSource(int64(trial)),
		}

		session := NewBB84Session(src)
		err := session.Run(testConfig(numQubits), &quantum.FixedBasisEavesdropper{Bases: eveBases})
		if qkd.IsEveDetected(err) {
			detected++
			if session.State() != qkd.StateAbortedEveDetected {
				t.Errorf("trial %d: expected state %s, got %s", trial, qkd.StateAbortedEveDetected, session.State())
			}
			if session.FinalKey() != nil {
				t.Errorf("trial %d: aborted session exposed key material", trial)
			}
		}
	}

	if detected < trials-1 {
		t.Errorf("expected detection in nearly every trial, got %d/%d", detected, trials)
	}
}

// TestBB84Deterministic checks bit-identical replays for a fixed seed
func TestBB84Deterministic(t *testing.T) {
	tests := []struct {
		name string
		eve  func() quantum.Eavesdropper
	}{
		{"No eavesdropper", func() quantum.Eavesdropper { return nil }},
		{"Intercept-resend", func() quantum.Eavesdropper { return quantum.InterceptResend{} }},
		{"Partial intercept", func() quantum.Eavesdropper { return quantum.PartialInterceptResend{Probability: 0.3} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(512)
			cfg.ErrorThreshold = 1

			a := NewBB84Session(quantum.NewSeededSource(2024))
			b := NewBB84Session(quantum.NewSeededSource(2024))
			errA := a.Run(cfg, tt.eve())
			errB := b.Run(cfg, tt.eve())

			if (errA == nil) != (errB == nil) {
				t.Fatalf("outcomes diverged: %v vs %v", errA, errB)
			}
			if !reflect.DeepEqual(a.Record(), b.Record()) {
				t.Error("transmission records differ")
			}
			if !reflect.DeepEqual(a.SiftedKey(), b.SiftedKey()) {
				t.Error("sifted keys differ")
			}
			if !reflect.DeepEqual(a.SampleSet(), b.SampleSet()) {
				t.Error("samples differ")
			}
			if a.State() != b.State() {
				t.Errorf("states differ: %s vs %s", a.State(), b.State())
			}
		})
	}
}

// TestBB84SharedEavesdropperReplays reuses one scripted eavesdropper across
// runs with the same seed
func TestBB84SharedEavesdropperReplays(t *testing.T) {
	eve := &quantum.FixedBasisEavesdropper{Bases: []quantum.Basis{cross, cross, plus}}
	cfg := testConfig(5)
	cfg.SampleFraction = 1

	run := func() TransmissionRecord {
		session := NewBB84Session(quantum.NewSeededSource(9))
		_ = session.Run(cfg, eve)
		return session.Record()
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("records differ for the same seed and eavesdropper:\n%+v\n%+v", first, second)
	}
	for i, tr := range first {
		if want := eve.Bases[i%len(eve.Bases)]; tr.EveBasis != want {
			t.Errorf("qubit %d: expected eavesdropper basis %v, got %v", i, want, tr.EveBasis)
		}
	}
}

// TestTransmissionJSONKeepsZeroInterception checks that an interception in
// the rectilinear basis with outcome 0 is still reported
func TestTransmissionJSONKeepsZeroInterception(t *testing.T) {
	data, err := json.Marshal(Transmission{Intercepted: true, EveBasis: plus, EveBit: quantum.Zero})
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"eve_basis", "eve_bit"} {
		if v, ok := fields[key]; !ok || v != float64(0) {
			t.Errorf("expected %s = 0 in %s", key, data)
		}
	}
}

// TestBB84NoEavesdropperNoErrors checks the noiseless channel
func TestBB84NoEavesdropperNoErrors(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		session := NewBB84Session(quantum.NewSeededSource(seed))
		if err := session.Run(testConfig(1024), nil); err != nil {
			t.Fatalf("seed %d: Run failed: %v", seed, err)
		}

		if n := session.SiftedKey().Mismatches(); n != 0 {
			t.Errorf("seed %d: %d mismatched sifted bits without eavesdropper", seed, n)
		}
		if session.ErrorRate() != 0 {
			t.Errorf("seed %d: expected error rate 0, got %.4f", seed, session.ErrorRate())
		}
		for _, tr := range session.Record() {
			if tr.Intercepted {
				t.Fatalf("seed %d: transmission %d intercepted", seed, tr.Index)
			}
		}
	}
}

// TestBB84EavesdropperErrorRate checks the ~25% intercept-resend disturbance
func TestBB84EavesdropperErrorRate(t *testing.T) {
	cfg := testConfig(4000)
	cfg.ErrorThreshold = 1 // measure, never abort
	cfg.EavesdropperPresent = true

	rates := make([]float64, 0, 40)
	for seed := int64(0); seed < 40; seed++ {
		session := NewBB84Session(quantum.NewSeededSource(seed))
		if err := session.Run(cfg, nil); err != nil {
			t.Fatalf("seed %d: Run failed: %v", seed, err)
		}
		sifted := session.SiftedKey()
		rates = append(rates, float64(sifted.Mismatches())/float64(len(sifted)))
	}

	mean := stat.Mean(rates, nil)
	if mean < 0.20 || mean > 0.30 {
		t.Errorf("expected mean sifted error rate in [0.20, 0.30], got %.4f", mean)
	}
}

// TestBB84EavesdropperDetectedByDefault checks the default threshold trips
func TestBB84EavesdropperDetectedByDefault(t *testing.T) {
	cfg := testConfig(1000)
	cfg.EavesdropperPresent = true

	detected := 0
	for seed := int64(0); seed < 50; seed++ {
		session := NewBB84Session(quantum.NewSeededSource(seed))
		err := session.Run(cfg, nil)

		var eveErr *qkd.EveDetectedError
		if errors.As(err, &eveErr) {
			detected++
			if eveErr.Threshold != qkd.DefaultErrorThreshold {
				t.Errorf("expected threshold %.2f in error, got %.2f", qkd.DefaultErrorThreshold, eveErr.Threshold)
			}
			if eveErr.ErrorRate != session.ErrorRate() {
				t.Errorf("error rate mismatch: %.4f vs %.4f", eveErr.ErrorRate, session.ErrorRate())
			}
		}
	}

	if detected < 48 {
		t.Errorf("expected detection in nearly every run, got %d/50", detected)
	}
}

// TestBB84SampleDisjointFromFinalKey checks the revealed bits are never key material
func TestBB84SampleDisjointFromFinalKey(t *testing.T) {
	fractions := []float64{0.1, 0.25, 0.5, 0.9}

	for _, fraction := range fractions {
		for seed := int64(0); seed < 10; seed++ {
			cfg := testConfig(300)
			cfg.SampleFraction = fraction

			session := NewBB84Session(quantum.NewSeededSource(seed))
			if err := session.Run(cfg, nil); err != nil {
				t.Fatalf("fraction %.2f seed %d: Run failed: %v", fraction, seed, err)
			}

			sifted := session.SiftedKey()
			sample := session.SampleSet()
			final := session.FinalKey()

			if len(sample) != SampleSize(fraction, len(sifted)) {
				t.Errorf("expected sample size %d, got %d", SampleSize(fraction, len(sifted)), len(sample))
			}

			union := make(map[int]bool)
			for _, idx := range sample {
				union[idx] = true
			}
			for _, b := range final {
				if union[b.Index] {
					t.Fatalf("index %d is in both sample and final key", b.Index)
				}
				union[b.Index] = true
			}
			if len(union) != len(sifted) {
				t.Fatalf("sample and final key cover %d indices, sifted has %d", len(union), len(sifted))
			}
			for _, idx := range sifted.Indices() {
				if !union[idx] {
					t.Fatalf("sifted index %d lost", idx)
				}
			}

			prev := -1
			for _, b := range final {
				if b.Index <= prev {
					t.Fatalf("final key out of order at index %d", b.Index)
				}
				prev = b.Index
			}
		}
	}
}

// TestBB84ConfigurationErrors checks invalid parameters fail before any draw
func TestBB84ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*qkd.Config)
		field string
	}{
		{"Zero qubits", func(c *qkd.Config) { c.NumQubits = 0 }, "num_qubits"},
		{"Negative qubits", func(c *qkd.Config) { c.NumQubits = -5 }, "num_qubits"},
		{"Too many qubits", func(c *qkd.Config) { c.NumQubits = qkd.MaxQubits + 1 }, "num_qubits"},
		{"Zero sample fraction", func(c *qkd.Config) { c.SampleFraction = 0 }, "sample_fraction"},
		{"Sample fraction above one", func(c *qkd.Config) { c.SampleFraction = 1.5 }, "sample_fraction"},
		{"NaN sample fraction", func(c *qkd.Config) { c.SampleFraction = math.NaN() }, "sample_fraction"},
		{"Negative threshold", func(c *qkd.Config) { c.ErrorThreshold = -0.1 }, "error_threshold"},
		{"Threshold above one", func(c *qkd.Config) { c.ErrorThreshold = 1.1 }, "error_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := qkd.DefaultConfig()
			tt.mut(&cfg)

			// An empty script panics on the first draw.
			session := NewBB84Session(&quantum.ScriptedSource{})
			err := session.Run(cfg, nil)

			var cfgErr *qkd.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, cfgErr.Field)
			}
			if session.State() != qkd.StateCreated {
				t.Errorf("expected state %s, got %s", qkd.StateCreated, session.State())
			}
		})
	}
}

// TestBB84InsufficientKey checks that revealing everything leaves no key
func TestBB84InsufficientKey(t *testing.T) {
	cfg := testConfig(64)
	cfg.SampleFraction = 1

	session := NewBB84Session(quantum.NewSeededSource(5))
	err := session.Run(cfg, nil)

	var keyErr *qkd.InsufficientKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected InsufficientKeyError, got %v", err)
	}
	if session.State() != qkd.StateAbortedInsufficient {
		t.Errorf("expected state %s, got %s", qkd.StateAbortedInsufficient, session.State())
	}
	if len(session.FinalKey()) != 0 {
		t.Error("expected empty final key")
	}
}

// TestBB84NoSiftedBits checks a run where no basis matched
func TestBB84NoSiftedBits(t *testing.T) {
	src := &quantum.ScriptedSource{
		Bits:  []quantum.Bit{1, 0},
		Bases: []quantum.Basis{plus, cross},
	}
	session := NewBB84Session(src)
	err := session.Run(testConfig(1), nil)

	var keyErr *qkd.InsufficientKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected InsufficientKeyError, got %v", err)
	}
	if len(session.SiftedKey()) != 0 || len(session.SampleSet()) != 0 {
		t.Error("expected empty sifted key and sample")
	}
}

// TestBB84TerminalStates checks that a finished session cannot run again
func TestBB84TerminalStates(t *testing.T) {
	session := NewBB84Session(quantum.NewSeededSource(9))
	if err := session.Run(testConfig(128), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	err := session.Run(testConfig(128), nil)
	if !errors.Is(err, qkd.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !session.State().Terminal() {
		t.Errorf("expected terminal state, got %s", session.State())
	}
}

// TestSampleSize tests sample size rounding and clamping
func TestSampleSize(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		n        int
		expected int
	}{
		{"Empty sifted key", 0.5, 0, 0},
		{"Half of two", 0.5, 2, 1},
		{"Round half up", 0.5, 3, 2},
		{"At least one", 0.01, 10, 1},
		{"All bits", 1, 7, 7},
		{"Round down", 0.1, 14, 1},
		{"Single bit", 0.5, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SampleSize(tt.fraction, tt.n); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func BenchmarkBB84Run(b *testing.B) {
	cfg := testConfig(4096)
	for i := 0; i < b.N; i++ {
		NewBB84Session(quantum.NewSeededSource(int64(i))).Run(cfg, nil)
	}
}

func BenchmarkBB84RunWithEavesdropper(b *testing.B) {
	cfg := testConfig(4096)
	cfg.ErrorThreshold = 1
	for i := 0; i < b.N; i++ {
		NewBB84Session(quantum.NewSeededSource(int64(i))).Run(cfg, quantum.InterceptResend{})
	}
}
