// bb84sim runs batches of independent BB84 sessions for each entry in the
// cartesian product of its parameter flags and prints one CSV line per
// session, followed by a summary line per parameterization on stderr.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/template"

	"github.com/go-logr/stdr"
	flag "github.com/spf13/pflag"

	"github.com/jaskrrish/bb84sim/internal/config"
	"github.com/jaskrrish/bb84sim/internal/models/qkd"
	qkdcore "github.com/jaskrrish/bb84sim/internal/qkd"
	"github.com/jaskrrish/bb84sim/internal/qkd/quantum"
)

var (
	configFile = flag.String("config", "", "Settings file providing the [qkd] defaults.")
	qubits     = flag.IntSlice("qubits", nil, "Qubits transmitted per session.")
	fractions  = flag.Float64Slice("fraction", nil, "Fraction of the sifted key revealed for estimation.")
	thresholds = flag.Float64Slice("threshold", nil, "Error rate above which a session aborts.")
	intercepts = flag.Float64Slice("intercept", []float64{0}, "Probability that Eve intercepts a qubit; 0 means no eavesdropper.")
	eveBases   = flag.String("eve-bases", "", "Fixed basis cycle for Eve, e.g. \"+x\", indexed by qubit position; replaces the random basis choice and is applied with the -intercept probability.")
	trials     = flag.Int("trials", 100, "Sessions per parameterization.")
	seed       = flag.Int64("seed", 1, "Seed of the first session; each session uses the next seed.")
	workers    = flag.Int("workers", 4, "Sessions run concurrently.")
)

var columns = []string{"Qubits", "Fraction", "Threshold", "Intercept", "Seed", "State",
	"SiftedKeyLength", "SampleSize", "FinalKeyLength", "ErrorRate", "PValue", "KeyErrorRate"}

// A Row packages one session result with its parameterization for easy
// formatting.
type Row struct {
	Qubits    int
	Fraction  float64
	Threshold float64
	Intercept float64
	qkdcore.TrialResult
}

func main() {
	flag.Parse()
	logger := stdr.New(log.New(os.Stderr, "", 0))

	settings := config.New()
	if *configFile != "" {
		if err := settings.Load(*configFile); err != nil {
			log.Fatalf("Loading settings %s: %v", *configFile, err)
		}
	}
	defaults := settings.QKD()
	if len(*qubits) == 0 {
		*qubits = []int{defaults.NumQubits}
	}
	if len(*fractions) == 0 {
		*fractions = []float64{defaults.SampleFraction}
	}
	if len(*thresholds) == 0 {
		*thresholds = []float64{defaults.ErrorThreshold}
	}

	fixed, err := parseBases(*eveBases)
	if err != nil {
		log.Fatalf("Parsing -eve-bases: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tmpl := template.Must(template.New("line").Parse(lineTmpl()))
	fmt.Println(strings.Join(columns, ", "))

	seeds := make([]int64, *trials)
	for i := range seeds {
		seeds[i] = *seed + int64(i)
	}

	for _, n := range *qubits {
		for _, f := range *fractions {
			for _, th := range *thresholds {
				for _, p := range *intercepts {
					cfg := qkd.Config{NumQubits: n, SampleFraction: f, ErrorThreshold: th}
					results, err := qkdcore.RunTrials(ctx, cfg, eveFactory(p, fixed), seeds, *workers)
					if err != nil {
						log.Fatalf("Running (qubits: %d, fraction: %f, threshold: %f, intercept: %f): %v", n, f, th, p, err)
					}
					for _, r := range results {
						row := Row{Qubits: n, Fraction: f, Threshold: th, Intercept: p, TrialResult: r}
						if err := tmpl.Execute(os.Stdout, row); err != nil {
							log.Fatalf("BUG: could not fill in line template: %v", err)
						}
					}
					s := qkdcore.Summarize(results)
					logger.Info("summary", "qubits", n, "fraction", f, "threshold", th, "intercept", p,
						"trials", s.Trials, "established", s.Established, "eve_detected", s.EveDetected,
						"insufficient", s.InsufficientKey, "mean_error_rate", s.MeanErrorRate,
						"stddev_error_rate", s.StdDevErrorRate, "mean_final_key_bits", s.MeanFinalKeyBits)
				}
			}
		}
	}
}

// eveFactory returns nil for an untapped channel.
func eveFactory(p float64, fixed []quantum.Basis) func() quantum.Eavesdropper {
	if p <= 0 {
		return nil
	}
	if len(fixed) > 0 {
		var eve quantum.Eavesdropper = &quantum.FixedBasisEavesdropper{Bases: fixed}
		if p < 1 {
			eve = quantum.Probabilistic{Probability: p, Strategy: eve}
		}
		return func() quantum.Eavesdropper { return eve }
	}
	if p >= 1 {
		return func() quantum.Eavesdropper { return quantum.InterceptResend{} }
	}
	return func() quantum.Eavesdropper {
		return quantum.PartialInterceptResend{Probability: p}
	}
}

func parseBases(s string) ([]quantum.Basis, error) {
	var bases []quantum.Basis
	for _, c := range s {
		b, err := quantum.ParseBasis(string(c))
		if err != nil {
			return nil, err
		}
		bases = append(bases, b)
	}
	return bases, nil
}

func lineTmpl() string {
	var els []string
	for _, c := range columns {
		els = append(els, "{{."+c+"}}")
	}
	return strings.Join(els, ", ") + "\n"
}
