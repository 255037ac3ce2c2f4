package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-ista/internal/client"
	"github.com/23skdu/longbow-ista/internal/device"
	"github.com/23skdu/longbow-ista/internal/fit"
	"github.com/23skdu/longbow-ista/internal/problem"
)

var (
	problemPath  string
	syntheticDim string
	synthNonZero int
	synthNoise   float64
	synthSeed    uint64
	fitCfg       = fit.DefaultConfig()
	fitTimeout   time.Duration
	outPath      string
	historyPath  string
	flightAddr   string
	datasetName  string
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit a Lasso problem",
	Long: `Loads a problem from a CBOR file (--problem) or draws a synthetic one
(--synthetic RxC), runs ISTA or FISTA and reports the solution. Coefficients
can be written as an Arrow IPC stream (--out) or pushed to a Flight server
(--server).`,
	RunE: runFit,
}

func init() {
	f := fitCmd.Flags()
	f.StringVar(&problemPath, "problem", "", "Problem file (CBOR)")
	f.StringVar(&syntheticDim, "synthetic", "", "Draw a synthetic problem of shape RxC instead of loading one")
	f.IntVar(&synthNonZero, "nonzero", 5, "Support size of the synthetic ground truth")
	f.Float64Var(&synthNoise, "noise", 0.01, "Noise standard deviation of the synthetic problem")
	f.Uint64Var(&synthSeed, "seed", 42, "Random seed of the synthetic problem")

	f.Float64Var(&fitCfg.Lambda, "lambda", fitCfg.Lambda, "L1 weight; overrides the problem's value when set")
	f.Float64Var(&fitCfg.L0, "l0", fitCfg.L0, "Starting curvature (0 = solver default)")
	f.Float64Var(&fitCfg.Eta, "eta", fitCfg.Eta, "Curvature growth factor per backtrack")
	f.IntVar(&fitCfg.MaxBacktracks, "max-backtracks", fitCfg.MaxBacktracks, "Backtracks allowed per iteration")
	f.IntVar(&fitCfg.MaxIter, "max-iter", fitCfg.MaxIter, "Maximum number of iterations")
	f.Float64Var(&fitCfg.Tol, "tol", fitCfg.Tol, "Relative change in β that counts as converged")
	f.BoolVar(&fitCfg.Accelerated, "fista", fitCfg.Accelerated, "Use FISTA momentum")
	f.IntVar(&fitCfg.LogEvery, "log-every", fitCfg.LogEvery, "Progress log interval in iterations (0 disables)")
	f.DurationVar(&fitTimeout, "timeout", 0, "Abort the fit after this duration (0 = no limit)")

	f.StringVar(&outPath, "out", "", "Write coefficients as an Arrow IPC stream to this file (- for stdout)")
	f.StringVar(&historyPath, "history-out", "", "Write the iteration history as an Arrow IPC stream to this file")
	f.StringVar(&flightAddr, "server", "", "Flight server address to push results to (e.g. localhost:3000)")
	f.StringVar(&datasetName, "dataset", "ista_coefficients", "Target dataset name on the Flight server")

	fitCmd.MarkFlagsMutuallyExclusive("problem", "synthetic")
	fitCmd.MarkFlagsOneRequired("problem", "synthetic")
	rootCmd.AddCommand(fitCmd)
}

func runFit(cmd *cobra.Command, args []string) error {
	prec, err := device.ParsePrecision(precisionName)
	if err != nil {
		return err
	}

	p, err := loadProblem()
	if err != nil {
		return err
	}
	cfg := fitCfg
	if !cmd.Flags().Changed("lambda") {
		cfg.Lambda = p.Lambda
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	backend, err := openBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	l0 := cfg.L0
	if l0 == 0 {
		l0 = defaultL0
	}
	s, err := newSolvers(backend, l0, prec)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if fitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fitTimeout)
		defer cancel()
	}

	log.Info().
		Int("rows", p.Rows).
		Int("cols", p.Cols).
		Float64("lambda", cfg.Lambda).
		Str("precision", prec.String()).
		Str("backend", backend.Name()).
		Bool("fista", cfg.Accelerated).
		Msg("Starting fit")

	out, fitErr := s.solve(ctx, prec, p, p.Beta0, cfg)
	if out == nil {
		return fitErr
	}
	if fitErr != nil {
		log.Warn().Err(fitErr).Int("iterations", out.Iterations).Msg("Fit stopped early, reporting partial result")
	}

	printSummary(cmd.OutOrStdout(), p, cfg, out)

	if err := exportResult(ctx, p, cfg, out); err != nil {
		return err
	}
	return fitErr
}

func loadProblem() (*problem.Problem, error) {
	if problemPath != "" {
		return problem.Load(problemPath)
	}
	rows, cols, err := parseShape(syntheticDim)
	if err != nil {
		return nil, err
	}
	return problem.Synthetic(problem.SyntheticConfig{
		Rows:    rows,
		Cols:    cols,
		NonZero: min(synthNonZero, cols),
		Noise:   synthNoise,
		Lambda:  fitCfg.Lambda,
		Seed:    synthSeed,
	})
}

// parseShape parses "RxC".
func parseShape(s string) (int, int, error) {
	var rows, cols int
	if n, err := fmt.Sscanf(s, "%dx%d", &rows, &cols); err != nil || n != 2 {
		return 0, 0, fmt.Errorf("invalid shape %q, want RxC", s)
	}
	if rows < 1 || cols < 1 {
		return 0, 0, fmt.Errorf("invalid shape %q, dimensions must be positive", s)
	}
	return rows, cols, nil
}

func printSummary(w io.Writer, p *problem.Problem, cfg fit.Config, out *outcome) {
	pr := message.NewPrinter(language.English)

	nnz := 0
	for _, v := range out.Beta {
		if v != 0 {
			nnz++
		}
	}
	status := "converged"
	if !out.Converged {
		status = "not converged"
	}

	pr.Fprintf(w, "problem      %d x %d (%d cells)\n", p.Rows, p.Cols, p.Rows*p.Cols)
	pr.Fprintf(w, "lambda       %g\n", cfg.Lambda)
	pr.Fprintf(w, "status       %s after %d iterations in %v\n", status, out.Iterations, out.Elapsed.Round(time.Microsecond))
	pr.Fprintf(w, "objective    %.6g\n", out.Objective)
	pr.Fprintf(w, "lipschitz    %.6g\n", out.Lipschitz)
	pr.Fprintf(w, "nonzero      %d of %d\n", nnz, len(out.Beta))
	if p.Truth != nil {
		hits := 0
		support := 0
		for j, v := range p.Truth {
			if v != 0 {
				support++
				if out.Beta[j] != 0 {
					hits++
				}
			}
		}
		pr.Fprintf(w, "support      %d of %d true coefficients recovered\n", hits, support)
	}
}

func exportResult(ctx context.Context, p *problem.Problem, cfg fit.Config, out *outcome) error {
	if outPath == "" && historyPath == "" && flightAddr == "" {
		return nil
	}

	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator())
	coef, err := builder.BuildCoefficients(out.Beta, map[string]string{
		"fingerprint": formatFingerprint(p.Fingerprint()),
		"lambda":      strconv.FormatFloat(cfg.Lambda, 'g', -1, 64),
		"objective":   strconv.FormatFloat(out.Objective, 'g', -1, 64),
		"precision":   out.Precision.String(),
	})
	if err != nil {
		return err
	}
	if coef != nil {
		defer coef.Release()
	}
	hist, err := builder.BuildHistory(out.History)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Release()
	}

	if outPath != "" && coef != nil {
		if err := writeArrowFile(outPath, coef); err != nil {
			return err
		}
	}
	if historyPath != "" && hist != nil {
		if err := writeArrowFile(historyPath, hist); err != nil {
			return err
		}
	}

	if flightAddr != "" {
		fc, err := client.NewFlightClient(flightAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		pub := client.NewPublisher(fc, client.NewCircuitBreaker(1, time.Minute))
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, datasetName, coef); err != nil {
			return fmt.Errorf("publish coefficients: %w", err)
		}
		if err := pub.Publish(ctx, datasetName+"_history", hist); err != nil {
			return fmt.Errorf("publish history: %w", err)
		}
		log.Info().Str("server", flightAddr).Str("dataset", datasetName).Msg("Sent results to Flight server")
	}
	return nil
}

func writeArrowFile(path string, rec arrow.RecordBatch) error {
	if path == "-" {
		return client.WriteStream(os.Stdout, rec)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := client.WriteStream(f, rec); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
