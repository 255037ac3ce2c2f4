package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ista/internal/device"
)

var (
	logLevel      string
	backendName   string
	precisionName string
	enableOTel    bool
	metricsAddr   string

	shutdownTracer func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "ista",
	Short: "Accelerated proximal-gradient Lasso solver",
	Long: `ista solves min ||Xβ − Y||² + λ||β||₁ with ISTA/FISTA, running the
soft-threshold proximal step on a CPU or OpenCL device.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		zerolog.SetGlobalLevel(level)

		if enableOTel {
			shutdownTracer, err = initTracer()
			if err != nil {
				return fmt.Errorf("initialize tracer: %w", err)
			}
		}
		if metricsAddr != "" {
			startMetricsServer(metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdownTracer != nil {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "cpu", "Compute backend (cpu, opencl)")
	rootCmd.PersistentFlags().StringVar(&precisionName, "precision", "fp64", "Element precision (fp32, fp64)")
	rootCmd.PersistentFlags().BoolVar(&enableOTel, "otel", false, "Enable OpenTelemetry tracing (stdout)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
}

// openBackend creates the backend selected by --backend.
func openBackend() (device.Backend, error) {
	backend, err := device.New(backendName)
	if err != nil {
		return nil, err
	}
	info := backend.Info()
	log.Debug().
		Str("backend", backend.Name()).
		Str("device", info.Name).
		Bool("fp64", info.DoublePrecision).
		Msg("Backend ready")
	return backend, nil
}
