package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-ista/internal/problem"
)

var (
	genConfig = problem.SyntheticConfig{Rows: 100, Cols: 20, NonZero: 5, Noise: 0.01, Lambda: 0.1, Seed: 42}
	genOut    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a synthetic sparse regression problem",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := problem.Synthetic(genConfig)
		if err != nil {
			return err
		}
		if err := p.Save(genOut); err != nil {
			return err
		}
		log.Info().
			Str("path", genOut).
			Int("rows", p.Rows).
			Int("cols", p.Cols).
			Int("nonzero", genConfig.NonZero).
			Str("fingerprint", formatFingerprint(p.Fingerprint())).
			Msg("Wrote problem")
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.IntVar(&genConfig.Rows, "rows", genConfig.Rows, "Number of observations")
	f.IntVar(&genConfig.Cols, "cols", genConfig.Cols, "Number of features")
	f.IntVar(&genConfig.NonZero, "nonzero", genConfig.NonZero, "Support size of the ground truth")
	f.Float64Var(&genConfig.Noise, "noise", genConfig.Noise, "Noise standard deviation")
	f.Float64Var(&genConfig.Lambda, "lambda", genConfig.Lambda, "L1 weight stored in the problem")
	f.Uint64Var(&genConfig.Seed, "seed", genConfig.Seed, "Random seed")
	f.StringVar(&genOut, "out", "", "Output path (required)")
	generateCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(generateCmd)
}
