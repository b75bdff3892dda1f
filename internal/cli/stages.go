package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mdmguard/internal/config"
	"mdmguard/internal/normalize"
	"mdmguard/internal/pipeline"
)

func newNormalizeCmd(a *app) *cobra.Command {
	var (
		input string
		all   bool
		since string
		until string
	)
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize inbox files into the clean store",
		Long: `Normalize maps source columns to the canonical schema, parses timestamps,
drops invalid rows and exact duplicates and writes a clean snapshot. It does
not record anything in the manifest or the run history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts normalize.Options
			var err error
			if opts.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if opts.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if all {
				outcomes, err := pipeline.NormalizeInbox(cfg, opts)
				if err != nil {
					return err
				}
				failed := 0
				for _, o := range outcomes {
					if o.Err != nil {
						failed++
						fmt.Fprintf(a.stdout, "FAIL %s: %v\n", o.Input, o.Err)
						continue
					}
					printNormalized(a, o)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d files failed", failed, len(outcomes))
				}
				return nil
			}
			if input == "" {
				if input, err = pipeline.LatestInput(cfg); err != nil {
					return err
				}
			}
			o, err := pipeline.NormalizeFile(cfg, input, opts)
			if err != nil {
				return fmt.Errorf("normalize %s: %w", input, err)
			}
			printNormalized(a, o)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&input, "input", "", "file to normalize (default: newest inbox file)")
	f.BoolVar(&all, "all", false, "normalize every inbox file")
	f.StringVar(&since, "since", "", "drop events before this time")
	f.StringVar(&until, "until", "", "drop events at or after this time")
	return cmd
}

func printNormalized(a *app, o pipeline.FileOutcome) {
	fmt.Fprintf(a.stdout, "OK   %s -> %s (rows in=%d out=%d invalid=%d duplicates=%d out_of_range=%d)\n",
		o.Input, o.Output, o.Stats.Input, o.Stats.Output, o.Stats.Invalid, o.Stats.Duplicates, o.Stats.OutOfRange)
}

func newFeaturesCmd(a *app) *cobra.Command {
	var (
		input  string
		window string
	)
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Aggregate a clean snapshot into per-device feature windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if window == "" {
				window = cfg.Features.Window
			}
			d, err := config.ParseWindow(window)
			if err != nil {
				return fmt.Errorf("--window: %w", err)
			}
			o, n, err := pipeline.FeaturesFile(cfg, input, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "OK   %s -> %s (%d windows of %s)\n", o.Input, o.Output, n, d)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "clean snapshot (default: newest in the clean store)")
	cmd.Flags().StringVar(&window, "window", "", "aggregation window, overrides features.window")
	return cmd
}
