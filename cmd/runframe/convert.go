package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/basekick-labs/runframe/internal/activity"
	"github.com/basekick-labs/runframe/internal/columns"
	"github.com/basekick-labs/runframe/internal/export"
	"github.com/basekick-labs/runframe/internal/ingest"
	"github.com/basekick-labs/runframe/internal/logger"
	"github.com/basekick-labs/runframe/internal/merge"
	"github.com/basekick-labs/runframe/internal/storage"
)

// policyFlags are the merge policy overrides shared by the file commands
type policyFlags struct {
	duplicates string
	gaps       string
	overlap    string
	reference  string
	verbose    bool
}

func (f *policyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.duplicates, "duplicates", "last", "duplicate timestamps: last, first or reject")
	cmd.Flags().StringVar(&f.gaps, "gaps", "missing", "rows a source never sampled: missing or hold")
	cmd.Flags().StringVar(&f.overlap, "overlap", "reject", "columns provided twice: reject or prefer")
	cmd.Flags().StringVar(&f.reference, "reference", "", "RFC 3339 start time anchoring elapsed-time inputs")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log progress to stderr")
}

func (f *policyFlags) policy() (merge.Policy, error) {
	var p merge.Policy
	var err error
	if p.Duplicates, err = merge.ParseDuplicatePolicy(f.duplicates); err != nil {
		return p, err
	}
	if p.Gaps, err = merge.ParseGapPolicy(f.gaps); err != nil {
		return p, err
	}
	if p.Overlap, err = merge.ParseOverlapPolicy(f.overlap); err != nil {
		return p, err
	}
	if f.reference != "" {
		ref, err := time.Parse(time.RFC3339Nano, f.reference)
		if err != nil {
			return p, fmt.Errorf("invalid --reference: %w", err)
		}
		p = p.WithReference(ref)
	}
	return p, nil
}

// combineFiles merges local files into one activity. The first file is the
// primary input.
func combineFiles(ctx context.Context, f *policyFlags, files []string) (*activity.Activity, error) {
	policy, err := f.policy()
	if err != nil {
		return nil, err
	}

	level, format := "warn", "console"
	if f.verbose {
		level = "debug"
	}
	logger.SetupWriter(level, format, os.Stderr)
	log := logger.Get("cli")

	// paths are absolute, so a backend rooted at / reads any of them
	store, err := storage.NewLocalBackend(string(filepath.Separator), log)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(files))
	for i, file := range files {
		if paths[i], err = filepath.Abs(file); err != nil {
			return nil, err
		}
	}

	p := ingest.NewPipeline(store, ingest.Config{Policy: policy}, nil, log)
	return p.Combine(ctx, paths[0], paths[1:]...)
}

func newConvertCommand() *cobra.Command {
	var (
		flags       policyFlags
		output      string
		outFormat   string
		compression string
		elapsed     bool
	)
	cmd := &cobra.Command{
		Use:   "convert <primary> [extra...] -o <output>",
		Short: "Merge activity files and write the result as Parquet or an Arrow stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := outputFormat(output, outFormat)
			if err != nil {
				return err
			}
			exp, err := export.NewExporter(nil, export.Config{Format: f, Compression: compression}, nil, zerolog.Nop())
			if err != nil {
				return err
			}

			a, err := combineFiles(cmd.Context(), &flags, args)
			if err != nil {
				return err
			}
			if elapsed {
				if a, err = a.ToElapsed(); err != nil {
					return err
				}
			}
			data, err := exp.Encode(a, f)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to %s\n", a.Len(), output)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.Flags().StringVar(&outFormat, "format", "", "parquet or arrow (default: from the output extension)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "zstd, snappy, gzip or none")
	cmd.Flags().BoolVar(&elapsed, "elapsed", false, "stamp rows with the offset from the first sample instead of the time of day")
	cmd.MarkFlagRequired("output")
	return cmd
}

// displayFigures are the summary headline figures in the reader's units
type displayFigures struct {
	Distance     float64 `json:"distance"`
	DistanceUnit string  `json:"distance_unit"`
	Pace         float64 `json:"pace,omitempty"`
	PaceUnit     string  `json:"pace_unit"`
}

type summaryOutput struct {
	activity.Summary
	Display displayFigures `json:"display"`
}

// displayUnits maps a --units system to its distance and pace units
func displayUnits(system string) (distance, pace string, err error) {
	switch strings.ToLower(system) {
	case "metric":
		return columns.Kilometers, columns.MinPerKm, nil
	case "imperial":
		return columns.Miles, columns.MinPerMile, nil
	}
	return "", "", fmt.Errorf("unknown unit system %q (valid: metric, imperial)", system)
}

func display(sum activity.Summary, system string) (displayFigures, error) {
	distUnit, paceUnit, err := displayUnits(system)
	if err != nil {
		return displayFigures{}, err
	}
	d := displayFigures{DistanceUnit: distUnit, PaceUnit: paceUnit}
	if d.Distance, err = columns.Convert(sum.TotalDistance, columns.Meters, distUnit); err != nil {
		return d, err
	}
	if sum.MeanPace > 0 {
		if d.Pace, err = columns.Convert(sum.MeanPace, columns.SecPerMeter, paceUnit); err != nil {
			return d, err
		}
	}
	return d, nil
}

func newSummaryCommand() *cobra.Command {
	var (
		flags policyFlags
		units string
	)
	cmd := &cobra.Command{
		Use:   "summary <primary> [extra...]",
		Short: "Merge activity files and print their summary as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := displayUnits(units); err != nil {
				return err
			}
			a, err := combineFiles(cmd.Context(), &flags, args)
			if err != nil {
				return err
			}
			sum, err := a.Summarize()
			if err != nil {
				return err
			}
			disp, err := display(sum, units)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(summaryOutput{Summary: sum, Display: disp}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&units, "units", "metric", "display units for distance and pace: metric or imperial")
	return cmd
}

// outputFormat resolves --format, falling back to the output extension
func outputFormat(output, explicit string) (export.Format, error) {
	if explicit != "" {
		return export.ParseFormat(explicit)
	}
	switch strings.ToLower(filepath.Ext(output)) {
	case ".parquet", ".pq":
		return export.Parquet, nil
	case ".arrows", ".arrow", ".ipc":
		return export.Arrow, nil
	}
	return "", fmt.Errorf("cannot infer the format of %q, pass --format", output)
}
