package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/stage"
	"go.uber.org/multierr"
)

// errItemsFailed makes the process exit non-zero after a summary with
// failures has been printed.
var errItemsFailed = errors.New("one or more items failed")

func newRootCommand() *cobra.Command {
	opts := newGlobalOptions()
	root := &cobra.Command{
		Use:           "subtimizer",
		Short:         "Submit and track protein design pipeline jobs",
		Long:          "subtimizer runs one pipeline stage over a list of complexes, keeping at most --max-jobs scheduler jobs in flight and recording every outcome in a resumable ledger.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newFoldCommand(opts),
		newStageCommand(opts, stage.Design, "Design binder sequences with ProteinMPNN", map[string]string{
			"num_seqs":    "Sequences to sample per target (default from stage config)",
			"temperature": "Sampling temperature (default from stage config)",
		}),
		newStageCommand(opts, stage.Cluster, "Cluster designed sequences with CD-HIT", map[string]string{
			"identity": "Sequence identity threshold (default from stage config)",
		}),
		newStageCommand(opts, stage.FixPDB, "Repair predicted models before validation", nil),
		newValidateCommand(opts),
		newIPSAECommand(opts),
		newSummaryCommand(opts),
		newStagesCommand(opts),
	)
	return root
}

// runE returns the RunE shared by all stage commands.
func runE(opts *globalOptions, ro *runOptions, stageName func() (string, error), params func() map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		name, err := stageName()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, a.Close())
		}()

		var p map[string]string
		if params != nil {
			p = params()
		}
		summary, err := a.runStage(cmd.Context(), cmd.OutOrStdout(), name, p, ro)
		if err != nil {
			return err
		}
		if summary.HasFailures() {
			return errItemsFailed
		}
		return nil
	}
}

func fixed(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

// newStageCommand builds a command for a stage whose params map 1:1 to
// string flags named after them with dashes.
func newStageCommand(opts *globalOptions, name, short string, paramFlags map[string]string) *cobra.Command {
	ro := newRunOptions()
	values := make(map[string]*string, len(paramFlags))
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
	}
	cmd.RunE = runE(opts, ro, fixed(name), func() map[string]string {
		out := make(map[string]string, len(values))
		for k, v := range values {
			out[k] = *v
		}
		return out
	})
	ro.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("file")
	for param, usage := range paramFlags {
		values[param] = cmd.Flags().String(flagName(param), "", usage)
	}
	return cmd
}

func flagName(param string) string {
	b := []byte(param)
	for i, c := range b {
		if c == '_' {
			b[i] = '-'
		}
	}
	return string(b)
}

func newFoldCommand(opts *globalOptions) *cobra.Command {
	ro := newRunOptions()
	var which string
	cmd := &cobra.Command{
		Use:   stage.Fold,
		Short: "Predict complex structures with AlphaFold multimer",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = runE(opts, ro, func() (string, error) {
		switch which {
		case "initial", "":
			return stage.Fold, nil
		case "validation":
			return stage.FoldValidation, nil
		}
		return "", fmt.Errorf("invalid value %q for flag %q: want initial or validation", which, "stage")
	}, nil)
	ro.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&which, "stage", "initial", "initial: fold the input complexes; validation: fold the clustered designs")
	return cmd
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	ro := newRunOptions()
	var binderPath string
	cmd := &cobra.Command{
		Use:   stage.Validate,
		Short: "Score fixed models with AF2 initial guess",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = runE(opts, ro, func() (string, error) {
		if binderPath == "" {
			return "", fmt.Errorf("--binder-path or DL_BINDER_DESIGN_PATH is required")
		}
		return stage.Validate, nil
	}, func() map[string]string {
		return map[string]string{"binder_path": binderPath}
	})
	ro.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&binderPath, "binder-path", os.Getenv("DL_BINDER_DESIGN_PATH"),
		"Path to dl_binder_design's af2_initial_guess predict.py")
	return cmd
}

func newIPSAECommand(opts *globalOptions) *cobra.Command {
	ro := newRunOptions()
	var paeCutoff, distCutoff string
	cmd := &cobra.Command{
		Use:   stage.IPSAE,
		Short: "Score interfaces with ipSAE",
		Args:  cobra.NoArgs,
	}
	if os.Getenv("SUBTIMIZER_MAX_JOBS") == "" {
		ro.MaxJobs = 8
	}
	cmd.RunE = runE(opts, ro, fixed(stage.IPSAE), func() map[string]string {
		return map[string]string{"pae_cutoff": paeCutoff, "dist_cutoff": distCutoff}
	})
	ro.AddFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().StringVar(&paeCutoff, "pae-cutoff", "15", "PAE cutoff in Angstrom")
	cmd.Flags().StringVar(&distCutoff, "dist-cutoff", "15", "Distance cutoff in Angstrom")
	return cmd
}

func newSummaryCommand(opts *globalOptions) *cobra.Command {
	var stageName, runID string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the summary of a recorded run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := ledger.Open(opts.LedgerPath)
			if err != nil {
				return err
			}
			if runID == "" {
				id, ok := l.LatestRun(stageName)
				if !ok {
					return fmt.Errorf("no runs of stage %q in %s", stageName, opts.LedgerPath)
				}
				runID = id
			}
			s := l.Summarize(runID, stageName, 0, 0)
			if s.Total() == 0 {
				return fmt.Errorf("run %s recorded nothing for stage %q", runID, stageName)
			}
			return s.Render(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage to summarize")
	cmd.Flags().StringVar(&runID, "run", "", "Run id (default: latest run of the stage)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func newStagesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the configured stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := stage.LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			return printStages(cmd.OutOrStdout(), cfg)
		},
	}
}

func printStages(w io.Writer, cfg *stage.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tPARTITION\tTIME\tMAX JOBS\tDESCRIPTION")
	for _, name := range cfg.Names() {
		def, err := cfg.Stage(name)
		if err != nil {
			return err
		}
		maxJobs := "-"
		if def.MaxJobs > 0 {
			maxJobs = fmt.Sprint(def.MaxJobs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, def.Resources.Partition, def.Resources.Time, maxJobs, def.Description)
	}
	return tw.Flush()
}
