package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/discover"
	"github.com/cfme-tools/go-polarion/internal/recorder"
	"github.com/cfme-tools/go-polarion/internal/runner"
)

var (
	forwardGoTestExitCode bool
	outputDirFlag         string
)

func init() {
	runCmd.Flags().BoolVarP(
		&forwardGoTestExitCode,
		"forward-exit",
		"e",
		false,
		"forward the origin go test exit code",
	)
	runCmd.Flags().StringVarP(
		&outputDirFlag,
		"output",
		"o",
		"",
		"output path to record audit files: -o <audit-path>",
	)
	runCmd.Flags().StringVarP(
		&goBuildTagsFlag,
		"gotags",
		"",
		"",
		"pass custom build tags: --gotags integration,fixture,linux",
	)
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:          "run [packages]",
	Short:        "run the selected tests and record the results",
	Long:         "Select the test run members, execute them with go test and write the outcomes back",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		pwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("os.Getwd: %w", err)
		}

		tests, err := discoverTests(ctx, pwd, goBuildTagsFlag, args)
		if err != nil {
			return err
		}

		col, err := newCollector(b, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		sel, err := col.Select(ctx, tests)
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}

		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(), "selected %d test(s), deselected %d\n", len(sel.Selected), len(sel.Deselected),
		)

		patterns := sel.RunPatterns()
		if len(patterns) == 0 {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "nothing to run\n")
			return nil
		}

		runOpts := []runner.Option{
			runner.WithDir(pwd),
			runner.WithGoArgs(append(goBuildArgs(goBuildTagsFlag), "-count=1")...),
			runner.WithStderr(cmd.ErrOrStderr()),
		}
		if verboseFlag {
			runOpts = append(runOpts, runner.WithTee(cmd.OutOrStdout()))
		}

		report, err := runner.New(runOpts...).Run(ctx, patterns)
		if err != nil {
			return fmt.Errorf("go test: %w", err)
		}

		if verboseFlag && report.ParseErr != nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Read go test output log: %s\n", report.ParseErr.Error())
		}

		policy := recordPolicy(cfg)
		if !policy.None {
			recOpts := []recorder.Option{
				recorder.WithOutput(cmd.OutOrStdout()),
				recorder.WithPolicy(policy),
				recorder.WithRetry(cfg.Retry.RecordAttempts, cfg.Retry.RecordDelay),
			}
			if outputDirFlag != "" {
				aw, err := recorder.NewAuditWriter(outputDirFlag)
				if err != nil {
					return fmt.Errorf("recorder.NewAuditWriter: %w", err)
				}

				recOpts = append(recOpts, recorder.WithAudit(aw))
			}

			modulePath, err := discover.ModulePath(ctx, pwd)
			if err != nil {
				return fmt.Errorf("discover.ModulePath: %w", err)
			}

			sum, err := recorder.New(b, collectResolver{collector: col, modulePath: modulePath}, recOpts...).
				Record(ctx, report.Results)
			if err != nil {
				return fmt.Errorf("record results: %w", err)
			}

			_, _ = fmt.Fprintf(
				cmd.OutOrStdout(),
				"recorded %d result(s), %d write failure(s), %d skipped, %d unmatched\n",
				sum.Written, sum.Failed, sum.Skipped, sum.Unmatched,
			)
		}

		if forwardGoTestExitCode && report.Failed {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "One or more go tests failed. exiting with error 1\n")
			os.Exit(1)
		}

		return nil
	},
}
