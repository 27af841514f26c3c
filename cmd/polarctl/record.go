package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/discover"
	"github.com/cfme-tools/go-polarion/internal/gotest"
	"github.com/cfme-tools/go-polarion/internal/recorder"
)

var recordFormatFlag string

func init() {
	recordCmd.Flags().StringVarP(
		&recordFormatFlag,
		"format",
		"f",
		"text",
		"summary format: text or json",
	)
	recordCmd.Flags().StringVarP(
		&outputDirFlag,
		"output",
		"o",
		"",
		"output path to record audit files: -o <audit-path>",
	)
	rootCmd.AddCommand(recordCmd)
}

var recordCmd = &cobra.Command{
	Use:          "record",
	Short:        "record a go test -json stream from stdin",
	Long:         "Read a `go test -json` stream from stdin and write the outcomes to the Polarion test run",
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

		modulePath, err := discover.ModulePath(ctx, pwd)
		if err != nil {
			return fmt.Errorf("discover.ModulePath: %w", err)
		}

		set, err := gotest.NewReader(cmd.InOrStdin()).ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("read go test output: %w", err)
		}

		if verboseFlag && set.Err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Read go test output log: %s\n", set.Err.Error())
		}

		col, err := newCollector(b, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		recOpts := []recorder.Option{
			recorder.WithOutput(cmd.OutOrStdout()),
			recorder.WithPolicy(recordPolicy(cfg)),
			recorder.WithRetry(cfg.Retry.RecordAttempts, cfg.Retry.RecordDelay),
		}
		if outputDirFlag != "" {
			aw, err := recorder.NewAuditWriter(outputDirFlag)
			if err != nil {
				return fmt.Errorf("recorder.NewAuditWriter: %w", err)
			}

			recOpts = append(recOpts, recorder.WithAudit(aw))
		}

		sum, err := recorder.New(b, collectResolver{collector: col, modulePath: modulePath}, recOpts...).
			Record(ctx, set.Results)
		if err != nil {
			return fmt.Errorf("record results: %w", err)
		}

		switch recordFormatFlag {
		case "text":
			_, _ = fmt.Fprintf(
				cmd.OutOrStdout(),
				"recorded %d result(s), %d write failure(s), %d skipped, %d unmatched\n",
				sum.Written, sum.Failed, sum.Skipped, sum.Unmatched,
			)
		case "json":
			view := recordView{
				Project:   b.Project(),
				Run:       b.Run(),
				Written:   sum.Written,
				Failed:    sum.Failed,
				Skipped:   sum.Skipped,
				Unmatched: sum.Unmatched,
			}

			out, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return fmt.Errorf("json.MarshalIndent: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		default:
			return fmt.Errorf("unknown format %q", recordFormatFlag)
		}

		return nil
	},
}

type recordView struct {
	Project   string `json:"project"`
	Run       string `json:"run"`
	Written   int    `json:"written"`
	Failed    int    `json:"write_failures"`
	Skipped   int    `json:"skipped"`
	Unmatched int    `json:"unmatched"`
}
