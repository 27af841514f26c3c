package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/rundb"
)

func init() {
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:          "import <export.csv>",
	Short:        "import a csv test run export into the sqlite database",
	Long:         "Import a Polarion test run csv export into the local sqlite database named by --db",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if dbFlag == "" {
			return errors.New("the --db flag is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open csv export: %w", err)
		}
		defer f.Close()

		rows, err := rundb.ReadCSV(f)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		project, run := cfg.Project, runFlag

		// An existing database can hand over its metadata when the
		// project or run is not given.
		if _, statErr := os.Stat(dbFlag); statErr == nil && (project == "" || run == "") {
			prev, prevErr := rundb.Open(ctx, dbFlag)
			if prevErr == nil {
				if project == "" {
					project = prev.Project()
				}
				if run == "" {
					run = prev.Run()
				}

				_ = prev.Close()
			}
		}

		if project == "" {
			return errors.New("polarion project name is not set")
		}
		if run == "" {
			return errors.New("polarion test run is not set")
		}

		db, err := rundb.Create(ctx, dbFlag, project, run)
		if err != nil {
			return fmt.Errorf("create test run database: %w", err)
		}
		defer db.Close()

		if err := db.ImportRows(ctx, rows); err != nil {
			return fmt.Errorf("import rows: %w", err)
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d case(s) into %s\n", len(rows), dbFlag)

		return nil
	},
}
