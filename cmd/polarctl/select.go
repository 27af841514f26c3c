package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/caseid"
	"github.com/cfme-tools/go-polarion/internal/collect"
	"github.com/cfme-tools/go-polarion/internal/discover"
	"github.com/cfme-tools/go-polarion/internal/slice"
)

var (
	selectFormatFlag string
	goBuildTagsFlag  string
)

func init() {
	selectCmd.Flags().StringVarP(
		&selectFormatFlag,
		"format",
		"f",
		"names",
		"output format: names, run or json",
	)
	selectCmd.Flags().StringVarP(
		&goBuildTagsFlag,
		"gotags",
		"",
		"",
		"pass custom build tags: --gotags integration,fixture,linux",
	)
	rootCmd.AddCommand(selectCmd)
}

var selectCmd = &cobra.Command{
	Use:          "select [packages]",
	Short:        "select the local tests that are members of the test run",
	Long:         "Select the go tests of the working tree that are members of the Polarion test run",
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

		col, err := newCollector(b, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		sel, err := col.Select(ctx, tests)
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}

		switch selectFormatFlag {
		case "names":
			for _, c := range sel.Selected {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), c.UniqueID)
			}
		case "run":
			for _, p := range sel.RunPatterns() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "go test -run '%s' %s\n", p.Expr, p.ImportPath)
			}
		case "json":
			out, err := json.MarshalIndent(newSelectView(b.Project(), b.Run(), sel), "", "  ")
			if err != nil {
				return fmt.Errorf("json.MarshalIndent: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		default:
			return fmt.Errorf("unknown format %q", selectFormatFlag)
		}

		if selectFormatFlag != "json" {
			_, _ = fmt.Fprintf(
				cmd.ErrOrStderr(), "selected %d test(s), deselected %d\n", len(sel.Selected), len(sel.Deselected),
			)
		}

		return nil
	},
}

type selectView struct {
	Project    string           `json:"project"`
	Run        string           `json:"run"`
	Selected   []selectCaseView `json:"selected"`
	Deselected []string         `json:"deselected"`
}

type selectCaseView struct {
	UniqueID   string   `json:"unique_id"`
	CaseID     string   `json:"case_id"`
	ImportPath string   `json:"import_path"`
	Test       string   `json:"test"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	WorkItems  []string `json:"work_items"`
}

func newSelectView(project, run string, sel *collect.Selection) selectView {
	return selectView{
		Project: project,
		Run:     run,
		Selected: slice.Map(
			sel.Selected, func(c collect.Case) selectCaseView {
				return selectCaseView{
					UniqueID:   c.UniqueID,
					CaseID:     c.CaseID,
					ImportPath: c.Test.ImportPath,
					Test:       c.Test.Name,
					File:       c.Test.File,
					Line:       c.Test.Line,
					WorkItems: slice.Map(
						c.Matches, func(m collect.Match) string { return m.Item.WorkItemID },
					),
				}
			},
		),
		Deselected: slice.Map(
			sel.Deselected, func(t discover.Test) string {
				uniqueID, _ := caseid.FromTest(t.RelPackage, t.Name)
				return uniqueID
			},
		),
	}
}
