package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/config"
	"github.com/cfme-tools/go-polarion/internal/polarion"
	"github.com/cfme-tools/go-polarion/internal/rundb"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:          "verify",
	Short:        "verify the configuration and the test run",
	Long:         "Run diagnostic checks against the configuration, the backend and the Polarion test run",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		runChecks(cmd.Context(), cmd.OutOrStdout())
		return nil
	},
}

type diagnosticCheck struct {
	Name    string
	Passed  bool
	Message string
	Details string
}

func runChecks(ctx context.Context, w io.Writer) {
	var checks []diagnosticCheck

	cfg, check := checkConfig()
	checks = append(checks, check)

	if check.Passed {
		b, backendCheck := checkBackend(ctx, cfg)
		checks = append(checks, backendCheck)

		if backendCheck.Passed {
			defer b.Close()

			checks = append(checks, checkTestRun(ctx, b))
			if assigneeFlag != "" {
				checks = append(checks, checkAssignee(ctx, b))
			}
		}
	}

	allPassed := true
	for _, c := range checks {
		printCheck(w, c)
		if !c.Passed {
			allPassed = false
		}
	}

	if allPassed {
		_, _ = fmt.Fprintln(w, "\n✓ All checks passed")
	} else {
		_, _ = fmt.Fprintln(w, "\n✗ Some checks failed - see above for details")
	}
}

func printCheck(w io.Writer, check diagnosticCheck) {
	status := "✓"
	if !check.Passed {
		status = "✗"
	}

	_, _ = fmt.Fprintf(w, "%s %s: %s\n", status, check.Name, check.Message)
	if !check.Passed && check.Details != "" {
		_, _ = fmt.Fprintf(w, "  → %s\n", check.Details)
	}
}

func checkConfig() (*config.Config, diagnosticCheck) {
	check := diagnosticCheck{Name: "configuration"}

	cfg, err := loadConfig()
	if err != nil {
		check.Message = "cannot load"
		check.Details = err.Error()

		return nil, check
	}

	if dbFlag != "" {
		check.Passed = true
		check.Message = fmt.Sprintf("test run export %s", dbFlag)

		return cfg, check
	}

	if err := cfg.ValidateLive(); err != nil {
		check.Message = "incomplete"
		check.Details = err.Error()

		return nil, check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("live server %s", cfg.URL)

	return cfg, check
}

func checkBackend(ctx context.Context, cfg *config.Config) (backend, diagnosticCheck) {
	check := diagnosticCheck{Name: "backend"}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		check.Message = "cannot open"
		check.Details = err.Error()

		return nil, check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("project %s, test run %s", b.Project(), b.Run())

	return b, check
}

func checkTestRun(ctx context.Context, b backend) diagnosticCheck {
	check := diagnosticCheck{Name: "test run"}

	run, err := b.TestRun(ctx)
	if err != nil {
		check.Message = "cannot fetch"
		check.Details = err.Error()

		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%d record(s)", len(run.Records))

	if db, ok := b.(*rundb.DB); ok {
		if imported, err := db.Imported(ctx); err == nil && !imported.IsZero() {
			check.Message += fmt.Sprintf(", imported %s", imported.Format(time.RFC3339))
		}
	}

	return check
}

func checkAssignee(ctx context.Context, b backend) diagnosticCheck {
	check := diagnosticCheck{Name: "assignee"}

	items, err := b.QueryWorkItems(ctx, polarion.Criteria{Assignee: assigneeFlag, AnyRecord: true})
	if err != nil {
		check.Message = "cannot query"
		check.Details = err.Error()

		return check
	}

	if len(items) == 0 {
		check.Message = fmt.Sprintf("no cases assigned to %s", assigneeFlag)
		check.Details = "the test run holds no work items for this assignee"

		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%d case(s) assigned to %s", len(items), assigneeFlag)

	return check
}
