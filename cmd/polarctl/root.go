package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cfme-tools/go-polarion/internal/caseid"
	"github.com/cfme-tools/go-polarion/internal/collect"
	"github.com/cfme-tools/go-polarion/internal/config"
	"github.com/cfme-tools/go-polarion/internal/discover"
	"github.com/cfme-tools/go-polarion/internal/polarion"
	"github.com/cfme-tools/go-polarion/internal/recorder"
	"github.com/cfme-tools/go-polarion/internal/rundb"
	"github.com/cfme-tools/go-polarion/internal/slice"
)

var (
	verboseFlag        bool
	configFlag         string
	dbFlag             string
	runFlag            string
	projectFlag        string
	assigneeFlag       string
	collectSkippedFlag bool
	collectFailedFlag  bool
	skipExecutedFlag   bool
	alwaysRecordFlag   bool
	recordSkippedFlag  bool
	recordNoneFlag     bool
	prefetchLevelFlag  int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(
		&verboseFlag,
		"verbose",
		"v",
		false,
		"verbose",
	)
	rootCmd.PersistentFlags().StringVarP(
		&configFlag,
		"config",
		"",
		"",
		"config file: --config ~/.polarion.yaml",
	)
	rootCmd.PersistentFlags().StringVarP(
		&dbFlag,
		"db",
		"",
		"",
		"use a local sqlite test run export instead of the live server: --db run.db",
	)
	rootCmd.PersistentFlags().StringVarP(
		&runFlag,
		"polarion-run",
		"",
		"",
		"polarion test run id: --polarion-run smoke-5-0-4",
	)
	rootCmd.PersistentFlags().StringVarP(
		&projectFlag,
		"polarion-project",
		"",
		"",
		"polarion project id, overrides the config file",
	)
	rootCmd.PersistentFlags().StringVarP(
		&assigneeFlag,
		"polarion-assignee",
		"",
		"",
		"select only work items assigned to the given user id",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&collectSkippedFlag,
		"polarion-collect-skipped",
		"",
		false,
		"select also work items with a blocked record",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&collectFailedFlag,
		"polarion-collect-failed",
		"",
		false,
		"select also work items with a failed record",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&skipExecutedFlag,
		"skip-executed",
		"",
		false,
		"deselect work items that already carry any verdict",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&alwaysRecordFlag,
		"polarion-always-record",
		"",
		false,
		"record failed and skipped outcomes, not only passes",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&recordSkippedFlag,
		"polarion-record-skipped",
		"",
		false,
		"record skipped tests as blocked",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&recordNoneFlag,
		"polarion-record-none",
		"",
		false,
		"do not write any result back",
	)
	rootCmd.PersistentFlags().IntVarP(
		&prefetchLevelFlag,
		"polarion-prefetch-level",
		"",
		-1,
		"package depth of the bulk case query, -1 fetches the whole run at once",
	)
}

var rootCmd = &cobra.Command{
	Use:          "polarctl",
	Long:         "Select go tests through a Polarion test run and record their results back",
	SilenceUsage: true,
}

// loadConfig reads the config file and folds the command line flags
// over it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}

	if projectFlag != "" {
		cfg.Project = projectFlag
	}

	return cfg, nil
}

// backend is the union surface of the live session and the SQLite
// export: everything a collector reads plus everything a recorder
// writes.
type backend interface {
	Project() string
	Run() string
	TestRun(ctx context.Context) (*polarion.TestRun, error)
	QueryWorkItems(ctx context.Context, crit polarion.Criteria) ([]polarion.WorkItem, error)
	SetRecord(ctx context.Context, rec polarion.Record) error
	Refresh(ctx context.Context) error
	Close() error
}

// openBackend opens the SQLite export named by --db, or a live session
// against the configured server when the flag is unset.
func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	if dbFlag != "" {
		db, err := rundb.Open(ctx, dbFlag)
		if err != nil {
			return nil, fmt.Errorf("open test run export: %w", err)
		}

		if cfg.Project != "" && cfg.Project != db.Project() {
			_ = db.Close()
			return nil, fmt.Errorf("export %s belongs to project %s, not %s", dbFlag, db.Project(), cfg.Project)
		}
		if runFlag != "" && runFlag != db.Run() {
			_ = db.Close()
			return nil, fmt.Errorf("export %s holds test run %s, not %s", dbFlag, db.Run(), runFlag)
		}

		return db, nil
	}

	if err := cfg.ValidateLive(); err != nil {
		return nil, err
	}

	sess, err := polarion.NewSession(
		polarion.SessionConfig{
			URL:        cfg.URL,
			Project:    cfg.Project,
			Run:        runFlag,
			User:       cfg.User,
			Token:      cfg.Token,
			Insecure:   cfg.Insecure,
			Timeout:    cfg.Timeout,
			QueryTries: cfg.Retry.QueryAttempts,
			QueryDelay: cfg.Retry.QueryDelay,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("open polarion session: %w", err)
	}

	return sess, nil
}

func collectCriteria() polarion.Criteria {
	return polarion.Criteria{
		Assignee:       assigneeFlag,
		IncludeBlocked: collectSkippedFlag,
		IncludeFailed:  collectFailedFlag,
		SkipExecuted:   skipExecutedFlag,
	}
}

func recordPolicy(cfg *config.Config) recorder.Policy {
	return recorder.Policy{
		Always:     alwaysRecordFlag,
		Skipped:    recordSkippedFlag,
		None:       recordNoneFlag,
		ExecutedBy: cfg.User,
	}
}

func newCollector(src collect.Source, progress io.Writer) (*collect.Collector, error) {
	return collect.New(
		src,
		collect.WithOutput(progress),
		collect.WithPrefetchLevel(prefetchLevelFlag),
		collect.WithCriteria(collectCriteria()),
	)
}

// collectResolver adapts a collector to the recorder: import paths from
// the `go test -json` stream are cut down to the dotted package prefix
// of the case ids first.
type collectResolver struct {
	collector  *collect.Collector
	modulePath string
}

func (r collectResolver) Resolve(ctx context.Context, importPath, test string) (polarion.WorkItem, bool, error) {
	return r.collector.Lookup(ctx, caseid.Relative(importPath, r.modulePath), test)
}

// goBuildArgs converts the --gotags flag into `go list` / `go test`
// arguments.
func goBuildArgs(tags string) []string {
	if tags == "" {
		return nil
	}

	return append([]string{"-tags"}, strings.Split(strings.TrimSpace(tags), ",")...)
}

// discoverTests finds the test functions under dir and keeps the ones
// in the named packages. Without package args everything is kept.
func discoverTests(ctx context.Context, dir, tags string, pkgs []string) ([]discover.Test, error) {
	tests, err := discover.New(discover.NewDirFS(dir), goBuildArgs(tags)...).Find(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tests: %w", err)
	}

	return filterTests(tests, pkgs), nil
}

// filterTests keeps the tests living in the named packages. A package
// matches by full import path, by trailing path segments or by the
// dotted form used in case ids; a trailing /... matches the subtree.
func filterTests(tests []discover.Test, pkgs []string) []discover.Test {
	if len(pkgs) == 0 {
		return tests
	}

	matchOne := func(t discover.Test, pkg string) bool {
		if sub, ok := strings.CutSuffix(pkg, "/..."); ok {
			return t.ImportPath == sub ||
				strings.HasPrefix(t.ImportPath, sub+"/") ||
				strings.HasSuffix(t.ImportPath, "/"+sub) ||
				strings.Contains(t.ImportPath, "/"+sub+"/")
		}

		return t.ImportPath == pkg ||
			strings.HasSuffix(t.ImportPath, "/"+pkg) ||
			t.RelPackage == pkg
	}

	return slice.Filter(
		tests, func(t discover.Test) bool {
			for _, pkg := range pkgs {
				if matchOne(t, strings.TrimSuffix(pkg, "/")) {
					return true
				}
			}

			return false
		},
	)
}
