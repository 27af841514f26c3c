package discover

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScanTests(t *testing.T) {
	t.Parallel()

	pkg := Package{
		Dir:          filepath.Join("testdata", "sample", "storage"),
		ImportPath:   "example.com/sample/storage",
		Name:         "storage",
		Module:       Module{Path: "example.com/sample", Main: true},
		TestGoFiles:  []string{"restore_test.go"},
		XTestGoFiles: []string{"snapshot_more_test.go"},
	}

	tests, err := ScanTests(context.Background(), []Package{pkg})
	if err != nil {
		t.Fatal(err)
	}

	sort.Slice(
		tests, func(i, j int) bool {
			if tests[i].File != tests[j].File {
				return tests[i].File < tests[j].File
			}
			return tests[i].Line < tests[j].Line
		},
	)

	expected := []Test{
		{
			ImportPath: "example.com/sample/storage",
			RelPackage: "storage",
			Name:       "TestRestore",
			File:       "restore_test.go",
			Line:       5,
		},
		{
			ImportPath: "example.com/sample/storage",
			RelPackage: "storage",
			Name:       "TestMigrate",
			File:       "restore_test.go",
			Line:       9,
		},
		{
			ImportPath: "example.com/sample/storage",
			RelPackage: "storage",
			Name:       "TestSnapshotExternal",
			File:       "snapshot_more_test.go",
			Line:       9,
		},
	}

	if diff := cmp.Diff(expected, tests); diff != "" {
		t.Errorf("mismatch (-want, +got):\n%s", diff)
	}
}

func TestScanTests_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pkg := Package{
		Dir:         filepath.Join("testdata", "sample", "storage"),
		ImportPath:  "example.com/sample/storage",
		Module:      Module{Path: "example.com/sample"},
		TestGoFiles: []string{"restore_test.go"},
	}

	if _, err := ScanTests(ctx, []Package{pkg}); err == nil {
		t.Error("got: nil, want context error")
	}
}

func TestIsTestName(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		funcName string
		expected bool
	}{
		{name: "test_plain", funcName: "TestRestore", expected: true},
		{name: "test_bare", funcName: "Test", expected: true},
		{name: "test_underscore", funcName: "Test_restore", expected: true},
		{name: "test_lower_after_prefix", funcName: "Testify", expected: false},
		{name: "test_lower_prefix", funcName: "testRestore", expected: false},
		{name: "test_unrelated", funcName: "Restore", expected: false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				if got := isTestName(tc.funcName); got != tc.expected {
					t.Errorf("got: %v, want: %v", got, tc.expected)
				}
			},
		)
	}
}
