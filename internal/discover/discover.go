// Package discover finds the go test functions of a source tree. The
// tree is walked for modules, packages are resolved through `go list`
// and the test files are scanned syntactically, so nothing needs to
// compile or run to learn which tests exist.
package discover

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/cfme-tools/go-polarion/internal/caseid"
)

// FS is the rooted tree the finder walks for go.mod files.
type FS interface {
	fs.FS
	RootDir() string
}

// NewDirFS roots an FS at an OS directory.
func NewDirFS(entry string) FS {
	return &rootDirFS{entry: entry, FS: os.DirFS(entry)}
}

type rootDirFS struct {
	fs.FS
	entry string
}

func (r *rootDirFS) RootDir() string { return r.entry }

// Test is a single top-level test function.
type Test struct {
	// ImportPath of the package the test lives in.
	ImportPath string

	// RelPackage is the dotted module-relative package path used in
	// case ids.
	RelPackage string

	// Name of the test function.
	Name string

	File string
	Line int
}

// Finder lists the tests under one source tree root.
type Finder struct {
	fs   FS
	args []string
}

// New builds a Finder. Extra args are passed through to `go list`, for
// example a -tags flag.
func New(fsys FS, listArgs ...string) *Finder {
	return &Finder{fs: fsys, args: listArgs}
}

// Find walks the tree and returns every test function of every module
// found, ordered by package, file and line.
func (f *Finder) Find(ctx context.Context) ([]Test, error) {
	packages, err := f.packages(ctx)
	if err != nil {
		return nil, err
	}

	tests, err := ScanTests(ctx, packages)
	if err != nil {
		return nil, err
	}

	sort.Slice(
		tests, func(i, j int) bool {
			if tests[i].ImportPath != tests[j].ImportPath {
				return tests[i].ImportPath < tests[j].ImportPath
			}
			if tests[i].File != tests[j].File {
				return tests[i].File < tests[j].File
			}
			return tests[i].Line < tests[j].Line
		},
	)

	return tests, nil
}

func (f *Finder) packages(ctx context.Context) ([]Package, error) {
	packages := make([]Package, 0)

	if err := fs.WalkDir(
		f.fs, ".", func(pth string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if entry.IsDir() {
				if pth != "." && strings.HasPrefix(entry.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}

			if entry.Name() != "go.mod" {
				return nil
			}

			dir := filepath.Join(f.fs.RootDir(), filepath.Dir(pth))

			list, err := listPackages(ctx, dir, f.args...)
			if err != nil {
				return fmt.Errorf("listPackages: %w", err)
			}

			packages = append(packages, list...)

			return nil
		},
	); err != nil {
		return nil, fmt.Errorf("fs.WalkDir: %w", err)
	}

	return packages, nil
}

// ScanTests parses the test files of the given packages and returns
// the test functions found. Only funcs with the canonical
// `func TestXxx(*testing.T)` shape count.
func ScanTests(ctx context.Context, packages []Package) ([]Test, error) {
	var tests []Test

	wg, childCtx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.NumCPU())

	ch := make(chan Test)
	closeCh := make(chan struct{})

	go func() {
		defer close(closeCh)

		for tc := range ch {
			tests = append(tests, tc)
		}
	}()

OuterLoop:
	for _, pkg := range packages {
		pkg := pkg

		files := make([]string, 0, len(pkg.TestGoFiles)+len(pkg.XTestGoFiles))
		files = append(files, pkg.TestGoFiles...)
		files = append(files, pkg.XTestGoFiles...)

		for _, file := range files {
			file := file

			select {
			case <-childCtx.Done():
				break OuterLoop
			default:
			}

			wg.Go(
				func() error {
					found, err := parseFile(filepath.Join(pkg.Dir, file), pkg)
					if err != nil {
						return fmt.Errorf("parseFile: %w", err)
					}

					for _, tc := range found {
						select {
						case ch <- tc:
						case <-childCtx.Done():
							return childCtx.Err()
						}
					}

					return nil
				},
			)
		}
	}

	err := wg.Wait()
	close(ch)
	<-closeCh

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return tests, nil
}

func parseFile(pth string, pkg Package) ([]Test, error) {
	fileSet := token.NewFileSet()

	f, err := parser.ParseFile(fileSet, pth, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("parser.ParseFile: %w", err)
	}

	modPath := pkg.Module.Path
	if modPath == "" {
		modPath = pkg.ImportPath
	}
	rel := caseid.Relative(pkg.ImportPath, modPath)

	var tests []Test

	ast.Inspect(
		f, func(n ast.Node) bool {
			decl, ok := n.(*ast.FuncDecl)
			if !ok {
				return true
			}

			if decl.Recv != nil || !isTestName(decl.Name.Name) || !isTestSignature(decl.Type) {
				return true
			}

			pos := fileSet.Position(decl.Pos())

			tests = append(
				tests, Test{
					ImportPath: pkg.ImportPath,
					RelPackage: rel,
					Name:       decl.Name.Name,
					File:       filepath.Base(pos.Filename),
					Line:       pos.Line,
				},
			)

			return true
		},
	)

	return tests, nil
}

// isTestName mirrors the rule of the testing package: "Test" alone or
// "Test" followed by a non-lowercase rune.
func isTestName(name string) bool {
	const prefix = "Test"

	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) {
		return true
	}

	r, _ := utf8.DecodeRuneInString(name[len(prefix):])

	return !unicode.IsLower(r)
}

func isTestSignature(ft *ast.FuncType) bool {
	if ft.TypeParams != nil || ft.Results != nil {
		return false
	}
	if ft.Params == nil || len(ft.Params.List) != 1 {
		return false
	}

	param := ft.Params.List[0]
	if len(param.Names) > 1 {
		return false
	}

	star, ok := param.Type.(*ast.StarExpr)
	if !ok {
		return false
	}

	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok {
		return false
	}

	ident, ok := sel.X.(*ast.Ident)

	return ok && ident.Name == "testing" && sel.Sel.Name == "T"
}
