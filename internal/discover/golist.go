package discover

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Package is the `go list -json` subset the finder needs.
type Package struct {
	Dir          string   `json:"Dir"`
	ImportPath   string   `json:"ImportPath"`
	Name         string   `json:"Name"`
	Module       Module   `json:"Module"`
	GoFiles      []string `json:"GoFiles"`
	TestGoFiles  []string `json:"TestGoFiles"`
	XTestGoFiles []string `json:"XTestGoFiles"`
}

type Module struct {
	Path string `json:"Path"`
	Main bool   `json:"Main"`
	Dir  string `json:"Dir"`
}

// listPackages resolves every package of the module rooted at dir.
func listPackages(ctx context.Context, dir string, args ...string) ([]Package, error) {
	var pkgNames []string

	packagesBuf, err := goList(ctx, dir, append(args, "./..."))
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(packagesBuf)
	for scanner.Scan() {
		pkgNames = append(pkgNames, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan package list: %w", err)
	}

	goPkgs := make([]Package, 0, len(pkgNames))

	ch := make(chan Package)
	closeCh := make(chan struct{})
	wg, grpCtx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.NumCPU())

	go func() {
		defer close(closeCh)

		for pkg := range ch {
			goPkgs = append(goPkgs, pkg)
		}
	}()

OuterLoop:
	for _, pkgName := range pkgNames {
		pkg := pkgName

		select {
		case <-grpCtx.Done():
			break OuterLoop
		default:
		}

		wg.Go(
			func() error {
				pkgArgs := append([]string{"-json"}, args...)
				pkgArgs = append(pkgArgs, pkg)

				packageBuf, pkgErr := goList(grpCtx, dir, pkgArgs)
				if pkgErr != nil {
					return fmt.Errorf("goList: %w", pkgErr)
				}

				var goPkg Package
				if dErr := json.NewDecoder(packageBuf).Decode(&goPkg); dErr != nil {
					return fmt.Errorf("json.NewDecoder.Decode: %w", dErr)
				}

				select {
				case ch <- goPkg:
				case <-grpCtx.Done():
					return grpCtx.Err()
				}

				return nil
			},
		)
	}

	err = wg.Wait()
	close(ch)
	<-closeCh

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return goPkgs, nil
}

// ModulePath reports the module path of the module rooted at dir.
func ModulePath(ctx context.Context, dir string) (string, error) {
	out, err := goList(ctx, dir, []string{"-m"})
	if err != nil {
		return "", err
	}

	line, err := bufio.NewReader(out).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read module path: %w", err)
	}

	mod := strings.TrimSpace(line)
	if mod == "" {
		return "", fmt.Errorf("no module found at %q", dir)
	}

	return mod, nil
}

func goList(ctx context.Context, dir string, args []string) (io.Reader, error) {
	const bufSize = 4096

	stdout := bytes.NewBuffer(make([]byte, 0, bufSize))
	stderr := bytes.NewBuffer(make([]byte, 0, bufSize))

	cmd := exec.CommandContext(ctx, "go", append([]string{"list"}, args...)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader("")

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("go list %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("go list %s: %w", strings.Join(args, " "), err)
	}

	return stdout, nil
}
