// Package caseid maps go test identifiers to the dotted test case ids
// tracked in Polarion.
//
// A test case id is the dotted module-relative package path plus the
// root test name: "tests.storage.TestRestore". A unique id additionally
// carries the subtest path in brackets: "tests.storage.TestRestore[nfs]".
// Parametrized work items share one test case id and differ only in the
// bracketed suffix of their title.
package caseid

import (
	"path"
	"strings"
)

// Relative converts an import path into the dotted id prefix. For the
// module root package the last module path element is used so every id
// keeps at least two components.
func Relative(importPath, modulePath string) string {
	if importPath == modulePath {
		return path.Base(modulePath)
	}

	rel := strings.TrimPrefix(importPath, modulePath+"/")

	return strings.ReplaceAll(rel, "/", ".")
}

// Split cuts a go test name into the root test and the subtest path
// below it.
func Split(test string) (root, sub string) {
	root, sub, _ = strings.Cut(test, "/")
	return root, sub
}

// FromTest builds the unique id and the test case id of a single test
// execution. The relPkg argument is the dotted prefix from Relative.
func FromTest(relPkg, test string) (uniqueID, caseID string) {
	root, sub := Split(test)

	caseID = relPkg + "." + root
	uniqueID = caseID
	if sub != "" {
		uniqueID += "[" + sub + "]"
	}

	return uniqueID, caseID
}

// Strip drops the bracketed parameter suffix from a unique id. Ids
// starting with a bracket are left alone.
func Strip(uniqueID string) string {
	if idx := strings.LastIndex(uniqueID, "["); idx > 0 {
		return uniqueID[:idx]
	}

	return uniqueID
}
