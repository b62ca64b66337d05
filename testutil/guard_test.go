package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestInternalImportForbidden(t *testing.T) {
	cases := map[string]bool{
		"sleecore/internal/core":       true,
		"example.com/a/internal/deep/x": true,
		"example.com/internal":          false,
		"internal":                      false,
		"sleecore/pkg/pluginapi":        false,
		"":                              false,
	}
	for in, want := range cases {
		if got := InternalImportForbidden(in); got != want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", in, got, want)
		}
	}
}

func TestPrefixForbidden(t *testing.T) {
	pred := PrefixForbidden("sleecore/internal/infra/blob")
	cases := map[string]bool{
		"sleecore/internal/infra/blob":     true,
		"sleecore/internal/infra/blob/s3":  true,
		"sleecore/internal/infra/blobsnap": false,
		"sleecore/internal/blob":           false,
	}
	for in, want := range cases {
		if got := pred(in); got != want {
			t.Fatalf("PrefixForbidden(%q)=%v want %v", in, got, want)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\talias \"forbidden/pkg\"\n)\nvar _ = fmt.Sprint\nvar _ = alias.X\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"forbidden/other\"\n")
	writeFile(t, dir, "notes.txt", "import \"forbidden/text\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "sub"), "b.go", "package sub\nimport \"forbidden/sub\"\n")

	viols, err := directImportViolations(dir, PrefixForbidden("forbidden"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "forbidden/pkg (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
}

func TestDirectImportViolationsErrors(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package tmp\nimport (\n")
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "x.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n")
	AssertNoDirectImports(t, dir, InternalImportForbidden, "stdlib only")
}

func TestTransitiveViolationsWithStubLoader(t *testing.T) {
	orig := loadPackages
	t.Cleanup(func() { loadPackages = orig })

	leaf := &packages.Package{PkgPath: "sleecore/internal/core", Imports: map[string]*packages.Package{}}
	mid := &packages.Package{PkgPath: "sleecore/pkg/domain", Imports: map[string]*packages.Package{"sleecore/internal/core": leaf}}
	root := &packages.Package{PkgPath: "sleecore/plugins/x", Imports: map[string]*packages.Package{"sleecore/pkg/domain": mid, "sleecore/internal/core": leaf}}
	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{root}, nil }

	viols, err := transitiveDependencyViolations("./...", InternalImportForbidden)
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(viols) != 1 || viols[0] != "sleecore/internal/core" {
		t.Fatalf("expected one deduplicated violation, got %v", viols)
	}

	leaf.Errors = []packages.Error{{Msg: "broken"}}
	if _, err := transitiveDependencyViolations("./...", InternalImportForbidden); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected load error surfaced, got %v", err)
	}

	loadPackages = func(string) ([]*packages.Package, error) { return nil, errors.New("no go") }
	if _, err := transitiveDependencyViolations("./...", InternalImportForbidden); err == nil {
		t.Fatalf("expected loader error")
	}
}

func TestFailIfViolations(t *testing.T) {
	var r recordingFatal
	failIfViolations(&r, "forbidden direct imports detected", "reason", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	failIfViolations(&r, "forbidden direct imports detected", "reason", []string{"a", "b"})
	if !strings.Contains(r.msg, "(reason)") || !strings.Contains(r.msg, "a\nb") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}

func TestAssertNoTransitiveDependencyOnRepo(t *testing.T) {
	AssertNoTransitiveDependency(t, ".", PrefixForbidden("sleecore/internal"), "testutil stays standalone")
}
