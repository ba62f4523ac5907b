package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testForbiddenImport = "some/forbidden/package"

func TestInternalImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"uowcore/internal/tracker", true},
		{"example.com/some/internal/deep/path", true},
		{"uowcore/pkg/domain", false},
		{"example.com/internal", false},
		{"notinternal", false},
		{"", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Errorf("InternalImportForbidden(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestInfraImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"uowcore/internal/infra/persistence/sqlite", true},
		{"uowcore/internal/infra/blob/s3", true},
		{"uowcore/internal/infra", true},
		{"uowcore/internal/blob", false},
		{"uowcore/internal/infrastructure", false},
	}
	for _, c := range cases {
		if got := InfraImportForbidden(c.in); got != c.want {
			t.Errorf("InfraImportForbidden(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestStorageDriverForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"github.com/jackc/pgx/v5/stdlib", true},
		{"modernc.org/sqlite", true},
		{"modernc.org/sqlite/lib", true},
		{"github.com/aws/aws-sdk-go-v2/service/s3", true},
		{"database/sql", true},
		{"database/sql/driver", true},
		{"modernc.org/libc", false},
		{"encoding/json", false},
	}
	for _, c := range cases {
		if got := StorageDriverForbidden(c.in); got != c.want {
			t.Errorf("StorageDriverForbidden(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestAssertNoDirectImportsSkipsTestsAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package tmp\nimport (\n\t\"fmt\"\n\talias \"context\"\n)\nfunc X() {}")
	writeFile(t, dir, "main_test.go", "package tmp\nimport \""+testForbiddenImport+"\"\n")
	writeFile(t, dir, "notes.txt", "import \""+testForbiddenImport+"\"")
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, sub, "sub.go", "package sub\nimport \""+testForbiddenImport+"\"\n")

	AssertNoDirectImports(t, dir, func(p string) bool { return p == testForbiddenImport }, "none")
}

func TestDirectImportViolationsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "leak.go", "package tmp\nimport _ \"modernc.org/sqlite\"\n")
	viols, err := directImportViolations(dir, StorageDriverForbidden)
	if err != nil {
		t.Fatalf("directImportViolations: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "leak.go") {
		t.Fatalf("unexpected violations %v", viols)
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), StorageDriverForbidden); err == nil {
		t.Fatalf("expected error for a missing dir")
	}
	writeFile(t, dir, "broken.go", "package tmp\nimport (")
	if _, err := directImportViolations(dir, StorageDriverForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, _ ...any) { r.msg = format }

func TestFailHelpers(t *testing.T) {
	var r recordingFatal
	failIfDirectViolations(&r, "reason", nil)
	failIfTransitiveViolations(&r, "reason", nil)
	if r.msg != "" {
		t.Fatalf("no violations must not fail")
	}
	failIfDirectViolations(&r, "reason", []string{"x"})
	if !strings.Contains(r.msg, "direct imports") {
		t.Fatalf("unexpected message %q", r.msg)
	}
	failIfTransitiveViolations(&r, "reason", []string{"x"})
	if !strings.Contains(r.msg, "transitive dependency") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}

func TestTransitiveDependencyViolations(t *testing.T) {
	prev := goListDeps
	defer func() { goListDeps = prev }()
	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\n\nmodernc.org/sqlite\nuowcore/pkg/domain\n"), nil
	}
	viols, _, err := transitiveDependencyViolations("./...", StorageDriverForbidden)
	if err != nil {
		t.Fatalf("transitiveDependencyViolations: %v", err)
	}
	if len(viols) != 1 || viols[0] != "modernc.org/sqlite" {
		t.Fatalf("unexpected violations %v", viols)
	}
}

func TestAssertNoTransitiveDependency(t *testing.T) {
	AssertNoTransitiveDependency(t, ".", func(p string) bool { return p == "github.com/some/nonexistent/package" }, "none")
}
