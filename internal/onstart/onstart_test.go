package onstart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shadowrealm/orchestrator/internal/executor"
)

func TestAnalyzeCodebaseClassifiesFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("README.md", "# hi\n")
	write("Makefile", "build:\n\techo hi\n")
	write("CLAUDE.md", "be nice\n")
	write("pkg/a.go", "package pkg\n")

	exec := executor.NewLocal("t1", dir)
	cb, err := AnalyzeCodebase(t.Context(), exec)
	if err != nil {
		t.Fatal(err)
	}
	if cb.TotalFiles != 4 {
		t.Fatalf("got %d files, want 4", cb.TotalFiles)
	}
	if len(cb.DocumentationFiles) != 1 {
		t.Fatalf("expected README classified as documentation, got %v", cb.DocumentationFiles)
	}
	if len(cb.BuildFiles) != 1 {
		t.Fatalf("expected Makefile classified as build, got %v", cb.BuildFiles)
	}
	if len(cb.InjectFiles) != 1 || cb.InjectFileContents["CLAUDE.md"] == "" {
		t.Fatalf("expected CLAUDE.md classified as inject with content, got %v", cb.InjectFiles)
	}
}

func TestCategorizeFile(t *testing.T) {
	cases := map[string]string{
		"README.md":                        "documentation",
		"Makefile":                         "build",
		"CLAUDE.md":                        "inject",
		"nested/CLAUDE.md":                 "guidance",
		".github/copilot-instructions.md":  "inject",
		"src/main.go":                      "",
	}
	for path, want := range cases {
		if got := categorizeFile(path); got != want {
			t.Errorf("categorizeFile(%q) = %q, want %q", path, got, want)
		}
	}
}
