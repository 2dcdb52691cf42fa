package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/codewright/lspbroker/internal/registry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFindAllDetectsProjects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "svc", "Cargo.toml"), "[package]\nname = \"svc\"\n")
	writeFile(t, filepath.Join(root, "svc", "src", "lib.rs"), "pub fn hello() {}\n")
	writeFile(t, filepath.Join(root, "app", "pyproject.toml"), "[project]\nname = \"app\"\n")
	writeFile(t, filepath.Join(root, ".git", "Cargo.toml"), "ignored")

	reg := registry.New()
	d := New(root, reg, nil)

	projects, err := d.FindAll(context.Background())
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d: %+v", len(projects), projects)
	}
	if projects[0].RootPath > projects[1].RootPath {
		t.Fatal("expected projects sorted by root path ascending")
	}
}

func TestFindForFileDeepestRootWins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[package]\nname=\"outer\"\n")
	writeFile(t, filepath.Join(root, "crates", "inner", "Cargo.toml"), "[package]\nname=\"inner\"\n")
	file := filepath.Join(root, "crates", "inner", "src", "lib.rs")
	writeFile(t, file, "pub fn hello() {}\n")

	reg := registry.New()
	d := New(root, reg, nil)

	p, err := d.FindForFile(context.Background(), file)
	if err != nil {
		t.Fatalf("FindForFile: %v", err)
	}
	if p == nil {
		t.Fatal("expected a matching project")
	}
	if p.RootPath != filepath.Join(root, "crates", "inner") {
		t.Fatalf("expected deepest root to win, got %q", p.RootPath)
	}
}

func TestFindForFileOutsideRootReturnsNil(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[package]\n")

	reg := registry.New()
	d := New(root, reg, nil)

	p, err := d.FindForFile(context.Background(), "/nonexistent-elsewhere/foo.rs")
	if err != nil {
		t.Fatalf("FindForFile: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for a file outside every project root, got %+v", p)
	}
}

func TestFindAllCachesWithinTTL(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[package]\nname=\"one\"\n")

	reg := registry.New()
	d := New(root, reg, nil)

	first, err := d.FindAll(context.Background())
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 project, got %d", len(first))
	}

	// A second project appearing after the first FindAll should not be
	// visible immediately: FindAll serves its cached result until the
	// TTL elapses, instead of re-walking the tree on every call.
	writeFile(t, filepath.Join(root, "extra", "Cargo.toml"), "[package]\nname=\"two\"\n")

	second, err := d.FindAll(context.Background())
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected the cached result (1 project) before the TTL elapses, got %d", len(second))
	}
}

func TestParseProjectName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Cargo.toml"), "[package]\nname = \"widget-core\"\nversion=\"0.1.0\"\n")

	reg := registry.New()
	d := New(root, reg, nil)

	projects, err := d.FindAll(context.Background())
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "widget-core" {
		t.Fatalf("expected parsed name widget-core, got %+v", projects)
	}
}
