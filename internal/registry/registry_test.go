package registry

import "testing"

func TestBuiltins(t *testing.T) {
	r := New()

	if cfg := r.ForLanguage(Rust); cfg == nil || cfg.ServerCommand != "rust-analyzer" {
		t.Fatalf("ForLanguage(Rust) = %+v", cfg)
	}
	if lang, ok := r.LanguageForMarker("Cargo.toml"); !ok || lang != Rust {
		t.Fatalf("LanguageForMarker(Cargo.toml) = %v, %v", lang, ok)
	}
	if lang, ok := r.LanguageForExtension(".java"); !ok || lang != Java {
		t.Fatalf("LanguageForExtension(.java) = %v, %v", lang, ok)
	}
	if _, ok := r.LanguageForMarker("nonexistent.marker"); ok {
		t.Fatal("expected no match for an unregistered marker")
	}
}

func TestRegisterOverride(t *testing.T) {
	r := New()
	r.Register(&ServerConfig{
		Language:       "go",
		ServerCommand:  "gopls",
		ProjectMarkers: []string{"go.mod"},
		FileExtensions: []string{".go"},
	})

	if lang, ok := r.LanguageForMarker("go.mod"); !ok || lang != "go" {
		t.Fatalf("LanguageForMarker(go.mod) = %v, %v", lang, ok)
	}
	if cfg := r.ForLanguage("go"); cfg == nil || cfg.ServerCommand != "gopls" {
		t.Fatalf("ForLanguage(go) = %+v", cfg)
	}
}

func TestSyntheticSourceFile(t *testing.T) {
	cases := map[Language]string{
		Rust:   "/tmp/p/src/lib.rs",
		Java:   "/tmp/p/src/main/java/Main.java",
		Python: "/tmp/p/__init__.py",
	}
	for lang, want := range cases {
		if got := SyntheticSourceFile("/tmp/p", lang); got != want {
			t.Errorf("SyntheticSourceFile(%q) = %q, want %q", lang, got, want)
		}
	}
}
