// Package registry is the static table of language servers the broker
// knows how to launch: per language, the marker files that identify a
// project, the source extensions that belong to it, the binary to run,
// and its initialize options.
package registry

import (
	"encoding/json"
	"path/filepath"
)

// Language is a supported project language tag.
type Language string

const (
	Rust   Language = "rust"
	Java   Language = "java"
	Python Language = "python"
)

// ServerConfig is an immutable description of one language server.
type ServerConfig struct {
	Language       Language
	ServerCommand  string
	Args           []string
	ProjectMarkers []string
	FileExtensions []string
	InitOptions    json.RawMessage
}

// Registry is a language-keyed table of ServerConfig, plus the reverse
// lookups a Project Detector needs: extension → language and marker
// file name → language.
type Registry struct {
	byLanguage map[Language]*ServerConfig
	byMarker   map[string]Language
	byExt      map[string]Language
}

// New builds the registry seeded with the three built-in server
// configs. Additional entries may be layered in with Register.
func New() *Registry {
	r := &Registry{
		byLanguage: make(map[Language]*ServerConfig),
		byMarker:   make(map[string]Language),
		byExt:      make(map[string]Language),
	}
	r.Register(rustAnalyzer())
	r.Register(jdtls())
	r.Register(pylsp())
	return r
}

// Register adds or replaces a ServerConfig and indexes its markers and
// extensions. Last registration for a given marker/extension wins,
// which is how the optional YAML override file (internal/config)
// extends or overrides the built-ins.
func (r *Registry) Register(cfg *ServerConfig) {
	r.byLanguage[cfg.Language] = cfg
	for _, m := range cfg.ProjectMarkers {
		r.byMarker[m] = cfg.Language
	}
	for _, ext := range cfg.FileExtensions {
		r.byExt[ext] = cfg.Language
	}
}

// ForLanguage returns the ServerConfig for a language, or nil.
func (r *Registry) ForLanguage(lang Language) *ServerConfig {
	return r.byLanguage[lang]
}

// LanguageForMarker returns the language a marker file name identifies,
// and whether one was found.
func (r *Registry) LanguageForMarker(name string) (Language, bool) {
	lang, ok := r.byMarker[name]
	return lang, ok
}

// LanguageForExtension returns the language a source extension (e.g.
// ".rs") belongs to, and whether one was found.
func (r *Registry) LanguageForExtension(ext string) (Language, bool) {
	lang, ok := r.byExt[ext]
	return lang, ok
}

// Markers returns every marker file name known across all languages,
// in no particular order.
func (r *Registry) Markers() []string {
	names := make([]string, 0, len(r.byMarker))
	for name := range r.byMarker {
		names = append(names, name)
	}
	return names
}

func rustAnalyzer() *ServerConfig {
	return &ServerConfig{
		Language:       Rust,
		ServerCommand:  "rust-analyzer",
		ProjectMarkers: []string{"Cargo.toml"},
		FileExtensions: []string{".rs"},
	}
}

func jdtls() *ServerConfig {
	return &ServerConfig{
		Language:       Java,
		ServerCommand:  "jdtls",
		ProjectMarkers: []string{"pom.xml", "build.gradle", "build.gradle.kts"},
		FileExtensions: []string{".java"},
		InitOptions:    json.RawMessage(`{"settings":{"java":{"home":null,"format":{"enabled":true}}}}`),
	}
}

func pylsp() *ServerConfig {
	return &ServerConfig{
		Language:       Python,
		ServerCommand:  "pylsp",
		ProjectMarkers: []string{"pyproject.toml", "setup.py", "requirements.txt"},
		FileExtensions: []string{".py"},
		InitOptions:    json.RawMessage(`{"pylsp":{"plugins":{"pycodestyle":{"enabled":true},"pyflakes":{"enabled":true},"pylint":{"enabled":false}}}}`),
	}
}

// SyntheticSourceFile returns a plausible source file path inside root
// for the given language; lifecycle.RestartSourcePath returns it as a
// restart probe path. The path need not exist.
func SyntheticSourceFile(root string, lang Language) string {
	switch lang {
	case Rust:
		return filepath.Join(root, "src", "lib.rs")
	case Java:
		return filepath.Join(root, "src", "main", "java", "Main.java")
	case Python:
		return filepath.Join(root, "__init__.py")
	default:
		return root
	}
}
