// Package project walks a configured root directory, finds projects by
// marker file (Cargo.toml, pom.xml, pyproject.toml, ...), and resolves
// any file path to its enclosing project — the deepest project root
// that contains it.
package project

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewright/lspbroker/internal/lsperr"
	"github.com/codewright/lspbroker/internal/registry"
)

// findAllCacheTTL bounds how stale FindAll's project list may be.
// Manager.resolve calls FindForFile (and so FindAll) on every tool
// invocation; without this, a busy session re-walks the whole
// configured root on every single hover/completion/diagnostics call.
const findAllCacheTTL = 2 * time.Second

// skipDirs are noise directories the walk never descends into,
// regardless of depth. Deliberately narrow: general hidden directories
// are NOT skipped, because tests build fixtures under t.TempDir(),
// whose path components commonly start with a dot-prefixed temp name.
var skipDirs = map[string]bool{
	".git":      true,
	".cache":    true,
	".vscode":   true,
	".idea":     true,
	".DS_Store": true,
}

const maxDepth = 10

// Project is a detected project root.
type Project struct {
	Language   registry.Language
	RootPath   string
	Name       string
	MarkerFile string
}

// Detector finds projects under a configured root.
type Detector struct {
	root     string
	registry *registry.Registry
	logger   *slog.Logger

	cacheMu  sync.Mutex
	cached   []*Project
	cachedAt time.Time
}

// New builds a Detector rooted at root, using reg to recognize marker
// files.
func New(root string, reg *registry.Registry, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{root: filepath.Clean(root), registry: reg, logger: logger}
}

// Root returns the configured system root.
func (d *Detector) Root() string { return d.root }

// FindAll returns every detected project under the root, ordered by
// root path ascending for determinism. Results are cached for
// findAllCacheTTL: callers that resolve a file path on every request
// (Manager.resolve does) would otherwise re-walk the whole tree per
// call.
func (d *Detector) FindAll(ctx context.Context) ([]*Project, error) {
	d.cacheMu.Lock()
	if d.cached != nil && time.Since(d.cachedAt) < findAllCacheTTL {
		cached := d.cached
		d.cacheMu.Unlock()
		return cached, nil
	}
	d.cacheMu.Unlock()

	projects, err := d.walk(ctx)
	if err != nil {
		return nil, err
	}

	d.cacheMu.Lock()
	d.cached = projects
	d.cachedAt = time.Now()
	d.cacheMu.Unlock()
	return projects, nil
}

// walk performs the actual filesystem scan FindAll caches.
func (d *Detector) walk(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	seen := make(map[string]bool)

	err := filepath.WalkDir(d.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return lsperr.Wrap(err, lsperr.Routing, "walk "+path)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if entry.IsDir() {
			if path != d.root && skipDirs[entry.Name()] {
				return filepath.SkipDir
			}
			if depth(d.root, path) > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		lang, ok := d.registry.LanguageForMarker(entry.Name())
		if !ok {
			return nil
		}
		root := filepath.Dir(path)
		if seen[root] {
			return nil
		}
		seen[root] = true
		projects = append(projects, &Project{
			Language:   lang,
			RootPath:   root,
			MarkerFile: entry.Name(),
		})
		return nil
	})
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Routing, "project walk failed")
	}

	group, _ := errgroup.WithContext(ctx)
	for _, p := range projects {
		p := p
		group.Go(func() error {
			p.Name = parseProjectName(p)
			return nil
		})
	}
	// Name parsing is best-effort only; errors are swallowed by
	// parseProjectName itself, so Wait never actually fails.
	_ = group.Wait()

	sort.Slice(projects, func(i, j int) bool { return projects[i].RootPath < projects[j].RootPath })
	return projects, nil
}

// FindForFile resolves path to the project whose root is the longest
// proper prefix of path (ties are impossible: roots are distinct
// directories). Returns nil if no project contains the file.
func (d *Detector) FindForFile(ctx context.Context, path string) (*Project, error) {
	projects, err := d.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	return findForFile(projects, path), nil
}

func findForFile(projects []*Project, path string) *Project {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	var best *Project
	bestDepth := -1
	for _, p := range projects {
		rel, err := filepath.Rel(p.RootPath, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		// deepest containing root = fewest remaining path components
		d := len(strings.Split(rel, string(filepath.Separator)))
		if best == nil || d < bestDepth {
			best = p
			bestDepth = d
		}
	}
	return best
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}

// parseProjectName makes a best-effort attempt to read a human name out
// of the marker file; falls back to the root directory's base name.
func parseProjectName(p *Project) string {
	fallback := filepath.Base(p.RootPath)

	switch p.Language {
	case registry.Rust:
		return parseNameLine(filepath.Join(p.RootPath, "Cargo.toml"), "name", fallback)
	case registry.Python:
		if p.MarkerFile == "pyproject.toml" {
			return parseNameLine(filepath.Join(p.RootPath, "pyproject.toml"), "name", fallback)
		}
		return fallback
	case registry.Java:
		if p.MarkerFile == "pom.xml" {
			return parseXMLTag(filepath.Join(p.RootPath, "pom.xml"), "artifactId", fallback)
		}
		return fallback
	default:
		return fallback
	}
}

// parseNameLine scans a TOML-like file for a `key = "value"` line at
// top level or inside a [package] or [project] table (lines in any
// other table are skipped), the same minimal reader the original
// system uses instead of a full TOML parser.
func parseNameLine(path, key, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	section := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			section = line
			continue
		}
		if section != "" && section != "[package]" && section != "[project]" {
			continue
		}
		if !strings.HasPrefix(line, key) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, key))
		if !strings.HasPrefix(rest, "=") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(rest, "="))
		value = strings.Trim(value, `"'`)
		if value != "" {
			return value
		}
	}
	return fallback
}

// parseXMLTag extracts the first <tag>value</tag> substring, the same
// minimal reader the original system uses instead of a full XML parser.
func parseXMLTag(path, tag, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	open := "<" + tag + ">"
	closeTag := "</" + tag + ">"
	content := string(data)
	start := strings.Index(content, open)
	if start == -1 {
		return fallback
	}
	start += len(open)
	end := strings.Index(content[start:], closeTag)
	if end == -1 {
		return fallback
	}
	value := strings.TrimSpace(content[start : start+end])
	if value == "" {
		return fallback
	}
	return value
}
