// Package cache is an in-memory response cache for LSP operations, with
// per-operation TTLs and file-mtime-based invalidation.
package cache

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds the per-operation TTLs. Zero-value Config uses the
// defaults from original_source's CacheConfig.
type Config struct {
	DiagnosticsTTL time.Duration
	HoverTTL       time.Duration
	CompletionTTL  time.Duration
	SymbolsTTL     time.Duration
}

// DefaultConfig matches the original system's defaults.
func DefaultConfig() Config {
	return Config{
		DiagnosticsTTL: 300 * time.Second,
		HoverTTL:       60 * time.Second,
		CompletionTTL:  30 * time.Second,
		SymbolsTTL:     600 * time.Second,
	}
}

// Kind tags the operation a Key was built for.
type Kind int

const (
	Diagnostics Kind = iota
	Hover
	Completion
	DocumentSymbols
	WorkspaceSymbols
)

func (k Kind) String() string {
	switch k {
	case Diagnostics:
		return "diagnostics"
	case Hover:
		return "hover"
	case Completion:
		return "completion"
	case DocumentSymbols:
		return "document_symbols"
	case WorkspaceSymbols:
		return "workspace_symbols"
	default:
		return "unknown"
	}
}

// Key is a tagged-variant cache key, mirroring the Rust CacheKey enum.
type Key struct {
	Kind        Kind
	FilePath    string // meaningful for Diagnostics, Hover, Completion, DocumentSymbols
	Line        int    // Hover, Completion
	Character   int    // Hover, Completion
	Query       string // WorkspaceSymbols
	ProjectPath string // WorkspaceSymbols
}

// asMapKey turns a Key into a comparable value usable as a Go map key.
func (k Key) asMapKey() string {
	switch k.Kind {
	case Diagnostics, DocumentSymbols:
		return k.Kind.String() + "|" + k.FilePath
	case Hover, Completion:
		return k.Kind.String() + "|" + k.FilePath + "|" + itoa(k.Line) + "|" + itoa(k.Character)
	case WorkspaceSymbols:
		return k.Kind.String() + "|" + k.ProjectPath + "|" + k.Query
	default:
		return k.Kind.String()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (k Key) ttl(cfg Config) time.Duration {
	switch k.Kind {
	case Diagnostics:
		return cfg.DiagnosticsTTL
	case Hover:
		return cfg.HoverTTL
	case Completion:
		return cfg.CompletionTTL
	case DocumentSymbols, WorkspaceSymbols:
		return cfg.SymbolsTTL
	default:
		return 0
	}
}

// filePath returns the file this key is associated with, if any.
func (k Key) filePath() (string, bool) {
	switch k.Kind {
	case Diagnostics, Hover, Completion, DocumentSymbols:
		return k.FilePath, k.FilePath != ""
	default:
		return "", false
	}
}

type entry struct {
	value     json.RawMessage
	key       Key
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired() bool {
	return time.Since(e.createdAt) > e.ttl
}

// Stats summarizes cache contents.
type Stats struct {
	TotalEntries   int
	ExpiredEntries int
	EntriesByType  map[string]int
}

// Cache is an in-memory, TTL-and-mtime-invalidated response cache.
type Cache struct {
	mu      sync.RWMutex
	cfg     Config
	storage map[string]*entry

	mtimeMu sync.RWMutex
	mtimes  map[string]time.Time
}

// New builds a Cache using cfg. A zero Config uses DefaultConfig.
func New(cfg Config) *Cache {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Cache{
		cfg:     cfg,
		storage: make(map[string]*entry),
		mtimes:  make(map[string]time.Time),
	}
}

// Get looks up key and unmarshals its value into out, returning false
// if the entry is missing, expired, or its file has been modified
// since it was cached.
func (c *Cache) Get(key Key, out any) bool {
	c.mu.RLock()
	e, ok := c.storage[key.asMapKey()]
	c.mu.RUnlock()
	if !ok || e.expired() || c.fileModified(key) {
		return false
	}
	if err := json.Unmarshal(e.value, out); err != nil {
		return false
	}
	return true
}

// Set stores value under key, recording the file's current mtime if
// the key is associated with one.
func (c *Cache) Set(key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if path, ok := key.filePath(); ok {
		c.recordMtime(path)
	}
	e := &entry{value: raw, key: key, createdAt: time.Now(), ttl: key.ttl(c.cfg)}
	c.mu.Lock()
	c.storage[key.asMapKey()] = e
	c.mu.Unlock()
	return nil
}

// Remove deletes a specific cache entry.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	delete(c.storage, key.asMapKey())
	c.mu.Unlock()
}

// InvalidateFile drops every cache entry associated with filePath and
// refreshes its tracked mtime.
func (c *Cache) InvalidateFile(filePath string) {
	c.mu.Lock()
	for mapKey, e := range c.storage {
		if path, ok := e.key.filePath(); ok && path == filePath {
			delete(c.storage, mapKey)
		}
	}
	c.mu.Unlock()
	c.recordMtime(filePath)
}

// InvalidateProject drops every cache entry whose file (or, for
// workspace-symbol entries, project path) lives under projectPath.
func (c *Cache) InvalidateProject(projectPath string) {
	prefix := strings.TrimSuffix(projectPath, "/") + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	for mapKey, e := range c.storage {
		if e.key.Kind == WorkspaceSymbols {
			if e.key.ProjectPath == projectPath {
				delete(c.storage, mapKey)
			}
			continue
		}
		if path, ok := e.key.filePath(); ok && strings.HasPrefix(path, prefix) {
			delete(c.storage, mapKey)
		}
	}
}

// CleanupExpired removes every entry whose TTL has elapsed.
func (c *Cache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mapKey, e := range c.storage {
		if e.expired() {
			delete(c.storage, mapKey)
		}
	}
}

// StatsSnapshot reports cache occupancy.
func (c *Cache) StatsSnapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{EntriesByType: make(map[string]int)}
	for _, e := range c.storage {
		stats.TotalEntries++
		if e.expired() {
			stats.ExpiredEntries++
		}
		stats.EntriesByType[e.key.Kind.String()]++
	}
	return stats
}

func (c *Cache) recordMtime(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	c.mtimeMu.Lock()
	c.mtimes[path] = info.ModTime()
	c.mtimeMu.Unlock()
}

// fileModified implements the original's "never tracked ⇒ not
// modified" rule: a file this cache has never recorded an mtime for is
// treated as unmodified, not as modified-by-default.
func (c *Cache) fileModified(key Key) bool {
	path, ok := key.filePath()
	if !ok {
		return false
	}
	c.mtimeMu.RLock()
	cached, tracked := c.mtimes[path]
	c.mtimeMu.RUnlock()
	if !tracked {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.ModTime().After(cached)
}
