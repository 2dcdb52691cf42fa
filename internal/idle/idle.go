// Package idle tracks when each (project, language) server pair was
// last used, so a caller-driven sweep can reap the ones that have gone
// quiet. It never spawns its own background task.
package idle

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/codewright/lspbroker/internal/registry"
)

const defaultThreshold = 900 * time.Second

// Key identifies one tracked server.
type Key struct {
	ProjectPath string
	Language    registry.Language
}

// Stats summarizes the monitor's tracked state.
type Stats struct {
	Enabled       bool
	Tracked       int
	IdleThreshold time.Duration
}

// Monitor tracks last-used timestamps per (project, language) pair.
type Monitor struct {
	enabled   bool
	threshold time.Duration

	mu       sync.Mutex
	lastUsed map[Key]time.Time
}

// New builds a Monitor with an explicit enabled flag and threshold.
func New(enabled bool, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Monitor{enabled: enabled, threshold: threshold, lastUsed: make(map[Key]time.Time)}
}

// FromEnv builds a Monitor from LSP_ENABLE_IDLE_MONITOR (default on)
// and LSP_IDLE_THRESHOLD_SECS (default 900), mirroring
// original_source's IdleMonitor::from_env.
func FromEnv() *Monitor {
	enabled := true
	if v, ok := os.LookupEnv("LSP_ENABLE_IDLE_MONITOR"); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			enabled = parsed
		}
	}
	threshold := defaultThreshold
	if v, ok := os.LookupEnv("LSP_IDLE_THRESHOLD_SECS"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			threshold = time.Duration(secs) * time.Second
		}
	}
	return New(enabled, threshold)
}

// Enabled reports whether idle tracking is active. Unlike the original
// (whose is_idle_monitoring_enabled always returned true regardless of
// this value), callers should use this directly instead of a hardcoded
// stand-in.
func (m *Monitor) Enabled() bool { return m.enabled }

// MarkUsed stamps key with the current time. A no-op when disabled, so
// a disabled monitor never accumulates state nobody reaps.
func (m *Monitor) MarkUsed(projectPath string, lang registry.Language) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed[Key{ProjectPath: projectPath, Language: lang}] = time.Now()
}

// IdleServers returns every tracked key whose last-used time is older
// than the configured threshold. Always empty when disabled.
func (m *Monitor) IdleServers() []Key {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.threshold)
	var idle []Key
	for k, t := range m.lastUsed {
		if t.Before(cutoff) {
			idle = append(idle, k)
		}
	}
	return idle
}

// RemoveServer drops a tracking entry, e.g. after it has been shut down.
func (m *Monitor) RemoveServer(projectPath string, lang registry.Language) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastUsed, Key{ProjectPath: projectPath, Language: lang})
}

// StatsSnapshot reports the monitor's current configuration and size.
func (m *Monitor) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Enabled: m.enabled, Tracked: len(m.lastUsed), IdleThreshold: m.threshold}
}
