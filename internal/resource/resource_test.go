package resource

import (
	"testing"
	"time"
)

func TestUsageExceedsLimits(t *testing.T) {
	cfg := DefaultConfig()
	big := Usage{RSSBytes: 2048 * 1024 * 1024, MemoryPercent: 15.0}
	if !big.ExceedsLimits(cfg) {
		t.Fatal("expected 2GB/15% usage to exceed 1GB/10% limits")
	}

	small := Usage{RSSBytes: 100 * 1024 * 1024, MemoryPercent: 1.0}
	if small.ExceedsLimits(cfg) {
		t.Fatal("did not expect small usage to exceed limits")
	}

	rssOnly := Usage{RSSBytes: 2048 * 1024 * 1024, MemoryPercent: 1.0}
	if !rssOnly.ExceedsLimits(cfg) {
		t.Fatal("expected RSS-only breach to count as exceeding limits")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRSSMB != 1024 || cfg.MaxMemoryPercent != 10 || cfg.MonitorInterval != 30*time.Second ||
		cfg.RestartGrace != 60*time.Second || cfg.MaxRestartAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestRestartTracking(t *testing.T) {
	m := New(DefaultConfig(), "rust-analyzer", nil)
	project := "/test/project"

	if !m.CanRestart(project) {
		t.Fatal("expected first restart to be allowed")
	}

	m.RecordRestart(project, "memory limit exceeded")
	if !m.CanRestart(project) {
		t.Fatal("expected restart to still be allowed after 1 attempt")
	}

	m.RecordRestart(project, "crash detected")
	if !m.CanRestart(project) {
		t.Fatal("expected restart to still be allowed after 2 attempts")
	}

	m.RecordRestart(project, "third failure")
	if m.CanRestart(project) {
		t.Fatal("expected restart to be denied after reaching MaxRestartAttempts")
	}

	if got := m.StatsSnapshot().TotalRestarts; got != 3 {
		t.Fatalf("expected 3 total restarts, got %d", got)
	}
}

func TestOverLimitUsesConfiguredThresholds(t *testing.T) {
	// Unlike the original (which hardcoded 1024MB/10% in its internal
	// sampling update regardless of the monitor's own config), a custom
	// threshold here must actually change what counts as over-limit.
	cfg := Config{MaxRSSMB: 1, MaxMemoryPercent: 1, MonitorInterval: time.Second, MaxRestartAttempts: 3}
	m := New(cfg, "rust-analyzer", nil)

	m.mu.Lock()
	m.usage[1] = Usage{PID: 1, RSSBytes: 2 * 1024 * 1024, MemoryPercent: 0.1}
	m.mu.Unlock()

	over := m.OverLimitProcesses()
	if len(over) != 1 {
		t.Fatalf("expected 1 over-limit process with a 1MB threshold, got %d", len(over))
	}
}

func TestRemoveProcess(t *testing.T) {
	m := New(DefaultConfig(), "rust-analyzer", nil)
	m.mu.Lock()
	m.usage[42] = Usage{PID: 42, RSSBytes: 1024}
	m.mu.Unlock()

	if _, ok := m.GetUsage(42); !ok {
		t.Fatal("expected process 42 to be tracked")
	}
	m.RemoveProcess(42)
	if _, ok := m.GetUsage(42); ok {
		t.Fatal("expected process 42 to be removed")
	}
}
