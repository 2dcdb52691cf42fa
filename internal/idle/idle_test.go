package idle

import (
	"testing"
	"time"

	"github.com/codewright/lspbroker/internal/registry"
)

func TestMarkUsedThenIdleAfterThreshold(t *testing.T) {
	m := New(true, 10*time.Millisecond)
	key := Key{ProjectPath: "/tmp/proj", Language: registry.Rust}

	m.MarkUsed(key.ProjectPath, key.Language)
	if len(m.IdleServers()) != 0 {
		t.Fatal("expected no idle servers immediately after use")
	}

	time.Sleep(20 * time.Millisecond)
	idle := m.IdleServers()
	if len(idle) != 1 || idle[0] != key {
		t.Fatalf("expected %+v to be idle, got %+v", key, idle)
	}
}

func TestDisabledMonitorNeverTracks(t *testing.T) {
	m := New(false, time.Millisecond)
	m.MarkUsed("/tmp/proj", registry.Rust)
	time.Sleep(5 * time.Millisecond)

	if len(m.IdleServers()) != 0 {
		t.Fatal("expected a disabled monitor to never report idle servers")
	}
	if m.StatsSnapshot().Tracked != 0 {
		t.Fatal("expected a disabled monitor to never accumulate tracked entries")
	}
}

func TestRemoveServer(t *testing.T) {
	m := New(true, time.Hour)
	m.MarkUsed("/tmp/proj", registry.Java)
	if m.StatsSnapshot().Tracked != 1 {
		t.Fatal("expected 1 tracked entry")
	}
	m.RemoveServer("/tmp/proj", registry.Java)
	if m.StatsSnapshot().Tracked != 0 {
		t.Fatal("expected entry to be removed")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LSP_ENABLE_IDLE_MONITOR", "")
	t.Setenv("LSP_IDLE_THRESHOLD_SECS", "")
	m := FromEnv()
	if !m.Enabled() {
		t.Fatal("expected idle monitoring enabled by default")
	}
	if m.StatsSnapshot().IdleThreshold != defaultThreshold {
		t.Fatalf("expected default threshold %s, got %s", defaultThreshold, m.StatsSnapshot().IdleThreshold)
	}
}
