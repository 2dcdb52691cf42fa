// Package resource samples memory usage for monitored language-server
// processes and flags ones over the configured limits. It is
// advisory-only: nothing in this package kills a process.
package resource

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the tunable thresholds, all overridable via
// internal/config's environment variables.
type Config struct {
	MaxRSSMB           float64
	MaxMemoryPercent   float64
	MonitorInterval    time.Duration
	RestartGrace       time.Duration
	MaxRestartAttempts int
}

// DefaultConfig matches original_source's ResourceConfig::default().
func DefaultConfig() Config {
	return Config{
		MaxRSSMB:           1024.0,
		MaxMemoryPercent:   10.0,
		MonitorInterval:    30 * time.Second,
		RestartGrace:       60 * time.Second,
		MaxRestartAttempts: 3,
	}
}

// Usage is one process's measured memory usage.
type Usage struct {
	PID           int
	RSSBytes      uint64
	VMSBytes      uint64
	MemoryPercent float64
	SampledAt     time.Time
}

func (u Usage) rssMB() float64 { return float64(u.RSSBytes) / (1024 * 1024) }

// ExceedsLimits reports whether u is over either threshold.
func (u Usage) ExceedsLimits(cfg Config) bool {
	return u.rssMB() > cfg.MaxRSSMB || u.MemoryPercent > cfg.MaxMemoryPercent
}

// Stats summarizes the most recent sampling pass.
type Stats struct {
	TotalProcesses int
	OverLimitCount int
	TotalRestarts  uint64
	FailedRestarts uint64
	AvgMemoryMB    float64
	PeakMemoryMB   float64
	LastUpdate     time.Time
}

type restartInfo struct {
	attempts    int
	lastRestart time.Time
	reason      string
}

// Monitor periodically samples memory usage for a named process
// (matched by substring against its command name) and tracks restart
// attempts per project path.
type Monitor struct {
	cfg         Config
	processName string
	logger      *slog.Logger

	mu     sync.RWMutex
	usage  map[int]Usage
	stats  Stats

	restartMu sync.Mutex
	restarts  map[string]*restartInfo

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a Monitor for a process name (e.g. "rust-analyzer") using
// cfg's thresholds. A zero Config uses DefaultConfig.
func New(cfg Config, processName string, logger *slog.Logger) *Monitor {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:         cfg,
		processName: processName,
		logger:      logger,
		usage:       make(map[int]Usage),
		restarts:    make(map[string]*restartInfo),
		stats:       Stats{LastUpdate: time.Now()},
		stop:        make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	m.logger.Info("resource monitoring started", "interval", m.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.sample(); err != nil {
				m.logger.Warn("failed to sample memory usage", "error", err)
			}
		}
	}
}

// Stop ends the sampling loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.logger.Info("resource monitoring stopped")
}

func (m *Monitor) sample() error {
	samples, err := sampleProcesses(m.processName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.usage = make(map[int]Usage, len(samples))
	overLimit := 0
	var total, peak float64
	for _, s := range samples {
		m.usage[s.PID] = s
		if s.ExceedsLimits(m.cfg) {
			overLimit++
		}
		mb := s.rssMB()
		total += mb
		if mb > peak {
			peak = mb
		}
	}
	m.stats.TotalProcesses = len(samples)
	m.stats.OverLimitCount = overLimit
	if len(samples) > 0 {
		m.stats.AvgMemoryMB = total / float64(len(samples))
	}
	if peak > m.stats.PeakMemoryMB {
		m.stats.PeakMemoryMB = peak
	}
	m.stats.LastUpdate = time.Now()
	m.mu.Unlock()
	return nil
}

// GetUsage returns the last sampled usage for pid, if monitored.
func (m *Monitor) GetUsage(pid int) (Usage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[pid]
	return u, ok
}

// OverLimitProcesses returns every currently monitored process that
// exceeds the configured thresholds — always evaluated against this
// Monitor's own Config, never a hardcoded default.
func (m *Monitor) OverLimitProcesses() []Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Usage
	for _, u := range m.usage {
		if u.ExceedsLimits(m.cfg) {
			out = append(out, u)
		}
	}
	return out
}

// RecordRestart tracks a restart attempt for projectPath.
func (m *Monitor) RecordRestart(projectPath, reason string) {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	info, ok := m.restarts[projectPath]
	if !ok {
		info = &restartInfo{}
		m.restarts[projectPath] = info
	}
	info.attempts++
	info.lastRestart = time.Now()
	info.reason = reason

	m.mu.Lock()
	m.stats.TotalRestarts++
	m.mu.Unlock()

	m.logger.Warn("recorded process restart", "project", projectPath, "attempts", info.attempts, "reason", reason)
}

// CanRestart reports whether projectPath has fewer recorded restart
// attempts than MaxRestartAttempts.
func (m *Monitor) CanRestart(projectPath string) bool {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	info, ok := m.restarts[projectPath]
	if !ok {
		return true
	}
	return info.attempts < m.cfg.MaxRestartAttempts
}

// StatsSnapshot returns the current statistics.
func (m *Monitor) StatsSnapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// RemoveProcess stops tracking pid, e.g. after a clean shutdown.
func (m *Monitor) RemoveProcess(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, pid)
}

// Summary renders a short human-readable line, grounded on the
// original's get_summary().
func (m *Monitor) Summary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("resource monitor: %d processes, %.1fMB total, %d over limits, %d restarts",
		len(m.usage), sumRSS(m.usage), m.stats.OverLimitCount, m.stats.TotalRestarts)
}

func sumRSS(usage map[int]Usage) float64 {
	var total float64
	for _, u := range usage {
		total += u.rssMB()
	}
	return total
}

// sampleProcesses shells out to the platform's process table command
// and filters to processes whose command name contains processName.
func sampleProcesses(processName string) ([]Usage, error) {
	switch runtime.GOOS {
	case "windows":
		return sampleWindows(processName)
	default:
		return samplePS(processName)
	}
}

func samplePS(processName string) ([]Usage, error) {
	out, err := exec.Command("ps", "-ax", "-o", "pid,rss,vsz,%mem,comm").Output()
	if err != nil {
		return nil, fmt.Errorf("run ps: %w", err)
	}

	var samples []Usage
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.Contains(fields[4], processName) {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		rssKB, err2 := strconv.ParseUint(fields[1], 10, 64)
		vszKB, err3 := strconv.ParseUint(fields[2], 10, 64)
		memPct, err4 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		samples = append(samples, Usage{
			PID:           pid,
			RSSBytes:      rssKB * 1024,
			VMSBytes:      vszKB * 1024,
			MemoryPercent: memPct,
			SampledAt:     time.Now(),
		})
	}
	return samples, nil
}

func sampleWindows(processName string) ([]Usage, error) {
	out, err := exec.Command("tasklist", "/FO", "CSV", "/FI", "IMAGENAME eq "+processName+"*").Output()
	if err != nil {
		return nil, fmt.Errorf("run tasklist: %w", err)
	}

	var samples []Usage
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) < 5 {
			continue
		}
		pid, err1 := strconv.Atoi(strings.Trim(fields[1], `"`))
		memStr := strings.Trim(fields[4], `"`)
		memStr = strings.ReplaceAll(memStr, ",", "")
		memStr = strings.TrimSuffix(strings.TrimSpace(memStr), " K")
		memKB, err2 := strconv.ParseUint(strings.TrimSpace(memStr), 10, 64)
		if err1 != nil {
			continue
		}
		if err2 != nil {
			memKB = 0
		}
		samples = append(samples, Usage{
			PID:       pid,
			RSSBytes:  memKB * 1024,
			VMSBytes:  memKB * 1024,
			SampledAt: time.Now(),
		})
	}
	return samples, nil
}
