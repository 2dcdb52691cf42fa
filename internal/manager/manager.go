// Package manager is the broker's composition root: it owns every
// spawned language-server process, the document tracker and response
// cache attached to each one, and the idle/resource monitors that
// watch them. Every public operation resolves a file path to a
// project and language before doing anything else.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewright/lspbroker/internal/cache"
	"github.com/codewright/lspbroker/internal/config"
	"github.com/codewright/lspbroker/internal/doctracker"
	"github.com/codewright/lspbroker/internal/idle"
	"github.com/codewright/lspbroker/internal/lifecycle"
	"github.com/codewright/lspbroker/internal/lsperr"
	"github.com/codewright/lspbroker/internal/metrics"
	"github.com/codewright/lspbroker/internal/project"
	"github.com/codewright/lspbroker/internal/registry"
	"github.com/codewright/lspbroker/internal/resource"
	"github.com/codewright/lspbroker/internal/rpc"
)

// serverKey identifies one running language-server instance.
type serverKey struct {
	ProjectRoot string
	Language    registry.Language
}

// server bundles everything the Manager tracks per running instance.
type server struct {
	process *lifecycle.Process
	docs    *doctracker.Tracker
}

// Manager composes project detection, process lifecycle, document
// sync, response caching, and the idle/resource monitors into the
// single entry point the Tool Bus Adapter calls into.
type Manager struct {
	detector  *project.Detector
	reg       *registry.Registry
	lifecycle *lifecycle.Lifecycle
	idleMon   *idle.Monitor
	logger    *slog.Logger
	metrics   *metrics.RequestMetrics
	cfg       config.Config

	mu      sync.RWMutex
	servers map[serverKey]*server
	caches  map[serverKey]*cache.Cache

	resourceMu sync.Mutex
	resources  map[registry.Language]*resource.Monitor
	resCfg     resource.Config
	bgCtx      context.Context

	cacheCfg cache.Config
}

// New builds a Manager. cfg supplies the ambient timeouts, cache TTLs,
// and idle/resource thresholds; reg and detector supply the language
// registry and project-detection root this instance serves.
func New(cfg config.Config, reg *registry.Registry, detector *project.Detector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		detector:  detector,
		reg:       reg,
		lifecycle: lifecycle.New(reg, cfg.Timeout, logger),
		idleMon:   idle.New(cfg.EnableIdleMonitor, time.Duration(cfg.IdleThresholdSecs)*time.Second),
		logger:    logger,
		metrics:   metrics.New(),
		cfg:       cfg,
		servers:   make(map[serverKey]*server),
		caches:    make(map[serverKey]*cache.Cache),
		resources: make(map[registry.Language]*resource.Monitor),
		resCfg: resource.Config{
			MaxRSSMB:           cfg.MaxRSSMB,
			MaxMemoryPercent:   cfg.MaxMemoryPercent,
			MonitorInterval:    time.Duration(cfg.ResourceIntervalSecs) * time.Second,
			RestartGrace:       time.Duration(cfg.RestartGraceSecs) * time.Second,
			MaxRestartAttempts: cfg.MaxRestartAttempts,
		},
		cacheCfg: cache.Config{
			DiagnosticsTTL: time.Duration(cfg.CacheTTL.DiagnosticsTTLSecs) * time.Second,
			HoverTTL:       time.Duration(cfg.CacheTTL.HoverTTLSecs) * time.Second,
			CompletionTTL:  time.Duration(cfg.CacheTTL.CompletionTTLSecs) * time.Second,
			SymbolsTTL:     time.Duration(cfg.CacheTTL.SymbolsTTLSecs) * time.Second,
		},
	}
}

// resolve finds the project and language that own filePath.
func (m *Manager) resolve(ctx context.Context, filePath string) (*project.Project, error) {
	p, err := m.detector.FindForFile(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, lsperr.New(lsperr.Routing, "no project found for "+filePath)
	}
	return p, nil
}

// getOrSpawnServer returns the running server for (root, lang),
// spawning and initializing one if none exists yet. Also registers the
// language's resource monitor on first use of that language.
func (m *Manager) getOrSpawnServer(ctx context.Context, root string, lang registry.Language) (*server, error) {
	key := serverKey{ProjectRoot: root, Language: lang}

	m.mu.RLock()
	srv, ok := m.servers[key]
	m.mu.RUnlock()
	if ok && srv.process.Healthy() {
		return srv, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the write lock: another goroutine may have spawned
	// it while we waited.
	if srv, ok := m.servers[key]; ok {
		if srv.process.Healthy() {
			return srv, nil
		}
		// The tracked process died on its own (crash, OOM-kill). Tear
		// down its client and resource-monitor entry before replacing
		// it; otherwise the dead PID lingers in the resource monitor
		// and its rpc.Client's goroutines never stop.
		delete(m.servers, key)
		m.resourceMu.Lock()
		if mon, ok := m.resources[lang]; ok {
			mon.RemoveProcess(srv.process.PID)
		}
		m.resourceMu.Unlock()
		srv.process.Client.Close()
	}

	proc, err := m.lifecycle.Spawn(ctx, root, lang)
	if err != nil {
		return nil, err
	}
	srv = &server{process: proc, docs: doctracker.New(m.logger)}
	m.servers[key] = srv
	if _, exists := m.caches[key]; !exists {
		m.caches[key] = cache.New(m.cacheCfg)
	}
	m.ensureResourceMonitor(lang, proc)
	go m.watchDiagnostics(key, proc)
	return srv, nil
}

// watchDiagnostics drains a server's notification stream and caches
// each textDocument/publishDiagnostics payload under its file, so
// lsp_diagnostics can serve the latest push without round-tripping to
// the server (this subset of LSP has no pull-diagnostics request).
func (m *Manager) watchDiagnostics(key serverKey, proc *lifecycle.Process) {
	for n := range proc.Client.Subscribe() {
		if n.Method != "textDocument/publishDiagnostics" {
			continue
		}
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil || params.URI == "" {
			continue
		}
		path := doctracker.PathFromURI(params.URI)
		c := m.cacheFor(key.ProjectRoot, key.Language)
		if c == nil {
			continue
		}
		if err := c.Set(cache.Key{Kind: cache.Diagnostics, FilePath: path}, n.Params); err != nil {
			m.logger.Warn("failed to cache diagnostics", "file", path, "error", err)
		}
	}
}

// Diagnostics returns the most recently published diagnostics for
// filePath, if any have been cached.
func (m *Manager) Diagnostics(filePath string) (json.RawMessage, bool) {
	p, err := m.resolve(context.Background(), filePath)
	if err != nil {
		return nil, false
	}
	c := m.cacheFor(p.RootPath, p.Language)
	if c == nil {
		return nil, false
	}
	var raw json.RawMessage
	ok := c.Get(cache.Key{Kind: cache.Diagnostics, FilePath: filePath}, &raw)
	return raw, ok
}

func (m *Manager) ensureResourceMonitor(lang registry.Language, proc *lifecycle.Process) {
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()
	if _, ok := m.resources[lang]; ok {
		return
	}
	mon := resource.New(m.resCfg, proc.ServerName, m.logger)
	m.resources[lang] = mon
	if m.bgCtx != nil {
		go mon.Start(m.bgCtx)
	}
}

// GetClient returns the rpc.Client serving filePath, spawning a server
// if necessary.
func (m *Manager) GetClient(ctx context.Context, filePath string) (*rpc.Client, error) {
	p, err := m.resolve(ctx, filePath)
	if err != nil {
		return nil, err
	}
	srv, err := m.getOrSpawnServer(ctx, p.RootPath, p.Language)
	if err != nil {
		return nil, err
	}
	m.idleMon.MarkUsed(p.RootPath, p.Language)
	return srv.process.Client, nil
}

// EnsureDocumentOpen opens filePath in its owning server if it is not
// already tracked.
func (m *Manager) EnsureDocumentOpen(ctx context.Context, filePath string) error {
	p, err := m.resolve(ctx, filePath)
	if err != nil {
		return err
	}
	srv, err := m.getOrSpawnServer(ctx, p.RootPath, p.Language)
	if err != nil {
		return err
	}
	return srv.docs.Open(ctx, srv.process.Client, filePath)
}

// UpdateDocument sends the file's new content to its owning server and
// invalidates any cached responses for it.
func (m *Manager) UpdateDocument(ctx context.Context, filePath, content string) error {
	p, err := m.resolve(ctx, filePath)
	if err != nil {
		return err
	}
	srv, err := m.getOrSpawnServer(ctx, p.RootPath, p.Language)
	if err != nil {
		return err
	}
	if err := srv.docs.Update(ctx, srv.process.Client, filePath, content); err != nil {
		return err
	}
	m.InvalidateFileCache(p.RootPath, p.Language, filePath)
	return nil
}

// CloseDocument closes filePath in its owning server.
func (m *Manager) CloseDocument(ctx context.Context, filePath string) error {
	p, err := m.resolve(ctx, filePath)
	if err != nil {
		return err
	}
	srv, err := m.getOrSpawnServer(ctx, p.RootPath, p.Language)
	if err != nil {
		return err
	}
	return srv.docs.Close(ctx, srv.process.Client, filePath)
}

// CachedQuery serves key from filePath's project cache if a fresh entry
// exists; otherwise it benchmarks fetch (the live RPC dispatch), caches
// the result under key, and returns it. Every cacheable positional
// query (hover, completion, document symbols, workspace symbols) goes
// through this so C6 actually participates in the request path, not
// just diagnostics.
func (m *Manager) CachedQuery(ctx context.Context, filePath, method string, key cache.Key, fetch func() (json.RawMessage, error)) (json.RawMessage, error) {
	p, err := m.resolve(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if key.Kind == cache.WorkspaceSymbols {
		key.ProjectPath = p.RootPath
	}
	c := m.cacheFor(p.RootPath, p.Language)
	if c != nil {
		var cached json.RawMessage
		if c.Get(key, &cached) {
			m.RecordCacheResult(true)
			return cached, nil
		}
	}
	m.RecordCacheResult(false)

	var raw json.RawMessage
	err = m.Benchmark(method, func() error {
		r, fetchErr := fetch()
		if fetchErr != nil {
			return fetchErr
		}
		raw = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c != nil {
		if setErr := c.Set(key, raw); setErr != nil {
			m.logger.Warn("failed to cache response", "method", method, "file", filePath, "error", setErr)
		}
	}
	return raw, nil
}

// cacheFor returns the response cache for an already-spawned server.
func (m *Manager) cacheFor(root string, lang registry.Language) *cache.Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caches[serverKey{ProjectRoot: root, Language: lang}]
}

// Benchmark wraps fn, recording its duration and success in the
// shared RequestMetrics, and logging a warning past 200ms, mirroring
// original_source's benchmark_operation.
func (m *Manager) Benchmark(method string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	m.metrics.RecordRequest(elapsed, err == nil)
	if elapsed > 200*time.Millisecond {
		m.logger.Warn("slow lsp operation", "method", method, "duration_ms", elapsed.Milliseconds())
	}
	return err
}

// InvalidateFileCache drops cached responses for filePath in its
// server's cache.
func (m *Manager) InvalidateFileCache(root string, lang registry.Language, filePath string) {
	if c := m.cacheFor(root, lang); c != nil {
		c.InvalidateFile(filePath)
	}
}

// InvalidateProjectCache drops every cached response under root across
// every language that server has ever used.
func (m *Manager) InvalidateProjectCache(root string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, c := range m.caches {
		if key.ProjectRoot == root {
			c.InvalidateProject(root)
		}
	}
}

// RecordCacheResult reports a hit or miss to the shared metrics.
func (m *Manager) RecordCacheResult(hit bool) {
	m.metrics.RecordCache(hit)
}

// ShutdownServer tears down the server for (root, lang), if running.
func (m *Manager) ShutdownServer(ctx context.Context, root string, lang registry.Language) error {
	key := serverKey{ProjectRoot: root, Language: lang}

	m.mu.Lock()
	srv, ok := m.servers[key]
	if ok {
		delete(m.servers, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.idleMon.RemoveServer(root, lang)

	m.resourceMu.Lock()
	if mon, ok := m.resources[lang]; ok {
		mon.RemoveProcess(srv.process.PID)
	}
	m.resourceMu.Unlock()

	return m.lifecycle.Shutdown(ctx, srv.process)
}

// ShutdownAll tears down every running server concurrently, via
// errgroup, then stops the resource monitor, and returns the first
// error encountered (if any) after every shutdown has been attempted.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.RLock()
	keys := make([]serverKey, 0, len(m.servers))
	for k := range m.servers {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	group, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		group.Go(func() error {
			return m.ShutdownServer(gctx, k.ProjectRoot, k.Language)
		})
	}
	err := group.Wait()
	m.StopResourceMonitoring()
	return err
}

// RestartServer forces a fresh spawn for (root, lang): unless the
// resource monitor reports the restart attempts for root as exhausted,
// it shuts down any existing instance, then spawns a new one directly
// for that root and language (no source file path is involved), and
// records the attempt with the resource monitor.
func (m *Manager) RestartServer(ctx context.Context, root string, lang registry.Language) error {
	if mon := m.resourceFor(lang); mon != nil && !mon.CanRestart(root) {
		return lsperr.New(lsperr.Availability, "restart attempts exhausted for "+root).WithRecoverable(false)
	}
	_ = m.ShutdownServer(ctx, root, lang)

	_, err := m.getOrSpawnServer(ctx, root, lang)
	if mon := m.resourceFor(lang); mon != nil {
		reason := "manual restart"
		if err != nil {
			reason = "restart failed: " + err.Error()
		}
		mon.RecordRestart(root, reason)
	}
	return err
}

func (m *Manager) resourceFor(lang registry.Language) *resource.Monitor {
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()
	return m.resources[lang]
}

// ServerStatus describes one running server, for health-check reporting.
type ServerStatus struct {
	ProjectRoot string
	Language    registry.Language
	PID         int
	Healthy     bool
	OpenDocs    int
}

// ServerStatuses lists every currently tracked server.
func (m *Manager) ServerStatuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for key, srv := range m.servers {
		out = append(out, ServerStatus{
			ProjectRoot: key.ProjectRoot,
			Language:    key.Language,
			PID:         srv.process.PID,
			Healthy:     srv.process.Healthy(),
			OpenDocs:    srv.docs.OpenCount(),
		})
	}
	return out
}

// HealthCheck reports whether every tracked server is still running.
func (m *Manager) HealthCheck() bool {
	for _, s := range m.ServerStatuses() {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ComprehensiveHealthReport bundles process health with the resource
// monitor's real over-limit count — fixed from the original, which
// always reported zero regardless of actual sampled usage.
type ComprehensiveHealthReport struct {
	Healthy        bool
	ServerCount    int
	OverLimitCount int
	IdleMonitoring bool
	CacheStats     map[string]cache.Stats
}

// ComprehensiveHealthCheck aggregates process health, resource
// over-limit counts across every monitored language, idle-monitoring
// state, and per-server cache occupancy.
func (m *Manager) ComprehensiveHealthCheck() ComprehensiveHealthReport {
	report := ComprehensiveHealthReport{
		Healthy:        m.HealthCheck(),
		ServerCount:    len(m.ServerStatuses()),
		IdleMonitoring: m.IsIdleMonitoringEnabled(),
		CacheStats:     make(map[string]cache.Stats),
	}

	m.resourceMu.Lock()
	for _, mon := range m.resources {
		report.OverLimitCount += len(mon.OverLimitProcesses())
	}
	m.resourceMu.Unlock()

	m.mu.RLock()
	for key, c := range m.caches {
		report.CacheStats[fmt.Sprintf("%s:%s", key.ProjectRoot, key.Language)] = c.StatsSnapshot()
	}
	m.mu.RUnlock()

	return report
}

// IsIdleMonitoringEnabled reports the idle monitor's real enabled
// state. Fixed from the original, which always returned true here
// regardless of the monitor's actual configuration.
func (m *Manager) IsIdleMonitoringEnabled() bool {
	return m.idleMon.Enabled()
}

// MarkServerUsed records activity for (root, lang) in the idle
// monitor. Fixed from the original, which always recorded the
// hardcoded language "rust" regardless of which server actually
// handled the request.
func (m *Manager) MarkServerUsed(root string, lang registry.Language) {
	m.idleMon.MarkUsed(root, lang)
}

// IdleStats reports the idle monitor's current configuration and size.
func (m *Manager) IdleStats() idle.Stats {
	return m.idleMon.StatsSnapshot()
}

// ShutdownIdleServers shuts down every server the idle monitor
// considers idle and returns the project roots that were stopped.
func (m *Manager) ShutdownIdleServers(ctx context.Context) ([]string, error) {
	idleKeys := m.idleMon.IdleServers()
	var stopped []string
	var firstErr error
	for _, k := range idleKeys {
		if err := m.ShutdownServer(ctx, k.ProjectPath, k.Language); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped = append(stopped, k.ProjectPath)
	}
	return stopped, firstErr
}

// StartResourceMonitoring starts the background sampling loop for
// every language's resource monitor currently registered. Safe to call
// before any server has spawned; monitors registered later are started
// by their own owning goroutine at first spawn.
func (m *Manager) StartResourceMonitoring(ctx context.Context) {
	m.resourceMu.Lock()
	m.bgCtx = ctx
	mons := make([]*resource.Monitor, 0, len(m.resources))
	for _, mon := range m.resources {
		mons = append(mons, mon)
	}
	m.resourceMu.Unlock()
	for _, mon := range mons {
		go mon.Start(ctx)
	}
}

// StopResourceMonitoring stops every registered resource monitor.
func (m *Manager) StopResourceMonitoring() {
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()
	for _, mon := range m.resources {
		mon.Stop()
	}
}

// ResourceSummary renders a one-line summary per monitored language.
func (m *Manager) ResourceSummary() []string {
	m.resourceMu.Lock()
	defer m.resourceMu.Unlock()
	out := make([]string, 0, len(m.resources))
	for lang, mon := range m.resources {
		out = append(out, string(lang)+": "+mon.Summary())
	}
	return out
}

// MetricsSummary renders the shared RequestMetrics' summary line.
func (m *Manager) MetricsSummary() string {
	return m.metrics.Summary()
}
