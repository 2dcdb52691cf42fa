// Package lifecycle spawns, health-checks, and shuts down one language
// server subprocess per (project, language) pair, and wires the
// resulting stdio pipes into an *rpc.Client.
package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/codewright/lspbroker/internal/lsperr"
	"github.com/codewright/lspbroker/internal/registry"
	"github.com/codewright/lspbroker/internal/rpc"
)

// Process tracks one spawned language-server subprocess.
type Process struct {
	ProjectPath  string
	Language     registry.Language
	ServerName   string
	PID          int
	Capabilities []byte

	cmd    *exec.Cmd
	Client *rpc.Client
	exited chan struct{}
}

// Lifecycle spawns and tears down language-server subprocesses.
type Lifecycle struct {
	reg     *registry.Registry
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a Lifecycle that resolves server commands via reg and
// gives each spawned rpc.Client the given request timeout.
func New(reg *registry.Registry, timeout time.Duration, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{reg: reg, timeout: timeout, logger: logger}
}

// Spawn starts the language server configured for lang, performs the
// initialize/initialized handshake, and returns a running Process.
//
// The handshake is sent exactly once, inside rpc.Client.Initialize;
// callers must not send "initialized" again.
func (l *Lifecycle) Spawn(ctx context.Context, projectPath string, lang registry.Language) (*Process, error) {
	cfg := l.reg.ForLanguage(lang)
	if cfg == nil {
		return nil, lsperr.New(lsperr.Routing, "no server configured for language "+string(lang))
	}

	binPath, err := findServerBinary(cfg.ServerCommand)
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "locate "+cfg.ServerCommand)
	}

	cmd := exec.CommandContext(ctx, binPath, cfg.Args...)
	cmd.Dir = projectPath

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "open stdout pipe")
	}
	cmd.Stderr = newStderrSink(l.logger, cfg.ServerCommand, projectPath)

	if err := cmd.Start(); err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "spawn "+cfg.ServerCommand)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	client := rpc.New(stdin, stdout, projectPath, l.timeout, l.logger)

	initCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	result, err := client.Initialize(initCtx, projectPath)
	if err != nil {
		client.Close()
		_ = cmd.Process.Kill()
		return nil, lsperr.Wrap(err, lsperr.Availability, "initialize "+cfg.ServerCommand)
	}

	l.logger.Info("spawned language server",
		"language", lang, "project", projectPath, "pid", cmd.Process.Pid)

	return &Process{
		ProjectPath:  projectPath,
		Language:     lang,
		ServerName:   cfg.ServerCommand,
		PID:          cmd.Process.Pid,
		Capabilities: result.Capabilities,
		cmd:          cmd,
		Client:       client,
		exited:       exited,
	}, nil
}

// Shutdown sends the shutdown/exit sequence and terminates the
// subprocess. Best effort: a failure to shut down gracefully still
// kills the process.
func (l *Lifecycle) Shutdown(ctx context.Context, p *Process) error {
	if p.Client != nil {
		if err := p.Client.Shutdown(ctx); err != nil {
			l.logger.Warn("graceful shutdown failed", "project", p.ProjectPath, "error", err)
		}
		p.Client.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			l.logger.Warn("failed to kill process", "project", p.ProjectPath, "pid", p.PID, "error", err)
		}
		if p.exited != nil {
			select {
			case <-p.exited:
			case <-time.After(5 * time.Second):
				l.logger.Warn("timed out waiting for process exit", "project", p.ProjectPath, "pid", p.PID)
			}
		}
	}
	l.logger.Info("shut down language server", "project", p.ProjectPath, "language", p.Language)
	return nil
}

// Healthy reports whether p's subprocess is still running. Exit status
// is delivered by the goroutine started in Spawn, which is the sole
// caller of cmd.Wait; cmd.ProcessState would otherwise never populate
// for a subprocess that crashed on its own.
func (p *Process) Healthy() bool {
	if p.cmd == nil || p.cmd.Process == nil || p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// RestartSourcePath returns the language-specific synthetic source file
// path callers should use to trigger a restart probe for lang. Unlike
// the Rust original, this is never hardcoded to one language.
func RestartSourcePath(projectRoot string, lang registry.Language) string {
	return registry.SyntheticSourceFile(projectRoot, lang)
}

func findServerBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", lsperr.New(lsperr.Availability, name+" not found in PATH")
}

type stderrSink struct {
	logger  *slog.Logger
	server  string
	project string
}

func newStderrSink(logger *slog.Logger, server, project string) io.Writer {
	return &stderrSink{logger: logger, server: server, project: project}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.logger.Debug("server stderr", "server", s.server, "project", s.project, "output", string(p))
	return len(p), nil
}
