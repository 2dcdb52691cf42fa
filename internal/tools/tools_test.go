package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/codewright/lspbroker/internal/config"
	"github.com/codewright/lspbroker/internal/manager"
	"github.com/codewright/lspbroker/internal/project"
	"github.com/codewright/lspbroker/internal/registry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	detector := project.New(t.TempDir(), reg, nil)
	mgr := manager.New(config.FromEnv(), reg, detector, nil)
	return NewServer(mgr)
}

func TestToolNamesRegistersEveryOperation(t *testing.T) {
	s := newTestServer(t)
	want := []string{
		"lsp_completion", "lsp_definition", "lsp_diagnostics", "lsp_document_symbols",
		"lsp_hover", "lsp_references", "lsp_restart_server", "lsp_server_status",
		"lsp_shutdown_all", "lsp_workspace_symbols",
	}
	got := s.ToolNames()
	if len(got) != len(want) {
		t.Fatalf("expected %d tools, got %d: %v", len(want), len(got), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("tool[%d] = %q, want %q (full list %v)", i, got[i], name, got)
		}
	}
}

func TestHoverMissingFilePathErrors(t *testing.T) {
	s := newTestServer(t)
	result, err := s.CallTool(context.Background(), "lsp_hover", json.RawMessage(`{"line":0,"character":0}`))
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result when file_path is missing")
	}
}

func TestHoverUnknownProjectErrors(t *testing.T) {
	s := newTestServer(t)
	args, _ := json.Marshal(map[string]any{"file_path": "/no/such/project/main.rs", "line": 0, "character": 0})
	result, err := s.CallTool(context.Background(), "lsp_hover", args)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for a file outside any known project")
	}
}

func TestServerStatusEmptyFleet(t *testing.T) {
	s := newTestServer(t)
	result, err := s.CallTool(context.Background(), "lsp_server_status", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected a successful status report, got error: %v", result.Content)
	}
}

func TestShutdownAllEmptyFleetSucceeds(t *testing.T) {
	s := newTestServer(t)
	result, err := s.CallTool(context.Background(), "lsp_shutdown_all", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected shutdown of an empty fleet to succeed, got: %v", result.Content)
	}
}

func TestRestartServerRequiresLanguage(t *testing.T) {
	s := newTestServer(t)
	args, _ := json.Marshal(map[string]any{"project_root": "/tmp/proj"})
	result, err := s.CallTool(context.Background(), "lsp_restart_server", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error when language is omitted")
	}
}

func TestCallUnknownToolErrors(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.CallTool(context.Background(), "lsp_nonexistent", nil); err == nil {
		t.Fatal("expected an error calling an unregistered tool")
	}
}
