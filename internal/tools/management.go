package tools

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerManagementTools registers the fleet-management tools:
// status, restart, and shutdown-all.
func (s *Server) registerManagementTools() {
	s.addTool(&mcp.Tool{
		Name:        "lsp_server_status",
		Description: "Report the health and resource usage of every running language-server process.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleServerStatus)

	s.addTool(&mcp.Tool{
		Name:        "lsp_restart_server",
		Description: "Force-restart the language server for a project and language, e.g. after a crash or hang.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project_root": {"type": "string", "description": "Absolute path to the project root"},
				"language": {"type": "string", "description": "Language identifier (rust, java, python)"}
			},
			"required": ["project_root", "language"]
		}`),
	}, s.handleRestartServer)

	s.addTool(&mcp.Tool{
		Name:        "lsp_shutdown_all",
		Description: "Gracefully shut down every running language-server process.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleShutdownAll)
}

func (s *Server) handleServerStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := s.mgr.ComprehensiveHealthCheck()
	return jsonResult(map[string]any{
		"healthy":             report.Healthy,
		"server_count":        report.ServerCount,
		"over_limit_count":    report.OverLimitCount,
		"idle_monitoring":     report.IdleMonitoring,
		"servers":             s.mgr.ServerStatuses(),
		"cache_stats":         report.CacheStats,
		"idle_stats":          s.mgr.IdleStats(),
		"resource_summary":    s.mgr.ResourceSummary(),
		"performance_summary": s.mgr.MetricsSummary(),
	}), nil
}

func (s *Server) handleRestartServer(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	root := getStringArg(args, "project_root")
	if root == "" {
		return errResult("project_root is required"), nil
	}
	lang := languageOf(args)
	if lang == "" {
		return errResult("language is required"), nil
	}
	if err := s.mgr.RestartServer(ctx, root, lang); err != nil {
		return errFromLSP(err), nil
	}
	return jsonResult(map[string]any{"project_root": root, "language": lang, "restarted": true}), nil
}

func (s *Server) handleShutdownAll(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.mgr.ShutdownAll(ctx); err != nil {
		return errFromLSP(err), nil
	}
	return jsonResult(map[string]any{"shutdown": true}), nil
}
