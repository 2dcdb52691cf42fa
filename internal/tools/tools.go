// Package tools is the Tool Bus Adapter: it exposes the Manager
// Facade's LSP operations as MCP tools, the same registration
// scaffolding the teacher uses for its graph-query tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codewright/lspbroker/internal/doctracker"
	"github.com/codewright/lspbroker/internal/lsperr"
	"github.com/codewright/lspbroker/internal/manager"
	"github.com/codewright/lspbroker/internal/registry"
)

// Version is the current release version, referenced by the MCP handshake.
const Version = "0.1.0"

// Server wraps the MCP server with every lsp_* tool handler.
type Server struct {
	mcp      *mcp.Server
	mgr      *manager.Manager
	handlers map[string]mcp.ToolHandler
}

// NewServer creates an MCP server with every tool registered against mgr.
func NewServer(mgr *manager.Manager) *Server {
	srv := &Server{mgr: mgr, handlers: make(map[string]mcp.ToolHandler)}
	srv.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "lspbroker", Version: Version},
		&mcp.ServerOptions{},
	)
	srv.registerTools()
	return srv
}

// MCPServer returns the underlying MCP server, for cmd/lspbroker to run
// over stdio.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

// Manager returns the underlying Manager Facade, for direct access in
// CLI mode.
func (s *Server) Manager() *manager.Manager { return s.mgr }

func (s *Server) addTool(tool *mcp.Tool, handler mcp.ToolHandler) {
	s.mcp.AddTool(tool, handler)
	s.handlers[tool.Name] = handler
}

// CallTool invokes a tool handler directly by name, bypassing MCP
// transport — used by the `cli` one-shot subcommand.
func (s *Server) CallTool(ctx context.Context, name string, argsJSON json.RawMessage) (*mcp.CallToolResult, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if len(argsJSON) == 0 {
		argsJSON = json.RawMessage(`{}`)
	}
	req := &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: name, Arguments: argsJSON},
	}
	return handler(ctx, req)
}

// ToolNames returns all registered tool names in sorted order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) registerTools() {
	s.registerPositionalTools()
	s.registerManagementTools()
}

// --- Helpers, grounded on the teacher's jsonResult/errResult/parseArgs/getXArg shapes ---

func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal err=" + err.Error())
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
}

func rawJSONResult(raw json.RawMessage) *mcp.CallToolResult {
	if len(raw) == 0 {
		raw = json.RawMessage(`null`)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}, IsError: true}
}

func errFromLSP(err error) *mcp.CallToolResult {
	if kind := lsperr.KindOf(err); kind != "" {
		return errResult(fmt.Sprintf("[%s] %s", kind, err.Error()))
	}
	return errResult(err.Error())
}

func parseArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &m); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return m, nil
}

func getStringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		return ""
	}
	return str
}

func getIntArg(args map[string]any, key string, defaultVal int) int {
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	f, ok := v.(float64) // JSON numbers decode as float64
	if !ok {
		return defaultVal
	}
	return int(f)
}

func getBoolArg(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		return false
	}
	return b
}

// requireFileURI fetches "file_path", ensures a document is open for
// it, and returns its file:// URI.
func (s *Server) requireFileURI(ctx context.Context, args map[string]any) (string, string, *mcp.CallToolResult) {
	filePath := getStringArg(args, "file_path")
	if filePath == "" {
		return "", "", errResult("file_path is required")
	}
	if err := s.mgr.EnsureDocumentOpen(ctx, filePath); err != nil {
		return "", "", errFromLSP(err)
	}
	return filePath, doctracker.FileURI(filePath), nil
}

// languageOf is a small convenience for management tools that accept a
// language string directly instead of resolving one from a file.
func languageOf(args map[string]any) registry.Language {
	return registry.Language(getStringArg(args, "language"))
}
