package tools

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codewright/lspbroker/internal/cache"
)

// registerPositionalTools registers the file-addressed queries: hover,
// completion, definition, references, document symbols, workspace
// symbols, and diagnostics.
func (s *Server) registerPositionalTools() {
	s.addTool(&mcp.Tool{
		Name:        "lsp_hover",
		Description: "Get hover information (type signature, documentation) for the symbol at a file position.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"},
				"line": {"type": "integer", "description": "Zero-based line number"},
				"character": {"type": "integer", "description": "Zero-based column number"}
			},
			"required": ["file_path", "line", "character"]
		}`),
	}, s.handleHover)

	s.addTool(&mcp.Tool{
		Name:        "lsp_completion",
		Description: "Get completion suggestions at a file position.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"},
				"line": {"type": "integer", "description": "Zero-based line number"},
				"character": {"type": "integer", "description": "Zero-based column number"}
			},
			"required": ["file_path", "line", "character"]
		}`),
	}, s.handleCompletion)

	s.addTool(&mcp.Tool{
		Name:        "lsp_definition",
		Description: "Go to the definition of the symbol at a file position.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"},
				"line": {"type": "integer", "description": "Zero-based line number"},
				"character": {"type": "integer", "description": "Zero-based column number"}
			},
			"required": ["file_path", "line", "character"]
		}`),
	}, s.handleDefinition)

	s.addTool(&mcp.Tool{
		Name:        "lsp_references",
		Description: "Find references to the symbol at a file position.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"},
				"line": {"type": "integer", "description": "Zero-based line number"},
				"character": {"type": "integer", "description": "Zero-based column number"},
				"include_declaration": {"type": "boolean", "description": "Include the declaration site itself. Defaults to true."}
			},
			"required": ["file_path", "line", "character"]
		}`),
	}, s.handleReferences)

	s.addTool(&mcp.Tool{
		Name:        "lsp_document_symbols",
		Description: "List every symbol (functions, types, fields) declared in a file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"}
			},
			"required": ["file_path"]
		}`),
	}, s.handleDocumentSymbols)

	s.addTool(&mcp.Tool{
		Name:        "lsp_workspace_symbols",
		Description: "Search for symbols by name across an entire project.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Any file inside the project to search (used to resolve which project/server to query)"},
				"query": {"type": "string", "description": "Symbol name or fuzzy query string"}
			},
			"required": ["file_path", "query"]
		}`),
	}, s.handleWorkspaceSymbols)

	s.addTool(&mcp.Tool{
		Name:        "lsp_diagnostics",
		Description: "Get the most recently published diagnostics (errors, warnings) for a file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_path": {"type": "string", "description": "Absolute path to the source file"}
			},
			"required": ["file_path"]
		}`),
	}, s.handleDiagnostics)
}

func (s *Server) handleHover(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath, uri, errRes := s.requireFileURI(ctx, args)
	if errRes != nil {
		return errRes, nil
	}
	line := getIntArg(args, "line", 0)
	character := getIntArg(args, "character", 0)

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	key := cache.Key{Kind: cache.Hover, FilePath: filePath, Line: line, Character: character}
	raw, err := s.mgr.CachedQuery(ctx, filePath, "textDocument/hover", key, func() (json.RawMessage, error) {
		return client.Hover(ctx, uri, line, character)
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return rawJSONResult(raw), nil
}

func (s *Server) handleCompletion(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath, uri, errRes := s.requireFileURI(ctx, args)
	if errRes != nil {
		return errRes, nil
	}
	line := getIntArg(args, "line", 0)
	character := getIntArg(args, "character", 0)

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	key := cache.Key{Kind: cache.Completion, FilePath: filePath, Line: line, Character: character}
	raw, err := s.mgr.CachedQuery(ctx, filePath, "textDocument/completion", key, func() (json.RawMessage, error) {
		return client.Completion(ctx, uri, line, character)
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return rawJSONResult(raw), nil
}

func (s *Server) handleDefinition(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath, uri, errRes := s.requireFileURI(ctx, args)
	if errRes != nil {
		return errRes, nil
	}
	line := getIntArg(args, "line", 0)
	character := getIntArg(args, "character", 0)

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	var result *mcp.CallToolResult
	err = s.mgr.Benchmark("textDocument/definition", func() error {
		raw, callErr := client.Definition(ctx, uri, line, character)
		if callErr != nil {
			return callErr
		}
		result = rawJSONResult(raw)
		return nil
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return result, nil
}

func (s *Server) handleReferences(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath, uri, errRes := s.requireFileURI(ctx, args)
	if errRes != nil {
		return errRes, nil
	}
	line := getIntArg(args, "line", 0)
	character := getIntArg(args, "character", 0)
	includeDeclaration := true
	if _, ok := args["include_declaration"]; ok {
		includeDeclaration = getBoolArg(args, "include_declaration")
	}

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	var result *mcp.CallToolResult
	err = s.mgr.Benchmark("textDocument/references", func() error {
		raw, callErr := client.References(ctx, uri, line, character, includeDeclaration)
		if callErr != nil {
			return callErr
		}
		result = rawJSONResult(raw)
		return nil
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return result, nil
}

func (s *Server) handleDocumentSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath, uri, errRes := s.requireFileURI(ctx, args)
	if errRes != nil {
		return errRes, nil
	}

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	key := cache.Key{Kind: cache.DocumentSymbols, FilePath: filePath}
	raw, err := s.mgr.CachedQuery(ctx, filePath, "textDocument/documentSymbol", key, func() (json.RawMessage, error) {
		return client.DocumentSymbols(ctx, uri)
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return rawJSONResult(raw), nil
}

func (s *Server) handleWorkspaceSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath := getStringArg(args, "file_path")
	query := getStringArg(args, "query")
	if filePath == "" {
		return errResult("file_path is required"), nil
	}

	client, err := s.mgr.GetClient(ctx, filePath)
	if err != nil {
		return errFromLSP(err), nil
	}
	if query == "" {
		return rawJSONResult(json.RawMessage(`[]`)), nil
	}
	key := cache.Key{Kind: cache.WorkspaceSymbols, Query: query}
	raw, err := s.mgr.CachedQuery(ctx, filePath, "workspace/symbol", key, func() (json.RawMessage, error) {
		return client.WorkspaceSymbols(ctx, query)
	})
	if err != nil {
		return errFromLSP(err), nil
	}
	return rawJSONResult(raw), nil
}

func (s *Server) handleDiagnostics(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filePath := getStringArg(args, "file_path")
	if filePath == "" {
		return errResult("file_path is required"), nil
	}
	if _, err := s.mgr.GetClient(ctx, filePath); err != nil {
		return errFromLSP(err), nil
	}
	if err := s.mgr.EnsureDocumentOpen(ctx, filePath); err != nil {
		return errFromLSP(err), nil
	}

	raw, ok := s.mgr.Diagnostics(filePath)
	s.mgr.RecordCacheResult(ok)
	if !ok {
		return jsonResult(map[string]any{"file_path": filePath, "diagnostics": nil, "note": "no diagnostics published yet"}), nil
	}
	return rawJSONResult(raw), nil
}
