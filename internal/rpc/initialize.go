package rpc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/codewright/lspbroker/internal/lsperr"
)

// ClientInfo identifies this broker to the language server during the
// initialize handshake. The name deliberately does not leak any
// internal product name; it is simply this repository's own name.
var ClientInfo = struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}{Name: "lspbroker", Version: "0.1.0"}

type initializeParams struct {
	ProcessID        int                `json:"processId"`
	ClientInfo       any                `json:"clientInfo"`
	Capabilities     clientCapabilities `json:"capabilities"`
	WorkspaceFolders []workspaceFolder  `json:"workspaceFolders"`
	Trace            string             `json:"trace"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type clientCapabilities struct {
	Workspace    workspaceCapabilities    `json:"workspace"`
	TextDocument textDocumentCapabilities `json:"textDocument"`
}

type workspaceCapabilities struct {
	Configuration         bool                  `json:"configuration"`
	DidChangeWatchedFiles didChangeWatchedFiles `json:"didChangeWatchedFiles"`
}

type didChangeWatchedFiles struct {
	DynamicRegistration    bool `json:"dynamicRegistration"`
	RelativePatternSupport bool `json:"relativePatternSupport"`
}

type textDocumentCapabilities struct {
	Hover          hoverCapability          `json:"hover"`
	Completion     completionCapability     `json:"completion"`
	Definition     definitionCapability     `json:"definition"`
	References     referencesCapability     `json:"references"`
	DocumentSymbol documentSymbolCapability `json:"documentSymbol"`
}

type hoverCapability struct {
	DynamicRegistration bool     `json:"dynamicRegistration"`
	ContentFormat       []string `json:"contentFormat"`
}

type completionCapability struct {
	DynamicRegistration bool                      `json:"dynamicRegistration"`
	CompletionItem      completionItemCapability  `json:"completionItem"`
}

type completionItemCapability struct {
	SnippetSupport bool                     `json:"snippetSupport"`
	ResolveSupport resolveSupportCapability `json:"resolveSupport"`
}

type resolveSupportCapability struct {
	Properties []string `json:"properties"`
}

type definitionCapability struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	LinkSupport         bool `json:"linkSupport"`
}

type referencesCapability struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
}

type documentSymbolCapability struct {
	DynamicRegistration              bool `json:"dynamicRegistration"`
	HierarchicalDocumentSymbolSupport bool `json:"hierarchicalDocumentSymbolSupport"`
}

// InitializeResult is the subset of the server's initialize reply this
// broker cares about: its negotiated capability set.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// Initialize performs the LSP initialize/initialized handshake and
// returns the server's negotiated capabilities. initialized is sent
// exactly once, as part of this call — callers must not send it again.
func (c *Client) Initialize(ctx context.Context, projectRoot string) (*InitializeResult, error) {
	params := initializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: ClientInfo,
		Trace:      "off",
		WorkspaceFolders: []workspaceFolder{{
			URI:  "file://" + projectRoot,
			Name: filepath.Base(projectRoot),
		}},
		Capabilities: clientCapabilities{
			Workspace: workspaceCapabilities{
				Configuration: true,
				DidChangeWatchedFiles: didChangeWatchedFiles{
					DynamicRegistration:    false,
					RelativePatternSupport: true,
				},
			},
			TextDocument: textDocumentCapabilities{
				Hover: hoverCapability{
					DynamicRegistration: false,
					ContentFormat:       []string{"markdown", "plaintext"},
				},
				Completion: completionCapability{
					DynamicRegistration: false,
					CompletionItem: completionItemCapability{
						SnippetSupport: true,
						ResolveSupport: resolveSupportCapability{
							Properties: []string{"documentation", "detail"},
						},
					},
				},
				Definition: definitionCapability{
					DynamicRegistration: false,
					LinkSupport:         true,
				},
				References: referencesCapability{DynamicRegistration: false},
				DocumentSymbol: documentSymbolCapability{
					DynamicRegistration:               false,
					HierarchicalDocumentSymbolSupport: true,
				},
			},
		},
	}

	raw, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "initialize handshake failed")
	}

	var result InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, lsperr.Wrap(err, lsperr.Protocol, "decode initialize result")
		}
	}

	if err := c.SendNotification("initialized", struct{}{}); err != nil {
		return nil, lsperr.Wrap(err, lsperr.Availability, "send initialized notification")
	}

	return &result, nil
}

// Shutdown sends the shutdown request (best effort) followed by the
// exit notification. Errors are logged here and not returned (it
// always returns nil), matching the LSP spec's tolerance for a server that is
// already gone.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, err := c.SendRequest(ctx, "shutdown", nil); err != nil {
		c.logger.Warn("shutdown request failed", "error", err)
	}
	if err := c.SendNotification("exit", nil); err != nil {
		c.logger.Warn("exit notification failed", "error", err)
	}
	return nil
}

// Hover, Completion, Definition, References, DocumentSymbols, and
// WorkspaceSymbols are thin typed wrappers over SendRequest for the
// LSP methods this broker exposes.

func (c *Client) Hover(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/hover", textDocumentPositionParams(uri, line, character))
}

func (c *Client) Completion(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/completion", textDocumentPositionParams(uri, line, character))
}

func (c *Client) Definition(ctx context.Context, uri string, line, character int) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/definition", textDocumentPositionParams(uri, line, character))
}

func (c *Client) References(ctx context.Context, uri string, line, character int, includeDeclaration bool) (json.RawMessage, error) {
	params := map[string]any{
		"textDocument": map[string]string{"uri": uri},
		"position":     map[string]int{"line": line, "character": character},
		"context":      map[string]bool{"includeDeclaration": includeDeclaration},
	}
	return c.SendRequest(ctx, "textDocument/references", params)
}

func (c *Client) DocumentSymbols(ctx context.Context, uri string) (json.RawMessage, error) {
	params := map[string]any{"textDocument": map[string]string{"uri": uri}}
	return c.SendRequest(ctx, "textDocument/documentSymbol", params)
}

func (c *Client) WorkspaceSymbols(ctx context.Context, query string) (json.RawMessage, error) {
	return c.SendRequest(ctx, "workspace/symbol", map[string]string{"query": query})
}

func textDocumentPositionParams(uri string, line, character int) map[string]any {
	return map[string]any{
		"textDocument": map[string]string{"uri": uri},
		"position":     map[string]int{"line": line, "character": character},
	}
}
