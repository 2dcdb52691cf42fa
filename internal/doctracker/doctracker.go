// Package doctracker keeps each language server's view of open
// documents in sync with disk: open/update/close are first-class
// operations here, not a struct that nothing calls.
package doctracker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/codewright/lspbroker/internal/lsperr"
	"github.com/codewright/lspbroker/internal/rpc"
)

type docState struct {
	version uint64
	hash    uint64
}

// Tracker tracks one language server's open-document set, content
// hashes, and per-URI monotonic versions.
type Tracker struct {
	mu   sync.Mutex
	docs map[string]*docState

	logger *slog.Logger
}

// New builds an empty Tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{docs: make(map[string]*docState), logger: logger}
}

// IsOpen reports whether uri is currently tracked as open.
func (t *Tracker) IsOpen(uri string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.docs[uri]
	return ok
}

// OpenCount returns the number of currently open documents.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

// Open reads filePath, sends textDocument/didOpen if it is not already
// tracked, and starts tracking it at version 1.
func (t *Tracker) Open(ctx context.Context, client *rpc.Client, filePath string) error {
	uri := FileURI(filePath)

	t.mu.Lock()
	_, already := t.docs[uri]
	t.mu.Unlock()
	if already {
		return nil
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return lsperr.Wrap(err, lsperr.Sync, "read "+filePath)
	}

	params := map[string]any{
		"textDocument": map[string]any{
			"uri":        uri,
			"languageId": languageID(filePath),
			"version":    1,
			"text":       string(content),
		},
	}
	if err := client.SendNotification("textDocument/didOpen", params); err != nil {
		return lsperr.Wrap(err, lsperr.Sync, "didOpen "+filePath)
	}

	t.mu.Lock()
	t.docs[uri] = &docState{version: 1, hash: xxh3.Hash(content)}
	count := len(t.docs)
	t.mu.Unlock()

	t.logger.Debug("opened document", "uri", uri, "open_count", count)
	return nil
}

// Update sends textDocument/didChange with newContent as a full-document
// replacement, bumping the tracked version monotonically. If the
// document is not open yet, it opens it instead — new content is read
// from disk in that case, matching Open's semantics.
//
// If newContent hashes the same as the last tracked content, no
// notification is sent: this is the dedup the original Rust tracker
// lacked.
func (t *Tracker) Update(ctx context.Context, client *rpc.Client, filePath, newContent string) error {
	uri := FileURI(filePath)

	t.mu.Lock()
	state, open := t.docs[uri]
	t.mu.Unlock()
	if !open {
		return t.Open(ctx, client, filePath)
	}

	hash := xxh3.HashString(newContent)
	if hash == state.hash {
		return nil
	}

	nextVersion := state.version + 1
	params := map[string]any{
		"textDocument": map[string]any{"uri": uri, "version": nextVersion},
		"contentChanges": []map[string]any{
			{"text": newContent},
		},
	}
	if err := client.SendNotification("textDocument/didChange", params); err != nil {
		return lsperr.Wrap(err, lsperr.Sync, "didChange "+filePath)
	}

	t.mu.Lock()
	state.version = nextVersion
	state.hash = hash
	t.mu.Unlock()

	t.logger.Debug("updated document", "uri", uri, "version", nextVersion)
	return nil
}

// Close sends textDocument/didClose, if the document was open, and
// stops tracking it.
func (t *Tracker) Close(ctx context.Context, client *rpc.Client, filePath string) error {
	uri := FileURI(filePath)

	t.mu.Lock()
	_, open := t.docs[uri]
	t.mu.Unlock()
	if !open {
		return nil
	}

	params := map[string]any{"textDocument": map[string]string{"uri": uri}}
	if err := client.SendNotification("textDocument/didClose", params); err != nil {
		return lsperr.Wrap(err, lsperr.Sync, "didClose "+filePath)
	}

	t.mu.Lock()
	delete(t.docs, uri)
	count := len(t.docs)
	t.mu.Unlock()

	t.logger.Debug("closed document", "uri", uri, "open_count", count)
	return nil
}

// FileURI converts an absolute file path to a file:// URI the same way
// the LSP servers expect it.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	return "file://" + filepath.ToSlash(abs)
}

// PathFromURI converts a file:// URI back to a filesystem path, the
// inverse of FileURI. Non-file URIs are returned unchanged.
func PathFromURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func languageID(path string) string {
	switch filepath.Ext(path) {
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".py":
		return "python"
	default:
		return "text"
	}
}
