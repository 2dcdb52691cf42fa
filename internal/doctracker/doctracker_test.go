package doctracker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/codewright/lspbroker/internal/rpc"
)

// recordingServer drains framed JSON-RPC notifications sent by the
// client under test and makes each decoded method name available on a
// channel, the same shape rpc's own tests use to fake a server.
type recordingServer struct {
	methods chan string
}

func newTestClient(t *testing.T) (*rpc.Client, *recordingServer) {
	t.Helper()
	serverToClientR, serverToClientW := io.Pipe()
	clientToServerR, clientToServerW := io.Pipe()
	t.Cleanup(func() { serverToClientW.Close() })

	client := rpc.New(clientToServerW, serverToClientR, "/tmp/proj", time.Second, nil)
	t.Cleanup(client.Close)

	rec := &recordingServer{methods: make(chan string, 8)}
	go rec.drain(t, clientToServerR)
	return client, rec
}

func (s *recordingServer) drain(t *testing.T, r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		contentLength := -1
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					contentLength = n
				}
			}
		}
		if contentLength < 0 {
			return
		}
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return
		}
		var msg struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(buf, &msg); err == nil && msg.Method != "" {
			s.methods <- msg.Method
		}
	}
}

func (s *recordingServer) expect(t *testing.T, method string) {
	t.Helper()
	select {
	case got := <-s.methods:
		if got != method {
			t.Fatalf("expected notification %q, got %q", method, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", method)
	}
}

func (s *recordingServer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-s.methods:
		t.Fatalf("expected no notification, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenSendsDidOpenOnce(t *testing.T) {
	client, srv := newTestClient(t)
	tracker := New(nil)

	dir := t.TempDir()
	file := filepath.Join(dir, "main.rs")
	if err := os.WriteFile(file, []byte("fn main() {}"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := tracker.Open(context.Background(), client, file); err != nil {
		t.Fatalf("Open: %v", err)
	}
	srv.expect(t, "textDocument/didOpen")

	if !tracker.IsOpen(FileURI(file)) {
		t.Fatal("expected document to be tracked as open")
	}

	// Opening again is a no-op: no second didOpen.
	if err := tracker.Open(context.Background(), client, file); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	srv.expectNone(t)
}

func TestUpdateDedupsIdenticalContent(t *testing.T) {
	client, srv := newTestClient(t)
	tracker := New(nil)

	dir := t.TempDir()
	file := filepath.Join(dir, "main.rs")
	if err := os.WriteFile(file, []byte("fn main() {}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Open(context.Background(), client, file); err != nil {
		t.Fatal(err)
	}
	srv.expect(t, "textDocument/didOpen")

	if err := tracker.Update(context.Background(), client, file, "fn main() {}"); err != nil {
		t.Fatalf("Update (identical content): %v", err)
	}
	srv.expectNone(t)

	if err := tracker.Update(context.Background(), client, file, "fn main() { println!(\"hi\"); }"); err != nil {
		t.Fatalf("Update (changed content): %v", err)
	}
	srv.expect(t, "textDocument/didChange")
}

func TestCloseRemovesTracking(t *testing.T) {
	client, srv := newTestClient(t)
	tracker := New(nil)

	dir := t.TempDir()
	file := filepath.Join(dir, "main.rs")
	if err := os.WriteFile(file, []byte("fn main() {}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Open(context.Background(), client, file); err != nil {
		t.Fatal(err)
	}
	srv.expect(t, "textDocument/didOpen")

	if err := tracker.Close(context.Background(), client, file); err != nil {
		t.Fatalf("Close: %v", err)
	}
	srv.expect(t, "textDocument/didClose")

	if tracker.IsOpen(FileURI(file)) {
		t.Fatal("expected document to no longer be tracked")
	}
}
