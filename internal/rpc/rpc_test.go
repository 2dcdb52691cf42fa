package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

// pipeServer is a minimal in-process stand-in for a language-server
// subprocess: it reads framed requests from the pipe the client uses as
// its stdin (what the client writes) and writes framed replies to the
// pipe the client uses as its stdout (what the client reads), letting
// tests drive both ends without a real process.
type pipeServer struct {
	toClient   *io.PipeWriter
	fromClient *io.PipeReader
	reader     *bufio.Reader
}

func newClientAndServer(t *testing.T, timeout time.Duration) (*Client, *pipeServer) {
	t.Helper()
	serverToClientR, serverToClientW := io.Pipe()
	clientToServerR, clientToServerW := io.Pipe()

	client := New(clientToServerW, serverToClientR, "/tmp/proj", timeout, nil)
	t.Cleanup(client.Close)

	srv := &pipeServer{
		toClient:   serverToClientW,
		fromClient: clientToServerR,
		reader:     bufio.NewReader(clientToServerR),
	}
	return client, srv
}

func (s *pipeServer) readRequest(t *testing.T) jsonrpcMessage {
	t.Helper()
	payload, err := readFramedMessage(s.reader)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var msg jsonrpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("server unmarshal: %v", err)
	}
	return msg
}

func (s *pipeServer) writeReply(t *testing.T, id uint64, result any) {
	t.Helper()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	msg := jsonrpcMessage{JSONRPC: "2.0", ID: &id, Result: resultJSON}
	s.write(t, msg)
}

func (s *pipeServer) write(t *testing.T, msg jsonrpcMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(s.toClient, frame); err != nil {
		t.Fatal(err)
	}
	if _, err := s.toClient.Write(payload); err != nil {
		t.Fatal(err)
	}
}

func TestFramingRoundTrip(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	buf := bufio.NewReader(bytes.NewReader(append([]byte(frame), payload...)))

	got, err := readFramedMessage(buf)
	if err != nil {
		t.Fatalf("readFramedMessage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %s, want %s", got, payload)
	}
}

func TestFramingEmptyBody(t *testing.T) {
	frame := "Content-Length: 0\r\n\r\n"
	buf := bufio.NewReader(bytes.NewReader([]byte(frame)))
	got, err := readFramedMessage(buf)
	if err != nil {
		t.Fatalf("readFramedMessage: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestSendRequestReceivesReply(t *testing.T) {
	client, srv := newClientAndServer(t, time.Second)

	go func() {
		req := srv.readRequest(t)
		srv.writeReply(t, *req.ID, map[string]string{"contents": "hello"})
	}()

	result, err := client.SendRequest(context.Background(), "textDocument/hover", map[string]string{})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["contents"] != "hello" {
		t.Fatalf("unexpected result: %+v", decoded)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	client, _ := newClientAndServer(t, 30*time.Millisecond)

	_, err := client.SendRequest(context.Background(), "textDocument/hover", map[string]string{})
	if err == nil {
		t.Fatal("expected a timeout error")
	}

	client.mu.Lock()
	pendingCount := len(client.pending)
	client.mu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("expected pending map to be empty after timeout, got %d entries", pendingCount)
	}
}

func TestSemanticErrorSurfaced(t *testing.T) {
	client, srv := newClientAndServer(t, time.Second)

	go func() {
		req := srv.readRequest(t)
		msg := jsonrpcMessage{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
		srv.write(t, msg)
	}()

	_, err := client.SendRequest(context.Background(), "textDocument/hover", map[string]string{})
	if err == nil {
		t.Fatal("expected a semantic-reply error")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	client, _ := newClientAndServer(t, time.Second)
	sub := client.Subscribe()

	client.Close()

	select {
	case _, ok := <-sub:
		if ok {
			t.Fatal("expected subscriber channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber channel to close after Close")
	}
}

func TestNotificationBroadcast(t *testing.T) {
	client, srv := newClientAndServer(t, time.Second)
	sub := client.Subscribe()

	go func() {
		srv.write(t, jsonrpcMessage{JSONRPC: "2.0", Method: "textDocument/publishDiagnostics", Params: json.RawMessage(`{"uri":"file:///a.rs"}`)})
	}()

	select {
	case n := <-sub:
		if n.Method != "textDocument/publishDiagnostics" {
			t.Fatalf("unexpected method %q", n.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
