// Package rpc is the JSON-RPC 2.0 client that talks to one language
// server over its subprocess's standard input/output pipes, framed by
// Content-Length headers as the Language Server Protocol requires.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/codewright/lspbroker/internal/lsperr"
)

// DefaultTimeout is used when LSP_TIMEOUT is unset (internal/config
// reads the environment; this package only ever sees a time.Duration).
const DefaultTimeout = 60 * time.Second

const notifyBufferSize = 100

type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notification is a server-to-client JSON-RPC notification.
type Notification struct {
	Method string
	Params json.RawMessage
}

type subscriber struct {
	ch      chan Notification
	dropped uint64
}

// Client is one JSON-RPC connection to a single language-server
// subprocess. The caller owns spawning the subprocess; Client only
// owns its stdin/stdout pipes.
type Client struct {
	projectPath string
	timeout     time.Duration
	logger      *slog.Logger

	nextID uint64

	writeCh chan []byte

	mu      sync.Mutex
	pending map[uint64]chan jsonrpcMessage

	subMu sync.Mutex
	subs  []*subscriber

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps stdin/stdout for projectPath and starts the reader/writer
// goroutines. timeout of 0 uses DefaultTimeout.
func New(stdin io.WriteCloser, stdout io.Reader, projectPath string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		projectPath: projectPath,
		timeout:     timeout,
		logger:      logger.With("component", "rpc", "project", projectPath),
		writeCh:     make(chan []byte, 64),
		pending:     make(map[uint64]chan jsonrpcMessage),
		done:        make(chan struct{}),
	}
	go c.writeLoop(stdin)
	go c.readLoop(stdout)
	return c
}

func (c *Client) writeLoop(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case <-c.done:
			return
		case payload, ok := <-c.writeCh:
			if !ok {
				return
			}
			frame := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
			if _, err := io.WriteString(stdin, frame); err != nil {
				c.logger.Warn("write header failed", "error", err)
				return
			}
			if _, err := stdin.Write(payload); err != nil {
				c.logger.Warn("write body failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		payload, err := readFramedMessage(reader)
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("read message failed", "error", err)
			}
			c.closeAll()
			return
		}
		var msg jsonrpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("malformed json-rpc message", "error", err)
			continue
		}
		c.handleIncoming(msg)
	}
}

// readFramedMessage reads header lines until a blank line, extracts
// Content-Length, then reads exactly that many bytes. Other headers
// are ignored.
func readFramedMessage(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, convErr := strconv.Atoi(strings.TrimSpace(value))
			if convErr != nil {
				return nil, lsperr.New(lsperr.Protocol, "malformed Content-Length header")
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, lsperr.New(lsperr.Protocol, "missing Content-Length header")
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, lsperr.Wrap(err, lsperr.Protocol, "truncated message body")
	}
	if !utf8.Valid(buf) {
		return nil, lsperr.New(lsperr.Protocol, "message body is not valid UTF-8")
	}
	return buf, nil
}

func (c *Client) handleIncoming(msg jsonrpcMessage) {
	switch {
	case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.ID == nil && msg.Method != "":
		c.broadcast(Notification{Method: msg.Method, Params: msg.Params})
	case msg.ID != nil && msg.Method != "":
		c.logger.Warn("ignoring inbound request from server", "method", msg.Method)
	}
}

func (c *Client) broadcast(n Notification) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		select {
		case s.ch <- n:
		default:
			s.dropped++
			c.logger.Warn("notification subscriber lagging", "method", n.Method, "dropped", s.dropped)
		}
	}
}

// Subscribe returns a channel of future notifications. The channel is
// bounded and lag-tolerant: a slow subscriber sees gaps, never blocks
// the reader goroutine.
func (c *Client) Subscribe() <-chan Notification {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	s := &subscriber{ch: make(chan Notification, notifyBufferSize)}
	c.subs = append(c.subs, s)
	return s.ch
}

// WaitForNotification blocks on ch until a notification with the given
// method arrives or ctx is done.
func WaitForNotification(ctx context.Context, ch <-chan Notification, method string) (Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return Notification{}, lsperr.Wrap(ctx.Err(), lsperr.Timeout, "waiting for notification "+method)
		case n, ok := <-ch:
			if !ok {
				return Notification{}, lsperr.New(lsperr.Protocol, "notification channel closed")
			}
			if n.Method == method {
				return n, nil
			}
		}
	}
}

func (c *Client) closeAll() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		c.subMu.Lock()
		for _, s := range c.subs {
			close(s.ch)
		}
		c.subs = nil
		c.subMu.Unlock()
	})
}

// SendRequest sends a JSON-RPC request and waits for its reply or the
// client's configured timeout, whichever comes first.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Protocol, "marshal request params")
	}
	msg := jsonrpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsJSON}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, lsperr.Wrap(err, lsperr.Protocol, "marshal request")
	}

	replyCh := make(chan jsonrpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = replyCh
	c.mu.Unlock()

	select {
	case c.writeCh <- payload:
	case <-c.done:
		c.removePending(id)
		return nil, lsperr.New(lsperr.Availability, "client is shut down")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, lsperr.New(lsperr.Protocol, "response channel closed")
		}
		if reply.Error != nil {
			return nil, lsperr.New(lsperr.SemanticReply, fmt.Sprintf("LSP error %d: %s", reply.Error.Code, reply.Error.Message))
		}
		return reply.Result, nil
	case <-timeoutCtx.Done():
		c.removePending(id)
		return nil, lsperr.New(lsperr.Timeout, fmt.Sprintf("request %q timed out after %s", method, c.timeout))
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SendNotification sends a JSON-RPC notification (no id, no reply).
func (c *Client) SendNotification(method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return lsperr.Wrap(err, lsperr.Protocol, "marshal notification params")
	}
	msg := jsonrpcMessage{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	payload, err := json.Marshal(msg)
	if err != nil {
		return lsperr.Wrap(err, lsperr.Protocol, "marshal notification")
	}
	select {
	case c.writeCh <- payload:
		return nil
	case <-c.done:
		return lsperr.New(lsperr.Availability, "client is shut down")
	}
}

// Close stops the writer goroutine, fails every pending request, and
// closes every subscriber channel. The reader goroutine exits only when
// the server's stdout reaches EOF or a read fails.
func (c *Client) Close() {
	c.closeAll()
}
