package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultWSReadLimit is the largest single protocol message accepted.
const defaultWSReadLimit = 16 << 20

// WebSocketTransport carries protocol messages as websocket text frames,
// one JSON-RPC message per frame.
type WebSocketTransport struct {
	URL        string
	HTTPClient *http.Client
	Header     http.Header

	// ReadLimit overrides the maximum message size. Zero means 16 MiB.
	ReadLimit int64
}

var _ mcp.Transport = (*WebSocketTransport)(nil)

// Connect dials the server.
func (t *WebSocketTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient:   t.HTTPClient,
		HTTPHeader:   t.Header,
		Subprotocols: []string{"mcp"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultWSReadLimit
	}
	conn.SetReadLimit(limit)

	return newWSConn(conn), nil
}

// wsConn adapts a websocket connection to mcp.Connection.
type wsConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Read returns io.EOF once the peer closes the connection, so the session
// sees a clean end of stream.
func (c *wsConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if isNormalClose(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected websocket message type %v", typ)
	}
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

func (c *wsConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if isNormalClose(err) {
			return mcp.ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
		if isNormalClose(c.closeErr) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *wsConn) SessionID() string { return "" }

func isNormalClose(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
