// Package ws implements the direct WebSocket carrier: a plain byte stream
// tunneled over a "tor" subprotocol WebSocket connection to a bridge that
// speaks the Tor link protocol on the other side.
package ws

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const subprotocol = "tor"

var dialer = websocket.Dialer{
	Subprotocols:     []string{subprotocol},
	HandshakeTimeout: 15 * time.Second,
}

// Dialer opens direct WebSocket carriers.
type Dialer struct{}

func (Dialer) Name() string { return "ws" }

// Dial connects to a ws:// or wss:// bridge address and returns a Carrier.
func (Dialer) Dial(addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	conn, resp, err := dialer.Dial(u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", u, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return newConn(conn), nil
}

// conn adapts a *websocket.Conn, which is message-framed, into the
// continuous byte stream net.Conn expects. Each WebSocket binary message
// carries an arbitrary slice of the underlying Tor cell stream; reads that
// don't consume a whole message are served from rdBuf on the next call.
type conn struct {
	ws    *websocket.Conn
	rdBuf bytes.Buffer
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (int, error) {
	if c.rdBuf.Len() > 0 {
		return c.rdBuf.Read(p)
	}
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		c.rdBuf.Write(data)
		return c.rdBuf.Read(p)
	}
}

func (c *conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error {
	return c.ws.Close()
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// NewFromConn wraps an already-established *websocket.Conn. No package in
// this module calls it; transport/webtunnel keeps its own wrapper.
func NewFromConn(ws *websocket.Conn) net.Conn {
	return newConn(ws)
}
