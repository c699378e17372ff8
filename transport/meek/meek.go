// Package meek implements the meek pluggable transport: an HTTP long-poll
// tunnel that looks like ordinary HTTPS traffic to a CDN-fronted endpoint.
// The worker-goroutine poll loop here follows the same shape as obfs4's
// meeklite client.
package meek

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	gourl "net/url"
	"sync"
	"time"
)

const (
	maxPayloadLength       = 0x10000
	maxChanBacklog         = 16
	initPollInterval       = 100 * time.Millisecond
	maxPollInterval        = 5 * time.Second
	pollIntervalMultiplier = 1.5
	maxRetries             = 10
	retryDelay             = 2 * time.Second
)

// Dialer opens meek carriers against a front-fronted HTTP endpoint.
type Dialer struct {
	// URL is the real meek server endpoint.
	URL string
	// Front, if set, is sent as the TLS SNI / connect host while URL's
	// Host is restored in the HTTP Host header, the classic domain-fronting
	// split.
	Front string
}

func (Dialer) Name() string { return "meek" }

func (d Dialer) Dial(addr string) (net.Conn, error) {
	target := d.URL
	if target == "" {
		target = addr
	}
	u, err := gourl.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("meek: parse url: %w", err)
	}
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("meek: session id: %w", err)
	}

	c := &conn{
		url:             u,
		front:           d.Front,
		sessionID:       id,
		roundTripper:    http.DefaultTransport,
		workerWrChan:    make(chan []byte, maxChanBacklog),
		workerRdChan:    make(chan []byte, maxChanBacklog),
		workerCloseChan: make(chan struct{}),
	}
	go c.ioWorker()
	return c, nil
}

// conn adapts meek's HTTP long-poll round trips into a net.Conn, exactly as
// meeklite's meekConn does: writes are queued to a worker goroutine which
// polls the server and republishes any reply onto the read channel.
type conn struct {
	url          *gourl.URL
	front        string
	sessionID    string
	roundTripper http.RoundTripper

	closeOnce       sync.Once
	workerWrChan    chan []byte
	workerRdChan    chan []byte
	workerCloseChan chan struct{}
	rdBuf           *bytes.Buffer
}

func (c *conn) Read(p []byte) (n int, err error) {
	if c.rdBuf != nil {
		n, err = c.rdBuf.Read(p)
		if c.rdBuf.Len() == 0 {
			c.rdBuf = nil
		}
		return
	}
	b, ok := <-c.workerRdChan
	if !ok {
		return 0, io.ErrClosedPipe
	}
	buf := bytes.NewBuffer(b)
	n, err = buf.Read(p)
	if buf.Len() > 0 {
		c.rdBuf = buf
	}
	return
}

func (c *conn) Write(p []byte) (int, error) {
	select {
	case <-c.workerCloseChan:
		return 0, io.ErrClosedPipe
	default:
	}
	if len(p) == 0 {
		return 0, nil
	}
	cp := append([]byte{}, p...)
	select {
	case c.workerWrChan <- cp:
		return len(p), nil
	case <-c.workerCloseChan:
		return 0, io.ErrClosedPipe
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.workerCloseChan) })
	return nil
}

func (c *conn) LocalAddr() net.Addr  { return meekAddr{} }
func (c *conn) RemoteAddr() net.Addr { return meekAddr{target: c.url.String()} }

func (c *conn) SetDeadline(t time.Time) error      { return nil }
func (c *conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *conn) SetWriteDeadline(t time.Time) error { return nil }

func (c *conn) roundTrip(body []byte) ([]byte, error) {
	var lastErr error
	for try := 0; try < maxRetries; try++ {
		u := *c.url
		host := u.Host
		if c.front != "" {
			u.Host = c.front
		}
		var rd io.Reader
		if len(body) > 0 {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequest(http.MethodPost, u.String(), rd)
		if err != nil {
			return nil, err
		}
		if c.front != "" {
			req.Host = host
		}
		req.Header.Set("X-Session-Id", c.sessionID)
		req.Header.Set("X-Target", host)

		resp, err := c.roundTripper.RoundTrip(req)
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("meek: status %d", resp.StatusCode)
			time.Sleep(retryDelay)
			continue
		}
		out, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadLength))
		resp.Body.Close()
		return out, err
	}
	return nil, lastErr
}

func (c *conn) ioWorker() {
	interval := initPollInterval
	var leftBuf []byte

loop:
	for {
		var sndBuf []byte
		select {
		case <-time.After(interval):
		case sndBuf = <-c.workerWrChan:
		case <-c.workerCloseChan:
			break loop
		}

		sndBuf = append(leftBuf, sndBuf...)
		for len(c.workerWrChan) > 0 && len(sndBuf) < maxPayloadLength {
			sndBuf = append(sndBuf, (<-c.workerWrChan)...)
		}
		wrSz := len(sndBuf)
		if wrSz > maxPayloadLength {
			wrSz = maxPayloadLength
		}

		rdBuf, err := c.roundTrip(sndBuf[:wrSz])
		if err != nil {
			break loop
		}
		leftBuf = sndBuf[wrSz:]
		if len(leftBuf) == 0 {
			leftBuf = nil
		}

		switch {
		case len(rdBuf) > 0:
			c.workerRdChan <- rdBuf
			interval = 0
		case wrSz > 0:
			interval = 0
		case interval == 0:
			interval = initPollInterval
		default:
			interval = time.Duration(float64(interval) * pollIntervalMultiplier)
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
		}
	}

	close(c.workerRdChan)
	close(c.workerWrChan)
	_ = c.Close()
}

type meekAddr struct{ target string }

func (meekAddr) Network() string      { return "meek" }
func (a meekAddr) String() string     { return a.target }

func newSessionID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	h := sha256.Sum256(b[:])
	return hex.EncodeToString(h[:16]), nil
}
