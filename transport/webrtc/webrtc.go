// Package webrtc implements the WebRTC data-channel carrier. A browser-
// hostable Tor client can open this carrier without any listening socket at
// all: NAT traversal and the initial SDP exchange are handled by pion/webrtc
// and a signaling broker (see package broker), and once connected the data
// channel behaves like any other net.Conn carrier.
package webrtc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "tor-transport"

// maxBufferedAmount is the DataChannel.BufferedAmount threshold above which
// Write blocks until OnBufferedAmountLow fires, so a slow SCTP path applies
// back-pressure instead of buffering unboundedly in userspace.
const maxBufferedAmount = 1 << 20 // 1 MiB

// Signaler locates a waiting bridge through the broker and completes the
// SDP exchange as the answering side: the bridge is the offerer (it opens
// the data channel and registers first), the client claims that offer and
// answers it, matching broker.Client's request/answer flow.
type Signaler interface {
	RequestOffer(ctx context.Context) (session Responder, id string, offer webrtc.SessionDescription, err error)
}

// Responder completes a signaling match once the client has its own SDP
// answer ready. broker.Session implements this.
type Responder interface {
	SendAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error
}

// Dialer opens WebRTC data-channel carriers via a Signaler.
type Dialer struct {
	Signaler Signaler
	Config   webrtc.Configuration
}

func (Dialer) Name() string { return "webrtc" }

// Dial ignores addr — the Signaler, not a hostname, determines which peer
// this negotiates with — and returns once the data channel is open.
func (d Dialer) Dial(addr string) (net.Conn, error) {
	if d.Signaler == nil {
		return nil, fmt.Errorf("webrtc: no signaler configured")
	}

	negotiateCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	session, id, offer, err := d.Signaler.RequestOffer(negotiateCtx)
	if err != nil {
		return nil, fmt.Errorf("webrtc: request offer: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(d.Config)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	c := newConn(pc, nil)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.bind(dc)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	<-gatherComplete

	if err := session.SendAnswer(negotiateCtx, id, *pc.LocalDescription()); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: send answer: %w", err)
	}

	select {
	case <-c.openCh:
	case <-time.After(30 * time.Second):
		pc.Close()
		return nil, fmt.Errorf("webrtc: data channel did not open in time")
	}
	return c, nil
}

// OfferRegistrar advertises a local SDP offer through the broker and
// returns the matched client's SDP answer. broker.RegisterOffer has this
// shape once its brokerURL argument is bound in a closure.
type OfferRegistrar func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// Accept is the bridge side of the WebRTC carrier: it creates the data
// channel and SDP offer, advertises the offer via registrar, and blocks
// until the matched client's answer completes the connection.
func Accept(registrar OfferRegistrar, config webrtc.Configuration) (net.Conn, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create data channel: %w", err)
	}
	c := newConn(pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set local description: %w", err)
	}
	<-gatherComplete

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	answer, err := registrar(ctx, *pc.LocalDescription())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: register offer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtc: set remote description: %w", err)
	}

	select {
	case <-c.openCh:
	case <-time.After(30 * time.Second):
		pc.Close()
		return nil, fmt.Errorf("webrtc: data channel did not open in time")
	}
	return c, nil
}

// conn adapts a pion DataChannel into a net.Conn.
type conn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openCh   chan struct{}
	openOnce sync.Once

	mu     sync.Mutex
	rdBuf  bytes.Buffer
	rdCond *sync.Cond
	closed bool

	lowCh chan struct{}
}

func newConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *conn {
	c := &conn{
		pc:     pc,
		openCh: make(chan struct{}),
		lowCh:  make(chan struct{}, 1),
	}
	c.rdCond = sync.NewCond(&c.mu)
	if dc != nil {
		c.bind(dc)
	}
	return c
}

// bind wires a DataChannel's callbacks once it exists — immediately for the
// offering side (it created dc itself), or from OnDataChannel for the
// answering side, which only learns of dc after the remote description is
// set.
func (c *conn) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(maxBufferedAmount / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.openCh) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		c.rdBuf.Write(msg.Data)
		c.rdCond.Signal()
		c.mu.Unlock()
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.closed = true
		c.rdCond.Broadcast()
		c.mu.Unlock()
	})
}

func (c *conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.rdBuf.Len() == 0 && !c.closed {
		c.rdCond.Wait()
	}
	if c.rdBuf.Len() == 0 {
		return 0, net.ErrClosed
	}
	return c.rdBuf.Read(p)
}

func (c *conn) Write(p []byte) (int, error) {
	for c.dc.BufferedAmount() > maxBufferedAmount {
		select {
		case <-c.lowCh:
		case <-time.After(time.Second):
		}
	}
	if err := c.dc.Send(p); err != nil {
		return 0, fmt.Errorf("webrtc: send: %w", err)
	}
	return len(p), nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.rdCond.Broadcast()
	c.mu.Unlock()
	_ = c.dc.Close()
	return c.pc.Close()
}

func (c *conn) LocalAddr() net.Addr                { return addr{} }
func (c *conn) RemoteAddr() net.Addr               { return addr{} }
func (c *conn) SetDeadline(t time.Time) error       { return nil }
func (c *conn) SetReadDeadline(t time.Time) error   { return nil }
func (c *conn) SetWriteDeadline(t time.Time) error  { return nil }

type addr struct{}

func (addr) Network() string { return "webrtc" }
func (addr) String() string  { return "webrtc-datachannel" }

func boolPtr(b bool) *bool { return &b }
