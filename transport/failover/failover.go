// Package failover composes an ordered list of transport.Dialer carriers
// into a single policy: try each in order, give up on a candidate after its
// connect timeout, and remember which one worked so the next circuit to the
// same bridge skips straight to it.
package failover

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wisptor/wisp-core/transport"
)

// connectTimeout bounds how long a single carrier candidate gets before
// failover moves to the next one.
const connectTimeout = 10 * time.Second

// earlyCloseGrace is how long VerifyAlive watches a just-opened carrier for
// an early close. Policy.Dial does not call VerifyAlive, so an early close
// does not make the policy move on to the next candidate.
const earlyCloseGrace = 3 * time.Second

// Policy tries a fixed, ordered list of dialers per bridge address and
// caches the first one that succeeds so repeat circuits to the same bridge
// don't re-pay the cost of probing dead transports.
type Policy struct {
	dialers []transport.Dialer

	mu    sync.Mutex
	cache map[string]transport.Dialer
}

// NewPolicy builds a failover policy trying dialers in the given order.
func NewPolicy(dialers ...transport.Dialer) *Policy {
	return &Policy{
		dialers: dialers,
		cache:   make(map[string]transport.Dialer),
	}
}

// Dial tries each configured dialer against addr in order, returning the
// first carrier that connects. A cached winner for addr is tried first.
func (p *Policy) Dial(addr string) (transport.Carrier, error) {
	order := p.orderFor(addr)
	if len(order) == 0 {
		return nil, fmt.Errorf("failover: no carriers configured")
	}

	var lastErr error
	for _, d := range order {
		c, err := dialWithTimeout(d, addr)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", d.Name(), err)
			continue
		}
		p.remember(addr, d)
		return c, nil
	}
	return nil, fmt.Errorf("failover: all carriers failed for %s: %w", addr, lastErr)
}

func (p *Policy) orderFor(addr string) []transport.Dialer {
	p.mu.Lock()
	winner, ok := p.cache[addr]
	p.mu.Unlock()
	if !ok {
		return p.dialers
	}

	order := make([]transport.Dialer, 0, len(p.dialers))
	order = append(order, winner)
	for _, d := range p.dialers {
		if d.Name() != winner.Name() {
			order = append(order, d)
		}
	}
	return order
}

func (p *Policy) remember(addr string, d transport.Dialer) {
	p.mu.Lock()
	p.cache[addr] = d
	p.mu.Unlock()
}

// Forget clears the cached winning carrier for addr, so the next Dial for
// addr tries the dialers in their configured order again.
func (p *Policy) Forget(addr string) {
	p.mu.Lock()
	delete(p.cache, addr)
	p.mu.Unlock()
}

func dialWithTimeout(d transport.Dialer, addr string) (transport.Carrier, error) {
	type result struct {
		c   transport.Carrier
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := d.Dial(addr)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		return r.c, r.err
	case <-time.After(connectTimeout):
		go func() {
			if r := <-ch; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, fmt.Errorf("connect timed out after %s", connectTimeout)
	}
}

// VerifyAlive performs a minimal liveness check on a freshly dialed carrier:
// it must not close within earlyCloseGrace. Used by callers that want to
// fail over immediately on bridges that accept TCP/WS but then drop the
// connection before the link handshake even starts.
func VerifyAlive(c net.Conn) error {
	_ = c.SetReadDeadline(time.Now().Add(earlyCloseGrace))
	defer c.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := c.Read(one)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}
	return nil
}
