// Package broker implements the stateless WebRTC signaling matcher: bridges
// register an SDP offer and wait; clients request one and relay back an SDP
// answer. The broker never touches circuit traffic, only the SDP exchange
// that lets a client and a bridge find each other through NAT.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// registration is one bridge waiting in the pool for a client match.
type registration struct {
	id           string
	offer        webrtc.SessionDescription
	registeredAt time.Time
	answerCh     chan webrtc.SessionDescription
	matched      bool
}

// MaxPoolSize caps the number of tracked registrations a State holds at
// once, per spec.md §4.8's default bridge pool cap.
const MaxPoolSize = 10000

// State is the broker's whole mutable footprint: a FIFO pool of available
// bridge registrations, keyed for O(1) lookup on Answer. One mutex guards
// both views of the pool — the expected concurrency is modest (bridges and
// clients, not millions of peers), so a single lock keeps the matching
// logic easy to reason about rather than chasing lock-free structures.
type State struct {
	mu        sync.Mutex
	available []*registration // FIFO order, oldest first
	byID      map[string]*registration
	maxPool   int
}

// NewState creates an empty broker state with the default pool cap.
func NewState() *State {
	return &State{byID: make(map[string]*registration), maxPool: MaxPoolSize}
}

// Register adds a bridge's offer to the pool and returns its registration
// ID plus a channel that receives the matched client's answer, or is closed
// without a value if Sweep reaps the registration unmatched. Returns an
// error without registering if the pool is already at its cap.
func (s *State) Register(offer webrtc.SessionDescription) (id string, answerCh <-chan webrtc.SessionDescription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxPool := s.maxPool
	if maxPool <= 0 {
		maxPool = MaxPoolSize
	}
	if len(s.byID) >= maxPool {
		return "", nil, fmt.Errorf("broker: registration pool full (%d/%d)", len(s.byID), maxPool)
	}

	reg := &registration{
		id:           uuid.NewString(),
		offer:        offer,
		registeredAt: time.Now(),
		answerCh:     make(chan webrtc.SessionDescription, 1),
	}
	s.available = append(s.available, reg)
	s.byID[reg.id] = reg
	return reg.id, reg.answerCh, nil
}

// Request pops the oldest available registration for a client to answer.
// Returns ok=false if the pool is empty.
func (s *State) Request() (id string, offer webrtc.SessionDescription, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.available) == 0 {
		return "", webrtc.SessionDescription{}, false
	}
	reg := s.available[0]
	s.available = s.available[1:]
	return reg.id, reg.offer, true
}

// Answer delivers a client's SDP answer to the bridge that registered id.
// Returns an error if id is unknown or was already answered.
func (s *State) Answer(id string, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	reg, ok := s.byID[id]
	if ok {
		if reg.matched {
			ok = false
		} else {
			reg.matched = true
		}
	}
	delete(s.byID, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("broker: unknown or already-matched registration %q", id)
	}
	reg.answerCh <- answer
	close(reg.answerCh)
	return nil
}

// Sweep removes registrations older than maxAge that were never requested
// (still sitting in available) or were requested but never answered
// (stranded only in byID). This runs on its own schedule independent of
// Register/Request/Answer so a slow bridge doesn't block the match path.
func (s *State) Sweep(maxAge time.Duration) (removed int) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.available[:0]
	for _, reg := range s.available {
		if now.Sub(reg.registeredAt) > maxAge {
			delete(s.byID, reg.id)
			close(reg.answerCh)
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	s.available = kept

	for id, reg := range s.byID {
		if reg.matched {
			continue
		}
		if now.Sub(reg.registeredAt) > maxAge {
			delete(s.byID, id)
			close(reg.answerCh)
			removed++
		}
	}
	return removed
}

// Stats reports the current pool size and total tracked registrations, for
// the broker's /stats endpoint.
func (s *State) Stats() (available, tracked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available), len(s.byID)
}
