// Package shaper implements outbound traffic shaping for circuit data:
// padding injection, idle chaff, and profile-based size/timing emulation
// that makes a circuit's byte pattern resemble chat, ticker, or video
// traffic instead of a raw Tor stream. It sits between stream.Stream and
// circuit.Circuit the way the circuit engine's own padding negotiation
// sits between relay cells and the link — see circuit.SendRelayEarly for
// the sibling budget-enforcement pattern this package's PADDING injection
// follows.
package shaper

import (
	"math/rand"
	"time"

	"github.com/wisptor/wisp-core/config"
)

// Mode selects which shaping behavior ShapeOutbound applies.
type Mode int

const (
	ModeNone Mode = iota
	ModePadded
	ModeChat
	ModeTicker
	ModeVideo
)

func modeFromProfile(p config.ShaperProfile) Mode {
	switch p {
	case config.ShaperPadded:
		return ModePadded
	case config.ShaperChat:
		return ModeChat
	case config.ShaperTicker:
		return ModeTicker
	case config.ShaperVideo:
		return ModeVideo
	default:
		return ModeNone
	}
}

// profile bounds message size (bytes) and inter-message delay for a
// given emulation mode, drawn independently per fragment.
type profile struct {
	minSize, maxSize int
	minDelay, maxDelay time.Duration
}

var profiles = map[Mode]profile{
	ModeChat:   {minSize: 50, maxSize: 200, minDelay: 0, maxDelay: 50 * time.Millisecond},
	ModeTicker: {minSize: 20, maxSize: 100, minDelay: 0, maxDelay: 50 * time.Millisecond},
	ModeVideo:  {minSize: 800, maxSize: 1200, minDelay: 0, maxDelay: 50 * time.Millisecond},
}

// paddingProbability is the per-cell chance Shaper injects a PADDING cell
// in ModePadded, independent of whether real data is also being sent.
const paddingProbability = 0.08

// chaffIdleThreshold is how long a circuit may sit with no outbound data
// before Shaper injects a chaff cell to keep its timing signature busy.
const chaffIdleThreshold = 2 * time.Second

// Fragment is one outbound unit after shaping: a piece of real data, split
// to fit a profile's message-size distribution. ShapeOutbound never sets
// Padding; PADDING cells are sent separately, when ShouldPad fires.
type Fragment struct {
	Data    []byte
	Padding bool
	Delay   time.Duration
}

// Shaper rewrites an outbound byte stream into a sequence of Fragments
// according to Mode and, when Paranoid is set, layers chaff padding on top
// of whatever profile is active.
type Shaper struct {
	mode     Mode
	paranoid bool
	lastSend time.Time
}

// New builds a Shaper from a config.Config's ShaperProfile/Paranoid fields.
func New(cfg config.Config) *Shaper {
	return &Shaper{
		mode:     modeFromProfile(cfg.ShaperProfile),
		paranoid: cfg.Paranoid,
		lastSend: time.Now(),
	}
}

// ShapeOutbound splits p into Fragments per the active profile. Order is
// always preserved: the caller must send Fragments in the returned slice
// order, since profile emulation depends on message boundaries matching the
// profile's expected distribution.
func (s *Shaper) ShapeOutbound(p []byte) []Fragment {
	s.lastSend = time.Now()

	prof, profiled := profiles[s.mode]
	if !profiled {
		return []Fragment{{Data: p}}
	}

	var out []Fragment
	for len(p) > 0 {
		size := prof.minSize + rand.Intn(prof.maxSize-prof.minSize+1)
		if size > len(p) {
			size = len(p)
		}
		chunk := p[:size]
		p = p[size:]
		delay := prof.minDelay + time.Duration(rand.Int63n(int64(prof.maxDelay-prof.minDelay)+1))
		out = append(out, Fragment{Data: chunk, Delay: delay})
	}
	return out
}

// ShouldPad reports whether a PADDING cell should be injected on this tick,
// per ModePadded's probabilistic schedule or a Paranoid idle chaff timeout.
func (s *Shaper) ShouldPad() bool {
	if s.mode == ModePadded && rand.Float64() < paddingProbability {
		return true
	}
	if s.paranoid && time.Since(s.lastSend) > chaffIdleThreshold {
		return true
	}
	return false
}

// NotePad records that a padding/chaff cell was just sent, resetting the
// idle clock ShouldPad's Paranoid check uses.
func (s *Shaper) NotePad() {
	s.lastSend = time.Now()
}

// Mode reports the active shaping mode, mainly for logging/diagnostics.
func (s *Shaper) Mode() Mode { return s.mode }
