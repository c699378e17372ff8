package shaper

import (
	"bytes"
	"testing"

	"github.com/wisptor/wisp-core/config"
)

func TestShapeOutboundNoneModePassesThrough(t *testing.T) {
	s := New(config.Config{ShaperProfile: config.ShaperNone})
	data := []byte("hello world")
	frags := s.ShapeOutbound(data)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment for ModeNone, got %d", len(frags))
	}
	if !bytes.Equal(frags[0].Data, data) {
		t.Fatal("data mismatch in passthrough mode")
	}
}

func TestShapeOutboundChatFragmentsAndPreservesOrder(t *testing.T) {
	s := New(config.Config{ShaperProfile: config.ShaperChat})
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 256)
	}
	frags := s.ShapeOutbound(data)
	if len(frags) < 2 {
		t.Fatalf("expected chat profile to fragment %d bytes, got %d fragments", len(data), len(frags))
	}

	var reassembled []byte
	for _, f := range frags {
		if len(f.Data) < 50 || len(f.Data) > 200 {
			if len(reassembled)+len(f.Data) != len(data) {
				t.Fatalf("fragment size %d out of chat profile bounds", len(f.Data))
			}
		}
		reassembled = append(reassembled, f.Data...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("fragments did not reassemble to the original data in order")
	}
}

// TestChatProfileMeetsSizeAndDelayTargets checks the testable property a
// chat-profiled circuit must satisfy: at least 80% of fragments land in
// [50,200]B, and no fragment is delayed more than 50ms.
func TestChatProfileMeetsSizeAndDelayTargets(t *testing.T) {
	s := New(config.Config{ShaperProfile: config.ShaperChat})
	data := make([]byte, 50000)
	frags := s.ShapeOutbound(data)

	inRange := 0
	for _, f := range frags {
		if f.Delay < 0 || f.Delay > 50_000_000 { // 50ms in nanoseconds
			t.Fatalf("fragment delay %s exceeds 50ms bound", f.Delay)
		}
		if len(f.Data) >= 50 && len(f.Data) <= 200 {
			inRange++
		}
	}
	// The final fragment may be a short remainder below 50B; everything
	// else must land in range, so 80% is a conservative floor.
	if ratio := float64(inRange) / float64(len(frags)); ratio < 0.8 {
		t.Fatalf("only %.1f%% of chat fragments in [50,200]B, want >=80%%", ratio*100)
	}
}

func TestShouldPadPaddedModeEventuallyTrue(t *testing.T) {
	s := New(config.Config{ShaperProfile: config.ShaperPadded})
	triggered := false
	for i := 0; i < 2000; i++ {
		if s.ShouldPad() {
			triggered = true
			break
		}
	}
	if !triggered {
		t.Fatal("expected ShouldPad to eventually trigger under ModePadded")
	}
}

func TestShouldPadNoneModeNeverTriggersWithoutParanoid(t *testing.T) {
	s := New(config.Config{ShaperProfile: config.ShaperNone, Paranoid: false})
	for i := 0; i < 1000; i++ {
		if s.ShouldPad() {
			t.Fatal("ShouldPad should never trigger for ModeNone without Paranoid")
		}
	}
}

func TestModeFromProfile(t *testing.T) {
	cases := []struct {
		profile config.ShaperProfile
		want    Mode
	}{
		{config.ShaperNone, ModeNone},
		{config.ShaperPadded, ModePadded},
		{config.ShaperChat, ModeChat},
		{config.ShaperTicker, ModeTicker},
		{config.ShaperVideo, ModeVideo},
	}
	for _, c := range cases {
		s := New(config.Config{ShaperProfile: c.profile})
		if s.Mode() != c.want {
			t.Errorf("profile %q: got mode %v, want %v", c.profile, s.Mode(), c.want)
		}
	}
}
