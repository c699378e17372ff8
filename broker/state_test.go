package broker

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
)

func TestRegisterRequestAnswer(t *testing.T) {
	s := NewState()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "bridge-offer"}

	id, answerCh, err := s.Register(offer)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected non-empty registration id")
	}

	gotID, gotOffer, ok := s.Request()
	if !ok {
		t.Fatal("expected a pending registration")
	}
	if gotID != id {
		t.Fatalf("id mismatch: got %q, want %q", gotID, id)
	}
	if gotOffer.SDP != offer.SDP {
		t.Fatal("offer mismatch")
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "client-answer"}
	if err := s.Answer(id, answer); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-answerCh:
		if got.SDP != answer.SDP {
			t.Fatal("answer mismatch")
		}
	case <-time.After(time.Second):
		t.Fatal("answer never delivered")
	}
}

func TestRequestEmptyPool(t *testing.T) {
	s := NewState()
	if _, _, ok := s.Request(); ok {
		t.Fatal("expected no registration in an empty pool")
	}
}

func TestAnswerUnknownID(t *testing.T) {
	s := NewState()
	if err := s.Answer("nonexistent", webrtc.SessionDescription{}); err == nil {
		t.Fatal("expected error answering an unknown registration")
	}
}

func TestAnswerTwiceFails(t *testing.T) {
	s := NewState()
	offer := webrtc.SessionDescription{SDP: "offer"}
	id, _, err := s.Register(offer)
	if err != nil {
		t.Fatal(err)
	}
	s.Request()

	if err := s.Answer(id, webrtc.SessionDescription{SDP: "a1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Answer(id, webrtc.SessionDescription{SDP: "a2"}); err == nil {
		t.Fatal("expected second answer for the same id to fail")
	}
}

func TestSweepRemovesStaleUnrequested(t *testing.T) {
	s := NewState()
	id, answerCh, err := s.Register(webrtc.SessionDescription{SDP: "offer"})
	if err != nil {
		t.Fatal(err)
	}
	s.available[0].registeredAt = time.Now().Add(-time.Hour)

	removed := s.Sweep(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := s.byID[id]; ok {
		t.Fatal("swept registration still present in byID")
	}
	if _, ok := <-answerCh; ok {
		t.Fatal("expected answerCh to be closed, not fulfilled")
	}
}

func TestSweepRemovesStaleRequestedUnanswered(t *testing.T) {
	s := NewState()
	_, answerCh, err := s.Register(webrtc.SessionDescription{SDP: "offer"})
	if err != nil {
		t.Fatal(err)
	}
	s.Request()
	for _, reg := range s.byID {
		reg.registeredAt = time.Now().Add(-time.Hour)
	}

	removed := s.Sweep(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := <-answerCh; ok {
		t.Fatal("expected answerCh to be closed")
	}
}

func TestRegisterRejectsOverCap(t *testing.T) {
	s := NewState()
	s.maxPool = 2

	if _, _, err := s.Register(webrtc.SessionDescription{SDP: "a"}); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if _, _, err := s.Register(webrtc.SessionDescription{SDP: "b"}); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if _, _, err := s.Register(webrtc.SessionDescription{SDP: "c"}); err == nil {
		t.Fatal("expected registration beyond the pool cap to fail")
	}
	if _, tracked := s.Stats(); tracked != 2 {
		t.Fatalf("tracked = %d, want 2", tracked)
	}
}

func TestStats(t *testing.T) {
	s := NewState()
	_, _, _ = s.Register(webrtc.SessionDescription{SDP: "a"})
	_, _, _ = s.Register(webrtc.SessionDescription{SDP: "b"})

	available, tracked := s.Stats()
	if available != 2 || tracked != 2 {
		t.Fatalf("got available=%d tracked=%d, want 2/2", available, tracked)
	}

	s.Request()
	available, tracked = s.Stats()
	if available != 1 || tracked != 2 {
		t.Fatalf("after one Request: got available=%d tracked=%d, want 1/2", available, tracked)
	}
}
