package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// Session is a client's side of one broker match: RequestOffer claims a
// waiting bridge registration, SendAnswer completes it. Both calls share
// the same WebSocket connection, mirroring Server.handleRequest reading a
// second message on the connection it just replied on.
type Session struct {
	conn *websocket.Conn
}

// Dial opens a broker session at brokerURL (e.g. "wss://broker.example/ws").
func Dial(ctx context.Context, brokerURL string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, brokerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("broker client: dial: %w", err)
	}
	return &Session{conn: conn}, nil
}

// RequestOffer asks the broker for any available bridge and returns its
// registration ID and SDP offer.
func (s *Session) RequestOffer(ctx context.Context) (id string, offer webrtc.SessionDescription, err error) {
	s.setDeadlines(ctx)
	if err := s.conn.WriteJSON(Message{Type: MsgRequest}); err != nil {
		return "", offer, fmt.Errorf("broker client: request: %w", err)
	}

	var reply Message
	if err := s.conn.ReadJSON(&reply); err != nil {
		return "", offer, fmt.Errorf("broker client: read offer: %w", err)
	}
	if reply.Type == MsgError {
		return "", offer, fmt.Errorf("broker client: %s", reply.Error)
	}
	if reply.Offer == nil {
		return "", offer, fmt.Errorf("broker client: reply missing offer")
	}
	return reply.ID, *reply.Offer, nil
}

// SendAnswer completes the match by sending the client's SDP answer back
// through the broker, which relays it to the bridge that registered id.
func (s *Session) SendAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	s.setDeadlines(ctx)
	defer s.conn.Close()
	if err := s.conn.WriteJSON(Message{Type: MsgAnswer, ID: id, Answer: &answer}); err != nil {
		return fmt.Errorf("broker client: answer: %w", err)
	}
	return nil
}

func (s *Session) setDeadlines(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		s.conn.SetReadDeadline(deadline)
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
}

// Client implements transport/webrtc.Signaler by opening a fresh broker
// Session per negotiation.
type Client struct {
	BrokerURL string
}

// RequestOffer opens a session and claims a waiting bridge offer.
func (c Client) RequestOffer(ctx context.Context) (session *Session, id string, offer webrtc.SessionDescription, err error) {
	session, err = Dial(ctx, c.BrokerURL)
	if err != nil {
		return nil, "", offer, err
	}
	id, offer, err = session.RequestOffer(ctx)
	if err != nil {
		session.conn.Close()
		return nil, "", offer, err
	}
	return session, id, offer, nil
}

// RegisterOffer is the bridge side of a match: it registers offer with the
// broker and blocks until a client claims and answers it. This is the
// mirror image of Session.RequestOffer/SendAnswer, for a bridge advertising
// a waiting WebRTC data channel.
func RegisterOffer(ctx context.Context, brokerURL string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, brokerURL, nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("broker register: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := conn.WriteJSON(Message{Type: MsgRegister, Offer: &offer}); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("broker register: send: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	}
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("broker register: read answer: %w", err)
	}
	if reply.Type == MsgError {
		return webrtc.SessionDescription{}, fmt.Errorf("broker register: %s", reply.Error)
	}
	if reply.Answer == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("broker register: reply missing answer")
	}
	return *reply.Answer, nil
}
