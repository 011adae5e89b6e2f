package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// signalType identifies the kind of signaling message.
type signalType string

const (
	signalOffer     signalType = "offer"
	signalAnswer    signalType = "answer"
	signalCandidate signalType = "candidate"
)

// signal is the JSON structure exchanged through the switchboard room while
// the DataChannel is negotiated.
type signal struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// signaler serializes outgoing signaling messages to the WebSocket.
type signaler struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *signaler) send(msg signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// ConnectDataChannel negotiates a DataChannel with the other member of a
// switchboard room. The offering side sends the SDP offer; the other waits
// for it. ws is closed once the channel opens.
func ConnectDataChannel(ctx context.Context, ws *websocket.Conn, offer bool) (*DataChannel, error) {
	defer ws.Close()

	d, err := NewDataChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	s := &signaler{conn: ws}
	d.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort; a lost candidate only narrows the choice of paths.
		s.send(signal{Type: signalCandidate, Candidate: string(data)})
	})

	errCh := make(chan error, 1)
	go func() { errCh <- watchSignals(ws, d, s) }()

	if offer {
		sdp, err := d.CreateOffer()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("CreateOffer: %w", err)
		}
		if err := s.send(signal{Type: signalOffer, SDP: sdp.SDP}); err != nil {
			d.Close()
			return nil, fmt.Errorf("send offer: %w", err)
		}
	}

	select {
	case <-d.Ready():
		log.Infof("WebRTC DataChannel established")
		return d, nil

	case err := <-errCh:
		select {
		case <-d.Ready():
			return d, nil
		default:
		}
		d.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		d.Close()
		return nil, ctx.Err()
	}
}

// watchSignals applies remote signaling messages until ws closes.
func watchSignals(ws *websocket.Conn, d *DataChannel, s *signaler) error {
	for {
		var msg signal
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case signalOffer:
			if err := d.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			answer, err := d.CreateAnswer()
			if err != nil {
				return err
			}
			if err := s.send(signal{Type: signalAnswer, SDP: answer.SDP}); err != nil {
				return err
			}

		case signalAnswer:
			if err := d.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case signalCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := d.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}
