package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// STUN servers for ICE candidate gathering. No TURN; peers that cannot
// connect directly stay on the switchboard.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DataChannel is a relay over a WebRTC DataChannel. The channel is ordered
// and pre-negotiated, so both sides create it without OnDataChannel.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type DataChannel struct {
	lifecycle

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewDataChannel creates a PeerConnection and its DataChannel. The caller
// performs signaling (see ConnectDataChannel) before data flows.
func NewDataChannel(ctx context.Context) (*DataChannel, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	ordered := true
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel("msnp2p", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	dCtx, dCancel := context.WithCancel(ctx)

	d := &DataChannel{
		lifecycle:  lifecycle{done: make(chan struct{})},
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        dCtx,
		cancel:     dCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(d.openSignal) })
	})

	dc.OnClose(func() {
		log.Debugf("DataChannel closed")
		d.finish(ErrClosed)
		dCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("PeerConnection state: %s", state.String())
		d.mu.Lock()
		d.pcState = state
		d.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			d.finish(errors.New("peer connection failed"))
			dCancel()
		}
	})

	go func() {
		<-dCtx.Done()
		d.finish(ErrClosed)
	}()

	d.sender = newSender(dCtx, dc, d.openSignal, func(err error) {
		d.finish(err)
		dCancel()
	})
	return d, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (d *DataChannel) Ready() <-chan struct{} {
	return d.openSignal
}

// Close shuts down the DataChannel and PeerConnection.
func (d *DataChannel) Close() error {
	d.finish(ErrClosed)
	d.cancel()
	return errors.Join(d.dc.Close(), d.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (d *DataChannel) ConnectionState() webrtc.PeerConnectionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer and applies it locally.
func (d *DataChannel) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return offer, err
	}
	return offer, d.pc.SetLocalDescription(offer)
}

// CreateAnswer generates an SDP answer and applies it locally.
func (d *DataChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return answer, err
	}
	return answer, d.pc.SetLocalDescription(answer)
}

// SetRemoteDescription applies the remote SDP.
func (d *DataChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return d.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for gathered local candidates. A nil
// candidate signals the end of gathering.
func (d *DataChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	d.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote candidate received through signaling.
func (d *DataChannel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return d.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues p for the sender goroutine.
func (d *DataChannel) Send(p []byte) error {
	if d.closed() {
		return ErrClosed
	}
	return d.sender.send(d.ctx, p)
}

// OnReceive registers the callback for inbound DataChannel messages.
func (d *DataChannel) OnReceive(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
