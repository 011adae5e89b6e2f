package relay

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender serializes all writes to a single DataChannel, adding open-gate and
// backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	fail        func(error)
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func(error)) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		fail:        fail,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop waits for the DataChannel to open, then drains the inbox with
// backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case p := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(p); err != nil {
				s.fail(fmt.Errorf("DataChannel send: %w", err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues p. It blocks while the buffer is full and fails once ctx is
// cancelled.
func (s *sender) send(ctx context.Context, p []byte) error {
	select {
	case s.inbox <- p:
		return nil
	case <-ctx.Done():
		return ErrClosed
	}
}
