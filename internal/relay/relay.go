// Package relay provides the byte channels MSNP2P runs over: a switchboard
// WebSocket, a WebRTC DataChannel, a QUIC or TCP stream, and an in-memory
// pipe. Every channel is reliable and ordered; message boundaries are not
// guaranteed to match chunk boundaries.
package relay

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send after the channel is closed.
var ErrClosed = errors.New("relay closed")

// Conn is a relay channel.
type Conn interface {
	// Send writes p as one message. It may block for backpressure.
	Send(p []byte) error

	// OnReceive registers the callback for inbound bytes and starts
	// delivery. It must be called once. The callback runs on a relay
	// goroutine and owns the slice it is given.
	OnReceive(fn func([]byte))

	// Done is closed when the channel is gone.
	Done() <-chan struct{}

	// Err returns the reason the channel closed, once Done is closed.
	Err() error

	// Close shuts the channel down.
	Close() error
}

// lifecycle tracks the single transition of a channel to closed.
type lifecycle struct {
	done chan struct{}
	once sync.Once
	err  error
}

// finish closes the channel with err and reports whether this call did it.
func (l *lifecycle) finish(err error) bool {
	first := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		first = true
	})
	return first
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *lifecycle) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
