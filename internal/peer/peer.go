// Package peer runs the MSNP2P engine of one relay connection on a single
// goroutine. Relay input, transport pumps and application calls are all
// executed by that loop, so the Transport and session Manager need no
// locks.
package peer

import (
	"context"
	"errors"
	"io"

	"github.com/1ureka/msnp2p/internal/relay"
	"github.com/1ureka/msnp2p/internal/session"
	"github.com/1ureka/msnp2p/internal/transport"
)

// ErrStopped is returned by calls made after the loop has exited.
var ErrStopped = errors.New("peer stopped")

const (
	inboxSize  = 256
	eventsSize = 256
)

// Config holds Peer parameters.
type Config struct {
	// Local is the local peer address.
	Local string
	// MaxChunkSize bounds chunk payloads; 0 selects the transport default.
	MaxChunkSize int
	// AckEach requests an acknowledgment for every data chunk.
	AckEach bool
}

// Peer owns the Transport and session Manager of one relay connection.
type Peer struct {
	conn relay.Conn
	tr   *transport.Transport
	m    *session.Manager

	inbox    chan func()
	deferred []func()
	events   chan Event

	ctx  context.Context
	done chan struct{}
	err  error
}

// New wires a Peer to conn. Run must be called to start it.
func New(conn relay.Conn, cfg Config) *Peer {
	p := &Peer{
		conn:   conn,
		inbox:  make(chan func(), inboxSize),
		events: make(chan Event, eventsSize),
		done:   make(chan struct{}),
	}

	p.m = session.NewManager(session.Config{Local: cfg.Local, AckEach: cfg.AckEach}, (*listener)(p))
	p.tr = transport.New(conn, p.m, transport.Config{
		MaxChunkSize: cfg.MaxChunkSize,
		Post:         p.later,
	})
	p.m.Attach(p.tr)
	return p
}

// Events returns the channel session events are delivered on. It is closed
// when Run returns.
func (p *Peer) Events() <-chan Event { return p.events }

// Done is closed when Run returns.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Err returns the reason Run returned, once Done is closed.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Run processes relay input and application calls until ctx is cancelled or
// the relay closes. On cancellation queued control traffic is written before
// the relay is closed. Every session still open is then closed with
// ReasonConnectionLost; those events are delivered while the events buffer
// has room.
func (p *Peer) Run(ctx context.Context) error {
	p.ctx = ctx
	defer close(p.events)
	defer close(p.done)

	p.conn.OnReceive(func(b []byte) {
		p.post(func() { p.tr.HandleBytes(b) })
	})

	for {
		// Inbound work goes first; one deferred pump runs between batches.
		select {
		case fn := <-p.inbox:
			fn()
			continue
		default:
		}

		if len(p.deferred) > 0 {
			fn := p.deferred[0]
			p.deferred = p.deferred[1:]
			fn()
			continue
		}

		select {
		case fn := <-p.inbox:
			fn()

		case <-p.conn.Done():
			p.drain()
			err := p.conn.Err()
			if err == nil {
				err = relay.ErrClosed
			}
			log.Infof("Relay closed: %v", err)
			p.tr.Fail(err)
			p.err = err
			return err

		case <-ctx.Done():
			log.Debugf("Peer stopping: %v", ctx.Err())
			p.flush()
			p.conn.Close()
			p.tr.Fail(ctx.Err())
			p.err = ctx.Err()
			return p.err
		}
	}
}

// drain runs whatever is already queued in the inbox.
func (p *Peer) drain() {
	for {
		select {
		case fn := <-p.inbox:
			fn()
		default:
			return
		}
	}
}

// flush writes the control blobs still queued, such as the final ACK and
// BYE, so the peer sees them before the relay closes. Data blobs are
// abandoned.
func (p *Peer) flush() {
	for !p.tr.Closed() && len(p.deferred) > 0 {
		if control, _ := p.tr.Queued(); control == 0 {
			break
		}
		fn := p.deferred[0]
		p.deferred = p.deferred[1:]
		fn()
	}
	if p.tr.Closed() {
		log.Debugf("Flush stopped: %v", p.tr.Err())
	}
}

// post queues fn for the loop. It is dropped once the loop has exited.
func (p *Peer) post(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.done:
	}
}

// later queues transport work behind inbound events. Only called on the
// loop.
func (p *Peer) later(fn func()) {
	p.deferred = append(p.deferred, fn)
}

// call runs fn on the loop and waits for its result.
func (p *Peer) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case p.inbox <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Invite opens a session with remote and returns its id.
func (p *Peer) Invite(ctx context.Context, remote string, appID uint32, eufGUID string, inviteContext []byte) (uint32, error) {
	var id uint32
	err := p.call(ctx, func() error {
		var err error
		id, err = p.m.Invite(remote, appID, eufGUID, inviteContext)
		return err
	})
	return id, err
}

// Accept accepts an incoming session.
func (p *Peer) Accept(ctx context.Context, id uint32) error {
	return p.call(ctx, func() error { return p.m.Accept(id) })
}

// Reject declines an incoming session.
func (p *Peer) Reject(ctx context.Context, id uint32) error {
	return p.call(ctx, func() error { return p.m.Reject(id) })
}

// SendData queues size bytes of src on an Active session and returns the
// blob id. src is read on the loop as chunks are sent.
func (p *Peer) SendData(ctx context.Context, id uint32, src io.ReaderAt, size uint64) (uint32, error) {
	var blobID uint32
	err := p.call(ctx, func() error {
		var err error
		blobID, err = p.m.SendData(id, src, size)
		return err
	})
	return blobID, err
}

// Close ends a session.
func (p *Peer) Close(ctx context.Context, id uint32) error {
	return p.call(ctx, func() error { return p.m.Close(id) })
}

// Sessions returns a snapshot of every open session.
func (p *Peer) Sessions(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	err := p.call(ctx, func() error {
		out = p.m.Sessions()
		return nil
	})
	return out, err
}
