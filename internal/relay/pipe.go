package relay

import "sync"

// Pipe returns the two ends of an in-memory relay. Messages are delivered in
// order on a goroutine per end; Send never blocks. Closing either end closes
// both; messages already sent are still delivered to the other end before it
// reports Done.
func Pipe() (Conn, Conn) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	lifecycle

	peer    *pipeEnd
	mu      sync.Mutex
	queue   [][]byte
	eof     bool // the other end closed
	running bool // deliver goroutine started
	wake    chan struct{}
	started sync.Once
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{
		lifecycle: lifecycle{done: make(chan struct{})},
		wake:      make(chan struct{}, 1),
	}
}

func (p *pipeEnd) Send(b []byte) error {
	if p.closed() || p.peer.closed() {
		return ErrClosed
	}
	msg := make([]byte, len(b))
	copy(msg, b)

	peer := p.peer
	peer.mu.Lock()
	peer.queue = append(peer.queue, msg)
	peer.mu.Unlock()
	peer.notify()
	return nil
}

func (p *pipeEnd) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipeEnd) OnReceive(fn func([]byte)) {
	p.started.Do(func() {
		p.mu.Lock()
		p.running = true
		p.mu.Unlock()
		go p.deliver(fn)
	})
}

func (p *pipeEnd) deliver(fn func([]byte)) {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			return
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		eof := p.eof
		p.mu.Unlock()

		for _, msg := range batch {
			if p.closed() {
				return
			}
			fn(msg)
		}
		if eof {
			p.finish(ErrClosed)
			return
		}
	}
}

// hangup is called when the other end closes. A running end finishes after
// delivering what is queued.
func (p *pipeEnd) hangup() {
	p.mu.Lock()
	p.eof = true
	running := p.running
	p.mu.Unlock()

	if !running {
		p.finish(ErrClosed)
		return
	}
	p.notify()
}

func (p *pipeEnd) Close() error {
	p.finish(ErrClosed)
	p.peer.hangup()
	return nil
}
