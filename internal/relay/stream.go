package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const readBufferSize = 32 * 1024

// Stream is a relay over a byte stream such as a TCP connection or a QUIC
// stream. Reads are forwarded as they arrive; chunk framing is left to the
// transport.
type Stream struct {
	lifecycle

	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
	started sync.Once
}

// NewStream wraps rwc.
func NewStream(rwc io.ReadWriteCloser) *Stream {
	return &Stream{
		lifecycle: lifecycle{done: make(chan struct{})},
		rwc:       rwc,
	}
}

// Send writes all of p.
func (s *Stream) Send(p []byte) error {
	if s.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.rwc.Write(p); err != nil {
		s.shutdown(fmt.Errorf("stream write: %w", err))
		return err
	}
	return nil
}

// OnReceive starts the read loop.
func (s *Stream) OnReceive(fn func([]byte)) {
	s.started.Do(func() { go s.readLoop(fn) })
}

func (s *Stream) readLoop(fn func([]byte)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			fn(p)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			s.shutdown(err)
			return
		}
	}
}

// Close closes the underlying stream.
func (s *Stream) Close() error { return s.shutdown(ErrClosed) }

func (s *Stream) shutdown(err error) error {
	if !s.finish(err) {
		return nil
	}
	log.Debugf("Stream relay closed: %v", err)
	return s.rwc.Close()
}
