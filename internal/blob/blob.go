// Package blob implements the MSNP2P blob model: a payload split into TLP
// chunks on the sending side and reassembled from chunks on the receiving
// side. Blobs are not safe for concurrent use.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/msnp2p/internal/protocol"
	"github.com/1ureka/msnp2p/internal/util"
)

// MaxIncomingSize bounds the size of a blob reassembled in memory.
var MaxIncomingSize uint64 = 1 << 30

// ErrBlobTooLarge is returned when an incoming blob announces a size above
// MaxIncomingSize.
var ErrBlobTooLarge = errors.New("blob too large")

// ---------------------------------------------------------------------------
// Outgoing
// ---------------------------------------------------------------------------

// Outgoing is a readable blob. Chunks are produced on demand from src so the
// payload is never copied as a whole.
type Outgoing struct {
	SessionID uint32
	ID        uint32
	Size      uint64

	// AckEach requests an acknowledgment for every chunk instead of only the
	// final one.
	AckEach bool
	// File marks the payload as file data.
	File bool

	src     io.ReaderAt
	cursor  uint64
	emitted bool

	control bool
	flags   protocol.Flags
	ack     protocol.Header
}

// NewOutgoing creates a blob of size bytes read from src, bound to a session.
func NewOutgoing(sessionID uint32, src io.ReaderAt, size uint64) *Outgoing {
	return &Outgoing{
		SessionID: sessionID,
		ID:        util.RandomID(),
		Size:      size,
		src:       src,
	}
}

// FromBytes creates a blob carrying p.
func FromBytes(sessionID uint32, p []byte) *Outgoing {
	return NewOutgoing(sessionID, bytes.NewReader(p), uint64(len(p)))
}

// NewControl creates a control blob: session 0, size 0, a single chunk
// carrying flags and the three acknowledgment reference fields.
func NewControl(flags protocol.Flags, ackBlobID, ackChunkRef uint32, ackBlobSize uint64) *Outgoing {
	return &Outgoing{
		ID:      util.RandomID(),
		control: true,
		flags:   flags,
		ack: protocol.Header{
			AckBlobID:   ackBlobID,
			AckChunkRef: ackChunkRef,
			AckBlobSize: ackBlobSize,
		},
	}
}

// IsControl reports whether the blob travels on the control channel.
func (b *Outgoing) IsControl() bool { return b.control || b.SessionID == 0 }

// Done reports whether every chunk has been produced.
func (b *Outgoing) Done() bool { return b.emitted && b.cursor == b.Size }

// Sent returns the number of payload bytes produced so far.
func (b *Outgoing) Sent() uint64 { return b.cursor }

// NextChunk produces the next chunk of at most limit payload bytes, or nil once
// the blob is done. A zero-length blob yields exactly one empty chunk.
func (b *Outgoing) NextChunk(limit int) (*protocol.Chunk, error) {
	if b.Done() {
		return nil, nil
	}
	if limit <= 0 {
		return nil, fmt.Errorf("invalid chunk size limit %d", limit)
	}

	if b.control {
		b.emitted = true
		h := b.ack
		h.BlobID = b.ID
		h.Flags = b.flags
		return &protocol.Chunk{Header: h}, nil
	}

	n := min(uint64(limit), b.Size-b.cursor)
	body := make([]byte, n)
	if n > 0 {
		if _, err := b.src.ReadAt(body, int64(b.cursor)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read blob %08x at %d: %w", b.ID, b.cursor, err)
		}
	}

	c := &protocol.Chunk{
		Header: protocol.Header{
			SessionID:  b.SessionID,
			BlobID:     b.ID,
			BlobOffset: b.cursor,
			BlobSize:   b.Size,
			ChunkSize:  uint32(n),
			AckBlobID:  util.ChunkRef(b.ID, b.cursor),
		},
		Body: body,
	}

	b.cursor += n
	b.emitted = true

	switch {
	case b.AckEach:
		c.Flags |= protocol.FlagEACH | protocol.FlagRAK
	case b.Done():
		c.Flags |= protocol.FlagRAK
	}
	if b.File {
		c.Flags |= protocol.FlagFILE
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Incoming
// ---------------------------------------------------------------------------

// Incoming is a writable blob reassembled from chunks in any order.
type Incoming struct {
	SessionID uint32
	Size      uint64

	id     uint32
	bound  bool
	buf    []byte
	ranges *Ranges
}

// NewIncoming allocates a blob of the announced size.
func NewIncoming(sessionID uint32, size uint64) (*Incoming, error) {
	if size > MaxIncomingSize {
		return nil, fmt.Errorf("%w: announced %d", ErrBlobTooLarge, size)
	}
	return &Incoming{
		SessionID: sessionID,
		Size:      size,
		buf:       make([]byte, size),
		ranges:    NewRanges(),
	}, nil
}

// ID returns the bound blob id, or 0 before the first chunk.
func (b *Incoming) ID() uint32 { return b.id }

// Received returns the number of distinct payload bytes received.
func (b *Incoming) Received() uint64 { return b.ranges.Covered() }

// Append writes a chunk at its offset. The first chunk binds the blob id.
// A rejected chunk leaves the blob unchanged; a duplicate chunk overwrites
// the same bytes.
func (b *Incoming) Append(c *protocol.Chunk) error {
	if b.bound && c.BlobID != b.id {
		return fmt.Errorf("%w: blob %08x, chunk %08x", protocol.ErrBlobIDMismatch, b.id, c.BlobID)
	}
	n := uint64(len(c.Body))
	if c.BlobOffset > b.Size || n > b.Size-c.BlobOffset {
		return fmt.Errorf("%w: offset %d + %d > size %d", protocol.ErrOffsetOutOfRange, c.BlobOffset, n, b.Size)
	}

	if !b.bound {
		b.id = c.BlobID
		b.bound = true
	}
	copy(b.buf[c.BlobOffset:], c.Body)
	b.ranges.Add(c.BlobOffset, c.BlobOffset+n)
	return nil
}

// Contains reports whether the n bytes at offset have already been received.
func (b *Incoming) Contains(offset, n uint64) bool {
	return b.ranges.Contains(offset, offset+n)
}

// Spans returns the number of disjoint received byte ranges.
func (b *Incoming) Spans() int { return b.ranges.Len() }

// Complete reports whether every byte has been received.
func (b *Incoming) Complete() bool {
	return b.bound && b.ranges.Covered() == b.Size
}

// Bytes returns the reassembled payload. It is only meaningful once
// Complete reports true.
func (b *Incoming) Bytes() []byte { return b.buf }
