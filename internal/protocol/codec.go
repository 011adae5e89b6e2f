package protocol

import (
	"encoding/binary"
	"fmt"
)

// PutHeader writes h into b, which must hold at least HeaderSize bytes.
func PutHeader(b []byte, h *Header) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], h.SessionID)
	le.PutUint32(b[4:8], h.BlobID)
	le.PutUint64(b[8:16], h.BlobOffset)
	le.PutUint64(b[16:24], h.BlobSize)
	le.PutUint32(b[24:28], h.ChunkSize)
	le.PutUint32(b[28:32], uint32(h.Flags))
	le.PutUint32(b[32:36], h.AckBlobID)
	le.PutUint32(b[36:40], h.AckChunkRef)
	le.PutUint64(b[40:48], h.AckBlobSize)
}

// EncodeHeader serializes h into a new 48-byte slice.
func EncodeHeader(h *Header) []byte {
	b := make([]byte, HeaderSize)
	PutHeader(b, h)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes (need %d)", ErrTruncatedHeader, len(b), HeaderSize)
	}
	le := binary.LittleEndian
	return Header{
		SessionID:   le.Uint32(b[0:4]),
		BlobID:      le.Uint32(b[4:8]),
		BlobOffset:  le.Uint64(b[8:16]),
		BlobSize:    le.Uint64(b[16:24]),
		ChunkSize:   le.Uint32(b[24:28]),
		Flags:       Flags(le.Uint32(b[28:32])),
		AckBlobID:   le.Uint32(b[32:36]),
		AckChunkRef: le.Uint32(b[36:40]),
		AckBlobSize: le.Uint64(b[40:48]),
	}, nil
}

// Encode serializes a chunk as header followed by body. ChunkSize is taken
// from the body length.
func Encode(c *Chunk) []byte {
	buf := make([]byte, HeaderSize+len(c.Body))
	h := c.Header
	h.ChunkSize = uint32(len(c.Body))
	PutHeader(buf, &h)
	copy(buf[HeaderSize:], c.Body)
	return buf
}

// Decode parses one chunk from the start of data. Bytes past the chunk's
// frame are ignored. The body is copied out of data.
func Decode(data []byte) (*Chunk, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	end := HeaderSize + int(h.ChunkSize)
	if len(data) < end {
		return nil, fmt.Errorf("%w: have %d bytes, header announces %d", ErrTruncatedBody, len(data)-HeaderSize, h.ChunkSize)
	}
	c := &Chunk{Header: h}
	if h.ChunkSize > 0 {
		c.Body = make([]byte, h.ChunkSize)
		copy(c.Body, data[HeaderSize:end])
	}
	return c, nil
}
