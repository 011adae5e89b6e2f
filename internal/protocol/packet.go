// Package protocol defines the MSNP2P binary chunk format (the 48-byte TLP
// header plus payload) and the error values shared by the upper layers.
package protocol

import "strings"

// Flags is the TLP flags field.
type Flags uint32

// Flag bits.
const (
	FlagNAK  Flags = 0x01 // negative acknowledgment
	FlagACK  Flags = 0x02 // acknowledgment
	FlagRAK  Flags = 0x04 // request for acknowledgment
	FlagRST  Flags = 0x08 // reset
	FlagFILE Flags = 0x10 // payload is file data
	FlagEACH Flags = 0x20 // acknowledge each chunk
	FlagCAN  Flags = 0x40 // cancel
	FlagERR  Flags = 0x80 // error
)

var flagNames = []struct {
	bit  Flags
	name string
}{
	{FlagNAK, "NAK"},
	{FlagACK, "ACK"},
	{FlagRAK, "RAK"},
	{FlagRST, "RST"},
	{FlagFILE, "FILE"},
	{FlagEACH, "EACH"},
	{FlagCAN, "CAN"},
	{FlagERR, "ERR"},
}

// Has reports whether every bit in mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// String renders the flags as "ACK|RAK"; unknown bits are ignored.
func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// HeaderSize is the fixed TLP header size in bytes.
const HeaderSize = 48

// MaxChunkSize bounds the ChunkSize field accepted from the wire. A larger
// value means the byte stream lost framing.
const MaxChunkSize = 1 << 20

// Header is the TLP header. All fields are little-endian on the wire, in
// declaration order.
type Header struct {
	SessionID   uint32
	BlobID      uint32
	BlobOffset  uint64
	BlobSize    uint64
	ChunkSize   uint32
	Flags       Flags
	AckBlobID   uint32 // dw1: chunk reference on data chunks, acked blob id on ACKs
	AckChunkRef uint32 // dw2: acked chunk's dw1
	AckBlobSize uint64 // qw1: acked blob size
}

// Chunk is one TLP frame: a header and exactly ChunkSize payload bytes.
// Chunks are not modified after construction.
type Chunk struct {
	Header
	Body []byte
}

// IsControl reports whether the chunk belongs to the control channel:
// session 0, or an empty ACK/NAK.
func (c *Chunk) IsControl() bool {
	if c.SessionID == 0 {
		return true
	}
	return len(c.Body) == 0 && c.Flags&(FlagACK|FlagNAK) != 0
}

// IsFinal reports whether the chunk carries the last bytes of its blob.
func (c *Chunk) IsFinal() bool {
	return c.BlobOffset+uint64(c.ChunkSize) >= c.BlobSize
}

// FrameSize returns the on-wire length of the chunk.
func (c *Chunk) FrameSize() int {
	return HeaderSize + len(c.Body)
}
