// Package util provides shared utility functions.
package util

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
)

// ChunkRef computes the dw1 reference carried by a data chunk. The receiver
// echoes it back in the ACK so the sender can match the acknowledgment to the
// chunk. It is derived from (blobID, offset) and only needs to be stable.
func ChunkRef(blobID uint32, offset uint64) uint32 {
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], blobID)
	binary.LittleEndian.PutUint64(b[4:12], offset)
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// RandomID returns a random non-zero 31-bit identifier, used for blob ids and
// session ids. Zero is reserved for the control channel.
func RandomID() uint32 {
	for {
		if id := rand.Uint32() & 0x7FFFFFFF; id != 0 {
			return id
		}
	}
}
