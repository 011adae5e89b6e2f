package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/1ureka/msnp2p/internal/protocol"
)

// TestHeaderRoundTrip verifies that encoding and decoding are inverse
// operations, including extreme field values.
func TestHeaderRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		h    protocol.Header
	}{
		{
			name: "zero header",
			h:    protocol.Header{},
		},
		{
			name: "data chunk",
			h: protocol.Header{
				SessionID:  0x12345678,
				BlobID:     0x0BADF00D,
				BlobOffset: 1202,
				BlobSize:   130000,
				ChunkSize:  1202,
				Flags:      protocol.FlagRAK,
				AckBlobID:  0xCAFEBABE,
			},
		},
		{
			name: "ack control chunk",
			h: protocol.Header{
				BlobID:      7,
				Flags:       protocol.FlagACK | protocol.FlagRAK,
				AckBlobID:   0xDEADBEEF,
				AckChunkRef: 0xAABBCCDD,
				AckBlobSize: 1 << 40,
			},
		},
		{
			name: "all ones",
			h: protocol.Header{
				SessionID:   ^uint32(0),
				BlobID:      ^uint32(0),
				BlobOffset:  ^uint64(0),
				BlobSize:    ^uint64(0),
				ChunkSize:   ^uint32(0),
				Flags:       protocol.Flags(^uint32(0)),
				AckBlobID:   ^uint32(0),
				AckChunkRef: ^uint32(0),
				AckBlobSize: ^uint64(0),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := protocol.EncodeHeader(&tc.h)
			if len(encoded) != protocol.HeaderSize {
				t.Fatalf("encoded length mismatch: got %d, want %d", len(encoded), protocol.HeaderSize)
			}

			decoded, err := protocol.DecodeHeader(encoded)
			if err != nil {
				t.Fatalf("DecodeHeader failed: %v", err)
			}
			if decoded != tc.h {
				t.Errorf("header mismatch:\n got %+v\nwant %+v", decoded, tc.h)
			}
		})
	}
}

// TestHeaderLayout pins the little-endian field offsets.
func TestHeaderLayout(t *testing.T) {
	h := protocol.Header{
		SessionID:   0x04030201,
		BlobID:      0x08070605,
		BlobOffset:  0x100F0E0D0C0B0A09,
		BlobSize:    0x1817161514131211,
		ChunkSize:   0x1C1B1A19,
		Flags:       0x201F1E1D,
		AckBlobID:   0x24232221,
		AckChunkRef: 0x28272625,
		AckBlobSize: 0x302F2E2D2C2B2A29,
	}
	got := protocol.EncodeHeader(&h)
	for i, b := range got {
		if b != byte(i+1) {
			t.Fatalf("byte %d mismatch: got %#02x, want %#02x", i, b, i+1)
		}
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	for _, n := range []int{0, 1, 47} {
		_, err := protocol.DecodeHeader(make([]byte, n))
		if !errors.Is(err, protocol.ErrTruncatedHeader) {
			t.Errorf("len %d: got %v, want ErrTruncatedHeader", n, err)
		}
	}
}

func TestChunkRoundTrip(t *testing.T) {
	body := []byte("hello world")
	c := &protocol.Chunk{
		Header: protocol.Header{SessionID: 9, BlobID: 3, BlobSize: uint64(len(body))},
		Body:   body,
	}

	data := protocol.Encode(c)
	if len(data) != protocol.HeaderSize+len(body) {
		t.Fatalf("frame length mismatch: got %d, want %d", len(data), protocol.HeaderSize+len(body))
	}

	got, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.ChunkSize != uint32(len(body)) {
		t.Errorf("ChunkSize mismatch: got %d, want %d", got.ChunkSize, len(body))
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("Body mismatch: got %q, want %q", got.Body, body)
	}

	// The decoded body must not alias the input buffer.
	data[protocol.HeaderSize] = 'X'
	if got.Body[0] != 'h' {
		t.Error("decoded body aliases the input buffer")
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	c := &protocol.Chunk{Header: protocol.Header{SessionID: 1, BlobSize: 10}, Body: make([]byte, 10)}
	data := protocol.Encode(c)

	_, err := protocol.Decode(data[:len(data)-1])
	if !errors.Is(err, protocol.ErrTruncatedBody) {
		t.Fatalf("got %v, want ErrTruncatedBody", err)
	}
}

func TestChunkClassification(t *testing.T) {
	testCases := []struct {
		name    string
		chunk   protocol.Chunk
		control bool
		final   bool
	}{
		{"session zero", protocol.Chunk{Header: protocol.Header{BlobSize: 4, ChunkSize: 4}, Body: []byte("abcd")}, true, true},
		{"empty ack", protocol.Chunk{Header: protocol.Header{SessionID: 5, Flags: protocol.FlagACK}}, true, true},
		{"data middle", protocol.Chunk{Header: protocol.Header{SessionID: 5, BlobSize: 8, ChunkSize: 4}, Body: []byte("abcd")}, false, false},
		{"data last", protocol.Chunk{Header: protocol.Header{SessionID: 5, BlobOffset: 4, BlobSize: 8, ChunkSize: 4}, Body: []byte("efgh")}, false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.chunk.IsControl(); got != tc.control {
				t.Errorf("IsControl mismatch: got %v, want %v", got, tc.control)
			}
			if got := tc.chunk.IsFinal(); got != tc.final {
				t.Errorf("IsFinal mismatch: got %v, want %v", got, tc.final)
			}
		})
	}
}

func TestFlagsString(t *testing.T) {
	testCases := []struct {
		f    protocol.Flags
		want string
	}{
		{0, "0"},
		{protocol.FlagACK, "ACK"},
		{protocol.FlagACK | protocol.FlagRAK, "ACK|RAK"},
		{protocol.FlagRAK | protocol.FlagEACH | protocol.FlagFILE, "RAK|FILE|EACH"},
	}
	for _, tc := range testCases {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tc.f), got, tc.want)
		}
	}
}
