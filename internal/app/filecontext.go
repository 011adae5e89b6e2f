// Package app contains the top-level orchestration for the send, receive
// and switchboard roles.
package app

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
)

// ErrBadFileContext is returned for an INVITE context that does not describe
// a file.
var ErrBadFileContext = errors.New("bad file transfer context")

const maxNameLength = 255

// FileContext is the INVITE context of a file transfer: the file size as a
// little-endian u64 followed by the UTF-8 file name.
type FileContext struct {
	Size uint64
	Name string
}

// Encode returns the binary form of c.
func (c FileContext) Encode() []byte {
	out := make([]byte, 8+len(c.Name))
	binary.LittleEndian.PutUint64(out, c.Size)
	copy(out[8:], c.Name)
	return out
}

// DecodeFileContext parses a file transfer context. The name is reduced to
// its base so it cannot escape the output directory.
func DecodeFileContext(p []byte) (FileContext, error) {
	if len(p) < 8 {
		return FileContext{}, ErrBadFileContext
	}
	name := strings.ReplaceAll(string(p[8:]), "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || len(name) > maxNameLength {
		return FileContext{}, ErrBadFileContext
	}
	return FileContext{
		Size: binary.LittleEndian.Uint64(p),
		Name: name,
	}, nil
}
