package protocol

import "errors"

// Wire and routing errors. Callers match them with errors.Is.
var (
	ErrTruncatedHeader         = errors.New("truncated TLP header")
	ErrTruncatedBody           = errors.New("truncated TLP body")
	ErrMalformedSLP            = errors.New("malformed SLP message")
	ErrUnknownSession          = errors.New("unknown session")
	ErrDuplicateBlobForSession = errors.New("session already has an incomplete blob")
	ErrBlobIDMismatch          = errors.New("chunk blob id does not match blob")
	ErrOffsetOutOfRange        = errors.New("chunk exceeds blob bounds")
	ErrDuplicateInvite         = errors.New("session id already in use")
)
