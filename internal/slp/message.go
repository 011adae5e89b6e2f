// Package slp implements the MSNSLP text signaling messages exchanged on the
// MSNP2P control channel: INVITE, BYE and ACK requests and their status
// responses.
package slp

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Version is the protocol token on every start line.
const Version = "MSNSLP/1.0"

// Request methods.
const (
	MethodInvite = "INVITE"
	MethodBye    = "BYE"
	MethodAck    = "ACK"
)

// Status codes.
const (
	StatusOK            = 200
	StatusNotFound      = 404
	StatusInternalError = 500
	StatusDecline       = 603
)

// Content types.
const (
	ContentSessionRequest = "application/x-msnmsgr-sessionreqbody"
	ContentSessionClose   = "application/x-msnmsgr-sessionclosebody"
)

// Body keys.
const (
	KeyEufGUID   = "EUF-GUID"
	KeySessionID = "SessionID"
	KeyAppID     = "AppID"
	KeyContext   = "Context"
)

// Well-known applications, identified by AppID and EUF-GUID.
const (
	AppIDDisplayPicture = 1
	AppIDFileTransfer   = 2
	AppIDWebcam         = 4

	EufGUIDDisplayPicture = "{A4268EEC-FEC5-49E5-95C3-F126696BDBF6}"
	EufGUIDFileTransfer   = "{5D3E02AB-6190-11D3-BBBB-00C04F795683}"
	EufGUIDWebcam         = "{4BD96FC0-AB17-4425-A14A-439185962DC8}"
)

// StatusText returns the reason phrase for a status code.
func StatusText(code int) string {
	switch code {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "Not Found"
	case StatusInternalError:
		return "Internal Error"
	case StatusDecline:
		return "Decline"
	}
	return "Unknown"
}

// Headers holds the SLP headers common to requests and responses. To and
// From are bare peer addresses; they are written as <msnmsgr:addr>.
type Headers struct {
	To          string
	From        string
	Branch      string // Via branch, a braced GUID
	CSeq        int
	CallID      string
	MaxForwards int
	ContentType string
}

// Field is one "Key: value" body line.
type Field struct {
	Key, Value string
}

// Body is the ordered key-value body of a message.
type Body []Field

// Get returns the value for key.
func (b Body) Get(key string) (string, bool) {
	for _, f := range b {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key or appends a new field.
func (b *Body) Set(key, value string) {
	for i := range *b {
		if (*b)[i].Key == key {
			(*b)[i].Value = value
			return
		}
	}
	*b = append(*b, Field{key, value})
}

// SessionID returns the numeric SessionID field.
func (b Body) SessionID() (uint32, bool) {
	v, ok := b.Get(KeySessionID)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// AppID returns the numeric AppID field, or 0.
func (b Body) AppID() uint32 {
	v, _ := b.Get(KeyAppID)
	id, _ := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	return uint32(id)
}

// Context returns the base64-decoded Context field.
func (b Body) Context() ([]byte, error) {
	v, ok := b.Get(KeyContext)
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(v))
}

// Message is one of *Invite, *Bye, *Ack or *Response.
type Message interface {
	Head() *Headers
	Payload() Body
	isMessage()
}

// Request is the part shared by all request kinds.
type Request struct {
	URI string
	Headers
	Body Body
}

func (r *Request) Head() *Headers { return &r.Headers }
func (r *Request) Payload() Body  { return r.Body }
func (*Request) isMessage()       {}

// Invite opens a session.
type Invite struct{ Request }

// Bye closes a session.
type Bye struct{ Request }

// Ack confirms a 200 response to an INVITE.
type Ack struct{ Request }

// Response answers a request.
type Response struct {
	Status int
	Reason string
	Headers
	Body Body
}

func (r *Response) Head() *Headers { return &r.Headers }
func (r *Response) Payload() Body  { return r.Body }
func (*Response) isMessage()       {}

// Method returns the request method of m, or "" for a response.
func Method(m Message) string {
	switch m.(type) {
	case *Invite:
		return MethodInvite
	case *Bye:
		return MethodBye
	case *Ack:
		return MethodAck
	}
	return ""
}

// NewGUID returns a braced upper-case GUID, the form used for Call-ID,
// branch and EUF-GUID values.
func NewGUID() string {
	return "{" + strings.ToUpper(uuid.NewString()) + "}"
}

func newRequest(to, from, callID, contentType string) Request {
	return Request{
		URI: "MSNMSGR:" + to,
		Headers: Headers{
			To:          to,
			From:        from,
			Branch:      NewGUID(),
			CallID:      callID,
			MaxForwards: 0,
			ContentType: contentType,
		},
	}
}

// NewInvite builds an INVITE for a new session with a fresh Call-ID.
func NewInvite(to, from string, sessionID, appID uint32, eufGUID string, context []byte) *Invite {
	r := newRequest(to, from, NewGUID(), ContentSessionRequest)
	r.Body.Set(KeyEufGUID, eufGUID)
	r.Body.Set(KeySessionID, strconv.FormatUint(uint64(sessionID), 10))
	r.Body.Set(KeyAppID, strconv.FormatUint(uint64(appID), 10))
	r.Body.Set(KeyContext, base64.StdEncoding.EncodeToString(context))
	return &Invite{r}
}

// NewBye builds a BYE for the session identified by callID.
func NewBye(to, from, callID string) *Bye {
	r := newRequest(to, from, callID, ContentSessionClose)
	return &Bye{r}
}

// NewAck builds the ACK that completes a session handshake.
func NewAck(to, from, callID string, sessionID uint32) *Ack {
	r := newRequest(to, from, callID, ContentSessionRequest)
	r.CSeq = 1
	r.Body.Set(KeySessionID, strconv.FormatUint(uint64(sessionID), 10))
	return &Ack{r}
}

// NewResponse builds a response to req: To and From swapped, Call-ID and
// branch kept, CSeq incremented, SessionID echoed when present.
func NewResponse(req Message, status int) *Response {
	h := *req.Head()
	resp := &Response{
		Status: status,
		Reason: StatusText(status),
		Headers: Headers{
			To:          h.From,
			From:        h.To,
			Branch:      h.Branch,
			CSeq:        h.CSeq + 1,
			CallID:      h.CallID,
			MaxForwards: h.MaxForwards,
			ContentType: h.ContentType,
		},
	}
	if resp.ContentType == "" {
		resp.ContentType = ContentSessionRequest
	}
	if v, ok := req.Payload().Get(KeySessionID); ok {
		resp.Body.Set(KeySessionID, v)
	}
	return resp
}
