package slp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/1ureka/msnp2p/internal/protocol"
)

// Parse errors. All of them match protocol.ErrMalformedSLP with errors.Is.
var (
	ErrNotSLP             = errors.Wrap(protocol.ErrMalformedSLP, "missing "+Version)
	ErrMalformedStartLine = errors.Wrap(protocol.ErrMalformedSLP, "bad start line")
	ErrUnknownMethod      = errors.Wrap(protocol.ErrMalformedSLP, "unknown method")
	ErrBadHeader          = errors.Wrap(protocol.ErrMalformedSLP, "bad header")
)

const crlf = "\r\n"

// Build renders m in wire form. Headers are written in canonical order
// To, From, Via, CSeq, Call-ID, Max-Forwards, Content-Type, Content-Length.
// The body is terminated by a blank line and a NUL byte.
func Build(m Message) string {
	var sb strings.Builder

	switch m := m.(type) {
	case *Response:
		fmt.Fprintf(&sb, "%s %d %s%s", Version, m.Status, m.Reason, crlf)
	case *Invite:
		fmt.Fprintf(&sb, "%s %s %s%s", MethodInvite, m.URI, Version, crlf)
	case *Bye:
		fmt.Fprintf(&sb, "%s %s %s%s", MethodBye, m.URI, Version, crlf)
	case *Ack:
		fmt.Fprintf(&sb, "%s %s %s%s", MethodAck, m.URI, Version, crlf)
	}

	h := m.Head()
	body := buildBody(m.Payload())

	fmt.Fprintf(&sb, "To: <msnmsgr:%s>%s", h.To, crlf)
	fmt.Fprintf(&sb, "From: <msnmsgr:%s>%s", h.From, crlf)
	fmt.Fprintf(&sb, "Via: %s/TLP ;branch=%s%s", Version, h.Branch, crlf)
	fmt.Fprintf(&sb, "CSeq: %d %s", h.CSeq, crlf)
	fmt.Fprintf(&sb, "Call-ID: %s%s", h.CallID, crlf)
	fmt.Fprintf(&sb, "Max-Forwards: %d%s", h.MaxForwards, crlf)
	fmt.Fprintf(&sb, "Content-Type: %s%s", h.ContentType, crlf)
	fmt.Fprintf(&sb, "Content-Length: %d%s", len(body), crlf)
	sb.WriteString(crlf)
	sb.WriteString(body)
	return sb.String()
}

func buildBody(b Body) string {
	var sb strings.Builder
	for _, f := range b {
		sb.WriteString(f.Key)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString(crlf)
	}
	sb.WriteString(crlf)
	sb.WriteByte(0)
	return sb.String()
}

// Parse decodes one SLP message. The input may carry the trailing NUL of a
// control blob.
func Parse(text string) (Message, error) {
	head, rest, ok := strings.Cut(text, crlf)
	if !ok {
		head, rest = strings.TrimRight(text, "\x00"), ""
	}

	var (
		msg Message
		h   *Headers
		err error
	)
	if msg, err = parseStartLine(head); err != nil {
		return nil, err
	}
	h = msg.Head()

	contentLength := -1
	for {
		var line string
		line, rest, ok = strings.Cut(rest, crlf)
		if !ok {
			// Headers ran to the end of the input without a blank line.
			if strings.Trim(line, "\x00") != "" {
				if err := parseHeader(h, line, &contentLength); err != nil {
					return nil, err
				}
			}
			rest = ""
			break
		}
		if line == "" {
			break
		}
		if err := parseHeader(h, line, &contentLength); err != nil {
			return nil, err
		}
	}

	if contentLength >= 0 {
		if contentLength > len(rest) {
			return nil, errors.Wrapf(protocol.ErrMalformedSLP, "Content-Length %d exceeds %d body bytes", contentLength, len(rest))
		}
		rest = rest[:contentLength]
	}

	body := parseBody(rest)
	switch m := msg.(type) {
	case *Response:
		m.Body = body
	case *Invite:
		m.Body = body
	case *Bye:
		m.Body = body
	case *Ack:
		m.Body = body
	}
	return msg, nil
}

func parseStartLine(line string) (Message, error) {
	if !strings.Contains(line, Version) {
		return nil, errors.Wrapf(ErrNotSLP, "start line %q", line)
	}

	if rest, ok := strings.CutPrefix(line, Version+" "); ok {
		code, reason, _ := strings.Cut(rest, " ")
		status, err := strconv.Atoi(code)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedStartLine, "status %q", code)
		}
		return &Response{Status: status, Reason: reason}, nil
	}

	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != Version {
		return nil, errors.Wrapf(ErrMalformedStartLine, "%q", line)
	}
	req := Request{URI: parts[1]}
	switch parts[0] {
	case MethodInvite:
		return &Invite{req}, nil
	case MethodBye:
		return &Bye{req}, nil
	case MethodAck:
		return &Ack{req}, nil
	}
	return nil, errors.Wrapf(ErrUnknownMethod, "%q", parts[0])
}

func parseHeader(h *Headers, line string, contentLength *int) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return errors.Wrapf(ErrBadHeader, "%q", line)
	}
	value = strings.TrimSpace(value)

	switch name {
	case "To":
		h.To = unwrapAddress(value)
	case "From":
		h.From = unwrapAddress(value)
	case "Via":
		if _, branch, ok := strings.Cut(value, "branch="); ok {
			h.Branch = strings.TrimSpace(branch)
		}
	case "CSeq":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(ErrBadHeader, "CSeq %q", value)
		}
		h.CSeq = n
	case "Call-ID":
		h.CallID = value
	case "Max-Forwards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(ErrBadHeader, "Max-Forwards %q", value)
		}
		h.MaxForwards = n
	case "Content-Type":
		h.ContentType = value
	case "Content-Length":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return errors.Wrapf(ErrBadHeader, "Content-Length %q", value)
		}
		*contentLength = n
	}
	return nil
}

func unwrapAddress(v string) string {
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimPrefix(v, "msnmsgr:")
}

func parseBody(text string) Body {
	var body Body
	for _, line := range strings.Split(text, crlf) {
		line = strings.TrimRight(line, "\x00")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		body = append(body, Field{strings.TrimSpace(key), strings.TrimSpace(value)})
	}
	return body
}
