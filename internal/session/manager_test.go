package session

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/1ureka/msnp2p/internal/blob"
	"github.com/1ureka/msnp2p/internal/slp"
	"github.com/1ureka/msnp2p/internal/util"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// fakeTransport records every blob the Manager sends.
type fakeTransport struct {
	sent    []*blob.Outgoing
	dropped []uint32
	err     error
}

func (f *fakeTransport) Send(b *blob.Outgoing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeTransport) DropSession(id uint32) { f.dropped = append(f.dropped, id) }

// messages parses every control blob sent so far.
func (f *fakeTransport) messages(t *testing.T) []slp.Message {
	t.Helper()
	var out []slp.Message
	for _, b := range f.sent {
		if b.SessionID != 0 {
			continue
		}
		var buf bytes.Buffer
		for {
			c, err := b.NextChunk(1 << 20)
			if err != nil {
				t.Fatalf("NextChunk failed: %v", err)
			}
			if c == nil {
				break
			}
			buf.Write(c.Body)
		}
		msg, err := slp.Parse(buf.String())
		if err != nil {
			t.Fatalf("sent control blob does not parse: %v", err)
		}
		out = append(out, msg)
	}
	f.sent = nil
	return out
}

// events records listener callbacks as short strings.
type events struct {
	log      []string
	incoming []Info
	payloads [][]byte
	reasons  map[uint32]CloseReason
}

func newEvents() *events { return &events{reasons: make(map[uint32]CloseReason)} }

func (e *events) IncomingSession(s Info) {
	e.incoming = append(e.incoming, s)
	e.log = append(e.log, fmt.Sprintf("incoming %d", s.ID))
}
func (e *events) SessionActive(s Info) { e.log = append(e.log, fmt.Sprintf("active %d", s.ID)) }
func (e *events) ReceiveProgress(uint32, uint64, uint64) {}
func (e *events) SendProgress(uint32, uint64, uint64)    {}
func (e *events) DataAcknowledged(id uint32) {
	e.log = append(e.log, fmt.Sprintf("acknowledged %d", id))
}
func (e *events) DataReceived(s Info, p []byte) {
	e.payloads = append(e.payloads, p)
	e.log = append(e.log, fmt.Sprintf("data %d", s.ID))
}
func (e *events) SessionClosed(s Info, r CloseReason) {
	e.reasons[s.ID] = r
	e.log = append(e.log, fmt.Sprintf("closed %d", s.ID))
}

func newTestManager() (*Manager, *fakeTransport, *events) {
	ev := newEvents()
	m := NewManager(Config{Local: "alice@example.com"}, ev)
	tr := &fakeTransport{}
	m.Attach(tr)
	return m, tr, ev
}

// deliver feeds an SLP message to the manager as a complete control blob.
func deliver(m *Manager, msg slp.Message) {
	m.ControlBlobReceived([]byte(slp.Build(msg)))
}

func remoteInvite(id uint32) *slp.Invite {
	return slp.NewInvite("alice@example.com", "bob@example.com", id, slp.AppIDFileTransfer, slp.EufGUIDFileTransfer, []byte("ctx"))
}

func expectOne[T slp.Message](t *testing.T, msgs []slp.Message) T {
	t.Helper()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	m, ok := msgs[0].(T)
	if !ok {
		t.Fatalf("sent %T, want %T", msgs[0], *new(T))
	}
	return m
}

func expectState(t *testing.T, m *Manager, id uint32, want State) {
	t.Helper()
	info, ok := m.Lookup(id)
	if !ok {
		t.Fatalf("session %d not registered", id)
	}
	if info.State != want {
		t.Fatalf("session %d state: got %s, want %s", id, info.State, want)
	}
}

// ---------------------------------------------------------------------------
// Incoming sessions
// ---------------------------------------------------------------------------

func TestIncomingAccept(t *testing.T) {
	m, tr, ev := newTestManager()

	inv := remoteInvite(1001)
	deliver(m, inv)

	if len(ev.incoming) != 1 {
		t.Fatalf("incoming events: got %d, want 1", len(ev.incoming))
	}
	info := ev.incoming[0]
	if info.ID != 1001 || info.Peer != "bob@example.com" || info.AppID != slp.AppIDFileTransfer ||
		info.Direction != Incoming || string(info.Context) != "ctx" || info.CallID != inv.CallID {
		t.Errorf("unexpected session info: %+v", info)
	}
	expectState(t, m, 1001, StateInvited)
	if m.AcceptsData(1001) {
		t.Error("Invited session accepts data")
	}

	if err := m.Accept(1001); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	resp := expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusOK || resp.CallID != inv.CallID || resp.To != "bob@example.com" {
		t.Errorf("unexpected response: %d %s to %s", resp.Status, resp.CallID, resp.To)
	}
	expectState(t, m, 1001, StateAccepted)

	deliver(m, slp.NewAck("alice@example.com", "bob@example.com", inv.CallID, 1001))
	expectState(t, m, 1001, StateActive)
	if !m.AcceptsData(1001) {
		t.Error("Active session does not accept data")
	}
	if ev.log[len(ev.log)-1] != "active 1001" {
		t.Errorf("last event: got %q, want active", ev.log[len(ev.log)-1])
	}
}

func TestIncomingReject(t *testing.T) {
	m, tr, ev := newTestManager()
	deliver(m, remoteInvite(1002))

	if err := m.Reject(1002); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	resp := expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusDecline || resp.Reason != "Decline" {
		t.Errorf("unexpected response: %d %s", resp.Status, resp.Reason)
	}
	if _, ok := m.Lookup(1002); ok {
		t.Error("rejected session still registered")
	}
	if ev.reasons[1002] != ReasonRejected {
		t.Errorf("close reason: got %s, want %s", ev.reasons[1002], ReasonRejected)
	}
	if m.AcceptsData(1002) {
		t.Error("rejected session accepts data")
	}

	m.DataBlobReceived(1002, []byte("late"))
	if len(ev.payloads) != 0 {
		t.Error("data delivered to a rejected session")
	}
}

func TestDataClosesSession(t *testing.T) {
	m, tr, ev := newTestManager()
	inv := remoteInvite(1003)
	deliver(m, inv)
	m.Accept(1003)
	deliver(m, slp.NewAck("alice@example.com", "bob@example.com", inv.CallID, 1003))
	tr.messages(t)

	m.DataBlobReceived(1003, []byte("payload"))

	if len(ev.payloads) != 1 || string(ev.payloads[0]) != "payload" {
		t.Fatalf("payload not delivered: %q", ev.payloads)
	}
	bye := expectOne[*slp.Bye](t, tr.messages(t))
	if bye.CallID != inv.CallID {
		t.Errorf("BYE Call-ID: got %s, want %s", bye.CallID, inv.CallID)
	}
	if ev.reasons[1003] != ReasonCompleted {
		t.Errorf("close reason: got %s, want %s", ev.reasons[1003], ReasonCompleted)
	}
	if len(tr.dropped) != 1 || tr.dropped[0] != 1003 {
		t.Errorf("transport state not dropped: %v", tr.dropped)
	}
}

func TestDataImpliesAck(t *testing.T) {
	m, _, ev := newTestManager()
	deliver(m, remoteInvite(1004))
	m.Accept(1004)

	if !m.AcceptsData(1004) {
		t.Fatal("Accepted session does not accept data")
	}
	m.DataBlobReceived(1004, []byte("x"))

	want := []string{"incoming 1004", "active 1004", "data 1004", "closed 1004"}
	if fmt.Sprint(ev.log) != fmt.Sprint(want) {
		t.Errorf("events: got %v, want %v", ev.log, want)
	}
}

func TestDuplicateInvite(t *testing.T) {
	m, tr, ev := newTestManager()
	deliver(m, remoteInvite(1005))
	tr.messages(t)

	dup := remoteInvite(1005)
	deliver(m, dup)

	resp := expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusInternalError || resp.CallID != dup.CallID {
		t.Errorf("unexpected response: %d %s", resp.Status, resp.CallID)
	}
	if len(ev.incoming) != 1 {
		t.Errorf("incoming events: got %d, want 1", len(ev.incoming))
	}
	expectState(t, m, 1005, StateInvited)
}

func TestInviteWithoutSessionID(t *testing.T) {
	m, tr, ev := newTestManager()
	inv := remoteInvite(1)
	inv.Body = slp.Body{{Key: slp.KeyAppID, Value: "2"}}
	deliver(m, inv)

	resp := expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusInternalError {
		t.Errorf("status: got %d, want 500", resp.Status)
	}
	if len(ev.incoming) != 0 {
		t.Error("session created from an invalid INVITE")
	}
}

// ---------------------------------------------------------------------------
// Outgoing sessions
// ---------------------------------------------------------------------------

func TestOutgoingInvite(t *testing.T) {
	m, tr, ev := newTestManager()

	id, err := m.Invite("bob@example.com", slp.AppIDFileTransfer, slp.EufGUIDFileTransfer, []byte("ctx"))
	if err != nil {
		t.Fatalf("Invite failed: %v", err)
	}
	inv := expectOne[*slp.Invite](t, tr.messages(t))
	if got, _ := inv.Body.SessionID(); got != id {
		t.Errorf("INVITE SessionID: got %d, want %d", got, id)
	}
	if inv.To != "bob@example.com" || inv.From != "alice@example.com" {
		t.Errorf("INVITE addresses: To %s From %s", inv.To, inv.From)
	}
	expectState(t, m, id, StateInviting)

	if _, err := m.SendData(id, bytes.NewReader(nil), 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendData while Inviting: got %v, want ErrInvalidState", err)
	}

	deliver(m, slp.NewResponse(inv, slp.StatusOK))
	ack := expectOne[*slp.Ack](t, tr.messages(t))
	if ack.CallID != inv.CallID {
		t.Errorf("ACK Call-ID: got %s, want %s", ack.CallID, inv.CallID)
	}
	expectState(t, m, id, StateActive)
	if ev.log[len(ev.log)-1] != fmt.Sprintf("active %d", id) {
		t.Errorf("last event: got %q", ev.log[len(ev.log)-1])
	}

	blobID, err := m.SendData(id, bytes.NewReader([]byte("hello")), 5)
	if err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0].ID != blobID || tr.sent[0].SessionID != id || !tr.sent[0].File {
		t.Errorf("unexpected data blob: %+v", tr.sent)
	}
}

func TestInviteSendFailure(t *testing.T) {
	m, tr, ev := newTestManager()
	tr.err = errors.New("relay down")

	opened := util.Stats.SessionsOpened.Load()
	closed := util.Stats.SessionsClosed.Load()

	if _, err := m.Invite("bob@example.com", slp.AppIDFileTransfer, slp.EufGUIDFileTransfer, nil); !errors.Is(err, tr.err) {
		t.Fatalf("Invite: got %v, want %v", err, tr.err)
	}
	if len(m.Sessions()) != 0 || len(m.byCallID) != 0 {
		t.Errorf("failed invite left state behind: %d sessions, %d Call-IDs", len(m.Sessions()), len(m.byCallID))
	}
	if len(ev.log) != 0 {
		t.Errorf("unexpected events: %v", ev.log)
	}

	dOpened := util.Stats.SessionsOpened.Load() - opened
	dClosed := util.Stats.SessionsClosed.Load() - closed
	if dOpened != dClosed {
		t.Errorf("session counters drifted: opened %d, closed %d", dOpened, dClosed)
	}
}

func TestOutgoingRefused(t *testing.T) {
	testCases := []struct {
		status int
		reason CloseReason
	}{
		{slp.StatusDecline, ReasonRejected},
		{slp.StatusInternalError, ReasonFailed},
		{slp.StatusNotFound, ReasonFailed},
	}

	for _, tc := range testCases {
		t.Run(slp.StatusText(tc.status), func(t *testing.T) {
			m, tr, ev := newTestManager()
			id, _ := m.Invite("bob@example.com", 1, slp.EufGUIDDisplayPicture, nil)
			inv := expectOne[*slp.Invite](t, tr.messages(t))

			deliver(m, slp.NewResponse(inv, tc.status))

			if _, ok := m.Lookup(id); ok {
				t.Error("refused session still registered")
			}
			if ev.reasons[id] != tc.reason {
				t.Errorf("close reason: got %s, want %s", ev.reasons[id], tc.reason)
			}
			if msgs := tr.messages(t); len(msgs) != 0 {
				t.Errorf("unexpected messages after refusal: %d", len(msgs))
			}
		})
	}
}

func TestByeFromPeer(t *testing.T) {
	m, tr, ev := newTestManager()
	id, _ := m.Invite("bob@example.com", 2, slp.EufGUIDFileTransfer, nil)
	inv := expectOne[*slp.Invite](t, tr.messages(t))
	deliver(m, slp.NewResponse(inv, slp.StatusOK))
	tr.messages(t)

	deliver(m, slp.NewBye("alice@example.com", "bob@example.com", inv.CallID))

	if _, ok := m.Lookup(id); ok {
		t.Error("session still registered after BYE")
	}
	if ev.reasons[id] != ReasonRemote {
		t.Errorf("close reason: got %s, want %s", ev.reasons[id], ReasonRemote)
	}
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Error("BYE answered with a message")
	}

	// A repeated BYE for the closed session is silently ignored.
	deliver(m, slp.NewBye("alice@example.com", "bob@example.com", inv.CallID))
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Error("repeated BYE answered")
	}
}

// ---------------------------------------------------------------------------
// Unknown and invalid traffic
// ---------------------------------------------------------------------------

func TestUnknownCallID(t *testing.T) {
	m, tr, _ := newTestManager()

	deliver(m, slp.NewBye("alice@example.com", "bob@example.com", "{UNKNOWN}"))
	resp := expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusNotFound {
		t.Errorf("BYE for unknown session: got %d, want 404", resp.Status)
	}

	deliver(m, slp.NewAck("alice@example.com", "bob@example.com", "{UNKNOWN}", 5))
	resp = expectOne[*slp.Response](t, tr.messages(t))
	if resp.Status != slp.StatusNotFound {
		t.Errorf("ACK for unknown session: got %d, want 404", resp.Status)
	}

	deliver(m, slp.NewResponse(remoteInvite(5), slp.StatusOK))
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Error("response for unknown session answered")
	}

	m.ControlBlobReceived([]byte("garbage\x00"))
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Error("malformed control blob answered")
	}
}

func TestInvalidOperations(t *testing.T) {
	m, _, _ := newTestManager()
	deliver(m, remoteInvite(1006))

	if _, err := m.SendData(1006, bytes.NewReader(nil), 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendData while Invited: got %v, want ErrInvalidState", err)
	}
	if err := m.Accept(1006); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := m.Accept(1006); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Accept: got %v, want ErrInvalidState", err)
	}
	if err := m.Reject(1006); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reject after Accept: got %v, want ErrInvalidState", err)
	}
	if err := m.Accept(42); !errors.Is(err, ErrNoSuchSession) {
		t.Errorf("Accept unknown: got %v, want ErrNoSuchSession", err)
	}

	id, _ := m.Invite("bob@example.com", 2, slp.EufGUIDFileTransfer, nil)
	if err := m.Accept(id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Accept on outgoing session: got %v, want ErrInvalidState", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m, tr, ev := newTestManager()
	id, _ := m.Invite("bob@example.com", 2, slp.EufGUIDFileTransfer, nil)
	tr.messages(t)

	if err := m.Close(id); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	expectOne[*slp.Bye](t, tr.messages(t))
	if ev.reasons[id] != ReasonLocal {
		t.Errorf("close reason: got %s, want %s", ev.reasons[id], ReasonLocal)
	}

	if err := m.Close(id); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Error("second Close sent a message")
	}
	if err := m.Close(99); !errors.Is(err, ErrNoSuchSession) {
		t.Errorf("Close unknown: got %v, want ErrNoSuchSession", err)
	}
}

func TestConnectionLost(t *testing.T) {
	m, _, ev := newTestManager()
	deliver(m, remoteInvite(2001))
	deliver(m, remoteInvite(2002))
	out, _ := m.Invite("bob@example.com", 2, slp.EufGUIDFileTransfer, nil)

	m.ConnectionLost(errors.New("relay gone"))

	for _, id := range []uint32{2001, 2002, out} {
		if ev.reasons[id] != ReasonConnectionLost {
			t.Errorf("session %d: close reason %s, want %s", id, ev.reasons[id], ReasonConnectionLost)
		}
	}
	if len(m.Sessions()) != 0 {
		t.Error("sessions remain after connection loss")
	}
	if _, err := m.Invite("bob@example.com", 2, slp.EufGUIDFileTransfer, nil); err == nil {
		t.Error("Invite succeeded after connection loss")
	}
}
