package session

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/decred/dcrd/lru"

	"github.com/1ureka/msnp2p/internal/blob"
	"github.com/1ureka/msnp2p/internal/protocol"
	"github.com/1ureka/msnp2p/internal/slp"
	"github.com/1ureka/msnp2p/internal/util"
)

const recentlyClosedLimit = 128 // closed session ids and Call-IDs remembered to silence stragglers

// Transport is the part of transport.Transport the Manager drives.
type Transport interface {
	Send(b *blob.Outgoing) error
	DropSession(sessionID uint32)
}

// Listener receives session events. All methods are called on the
// Manager's loop.
type Listener interface {
	IncomingSession(s Info)
	SessionActive(s Info)
	ReceiveProgress(id uint32, received, total uint64)
	SendProgress(id uint32, sent, total uint64)
	DataAcknowledged(id uint32)
	DataReceived(s Info, payload []byte)
	SessionClosed(s Info, reason CloseReason)
}

// Config holds Manager parameters.
type Config struct {
	// Local is the local peer address placed in From headers.
	Local string
	// AckEach requests an acknowledgment for every data chunk.
	AckEach bool
}

// Manager owns every session of one relay connection. INVITE is the only
// message that creates a session; everything else is routed to an existing
// one by session id or Call-ID.
//
// A Manager is not safe for concurrent use; it runs on the same loop as its
// Transport.
type Manager struct {
	cfg      Config
	tr       Transport
	listener Listener

	sessions map[uint32]*Session
	byCallID map[string]uint32
	closed   lru.Cache
	lost     bool
}

// NewManager creates an empty Manager. Attach must be called before use.
func NewManager(cfg Config, listener Listener) *Manager {
	return &Manager{
		cfg:      cfg,
		listener: listener,
		sessions: make(map[uint32]*Session),
		byCallID: make(map[string]uint32),
		closed:   lru.NewCache(recentlyClosedLimit),
	}
}

// Attach sets the transport sessions send through.
func (m *Manager) Attach(tr Transport) { m.tr = tr }

// ---------------------------------------------------------------------------
// Application API
// ---------------------------------------------------------------------------

// Invite opens an Outgoing session to peer and sends the INVITE.
func (m *Manager) Invite(peer string, appID uint32, eufGUID string, context []byte) (uint32, error) {
	if m.lost {
		return 0, fmt.Errorf("invite %s: connection lost", peer)
	}

	id := util.RandomID()
	for m.sessions[id] != nil {
		id = util.RandomID()
	}

	s := &Session{
		Info: Info{
			ID:        id,
			Peer:      peer,
			AppID:     appID,
			EufGUID:   eufGUID,
			Context:   context,
			Direction: Outgoing,
			State:     StateIdle,
		},
		m: m,
	}
	m.sessions[id] = s
	util.Stats.OpenSession()

	if err := s.sendInvite(); err != nil {
		m.unregister(s)
		util.Stats.CloseSession()
		return 0, err
	}
	log.Infof("Inviting %s to session %d (app %d)", peer, id, appID)
	return id, nil
}

// Accept answers an Incoming session's INVITE with 200 OK.
func (m *Manager) Accept(id uint32) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.accept()
}

// Reject answers an Incoming session's INVITE with 603 Decline and removes
// the session.
func (m *Manager) Reject(id uint32) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := s.reject(); err != nil {
		return err
	}
	m.finish(s, ReasonRejected)
	return nil
}

// SendData queues size bytes read from src on an Active session and returns
// the blob id.
func (m *Manager) SendData(id uint32, src io.ReaderAt, size uint64) (uint32, error) {
	s, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	if s.State != StateActive {
		return 0, fmt.Errorf("%w: send on %s", ErrInvalidState, s)
	}

	b := blob.NewOutgoing(id, src, size)
	b.AckEach = m.cfg.AckEach
	b.File = s.AppID == slp.AppIDFileTransfer
	if err := m.tr.Send(b); err != nil {
		return 0, err
	}
	log.Debugf("Session %d: queued blob %08x (%d bytes)", id, b.ID, size)
	return b.ID, nil
}

// Close ends a session, sending BYE when the peer knows about it. Closing a
// session that already ended is a no-op.
func (m *Manager) Close(id uint32) error {
	s, ok := m.sessions[id]
	if !ok {
		if m.closed.Contains(id) {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrNoSuchSession, id)
	}
	err := s.close(true)
	m.finish(s, ReasonLocal)
	return err
}

// Lookup returns a snapshot of a registered session.
func (m *Manager) Lookup(id uint32) (Info, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.Info, true
}

// Sessions returns snapshots of every registered session ordered by id.
func (m *Manager) Sessions() []Info {
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info)
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *Manager) lookup(id uint32) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchSession, id)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

// AcceptsData reports whether id names a session that may receive data.
func (m *Manager) AcceptsData(id uint32) bool {
	s, ok := m.sessions[id]
	return ok && (s.State == StateAccepted || s.State == StateActive)
}

// ControlBlobReceived parses an SLP message and dispatches it.
func (m *Manager) ControlBlobReceived(payload []byte) {
	msg, err := slp.Parse(string(payload))
	if err != nil {
		log.Warnf("Dropping control blob: %v", err)
		return
	}

	switch msg := msg.(type) {
	case *slp.Invite:
		m.handleInvite(msg)
	case *slp.Response:
		m.handleResponse(msg)
	case *slp.Ack:
		m.handleAck(msg)
	case *slp.Bye:
		m.handleBye(msg)
	}
}

// DataBlobReceived hands a complete data blob to its session. Blobs for
// unknown sessions are dropped; they never create one.
func (m *Manager) DataBlobReceived(id uint32, payload []byte) {
	s, ok := m.sessions[id]
	if !ok {
		log.Warnf("Dropping %d-byte blob: %v %d", len(payload), protocol.ErrUnknownSession, id)
		return
	}

	// Data arriving before our ACK implies the peer saw our 200 OK.
	if s.State == StateAccepted {
		if err := s.acknowledged(); err == nil {
			m.listener.SessionActive(s.Info)
		}
	}
	if s.State != StateActive {
		log.Warnf("Dropping blob for %s", s)
		return
	}

	m.listener.DataReceived(s.Info, payload)
	if err := s.close(true); err != nil {
		log.Warnf("Session %d: sending BYE: %v", id, err)
	}
	m.finish(s, ReasonCompleted)
}

// DataProgress forwards reassembly progress.
func (m *Manager) DataProgress(id uint32, received, total uint64) {
	if _, ok := m.sessions[id]; ok {
		m.listener.ReceiveProgress(id, received, total)
	}
}

// SendProgress forwards send progress.
func (m *Manager) SendProgress(id uint32, sent, total uint64) {
	if _, ok := m.sessions[id]; ok {
		m.listener.SendProgress(id, sent, total)
	}
}

// BlobAcknowledged reports data blobs the peer has fully acknowledged.
func (m *Manager) BlobAcknowledged(id, blobID uint32) {
	if id == 0 {
		return
	}
	if _, ok := m.sessions[id]; ok {
		log.Debugf("Session %d: blob %08x acknowledged", id, blobID)
		m.listener.DataAcknowledged(id)
	}
}

// ConnectionLost closes every session with ReasonConnectionLost.
func (m *Manager) ConnectionLost(err error) {
	m.lost = true
	log.Warnf("Connection lost, closing %d sessions: %v", len(m.sessions), err)
	for _, info := range m.Sessions() {
		s := m.sessions[info.ID]
		s.State = StateClosed
		m.finish(s, ReasonConnectionLost)
	}
}

// ---------------------------------------------------------------------------
// SLP dispatch
// ---------------------------------------------------------------------------

func (m *Manager) handleInvite(inv *slp.Invite) {
	id, ok := inv.Body.SessionID()
	if !ok || id == 0 {
		log.Warnf("INVITE %s without a usable SessionID", inv.CallID)
		m.respond(inv, slp.StatusInternalError)
		return
	}
	if _, exists := m.sessions[id]; exists {
		log.Warnf("INVITE %s: %v: %d", inv.CallID, protocol.ErrDuplicateInvite, id)
		m.respond(inv, slp.StatusInternalError)
		return
	}
	if _, exists := m.byCallID[inv.CallID]; exists {
		log.Warnf("INVITE reuses Call-ID %s", inv.CallID)
		m.respond(inv, slp.StatusInternalError)
		return
	}
	context, err := inv.Body.Context()
	if err != nil {
		log.Warnf("INVITE %s: bad Context: %v", inv.CallID, err)
		m.respond(inv, slp.StatusInternalError)
		return
	}
	eufGUID, _ := inv.Body.Get(slp.KeyEufGUID)

	s := &Session{
		Info: Info{
			ID:        id,
			CallID:    inv.CallID,
			Peer:      inv.From,
			AppID:     inv.Body.AppID(),
			EufGUID:   eufGUID,
			Context:   context,
			Direction: Incoming,
			State:     StateInvited,
		},
		m:      m,
		invite: inv,
	}
	m.sessions[id] = s
	m.byCallID[inv.CallID] = id
	util.Stats.OpenSession()

	log.Infof("Incoming session %d from %s (app %d)", id, s.Peer, s.AppID)
	m.listener.IncomingSession(s.Info)
}

func (m *Manager) handleResponse(resp *slp.Response) {
	s, ok := m.byCall(resp.CallID)
	if !ok {
		if !m.closed.Contains(resp.CallID) {
			log.Warnf("Dropping %d response for unknown Call-ID %s", resp.Status, resp.CallID)
		}
		return
	}

	active, err := s.answered(resp)
	if err != nil {
		log.Warnf("Ignoring %d response: %v", resp.Status, err)
		return
	}
	if active {
		log.Infof("Session %d active", s.ID)
		m.listener.SessionActive(s.Info)
		return
	}

	reason := ReasonRejected
	if resp.Status != slp.StatusDecline {
		reason = ReasonFailed
	}
	log.Infof("Session %d refused: %d %s", s.ID, resp.Status, resp.Reason)
	m.tr.DropSession(s.ID)
	m.finish(s, reason)
}

func (m *Manager) handleAck(ack *slp.Ack) {
	s, ok := m.byCall(ack.CallID)
	if !ok {
		if !m.closed.Contains(ack.CallID) {
			m.respond(ack, slp.StatusNotFound)
		}
		return
	}
	if err := s.acknowledged(); err != nil {
		log.Warnf("Ignoring ACK: %v", err)
		return
	}
	log.Infof("Session %d active", s.ID)
	m.listener.SessionActive(s.Info)
}

func (m *Manager) handleBye(bye *slp.Bye) {
	s, ok := m.byCall(bye.CallID)
	if !ok {
		if !m.closed.Contains(bye.CallID) {
			m.respond(bye, slp.StatusNotFound)
		}
		return
	}
	s.close(false)
	m.finish(s, ReasonRemote)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) byCall(callID string) (*Session, bool) {
	id, ok := m.byCallID[callID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) sendSLP(msg slp.Message) error {
	return m.tr.Send(blob.FromBytes(0, []byte(slp.Build(msg))))
}

func (m *Manager) respond(req slp.Message, status int) {
	if err := m.sendSLP(slp.NewResponse(req, status)); err != nil {
		log.Warnf("Sending %d response: %v", status, err)
	}
}

// unregister removes a session from the registry and remembers its ids.
func (m *Manager) unregister(s *Session) {
	delete(m.sessions, s.ID)
	if s.CallID != "" {
		delete(m.byCallID, s.CallID)
		m.closed.Add(s.CallID)
	}
	m.closed.Add(s.ID)
}

// finish unregisters a terminal session and reports it.
func (m *Manager) finish(s *Session, reason CloseReason) {
	m.unregister(s)
	util.Stats.CloseSession()
	log.Infof("Session %d %s", s.ID, reason)
	m.listener.SessionClosed(s.Info, reason)
}
