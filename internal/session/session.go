// Package session implements MSNP2P sessions: the SLP-negotiated state
// machine of a single transfer and the Manager that owns every session on a
// relay connection and routes control and data traffic to them.
package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/msnp2p/internal/slp"
)

// Session errors.
var (
	ErrInvalidState  = errors.New("operation not valid in session state")
	ErrNoSuchSession = errors.New("no such session")
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateInviting
	StateInvited
	StateAccepted
	StateRejected
	StateActive
	StateClosed
)

var stateNames = [...]string{"Idle", "Inviting", "Invited", "Accepted", "Rejected", "Active", "Closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateRejected || s == StateClosed }

// Direction tells which side sent the INVITE.
type Direction int

const (
	Outgoing Direction = iota // local side invited
	Incoming                  // remote side invited
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// CloseReason explains why a session left the registry.
type CloseReason int

const (
	ReasonLocal          CloseReason = iota // Close was called
	ReasonRemote                            // peer sent BYE
	ReasonCompleted                         // data blob delivered
	ReasonRejected                          // invitation declined
	ReasonFailed                            // peer answered with an error status
	ReasonConnectionLost                    // relay failed
)

var reasonNames = [...]string{"closed locally", "closed by peer", "transfer complete", "rejected", "failed", "connection lost"}

func (r CloseReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("CloseReason(%d)", int(r))
}

// Info is a snapshot of a session handed to the application.
type Info struct {
	ID        uint32
	CallID    string
	Peer      string
	AppID     uint32
	EufGUID   string
	Context   []byte
	Direction Direction
	State     State
}

// Session is one negotiated transfer. Sessions are owned by a Manager and
// only touched on its loop.
type Session struct {
	Info

	m      *Manager
	invite *slp.Invite // the INVITE received, for Incoming sessions
}

func (s *Session) String() string {
	return fmt.Sprintf("session %d (%s, %s)", s.ID, s.Direction, s.State)
}

func (s *Session) transition(from []State, to State) error {
	for _, st := range from {
		if s.State == st {
			log.Debugf("Session %d: %s -> %s", s.ID, s.State, to)
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidState, s, to)
}

// sendInvite sends the INVITE for an Outgoing session.
func (s *Session) sendInvite() error {
	if err := s.transition([]State{StateIdle}, StateInviting); err != nil {
		return err
	}
	inv := slp.NewInvite(s.Peer, s.m.cfg.Local, s.ID, s.AppID, s.EufGUID, s.Context)
	s.CallID = inv.CallID
	// The answer may arrive while the INVITE is still being written.
	s.m.byCallID[s.CallID] = s.ID
	return s.m.sendSLP(inv)
}

// accept answers an Incoming INVITE with 200 OK.
func (s *Session) accept() error {
	if err := s.transition([]State{StateInvited}, StateAccepted); err != nil {
		return err
	}
	return s.m.sendSLP(slp.NewResponse(s.invite, slp.StatusOK))
}

// reject answers an Incoming INVITE with 603 Decline.
func (s *Session) reject() error {
	if err := s.transition([]State{StateInvited}, StateRejected); err != nil {
		return err
	}
	return s.m.sendSLP(slp.NewResponse(s.invite, slp.StatusDecline))
}

// answered applies the peer's response to our INVITE. It reports whether the
// session became Active.
func (s *Session) answered(resp *slp.Response) (bool, error) {
	if resp.Status != slp.StatusOK {
		return false, s.transition([]State{StateInviting}, StateRejected)
	}
	if err := s.transition([]State{StateInviting}, StateAccepted); err != nil {
		return false, err
	}
	if err := s.m.sendSLP(slp.NewAck(s.Peer, s.m.cfg.Local, s.CallID, s.ID)); err != nil {
		return false, err
	}
	return true, s.transition([]State{StateAccepted}, StateActive)
}

// acknowledged applies the peer's ACK to our 200 OK.
func (s *Session) acknowledged() error {
	return s.transition([]State{StateAccepted}, StateActive)
}

// close moves the session to Closed, sending BYE when the peer knows about
// the session and bye is set.
func (s *Session) close(bye bool) error {
	if s.State.Terminal() {
		return nil
	}
	peerKnows := s.State != StateIdle
	s.State = StateClosed
	s.m.tr.DropSession(s.ID)
	if bye && peerKnows {
		return s.m.sendSLP(slp.NewBye(s.Peer, s.m.cfg.Local, s.CallID))
	}
	return nil
}
