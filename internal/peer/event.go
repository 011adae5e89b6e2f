package peer

import (
	"fmt"

	"github.com/1ureka/msnp2p/internal/session"
)

// EventKind identifies a session event.
type EventKind int

const (
	EventIncoming        EventKind = iota // peer invited us; Accept or Reject
	EventActive                           // handshake complete
	EventReceiveProgress                  // Done of Total bytes reassembled
	EventSendProgress                     // Done of Total bytes written
	EventAcknowledged                     // peer acknowledged a data blob
	EventData                             // Payload received
	EventClosed                           // session ended with Reason
)

var kindNames = [...]string{"incoming", "active", "receive-progress", "send-progress", "acknowledged", "data", "closed"}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a session event delivered on Peer.Events.
type Event struct {
	Kind    EventKind
	Session session.Info

	Done, Total uint64
	Payload     []byte
	Reason      session.CloseReason
}

// listener adapts the Peer to session.Listener. Its methods run on the loop.
type listener Peer

// emit delivers ev, blocking until the application reads it. Once ctx is
// done it only fills the remaining buffer space.
func (l *listener) emit(ev Event) {
	p := (*Peer)(l)
	select {
	case p.events <- ev:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
		log.Debugf("Dropping %s event of session %d", ev.Kind, ev.Session.ID)
	}
}

func (l *listener) IncomingSession(s session.Info) {
	l.emit(Event{Kind: EventIncoming, Session: s})
}

func (l *listener) SessionActive(s session.Info) {
	l.emit(Event{Kind: EventActive, Session: s})
}

func (l *listener) ReceiveProgress(id uint32, received, total uint64) {
	l.emit(Event{Kind: EventReceiveProgress, Session: session.Info{ID: id}, Done: received, Total: total})
}

func (l *listener) SendProgress(id uint32, sent, total uint64) {
	l.emit(Event{Kind: EventSendProgress, Session: session.Info{ID: id}, Done: sent, Total: total})
}

func (l *listener) DataAcknowledged(id uint32) {
	l.emit(Event{Kind: EventAcknowledged, Session: session.Info{ID: id}})
}

func (l *listener) DataReceived(s session.Info, payload []byte) {
	l.emit(Event{Kind: EventData, Session: s, Payload: payload})
}

func (l *listener) SessionClosed(s session.Info, reason session.CloseReason) {
	l.emit(Event{Kind: EventClosed, Session: s, Reason: reason})
}
