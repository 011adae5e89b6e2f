// Package transport moves MSNP2P blobs over a relay connection: it chunks
// outgoing blobs with control traffic ahead of data, reassembles incoming
// chunks per session, and runs the acknowledgment protocol.
//
// A Transport is not safe for concurrent use. Every method, and every piece
// of work handed to the Post scheduler, must run on one owning loop.
package transport

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/lru"

	"github.com/1ureka/msnp2p/internal/blob"
	"github.com/1ureka/msnp2p/internal/protocol"
	"github.com/1ureka/msnp2p/internal/util"
)

// Tuning defaults.
const (
	DefaultMaxChunkSize = 1202 // payload bytes per chunk on a switchboard relay
	recentBlobLimit     = 256  // completed incoming blob ids remembered for duplicate suppression
)

// ErrClosed is returned by Send after the transport has failed.
var ErrClosed = errors.New("transport closed")

// Relay is the byte channel below the transport. Each Send carries exactly
// one encoded chunk.
type Relay interface {
	Send(p []byte) error
}

// Handler receives transport events. All methods are called on the owning
// loop.
type Handler interface {
	// AcceptsData reports whether a new data blob for sessionID may be
	// reassembled. Chunks for sessions it rejects fail with ErrUnknownSession.
	AcceptsData(sessionID uint32) bool

	// ControlBlobReceived delivers a complete session-0 blob.
	ControlBlobReceived(payload []byte)

	// DataBlobReceived delivers a complete data blob.
	DataBlobReceived(sessionID uint32, payload []byte)

	// DataProgress reports reassembly progress of a data blob.
	DataProgress(sessionID uint32, received, total uint64)

	// SendProgress reports how much of an outgoing data blob has been written.
	SendProgress(sessionID uint32, sent, total uint64)

	// BlobAcknowledged reports that every acknowledgment requested for an
	// outgoing blob has arrived.
	BlobAcknowledged(sessionID, blobID uint32)

	// ConnectionLost reports that the relay failed. No further events follow.
	ConnectionLost(err error)
}

// Config holds Transport parameters.
type Config struct {
	// MaxChunkSize bounds the payload of each outgoing chunk.
	MaxChunkSize int

	// Post schedules fn to run later on the owning loop. Each pump sends one
	// chunk and posts the next, so events handled in between can queue
	// control traffic ahead of a long data blob. When nil, work runs inline
	// on a trampoline.
	Post func(fn func())
}

type ackKey struct {
	blobID uint32
	ref    uint32
}

type blobKey struct {
	sessionID uint32
	blobID    uint32
}

// Transport is the MSNP2P chunk engine for one relay connection.
type Transport struct {
	relay    Relay
	handler  Handler
	post     func(func())
	maxChunk int

	controlQueue []*blob.Outgoing
	dataQueue    []*blob.Outgoing
	pumping      bool

	pending  map[ackKey]*blob.Outgoing
	awaiting map[uint32]int
	unacked  map[uint32]*blob.Outgoing

	writable map[uint32]*blob.Incoming
	control  map[uint32]*blob.Incoming
	recent   lru.Cache

	inbuf []byte

	closed bool
	err    error
}

// New creates a Transport writing to relay and reporting to handler.
func New(relay Relay, handler Handler, cfg Config) *Transport {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	post := cfg.Post
	if post == nil {
		post = newTrampoline().post
	}

	return &Transport{
		relay:    relay,
		handler:  handler,
		post:     post,
		maxChunk: cfg.MaxChunkSize,
		pending:  make(map[ackKey]*blob.Outgoing),
		awaiting: make(map[uint32]int),
		unacked:  make(map[uint32]*blob.Outgoing),
		writable: make(map[uint32]*blob.Incoming),
		control:  make(map[uint32]*blob.Incoming),
		recent:   lru.NewCache(recentBlobLimit),
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues a blob. Control-channel blobs go ahead of data blobs.
func (t *Transport) Send(b *blob.Outgoing) error {
	if t.closed {
		return ErrClosed
	}
	if b.IsControl() {
		t.controlQueue = append(t.controlQueue, b)
	} else {
		t.dataQueue = append(t.dataQueue, b)
	}
	t.schedule()
	return nil
}

// Queued returns the number of blobs waiting to be sent.
func (t *Transport) Queued() (control, data int) {
	return len(t.controlQueue), len(t.dataQueue)
}

func (t *Transport) schedule() {
	if t.pumping || t.closed {
		return
	}
	if len(t.controlQueue) == 0 && len(t.dataQueue) == 0 {
		return
	}
	t.pumping = true
	t.post(t.pump)
}

// pump writes a single chunk and schedules the next one.
func (t *Transport) pump() {
	t.pumping = false
	if t.closed {
		return
	}

	queue := &t.controlQueue
	if len(*queue) == 0 {
		queue = &t.dataQueue
	}
	if len(*queue) == 0 {
		return
	}
	b := (*queue)[0]

	c, err := b.NextChunk(t.maxChunk)
	if err != nil {
		log.Errorf("Dropping blob %08x of session %d: %v", b.ID, b.SessionID, err)
		*queue = (*queue)[1:]
		t.forget(b)
		t.schedule()
		return
	}

	// Bookkeeping happens before the write so a relay that delivers
	// synchronously sees consistent state.
	if b.Done() {
		*queue = (*queue)[1:]
	}
	if c != nil && c.Flags.Has(protocol.FlagRAK) {
		t.pending[ackKey{c.BlobID, c.AckBlobID}] = b
		t.awaiting[b.ID]++
	}
	if b.Done() && t.awaiting[b.ID] > 0 {
		t.unacked[b.ID] = b
	}

	if c != nil {
		data := protocol.Encode(c)
		log.Tracef("Sending chunk %v", headerDump(&c.Header))
		if err := t.relay.Send(data); err != nil {
			t.Fail(fmt.Errorf("relay send: %w", err))
			return
		}
		util.Stats.AddSent(len(data))

		if !b.IsControl() {
			t.handler.SendProgress(b.SessionID, b.Sent(), b.Size)
		}
	}

	t.schedule()
}

// forget drops the acknowledgment state of an outgoing blob.
func (t *Transport) forget(b *blob.Outgoing) {
	for k, v := range t.pending {
		if v == b {
			delete(t.pending, k)
		}
	}
	delete(t.awaiting, b.ID)
	delete(t.unacked, b.ID)
}

// Unacknowledged returns the ids of fully sent blobs whose acknowledgment is
// still outstanding.
func (t *Transport) Unacknowledged() []uint32 {
	ids := make([]uint32, 0, len(t.unacked))
	for id := range t.unacked {
		ids = append(ids, id)
	}
	return ids
}

// DropSession discards every queued outgoing blob and the partially
// reassembled incoming blob of a session.
func (t *Transport) DropSession(sessionID uint32) {
	kept := t.dataQueue[:0]
	for _, b := range t.dataQueue {
		if b.SessionID == sessionID {
			t.forget(b)
			continue
		}
		kept = append(kept, b)
	}
	clear(t.dataQueue[len(kept):])
	t.dataQueue = kept

	for _, b := range t.unacked {
		if b.SessionID == sessionID {
			t.forget(b)
		}
	}

	if in, ok := t.writable[sessionID]; ok {
		t.recent.Add(blobKey{sessionID, in.ID()})
		delete(t.writable, sessionID)
	}
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

// HandleBytes consumes bytes read from the relay. Reads may split or join
// chunks at any boundary; complete chunks are processed in order.
func (t *Transport) HandleBytes(p []byte) {
	if t.closed {
		return
	}
	t.inbuf = append(t.inbuf, p...)

	off := 0
	for len(t.inbuf)-off >= protocol.HeaderSize {
		h, _ := protocol.DecodeHeader(t.inbuf[off:])
		if h.ChunkSize > protocol.MaxChunkSize {
			log.Warnf("Chunk size %d exceeds %d, discarding %d buffered bytes",
				h.ChunkSize, protocol.MaxChunkSize, len(t.inbuf)-off)
			t.inbuf = nil
			return
		}

		n := protocol.HeaderSize + int(h.ChunkSize)
		if len(t.inbuf)-off < n {
			break
		}

		c, err := protocol.Decode(t.inbuf[off : off+n])
		off += n
		if err != nil {
			log.Warnf("Dropping undecodable chunk: %v", err)
			continue
		}
		util.Stats.AddRecv(n)

		if err := t.HandleChunk(c); err != nil {
			log.Warnf("Dropping chunk of blob %08x (session %d): %v", c.BlobID, c.SessionID, err)
		}
		if t.closed {
			return
		}
	}

	if off == len(t.inbuf) {
		t.inbuf = t.inbuf[:0]
	} else if off > 0 {
		t.inbuf = append(t.inbuf[:0:0], t.inbuf[off:]...)
	}
}

// HandleChunk processes one decoded chunk.
func (t *Transport) HandleChunk(c *protocol.Chunk) error {
	log.Tracef("Received chunk %v", headerDump(&c.Header))

	if c.Flags.Has(protocol.FlagACK) {
		t.handleAck(c)
		return nil
	}

	if c.Flags.Has(protocol.FlagRAK) {
		if err := t.Send(blob.NewControl(protocol.FlagACK, c.BlobID, c.AckBlobID, c.BlobSize)); err != nil {
			return err
		}
	}

	if c.SessionID == 0 {
		return t.handleControl(c)
	}
	return t.handleData(c)
}

func (t *Transport) handleAck(c *protocol.Chunk) {
	key := ackKey{c.AckBlobID, c.AckChunkRef}
	b, ok := t.pending[key]
	if !ok {
		log.Debugf("Ignoring ACK for unknown chunk %08x/%08x", c.AckBlobID, c.AckChunkRef)
		return
	}
	delete(t.pending, key)

	t.awaiting[b.ID]--
	if t.awaiting[b.ID] > 0 {
		return
	}
	delete(t.awaiting, b.ID)

	if _, ok := t.unacked[b.ID]; ok {
		delete(t.unacked, b.ID)
		log.Debugf("Blob %08x of session %d acknowledged", b.ID, b.SessionID)
		t.handler.BlobAcknowledged(b.SessionID, b.ID)
	}
}

func (t *Transport) handleControl(c *protocol.Chunk) error {
	in, ok := t.control[c.BlobID]
	if !ok {
		if t.recent.Contains(blobKey{0, c.BlobID}) {
			log.Debugf("Ignoring duplicate chunk of completed control blob %08x", c.BlobID)
			return nil
		}
		var err error
		if in, err = blob.NewIncoming(0, c.BlobSize); err != nil {
			return err
		}
		t.control[c.BlobID] = in
	}

	if err := in.Append(c); err != nil {
		if in.Received() == 0 {
			delete(t.control, c.BlobID)
		}
		return err
	}
	if !in.Complete() {
		return nil
	}

	delete(t.control, c.BlobID)
	t.recent.Add(blobKey{0, c.BlobID})
	t.handler.ControlBlobReceived(in.Bytes())
	return nil
}

func (t *Transport) handleData(c *protocol.Chunk) error {
	in, ok := t.writable[c.SessionID]
	switch {
	case ok && in.ID() != c.BlobID:
		return fmt.Errorf("%w: session %d has blob %08x, got %08x",
			protocol.ErrDuplicateBlobForSession, c.SessionID, in.ID(), c.BlobID)

	case !ok:
		if !t.handler.AcceptsData(c.SessionID) {
			return fmt.Errorf("%w: %d", protocol.ErrUnknownSession, c.SessionID)
		}
		if t.recent.Contains(blobKey{c.SessionID, c.BlobID}) {
			log.Debugf("Ignoring late chunk of blob %08x (session %d)", c.BlobID, c.SessionID)
			return nil
		}
		var err error
		if in, err = blob.NewIncoming(c.SessionID, c.BlobSize); err != nil {
			return err
		}
		if err := in.Append(c); err != nil {
			return err
		}
		t.writable[c.SessionID] = in

	default:
		if len(c.Body) > 0 && in.Contains(c.BlobOffset, uint64(len(c.Body))) {
			log.Debugf("Ignoring duplicate chunk at %d of blob %08x (%d spans received)",
				c.BlobOffset, c.BlobID, in.Spans())
			return nil
		}
		if err := in.Append(c); err != nil {
			return err
		}
	}

	t.handler.DataProgress(c.SessionID, in.Received(), in.Size)
	if !in.Complete() {
		return nil
	}

	delete(t.writable, c.SessionID)
	t.recent.Add(blobKey{c.SessionID, in.ID()})
	t.handler.DataBlobReceived(c.SessionID, in.Bytes())
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Fail marks the relay as lost, drops all queued and partial blobs, and
// reports ConnectionLost once.
func (t *Transport) Fail(err error) {
	if t.closed {
		return
	}
	t.closed = true
	t.err = err

	t.controlQueue = nil
	t.dataQueue = nil
	t.pending = make(map[ackKey]*blob.Outgoing)
	t.awaiting = make(map[uint32]int)
	t.unacked = make(map[uint32]*blob.Outgoing)
	t.writable = make(map[uint32]*blob.Incoming)
	t.control = make(map[uint32]*blob.Incoming)
	t.inbuf = nil

	log.Infof("Transport closed: %v", err)
	t.handler.ConnectionLost(err)
}

// Closed reports whether the transport has failed.
func (t *Transport) Closed() bool { return t.closed }

// Err returns the error passed to Fail.
func (t *Transport) Err() error { return t.err }

// ---------------------------------------------------------------------------
// Inline scheduling
// ---------------------------------------------------------------------------

// trampoline runs posted work inline without recursion: work posted while
// draining is appended and run by the outermost call.
type trampoline struct {
	work     []func()
	draining bool
}

func newTrampoline() *trampoline { return &trampoline{} }

func (tr *trampoline) post(fn func()) {
	tr.work = append(tr.work, fn)
	if tr.draining {
		return
	}
	tr.draining = true
	defer func() { tr.draining = false }()
	for len(tr.work) > 0 {
		fn := tr.work[0]
		tr.work = tr.work[1:]
		fn()
	}
}
