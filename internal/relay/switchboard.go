package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Switchboard pairs clients by PIN and forwards frames between the two
// members of a room verbatim. A third client for a busy PIN is refused, and
// one member leaving closes the other.
type Switchboard struct {
	mu       sync.Mutex
	rooms    map[string]*room
	listener net.Listener
}

type room struct {
	first  *websocket.Conn
	paired bool
}

// NewSwitchboard creates a switchboard with no rooms.
func NewSwitchboard() *Switchboard {
	return &Switchboard{rooms: make(map[string]*room)}
}

// Start begins listening on addr (":0" for a random port) and serves /ws.
// Returns the assigned port number.
func (s *Switchboard) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start switchboard: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	log.Infof("Switchboard listening on %s", listener.Addr())
	return port, nil
}

// Close shuts down the listener, preventing new connections.
func (s *Switchboard) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Rooms returns the number of open rooms.
func (s *Switchboard) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Switchboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if pin == "" {
		http.Error(w, "Missing PIN", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	rm, ok := s.rooms[pin]
	switch {
	case !ok:
		s.rooms[pin] = &room{first: conn}
		s.mu.Unlock()
		log.Debugf("Switchboard: room %s opened", pin)
		return

	case rm.paired:
		s.mu.Unlock()
		log.Debugf("Switchboard: refusing third client for room %s", pin)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"))
		conn.Close()
		return
	}
	rm.paired = true
	s.mu.Unlock()

	log.Infof("Switchboard: room %s paired", pin)
	go s.bridge(pin, rm.first, conn)
}

// bridge forwards frames in both directions until either side leaves.
func (s *Switchboard) bridge(pin string, a, b *websocket.Conn) {
	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			a.Close()
			b.Close()
		})
	}

	go forward(a, b, stop)
	go forward(b, a, stop)
	<-done

	s.mu.Lock()
	delete(s.rooms, pin)
	s.mu.Unlock()
	log.Infof("Switchboard: room %s closed", pin)
}

func forward(src, dst *websocket.Conn, stop func()) {
	defer stop()
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// NewPIN returns a random numeric PIN of the specified length.
func NewPIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
