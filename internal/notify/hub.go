package notify

import (
	"log"
	"sync"
	"time"
)

// EventAnalysisStatus is the frame name pushed on every job-state transition.
const EventAnalysisStatus = "analysisStatus"

// writeTimeout bounds a single frame write; sendBuffer is how many pending
// frames a connection may fall behind before it is dropped.
const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 16
)

// Event is one websocket frame.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is the slice of a websocket connection the hub needs. *websocket.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// member pairs a connection with its outbound frame queue. All frames for a
// connection go through ch so exactly one goroutine ever writes to it and a
// stalled peer blocks only its own queue, never a caller.
type member struct {
	conn   Conn
	userID string
	ch     chan Event
}

// Hub is an explicit registry mapping user IDs to live connections. A
// connection belongs to at most one user group, established by an explicit
// join after the transport connects. Membership is ephemeral; there is no
// replay of missed updates. Delivery is asynchronous: senders enqueue and
// return immediately.
type Hub struct {
	mu      sync.Mutex
	groups  map[string]map[Conn]*member
	members map[Conn]*member
	closed  bool
}

// NewHub constructs an empty registry.
func NewHub() *Hub {
	return &Hub{
		groups:  make(map[string]map[Conn]*member),
		members: make(map[Conn]*member),
	}
}

// Join subscribes conn to userID's group. A conn that joins again is moved to
// the new group.
func (h *Hub) Join(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	m, ok := h.members[conn]
	if ok {
		if m.userID != userID {
			h.detachLocked(m)
			m.userID = userID
			h.attachLocked(m)
		}
	} else {
		m = &member{conn: conn, userID: userID, ch: make(chan Event, sendBuffer)}
		h.members[conn] = m
		h.attachLocked(m)
		go h.writeLoop(m)
	}
	h.enqueueLocked(m, Event{Event: "joined", Data: userID})
}

// Leave drops conn from its group. Safe to call for conns that never joined.
func (h *Hub) Leave(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[conn]; ok {
		h.removeLocked(m)
	}
}

// SendUpdate delivers data to every connection in userID's group,
// best-effort. It never blocks: frames are queued per connection, and a
// connection too far behind is dropped so one stalled client cannot affect
// the rest or suspend the caller.
func (h *Hub) SendUpdate(userID string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	evt := Event{Event: EventAnalysisStatus, Data: data}
	for _, m := range h.groups[userID] {
		h.enqueueLocked(m, evt)
	}
}

// Subscribers reports how many connections are joined under userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[userID])
}

// Close drops and closes every connection. Joins after Close are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, m := range h.members {
		h.removeLocked(m)
		_ = m.conn.Close()
	}
}

// enqueueLocked queues one frame. A full queue means the peer stopped
// reading; it is evicted rather than awaited.
func (h *Hub) enqueueLocked(m *member, evt Event) {
	select {
	case m.ch <- evt:
	default:
		log.Printf("notify: dropping stalled connection for user %s", m.userID)
		h.removeLocked(m)
		_ = m.conn.Close()
	}
}

// writeLoop is the single writer for one connection. It drains the queue
// until the hub closes it or a write fails.
func (h *Hub) writeLoop(m *member) {
	for evt := range m.ch {
		_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := m.conn.WriteJSON(evt); err != nil {
			log.Printf("notify: dropping dead connection: %v", err)
			h.Leave(m.conn)
			_ = m.conn.Close()
			return
		}
	}
}

func (h *Hub) attachLocked(m *member) {
	if h.groups[m.userID] == nil {
		h.groups[m.userID] = make(map[Conn]*member)
	}
	h.groups[m.userID][m.conn] = m
}

func (h *Hub) detachLocked(m *member) {
	if group := h.groups[m.userID]; group != nil {
		delete(group, m.conn)
		if len(group) == 0 {
			delete(h.groups, m.userID)
		}
	}
}

// removeLocked unregisters m and closes its queue, ending its writeLoop.
func (h *Hub) removeLocked(m *member) {
	if _, ok := h.members[m.conn]; !ok {
		return
	}
	h.detachLocked(m)
	delete(h.members, m.conn)
	close(m.ch)
}
