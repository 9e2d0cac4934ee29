package transport

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
	"github.com/google/uuid"
)

// ConnectionHub in-process realtime transport. The wire binding attaches
// connections and forwards client sent events; the multiplexer consumes the
// Server surface.
type ConnectionHub interface {
	Server
	// Attach admit a new connection presenting a token. Middlewares run
	// before any state is created; a rejection leaves nothing behind.
	Attach(token, subject string) (Connection, error)
	// DispatchEvent forward a client sent event to a session's handlers
	DispatchEvent(sessionID, event string, payload []byte) error
	// Close disconnect every session
	Close()
}

// hubConnection implements Connection
type hubConnection struct {
	id       string
	token    string
	subject  string
	hub      *connectionHub
	outbound chan Event
	lock     sync.Mutex
	closed   bool
	handlers map[string][]func(payload []byte)
	onClose  []func()
}

func (c *hubConnection) ID() string      { return c.id }
func (c *hubConnection) Token() string   { return c.token }
func (c *hubConnection) Subject() string { return c.subject }

func (c *hubConnection) Join(group string) {
	c.hub.join(c, group)
}

// Emit deliver an event to this session only. Delivery is best effort; a
// session whose outbound buffer is full drops the event.
func (c *hubConnection) Emit(event string, payload interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	select {
	case c.outbound <- Event{Name: event, Payload: payload}:
	default:
		log.WithFields(c.hub.LogTags).Warnf(
			"Session %s backed up. Dropping event %s", c.id, event,
		)
	}
}

func (c *hubConnection) On(event string, handler func(payload []byte)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *hubConnection) OnDisconnect(handler func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onClose = append(c.onClose, handler)
}

func (c *hubConnection) Disconnect() {
	c.hub.drop(c)
}

func (c *hubConnection) Events() <-chan Event {
	return c.outbound
}

// dispatch run the session's handlers for one client sent event
func (c *hubConnection) dispatch(event string, payload []byte) {
	c.lock.Lock()
	handlers := make([]func([]byte), len(c.handlers[event]))
	copy(handlers, c.handlers[event])
	c.lock.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

// close mark closed and run disconnect handlers. Returns false if already closed.
func (c *hubConnection) close() bool {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return false
	}
	c.closed = true
	onClose := c.onClose
	c.lock.Unlock()
	for _, handler := range onClose {
		handler()
	}
	close(c.outbound)
	return true
}

// connectionHub implements ConnectionHub
type connectionHub struct {
	common.Component
	lock        sync.RWMutex
	middlewares []Middleware
	onConnect   []ConnectionHandler
	sessions    map[string]*hubConnection
	groups      map[string]map[string]*hubConnection
	buffer      int
}

// GetConnectionHub define an in-process connection hub. Each session buffers
// up to sessionBuffer outbound events.
func GetConnectionHub(sessionBuffer int) (ConnectionHub, error) {
	if sessionBuffer < 1 {
		return nil, fmt.Errorf("session buffer must be at least one")
	}
	logTags := log.Fields{
		"module": "transport", "component": "connection-hub",
	}
	return &connectionHub{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]*hubConnection),
		groups:    make(map[string]map[string]*hubConnection),
		buffer:    sessionBuffer,
	}, nil
}

// Use append an admission middleware
func (h *connectionHub) Use(middleware Middleware) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.middlewares = append(h.middlewares, middleware)
}

// OnConnection register the admitted-connection handler
func (h *connectionHub) OnConnection(handler ConnectionHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.onConnect = append(h.onConnect, handler)
}

// Attach admit a new connection presenting a token
func (h *connectionHub) Attach(token, subject string) (Connection, error) {
	conn := &hubConnection{
		id:       uuid.New().String(),
		token:    token,
		subject:  subject,
		hub:      h,
		outbound: make(chan Event, h.buffer),
		handlers: make(map[string][]func([]byte)),
	}
	h.lock.RLock()
	middlewares := h.middlewares
	onConnect := h.onConnect
	h.lock.RUnlock()
	for _, middleware := range middlewares {
		if err := middleware(conn); err != nil {
			log.WithError(err).WithFields(h.LogTags).Info("Rejected connection")
			return nil, err
		}
	}
	h.lock.Lock()
	h.sessions[conn.id] = conn
	h.lock.Unlock()
	log.WithFields(h.LogTags).Debugf("Admitted session %s", conn.id)
	for _, handler := range onConnect {
		handler(conn)
	}
	return conn, nil
}

// DispatchEvent forward a client sent event to a session's handlers
func (h *connectionHub) DispatchEvent(sessionID, event string, payload []byte) error {
	h.lock.RLock()
	conn, ok := h.sessions[sessionID]
	h.lock.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	conn.dispatch(event, payload)
	return nil
}

// BroadcastToGroup fetch the broadcast emitter of a named group
func (h *connectionHub) BroadcastToGroup(group string) Emitter {
	return &groupEmitter{hub: h, group: group}
}

// Close disconnect every session
func (h *connectionHub) Close() {
	h.lock.Lock()
	sessions := make([]*hubConnection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		sessions = append(sessions, conn)
	}
	h.lock.Unlock()
	for _, conn := range sessions {
		h.drop(conn)
	}
}

func (h *connectionHub) join(conn *hubConnection, group string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*hubConnection)
		h.groups[group] = members
	}
	members[conn.id] = conn
	log.WithFields(h.LogTags).Debugf("Session %s joined group %s", conn.id, group)
}

func (h *connectionHub) drop(conn *hubConnection) {
	h.lock.Lock()
	delete(h.sessions, conn.id)
	for group, members := range h.groups {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.lock.Unlock()
	if conn.close() {
		log.WithFields(h.LogTags).Debugf("Session %s disconnected", conn.id)
	}
}

// groupEmitter implements Emitter for one group
type groupEmitter struct {
	hub   *connectionHub
	group string
}

// Emit deliver an event to every session of the group
func (e *groupEmitter) Emit(event string, payload interface{}) {
	e.hub.lock.RLock()
	members := make([]*hubConnection, 0, len(e.hub.groups[e.group]))
	for _, conn := range e.hub.groups[e.group] {
		members = append(members, conn)
	}
	e.hub.lock.RUnlock()
	for _, conn := range members {
		conn.Emit(event, payload)
	}
}
