package transport

// Event one outbound event addressed to a connection
type Event struct {
	// Name the event name clients subscribe on
	Name string `json:"event"`
	// Payload the event body
	Payload interface{} `json:"payload"`
}

// Connection a live realtime session
type Connection interface {
	// ID transport assigned session identifier
	ID() string
	// Token the access token presented at handshake
	Token() string
	// Subject the subject this session asked for
	Subject() string
	// Join place the session into a named broadcast group
	Join(group string)
	// Emit deliver an event to this session only
	Emit(event string, payload interface{})
	// On install a handler for client sent events
	On(event string, handler func(payload []byte))
	// OnDisconnect install a handler invoked once when the session ends
	OnDisconnect(handler func())
	// Disconnect end the session
	Disconnect()
	// Events outbound event feed consumed by the wire binding. Closed when
	// the session ends.
	Events() <-chan Event
}

// Emitter broadcast surface of one group
type Emitter interface {
	Emit(event string, payload interface{})
}

// Middleware connection admission hook. A non-nil error rejects the
// connection before any admission state is created.
type Middleware func(conn Connection) error

// ConnectionHandler invoked for each admitted connection
type ConnectionHandler func(conn Connection)

// Server the realtime transport surface the multiplexer drives
type Server interface {
	// Use append an admission middleware
	Use(middleware Middleware)
	// OnConnection register the admitted-connection handler
	OnConnection(handler ConnectionHandler)
	// BroadcastToGroup fetch the broadcast emitter of a named group
	BroadcastToGroup(group string) Emitter
}
