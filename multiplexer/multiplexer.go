package multiplexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/filters"
	"github.com/evtio/databridge/registry"
	"github.com/evtio/databridge/storage"
	"github.com/evtio/databridge/transport"
	"github.com/google/uuid"
)

// Multiplexer owns the realtime connections, issues single-use access tokens,
// and fans inbound broker messages out to the bound connections
type Multiplexer interface {
	// GetToken issue a fresh single-use access token bound to a tenant. The
	// tenant's default subject topic is ensured in the background; a failure
	// there is logged but does not block issuance.
	GetToken(tenant string, ctxt context.Context) (string, error)
	// CheckToken verify a token exists without consuming it
	CheckToken(token string, ctxt context.Context) error
}

// MultiplexerParams collaborators and settings of the multiplexer
type MultiplexerParams struct {
	Messenger broker.Messenger
	Registry  registry.TopicRegistry
	Tokens    storage.KeyValueStore
	Scripts   storage.ScriptRunner
	Transport transport.Server
	Engine    filters.FilterEngine
	Subjects  common.SubjectsConfig
	// TokenTTL how long an unredeemed token stays valid
	TokenTTL time.Duration
	// OpTimeout per collaborator call timeout during connection setup
	OpTimeout time.Duration
}

// subscriptionEntry per subject bookkeeping of the shared broker callback
type subscriptionEntry struct {
	event      string
	callbackID string
	sessions   int
	// registering the broker registration is still running outside the lock
	registering bool
	// released every interested connection left before registration finished
	released bool
}

// notifySession one connection on the filtered notification path
type notifySession struct {
	tenant string
	conn   transport.Connection
}

// subscriptionMultiplexerImpl implements Multiplexer
type subscriptionMultiplexerImpl struct {
	common.Component
	messenger broker.Messenger
	registry  registry.TopicRegistry
	tokens    storage.KeyValueStore
	scripts   storage.ScriptRunner
	transport transport.Server
	engine    filters.FilterEngine
	subjects  common.SubjectsConfig
	tokenTTL  time.Duration
	opTimeout time.Duration
	// lock guards the two tables below. register and remove racing on the
	// same subject must not corrupt the session count.
	lock sync.Mutex
	// registered per subject shared callback records
	registered map[string]*subscriptionEntry
	// connectionSubjects reverse index of subjects registered per connection
	connectionSubjects map[string][]string
	notifyLock         sync.RWMutex
	notifySessions     map[string]notifySession
}

// GetSubscriptionMultiplexer define the subscription multiplexer and hook it
// into the realtime transport
func GetSubscriptionMultiplexer(params MultiplexerParams) (Multiplexer, error) {
	if params.Messenger == nil || params.Registry == nil || params.Tokens == nil ||
		params.Scripts == nil || params.Transport == nil || params.Engine == nil {
		return nil, fmt.Errorf("all multiplexer collaborators must be supplied")
	}
	if params.TokenTTL <= 0 || params.OpTimeout <= 0 {
		return nil, fmt.Errorf("token TTL and operation timeout must be positive")
	}
	logTags := log.Fields{
		"module": "multiplexer", "component": "subscription-multiplexer",
	}
	instance := &subscriptionMultiplexerImpl{
		Component:          common.Component{LogTags: logTags},
		messenger:          params.Messenger,
		registry:           params.Registry,
		tokens:             params.Tokens,
		scripts:            params.Scripts,
		transport:          params.Transport,
		engine:             params.Engine,
		subjects:           params.Subjects,
		tokenTTL:           params.TokenTTL,
		opTimeout:          params.OpTimeout,
		registered:         make(map[string]*subscriptionEntry),
		connectionSubjects: make(map[string][]string),
		notifySessions:     make(map[string]notifySession),
	}
	params.Transport.Use(instance.admitConnection)
	params.Transport.OnConnection(instance.handleConnection)
	return instance, nil
}

func tokenKey(token string) string {
	return "si:" + token
}

// GetToken issue a fresh single-use access token bound to a tenant
func (m *subscriptionMultiplexerImpl) GetToken(
	tenant string, ctxt context.Context,
) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("a valid tenant must be supplied")
	}
	// Ensure the tenant's default subject topic exists. This runs in the
	// background; issuance does not wait on the broker.
	go func() {
		callCtxt, cancel := context.WithTimeout(context.Background(), m.opTimeout)
		defer cancel()
		if _, err := m.registry.Resolve(tenant, m.subjects.DeviceData, callCtxt); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Failed to find appropriate topic for tenant %s", tenant,
			)
		}
	}()

	token := uuid.New().String()
	if err := m.tokens.SetWithExpiry(tokenKey(token), tenant, m.tokenTTL, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to associate token with tenant %s", tenant,
		)
		return "", err
	}
	log.WithFields(m.LogTags).Debugf("Issued token for tenant %s", tenant)
	return token, nil
}

// CheckToken verify a token exists without consuming it
func (m *subscriptionMultiplexerImpl) CheckToken(token string, ctxt context.Context) error {
	if token == "" {
		return fmt.Errorf("authentication error: missing token")
	}
	if _, err := m.tokens.Get(tokenKey(token), ctxt); err != nil {
		if err == storage.ErrKeyNotFound {
			return fmt.Errorf("authentication error: unknown token")
		}
		return fmt.Errorf("failed to verify token: %w", err)
	}
	return nil
}

// admitConnection transport middleware gating connection admission
func (m *subscriptionMultiplexerImpl) admitConnection(conn transport.Connection) error {
	ctxt, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	return m.CheckToken(conn.Token(), ctxt)
}

// handleConnection connection setup after transport level admission
func (m *subscriptionMultiplexerImpl) handleConnection(conn transport.Connection) {
	log.WithFields(m.LogTags).Debug("Got new realtime connection")

	if err := m.registerCallback(
		m.subjects.DeviceData, "message", m.handleMessage, conn.ID(),
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to register %s callback", m.subjects.DeviceData,
		)
	}
	if err := m.registerCallback(
		m.subjects.Actuation, "message", m.handleMessageActuator, conn.ID(),
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to register %s callback", m.subjects.Actuation,
		)
	}
	conn.OnDisconnect(func() {
		log.WithFields(m.LogTags).Debugf("Session %s disconnected. Removing callbacks", conn.ID())
		m.removeCallbacks(conn.ID())
		m.engine.RemoveFilter(conn.ID())
	})

	// Redeem the token. The exchange is a single atomic read-and-delete, so
	// a second setup attempt with the same token cannot complete.
	ctxt, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	raw, err := m.scripts.RunScript(
		storage.ScriptTokenExchange, []string{tokenKey(conn.Token())}, nil, ctxt,
	)
	tenant, _ := raw.(string)
	if err != nil || tenant == "" {
		log.WithFields(m.LogTags).Errorf(
			"Failed to find suitable context for session %s. Disconnecting", conn.ID(),
		)
		conn.Disconnect()
		return
	}
	m.processNewConnection(conn, tenant)
}

// processNewConnection place an admitted connection into its tenant namespace
func (m *subscriptionMultiplexerImpl) processNewConnection(
	conn transport.Connection, tenant string,
) {
	ctxt, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := m.messenger.AttachTenant(tenant, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to attach tenant %s at the broker", tenant,
		)
	}
	log.WithFields(m.LogTags).Debugf(
		"Assigning session %s to namespace %s", conn.ID(), tenant,
	)
	if conn.Subject() != m.subjects.Notification {
		conn.Join(tenant)
	} else {
		m.registerNotification(conn, tenant)
	}
}

// registerNotification place a connection on the filtered notification path
func (m *subscriptionMultiplexerImpl) registerNotification(
	conn transport.Connection, tenant string,
) {
	if err := m.registerCallback(
		m.subjects.Notification, "message", m.handleNotification, conn.ID(),
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to register %s callback", m.subjects.Notification,
		)
	}
	m.notifyLock.Lock()
	m.notifySessions[conn.ID()] = notifySession{tenant: tenant, conn: conn}
	m.notifyLock.Unlock()

	conn.On("filter", func(payload []byte) {
		var spec filters.FilterSpec
		if err := json.Unmarshal(payload, &spec); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Received malformed filter")
			return
		}
		if err := m.engine.Update(spec, conn.ID()); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Received invalid filter")
		}
	})
}

// registerCallback bind a connection to a subject's shared broker callback.
// Only the first interested connection installs a handler at the broker; every
// further one raises the session count on the existing entry.
func (m *subscriptionMultiplexerImpl) registerCallback(
	subject, event string, handler broker.MessageHandler, connectionID string,
) error {
	m.lock.Lock()
	if entry, ok := m.registered[subject]; ok {
		entry.sessions++
		m.connectionSubjects[connectionID] = append(m.connectionSubjects[connectionID], subject)
		m.lock.Unlock()
		return nil
	}
	// First interested connection performs the broker registration. The entry
	// goes in before releasing the lock so concurrent registrants for the same
	// subject pile onto it instead of racing a second registration; the broker
	// call itself runs outside the lock so a slow registration only stalls
	// connections interested in this subject.
	entry := &subscriptionEntry{event: event, sessions: 1, registering: true}
	m.registered[subject] = entry
	m.connectionSubjects[connectionID] = append(m.connectionSubjects[connectionID], subject)
	m.lock.Unlock()

	callbackID, err := m.messenger.RegisterCallback(subject, event, handler)

	m.lock.Lock()
	entry.registering = false
	entry.callbackID = callbackID
	if err != nil {
		if m.registered[subject] == entry {
			delete(m.registered, subject)
		}
		m.lock.Unlock()
		return err
	}
	released := entry.released
	m.lock.Unlock()
	if released {
		// every interested connection left while the registration ran
		if err := m.messenger.UnregisterCallback(subject, event, callbackID); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to unregister callback for %s", subject,
			)
		}
	}
	return nil
}

// removeCallbacks drop a connection's interest in all its subjects, releasing
// each shared broker callback whose session count reaches zero. Calling again
// for the same connection is a no-op.
func (m *subscriptionMultiplexerImpl) removeCallbacks(connectionID string) {
	type releasedEntry struct {
		subject    string
		event      string
		callbackID string
	}
	m.lock.Lock()
	subjects, ok := m.connectionSubjects[connectionID]
	if !ok {
		m.lock.Unlock()
		return
	}
	delete(m.connectionSubjects, connectionID)
	var released []releasedEntry
	for _, subject := range subjects {
		entry, ok := m.registered[subject]
		if !ok {
			continue
		}
		entry.sessions--
		if entry.sessions <= 0 {
			delete(m.registered, subject)
			if entry.registering {
				// the registering goroutine unregisters on completion
				entry.released = true
				continue
			}
			released = append(released, releasedEntry{
				subject:    subject,
				event:      entry.event,
				callbackID: entry.callbackID,
			})
		}
	}
	m.lock.Unlock()

	m.notifyLock.Lock()
	delete(m.notifySessions, connectionID)
	m.notifyLock.Unlock()

	for _, entry := range released {
		if err := m.messenger.UnregisterCallback(
			entry.subject, entry.event, entry.callbackID,
		); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to unregister callback for %s", entry.subject,
			)
		}
	}
}
