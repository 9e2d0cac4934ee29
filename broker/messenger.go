package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// subjectConsumer per subject consumption state
type subjectConsumer struct {
	// handlers registered message handlers keyed by "<event>/<callbackID>"
	handlers map[string]MessageHandler
	// tenantSubs broker level subscriptions keyed by tenant. A nil value marks
	// a subscription being established outside the lock.
	tenantSubs map[string]*nats.Subscription
}

// claim mark the tenant's subscription in flight. Caller must hold the lock.
// Returns false when a subscription already exists or is in flight.
func (c *subjectConsumer) claim(tenant string) bool {
	if _, ok := c.tenantSubs[tenant]; ok {
		return false
	}
	c.tenantSubs[tenant] = nil
	return true
}

// natsMessenger implements Messenger on top of NATS JetStream
type natsMessenger struct {
	common.Component
	client   core.NatsClient
	resolve  TopicResolver
	lock     sync.Mutex
	subjects map[string]*subjectConsumer
	// tenants every tenant attached so far. New subject consumers subscribe
	// on behalf of all of them.
	tenants map[string]bool
}

// GetNatsMessenger define a Messenger backed by NATS JetStream
func GetNatsMessenger(client core.NatsClient, resolve TopicResolver) (Messenger, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "nats-messenger",
	}
	return &natsMessenger{
		Component: common.Component{LogTags: logTags},
		client:    client,
		resolve:   resolve,
		subjects:  make(map[string]*subjectConsumer),
		tenants:   make(map[string]bool),
	}, nil
}

func handlerKey(event, callbackID string) string {
	return fmt.Sprintf("%s/%s", event, callbackID)
}

// RegisterCallback install a handler for a subject
func (m *natsMessenger) RegisterCallback(
	subject, event string, handler MessageHandler,
) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("a valid subject must be supplied")
	}
	callbackID := uuid.New().String()
	m.lock.Lock()
	consumer, ok := m.subjects[subject]
	var claimed []string
	if !ok {
		consumer = &subjectConsumer{
			handlers:   make(map[string]MessageHandler),
			tenantSubs: make(map[string]*nats.Subscription),
		}
		m.subjects[subject] = consumer
		// Bring the new subject up to date with all attached tenants
		for tenant := range m.tenants {
			if consumer.claim(tenant) {
				claimed = append(claimed, tenant)
			}
		}
	}
	consumer.handlers[handlerKey(event, callbackID)] = handler
	m.lock.Unlock()
	// Subscriptions are established outside the lock so a slow resolve or
	// subscribe stalls only this subject, not dispatch or other callers
	for _, tenant := range claimed {
		if err := m.establish(subject, consumer, tenant, context.Background()); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to subscribe %s for %s", subject, tenant,
			)
		}
	}
	log.WithFields(m.LogTags).Debugf(
		"Registered callback %s for %s:%s", callbackID, subject, event,
	)
	return callbackID, nil
}

// UnregisterCallback remove a previously registered handler
func (m *natsMessenger) UnregisterCallback(subject, event, callbackID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	consumer, ok := m.subjects[subject]
	if !ok {
		return fmt.Errorf("no consumer registered for subject %s", subject)
	}
	delete(consumer.handlers, handlerKey(event, callbackID))
	if len(consumer.handlers) > 0 {
		return nil
	}
	// Last handler gone, release the broker subscriptions. In-flight ones
	// are released by their establishing goroutine when it finds the
	// consumer gone.
	for tenant, sub := range consumer.tenantSubs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unsubscribe of %s for %s failed", subject, tenant,
			)
		}
	}
	delete(m.subjects, subject)
	log.WithFields(m.LogTags).Infof("Released broker subscriptions for %s", subject)
	return nil
}

// AttachTenant start consuming all registered subjects on behalf of a tenant
func (m *natsMessenger) AttachTenant(tenant string, ctxt context.Context) error {
	if tenant == "" {
		return fmt.Errorf("a valid tenant must be supplied")
	}
	type claimedSubject struct {
		subject  string
		consumer *subjectConsumer
	}
	m.lock.Lock()
	if m.tenants[tenant] {
		m.lock.Unlock()
		return nil
	}
	m.tenants[tenant] = true
	var claimed []claimedSubject
	for subject, consumer := range m.subjects {
		if consumer.claim(tenant) {
			claimed = append(claimed, claimedSubject{subject: subject, consumer: consumer})
		}
	}
	m.lock.Unlock()

	for _, target := range claimed {
		if err := m.establish(target.subject, target.consumer, tenant, ctxt); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to subscribe %s for %s", target.subject, tenant,
			)
			return err
		}
	}
	log.WithFields(m.LogTags).Infof("Attached tenant %s", tenant)
	return nil
}

// establish create the broker subscription delivering one tenant's topic of a
// subject. The (subject, tenant) pair must have been claimed under the lock;
// resolve and subscribe run without it.
func (m *natsMessenger) establish(
	subject string, consumer *subjectConsumer, tenant string, ctxt context.Context,
) error {
	topic, err := m.resolve(tenant, subject, ctxt)
	if err != nil {
		m.lock.Lock()
		delete(consumer.tenantSubs, tenant)
		m.lock.Unlock()
		return err
	}
	sub, err := m.client.JetStream().Subscribe(topic, func(msg *nats.Msg) {
		m.dispatch(subject, tenant, msg.Data)
	}, nats.DeliverNew())
	if err != nil {
		m.lock.Lock()
		delete(consumer.tenantSubs, tenant)
		m.lock.Unlock()
		return err
	}
	m.lock.Lock()
	current := m.subjects[subject] == consumer
	if current {
		consumer.tenantSubs[tenant] = sub
	}
	m.lock.Unlock()
	if !current {
		// the subject was released while this subscription was in flight
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unsubscribe of %s for %s failed", subject, tenant,
			)
		}
		return nil
	}
	log.WithFields(m.LogTags).Debugf("Subscribed %s => %s for %s", subject, topic, tenant)
	return nil
}

// dispatch fan an inbound message out to the subject's registered handlers
func (m *natsMessenger) dispatch(subject, tenant string, payload []byte) {
	m.lock.Lock()
	consumer, ok := m.subjects[subject]
	var handlers []MessageHandler
	if ok {
		handlers = make([]MessageHandler, 0, len(consumer.handlers))
		for _, handler := range consumer.handlers {
			handlers = append(handlers, handler)
		}
	}
	m.lock.Unlock()
	for _, handler := range handlers {
		handler(tenant, payload)
	}
}

// Close release all broker level subscriptions
func (m *natsMessenger) Close(ctxt context.Context) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for subject, consumer := range m.subjects {
		for tenant, sub := range consumer.tenantSubs {
			if sub == nil {
				continue
			}
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(m.LogTags).Errorf(
					"Unsubscribe of %s for %s failed", subject, tenant,
				)
			}
		}
	}
	m.subjects = make(map[string]*subjectConsumer)
	log.WithFields(m.LogTags).Info("Closed messenger")
}
