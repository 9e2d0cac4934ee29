package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/storage"
	"github.com/google/uuid"
)

// WildcardTenant profile entry applying to every tenant without an override
const WildcardTenant = "*"

// TopicRegistry resolves (tenant, subject) pairs to broker topic names,
// creating the broker topic on first resolution, and manages the per pair
// topic profiles.
type TopicRegistry interface {
	// Resolve fetch the authoritative topic name of a (tenant, subject) pair.
	// All concurrent callers for the same pair converge on one name, and the
	// broker topic is created at most once.
	Resolve(tenant, subject string, ctxt context.Context) (string, error)
	// GetProfiles fetch the topic profiles of every tenant carrying one for a
	// subject, keyed by tenant with WildcardTenant for the fallback entry
	GetProfiles(subject string, ctxt context.Context) (map[string]broker.TopicProfile, error)
	// SetProfile store the topic profile of a (tenant, subject) pair
	SetProfile(tenant, subject string, profile broker.TopicProfile, ctxt context.Context) error
	// ProducerReady signal that the broker producer became usable. Topic
	// creation requests held back so far are replayed in arrival order.
	ProducerReady()
}

// topicCreateRequest one queued topic creation
type topicCreateRequest struct {
	tenant  string
	subject string
	topic   string
	ctxt    context.Context
	result  chan error
}

// createTopicTask task param carrying one creation request
type createTopicTask struct {
	request *topicCreateRequest
}

// drainPendingTask task param carrying the requests queued before readiness
type drainPendingTask struct {
	requests []*topicCreateRequest
}

// topicRegistryImpl implements TopicRegistry
type topicRegistryImpl struct {
	common.Component
	scripts        storage.ScriptRunner
	profiles       storage.KeyValueStore
	producer       broker.Producer
	tp             common.TaskProcessor
	defaultProfile broker.TopicProfile
	lock           sync.Mutex
	ready          bool
	pending        []*topicCreateRequest
}

// DefineTopicRegistry create new topic registry
func DefineTopicRegistry(
	scripts storage.ScriptRunner,
	profiles storage.KeyValueStore,
	producer broker.Producer,
	tp common.TaskProcessor,
	defaultProfile broker.TopicProfile,
) (TopicRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "topic-registry",
	}
	instance := &topicRegistryImpl{
		Component:      common.Component{LogTags: logTags},
		scripts:        scripts,
		profiles:       profiles,
		producer:       producer,
		tp:             tp,
		defaultProfile: defaultProfile,
		ready:          producer.Ready(),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(createTopicTask{}), instance.processCreateTopicTask,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(drainPendingTask{}), instance.processDrainPendingTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

func reservationKey(tenant, subject string) string {
	return fmt.Sprintf("ti:%s:%s", tenant, subject)
}

// Resolve fetch the authoritative topic name of a (tenant, subject) pair
func (r *topicRegistryImpl) Resolve(
	tenant, subject string, ctxt context.Context,
) (string, error) {
	if tenant == "" {
		return "", fmt.Errorf("a valid tenant must be supplied")
	}
	if subject == "" {
		return "", fmt.Errorf("a valid subject must be supplied")
	}

	// Reserve a candidate name. The store decides the race; whatever value
	// comes back is authoritative, whether ours or a concurrent caller's.
	candidate := uuid.New().String()
	raw, err := r.scripts.RunScript(
		storage.ScriptTopicReserve,
		[]string{reservationKey(tenant, subject)},
		[]interface{}{candidate},
		ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Topic reservation for %s:%s failed", tenant, subject,
		)
		return "", err
	}
	topic, ok := raw.(string)
	if !ok || topic == "" {
		return "", fmt.Errorf("topic reservation for %s:%s returned nothing", tenant, subject)
	}

	if topic != candidate {
		// Lost the race; the winner handles broker creation
		log.WithFields(r.LogTags).Debugf(
			"Adopting topic %s for %s:%s", topic, tenant, subject,
		)
		return topic, nil
	}

	log.WithFields(r.LogTags).Infof("Reserved topic %s for %s:%s", topic, tenant, subject)
	if err := r.requestCreation(tenant, subject, topic, ctxt); err != nil {
		// The reservation stays committed; a later resolve re-reads the same
		// name and retries creation.
		return "", err
	}
	return topic, nil
}

// requestCreation run broker topic creation through the serializing event
// loop, or queue it when the producer is not yet ready
func (r *topicRegistryImpl) requestCreation(
	tenant, subject, topic string, ctxt context.Context,
) error {
	request := &topicCreateRequest{
		tenant:  tenant,
		subject: subject,
		topic:   topic,
		ctxt:    ctxt,
		result:  make(chan error, 1),
	}
	r.lock.Lock()
	if !r.ready {
		log.WithFields(r.LogTags).Debugf(
			"Producer not ready. Queuing creation of %s", topic,
		)
		r.pending = append(r.pending, request)
		r.lock.Unlock()
	} else {
		err := r.tp.Submit(createTopicTask{request: request}, ctxt)
		r.lock.Unlock()
		if err != nil {
			return err
		}
	}
	select {
	case err := <-request.result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ProducerReady signal that the broker producer became usable
func (r *topicRegistryImpl) ProducerReady() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	queued := r.pending
	r.pending = nil
	log.WithFields(r.LogTags).Infof(
		"Producer ready. Replaying %d queued topic creation(s)", len(queued),
	)
	// Submitted with the lock held so no new request can be interleaved
	// ahead of the backlog
	if err := r.tp.Submit(drainPendingTask{requests: queued}, context.Background()); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to replay queued creations")
		for _, request := range queued {
			request.result <- err
		}
	}
}

func (r *topicRegistryImpl) processCreateTopicTask(param interface{}) error {
	task, ok := param.(createTopicTask)
	if !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	task.request.result <- r.executeCreation(task.request)
	return nil
}

func (r *topicRegistryImpl) processDrainPendingTask(param interface{}) error {
	task, ok := param.(drainPendingTask)
	if !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	for _, request := range task.requests {
		request.result <- r.executeCreation(request)
	}
	return nil
}

// executeCreation create a topic on the broker using the pair's resolved profile
func (r *topicRegistryImpl) executeCreation(request *topicCreateRequest) error {
	profile, err := r.resolveProfile(request.tenant, request.subject, request.ctxt)
	if err != nil {
		return err
	}
	if err := r.producer.CreateTopic(request.topic, profile, request.ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Broker creation of %s failed", request.topic,
		)
		return err
	}
	return nil
}

// resolveProfile tenant override, else wildcard, else the configured default
func (r *topicRegistryImpl) resolveProfile(
	tenant, subject string, ctxt context.Context,
) (broker.TopicProfile, error) {
	for _, owner := range []string{tenant, WildcardTenant} {
		serialized, err := r.profiles.Get(profileKey(owner, subject), ctxt)
		if err == storage.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return broker.TopicProfile{}, err
		}
		var profile broker.TopicProfile
		if err := json.Unmarshal([]byte(serialized), &profile); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Stored profile of %s:%s is malformed", owner, subject,
			)
			return broker.TopicProfile{}, err
		}
		return profile, nil
	}
	return r.defaultProfile, nil
}

// ================================================================
// Profile operations

func profileKey(tenant, subject string) string {
	return fmt.Sprintf("ti:%s:%s", tenant, subject)
}

// globEscape neutralize glob metacharacters so the scan pattern matches the
// subject literally
func globEscape(raw string) string {
	var escaped strings.Builder
	for _, char := range raw {
		switch char {
		case '*', '?', '[', ']', '\\':
			escaped.WriteRune('\\')
		}
		escaped.WriteRune(char)
	}
	return escaped.String()
}

// SetProfile store the topic profile of a (tenant, subject) pair
func (r *topicRegistryImpl) SetProfile(
	tenant, subject string, profile broker.TopicProfile, ctxt context.Context,
) error {
	if tenant == "" {
		return fmt.Errorf("a valid tenant must be supplied")
	}
	if subject == "" {
		return fmt.Errorf("a valid subject must be supplied")
	}
	serialized, err := json.Marshal(&profile)
	if err != nil {
		return err
	}
	if err := r.profiles.Set(profileKey(tenant, subject), string(serialized), ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to store profile of %s:%s", tenant, subject,
		)
		return err
	}
	log.WithFields(r.LogTags).Infof("Stored profile of %s:%s", tenant, subject)
	return nil
}

// GetProfiles fetch the topic profiles of every tenant carrying one for a subject
func (r *topicRegistryImpl) GetProfiles(
	subject string, ctxt context.Context,
) (map[string]broker.TopicProfile, error) {
	if subject == "" {
		return nil, fmt.Errorf("a valid subject must be supplied")
	}
	entries, err := r.profiles.PrefixScan(fmt.Sprintf("ti:*:%s", globEscape(subject)), ctxt)
	if err != nil {
		return nil, err
	}
	result := map[string]broker.TopicProfile{}
	for key, serialized := range entries {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 || parts[2] != subject {
			continue
		}
		var profile broker.TopicProfile
		if err := json.Unmarshal([]byte(serialized), &profile); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Stored profile %s is malformed", key)
			continue
		}
		result[parts[1]] = profile
	}
	return result, nil
}
