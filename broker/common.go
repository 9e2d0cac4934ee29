package broker

import "context"

// TopicProfile topic creation parameters for one (tenant, subject) pair
type TopicProfile struct {
	// NumPartitions requested partition count for the topic
	NumPartitions int `json:"num_partitions" validate:"gte=1"`
	// ReplicationFactor requested replication factor for the topic
	ReplicationFactor int `json:"replication_factor" validate:"gte=1"`
}

// Producer publishing side of the message broker
type Producer interface {
	// Send publish a payload on a topic. An optional key marks a keyed message.
	Send(topic string, payload []byte, key *string, ctxt context.Context) error
	// CreateTopic create a topic on the broker with the given profile.
	//
	// Creating an already existing topic is not an error.
	CreateTopic(topic string, profile TopicProfile, ctxt context.Context) error
	// Ready whether the broker connection is up and the producer usable
	Ready() bool
}

// MessageHandler callback invoked per inbound broker message. The tenant is the
// namespace the message's topic belongs to.
type MessageHandler func(tenant string, payload []byte)

// TopicResolver maps a (tenant, subject) pair to its broker topic name
type TopicResolver func(tenant, subject string, ctxt context.Context) (string, error)

// Messenger consuming side of the message broker. Callbacks are registered per
// subject; tenants are attached as they appear, and each inbound message is
// demultiplexed back to its owning tenant.
type Messenger interface {
	// RegisterCallback install a handler for a subject. Returns a callback
	// handle used to unregister.
	RegisterCallback(subject, event string, handler MessageHandler) (string, error)
	// UnregisterCallback remove a previously registered handler. When the last
	// handler of a subject is removed, the broker level subscriptions for that
	// subject are released.
	UnregisterCallback(subject, event, callbackID string) error
	// AttachTenant start consuming all registered subjects on behalf of a tenant
	AttachTenant(tenant string, ctxt context.Context) error
	// Close release all broker level subscriptions
	Close(ctxt context.Context)
}
