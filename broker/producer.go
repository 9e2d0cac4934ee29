package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/core"
	"github.com/nats-io/nats.go"
)

// msgKeyHeader carries the optional message key of a keyed publish
const msgKeyHeader = "Databridge-Msg-Key"

// jetStreamProducer implements Producer on top of NATS JetStream
type jetStreamProducer struct {
	common.Component
	client core.NatsClient
}

// GetJetStreamProducer define a Producer backed by NATS JetStream
func GetJetStreamProducer(client core.NatsClient) (Producer, error) {
	logTags := log.Fields{
		"module":    "broker",
		"component": "jetstream-producer",
	}
	return &jetStreamProducer{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// Ready whether the broker connection is up and the producer usable
func (p *jetStreamProducer) Ready() bool {
	return p.client.Connected()
}

// Send publish a payload on a topic
func (p *jetStreamProducer) Send(
	topic string, payload []byte, key *string, ctxt context.Context,
) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	if key != nil {
		msg.Header.Set(msgKeyHeader, *key)
	}
	if _, err := p.client.JetStream().PublishMsg(msg, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish on %s failed", topic)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published message on %s", topic)
	return nil
}

// CreateTopic create a topic on the broker with the given profile.
//
// JetStream has no partition concept. The replication factor maps to stream
// replicas; the partition count is recorded on the stream description.
func (p *jetStreamProducer) CreateTopic(
	topic string, profile TopicProfile, ctxt context.Context,
) error {
	if _, err := p.client.JetStream().StreamInfo(topic, nats.Context(ctxt)); err == nil {
		log.WithFields(p.LogTags).Debugf("Topic %s already exists", topic)
		return nil
	}
	_, err := p.client.JetStream().AddStream(&nats.StreamConfig{
		Name:        topic,
		Description: fmt.Sprintf("partitions=%d", profile.NumPartitions),
		Subjects:    []string{topic},
		Replicas:    profile.ReplicationFactor,
	}, nats.Context(ctxt))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			log.WithFields(p.LogTags).Debugf("Topic %s created concurrently", topic)
			return nil
		}
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to create topic %s", topic)
		return err
	}
	log.WithFields(p.LogTags).Infof(
		"Created topic %s with %d partition(s), replication %d",
		topic,
		profile.NumPartitions,
		profile.ReplicationFactor,
	)
	return nil
}
