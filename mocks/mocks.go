package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/evtio/databridge/broker"
)

// Producer mock of broker.Producer
type Producer struct {
	mock.Mock
}

// Send mock of broker.Producer.Send
func (m *Producer) Send(topic string, payload []byte, key *string, ctxt context.Context) error {
	args := m.Called(topic, payload, key, ctxt)
	return args.Error(0)
}

// CreateTopic mock of broker.Producer.CreateTopic
func (m *Producer) CreateTopic(
	topic string, profile broker.TopicProfile, ctxt context.Context,
) error {
	args := m.Called(topic, profile, ctxt)
	return args.Error(0)
}

// Ready mock of broker.Producer.Ready
func (m *Producer) Ready() bool {
	args := m.Called()
	return args.Bool(0)
}

// Messenger mock of broker.Messenger
type Messenger struct {
	mock.Mock
}

// RegisterCallback mock of broker.Messenger.RegisterCallback
func (m *Messenger) RegisterCallback(
	subject, event string, handler broker.MessageHandler,
) (string, error) {
	args := m.Called(subject, event, handler)
	return args.String(0), args.Error(1)
}

// UnregisterCallback mock of broker.Messenger.UnregisterCallback
func (m *Messenger) UnregisterCallback(subject, event, callbackID string) error {
	args := m.Called(subject, event, callbackID)
	return args.Error(0)
}

// AttachTenant mock of broker.Messenger.AttachTenant
func (m *Messenger) AttachTenant(tenant string, ctxt context.Context) error {
	args := m.Called(tenant, ctxt)
	return args.Error(0)
}

// Close mock of broker.Messenger.Close
func (m *Messenger) Close(ctxt context.Context) {
	m.Called(ctxt)
}

// KeyValueStore mock of storage.KeyValueStore
type KeyValueStore struct {
	mock.Mock
}

// Get mock of storage.KeyValueStore.Get
func (m *KeyValueStore) Get(key string, ctxt context.Context) (string, error) {
	args := m.Called(key, ctxt)
	return args.String(0), args.Error(1)
}

// Set mock of storage.KeyValueStore.Set
func (m *KeyValueStore) Set(key, value string, ctxt context.Context) error {
	args := m.Called(key, value, ctxt)
	return args.Error(0)
}

// SetWithExpiry mock of storage.KeyValueStore.SetWithExpiry
func (m *KeyValueStore) SetWithExpiry(
	key, value string, ttl time.Duration, ctxt context.Context,
) error {
	args := m.Called(key, value, ttl, ctxt)
	return args.Error(0)
}

// Delete mock of storage.KeyValueStore.Delete
func (m *KeyValueStore) Delete(key string, ctxt context.Context) error {
	args := m.Called(key, ctxt)
	return args.Error(0)
}

// PrefixScan mock of storage.KeyValueStore.PrefixScan
func (m *KeyValueStore) PrefixScan(
	pattern string, ctxt context.Context,
) (map[string]string, error) {
	args := m.Called(pattern, ctxt)
	result, _ := args.Get(0).(map[string]string)
	return result, args.Error(1)
}

// Ping mock of storage.KeyValueStore.Ping
func (m *KeyValueStore) Ping(ctxt context.Context) error {
	args := m.Called(ctxt)
	return args.Error(0)
}

// TopicRegistry mock of registry.TopicRegistry
type TopicRegistry struct {
	mock.Mock
}

// Resolve mock of registry.TopicRegistry.Resolve
func (m *TopicRegistry) Resolve(
	tenant, subject string, ctxt context.Context,
) (string, error) {
	args := m.Called(tenant, subject, ctxt)
	return args.String(0), args.Error(1)
}

// GetProfiles mock of registry.TopicRegistry.GetProfiles
func (m *TopicRegistry) GetProfiles(
	subject string, ctxt context.Context,
) (map[string]broker.TopicProfile, error) {
	args := m.Called(subject, ctxt)
	result, _ := args.Get(0).(map[string]broker.TopicProfile)
	return result, args.Error(1)
}

// SetProfile mock of registry.TopicRegistry.SetProfile
func (m *TopicRegistry) SetProfile(
	tenant, subject string, profile broker.TopicProfile, ctxt context.Context,
) error {
	args := m.Called(tenant, subject, profile, ctxt)
	return args.Error(0)
}

// ProducerReady mock of registry.TopicRegistry.ProducerReady
func (m *TopicRegistry) ProducerReady() {
	m.Called()
}

// Multiplexer mock of multiplexer.Multiplexer
type Multiplexer struct {
	mock.Mock
}

// GetToken mock of multiplexer.Multiplexer.GetToken
func (m *Multiplexer) GetToken(tenant string, ctxt context.Context) (string, error) {
	args := m.Called(tenant, ctxt)
	return args.String(0), args.Error(1)
}

// CheckToken mock of multiplexer.Multiplexer.CheckToken
func (m *Multiplexer) CheckToken(token string, ctxt context.Context) error {
	args := m.Called(token, ctxt)
	return args.Error(0)
}

// ScriptRunner mock of storage.ScriptRunner
type ScriptRunner struct {
	mock.Mock
}

// RunScript mock of storage.ScriptRunner.RunScript
func (m *ScriptRunner) RunScript(
	name string, keys []string, args []interface{}, ctxt context.Context,
) (interface{}, error) {
	callArgs := m.Called(name, keys, args, ctxt)
	return callArgs.Get(0), callArgs.Error(1)
}
