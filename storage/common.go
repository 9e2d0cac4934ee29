package storage

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound returned when a fetched key does not exist
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore basic KV operations against one database of the store
type KeyValueStore interface {
	// Get fetch the value of a key. Returns ErrKeyNotFound when absent.
	Get(key string, ctxt context.Context) (string, error)
	// Set write the value of a key
	Set(key, value string, ctxt context.Context) error
	// SetWithExpiry write the value of a key with a TTL
	SetWithExpiry(key, value string, ttl time.Duration, ctxt context.Context) error
	// Delete remove a key
	Delete(key string, ctxt context.Context) error
	// PrefixScan fetch all keys matching a glob pattern with their values
	PrefixScan(pattern string, ctxt context.Context) (map[string]string, error)
	// Ping verify the store is answering
	Ping(ctxt context.Context) error
}

// ScriptRunner executes named atomic scripts server side within the store.
//
// The supported script names are ScriptTokenExchange and ScriptTopicReserve.
// A nil result with nil error indicates the script evaluated to nothing
// (e.g. exchanging a token which does not exist).
type ScriptRunner interface {
	RunScript(
		name string, keys []string, args []interface{}, ctxt context.Context,
	) (interface{}, error)
}
