package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
	"github.com/redis/go-redis/v9"
)

// redisBackedStorage driver for interacting with redis as the bridge KV store
type redisBackedStorage struct {
	common.Component
	client *redis.Client
	// scriptSHAs precomputed SHA1 digests of the named scripts
	scriptSHAs map[string]string
}

// CreateRedisBackedStorage define a redis backed storage driver against one
// redis database
func CreateRedisBackedStorage(
	addr, password string, db int,
) (KeyValueStore, ScriptRunner, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	logTags := log.Fields{
		"module":    "storage",
		"component": "redis-backed",
		"instance":  fmt.Sprintf("%s/%d", addr, db),
	}
	digests := make(map[string]string, len(scriptSources))
	for name, source := range scriptSources {
		raw := sha1.Sum([]byte(source))
		digests[name] = hex.EncodeToString(raw[:])
	}
	log.WithFields(logTags).Infof("Defined redis storage driver for %s", addr)
	instance := &redisBackedStorage{
		Component:  common.Component{LogTags: logTags},
		client:     client,
		scriptSHAs: digests,
	}
	return instance, instance, nil
}

// ================================================================
// Basic KV operations

// Get fetch the value of a key
func (d *redisBackedStorage) Get(key string, ctxt context.Context) (string, error) {
	value, err := d.client.Get(ctxt, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return "", err
	}
	return value, nil
}

// Set write the value of a key
func (d *redisBackedStorage) Set(key, value string, ctxt context.Context) error {
	if err := d.client.Set(ctxt, key, value, 0).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	return nil
}

// SetWithExpiry write the value of a key with a TTL
func (d *redisBackedStorage) SetWithExpiry(
	key, value string, ttl time.Duration, ctxt context.Context,
) error {
	if err := d.client.Set(ctxt, key, value, ttl).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SETEX %s", key)
		return err
	}
	return nil
}

// Delete remove a key
func (d *redisBackedStorage) Delete(key string, ctxt context.Context) error {
	if err := d.client.Del(ctxt, key).Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DEL %s", key)
		return err
	}
	return nil
}

// PrefixScan fetch all keys matching a glob pattern with their values
func (d *redisBackedStorage) PrefixScan(
	pattern string, ctxt context.Context,
) (map[string]string, error) {
	result := map[string]string{}
	iter := d.client.Scan(ctxt, 0, pattern, 0).Iterator()
	for iter.Next(ctxt) {
		key := iter.Val()
		value, err := d.client.Get(ctxt, key).Result()
		if err == redis.Nil {
			// expired between SCAN and GET
			continue
		}
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s during scan", key)
			return nil, err
		}
		result[key] = value
	}
	if err := iter.Err(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("SCAN %s failed", pattern)
		return nil, err
	}
	return result, nil
}

// Ping verify the store is answering
func (d *redisBackedStorage) Ping(ctxt context.Context) error {
	return d.client.Ping(ctxt).Err()
}

// ================================================================
// Atomic script execution

// RunScript execute a named atomic script server side.
//
// The script is executed by digest. On a cold script cache (NOSCRIPT) the
// script source is loaded and execution retried exactly once.
func (d *redisBackedStorage) RunScript(
	name string, keys []string, args []interface{}, ctxt context.Context,
) (interface{}, error) {
	digest, ok := d.scriptSHAs[name]
	if !ok {
		return nil, fmt.Errorf("unknown script %s", name)
	}
	result, err := d.client.EvalSha(ctxt, digest, keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		log.WithFields(d.LogTags).Debugf("Script %s not cached, loading", name)
		if err := d.client.ScriptLoad(ctxt, scriptSources[name]).Err(); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to load script %s", name)
			return nil, err
		}
		result, err = d.client.EvalSha(ctxt, digest, keys, args...).Result()
	}
	if err == redis.Nil {
		// the script evaluated to nothing
		return nil, nil
	}
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Script %s failed", name)
		return nil, err
	}
	return result, nil
}
