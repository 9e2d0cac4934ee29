package multiplexer

import (
	"encoding/json"
	"fmt"

	"github.com/apex/log"
)

// expectedActuationEvent the only actuation event type this path acts on
const expectedActuationEvent = "configure"

// handleMessage route one inbound device data message. The message broadcasts
// twice into the tenant's group: once addressed by its source device and once
// on the "all" firehose event.
func (m *subscriptionMultiplexerImpl) handleMessage(tenant string, payload []byte) {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to parse event as JSON: %s", string(payload),
		)
		return
	}

	metadata, ok := data["metadata"].(map[string]interface{})
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no metadata")
		return
	}
	deviceID, ok := metadata["deviceid"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no deviceid")
		return
	}

	device := fmt.Sprintf("%v", deviceID)
	log.WithFields(m.LogTags).Debugf(
		"Publishing event to namespace %s from device %s", tenant, device,
	)
	group := m.transport.BroadcastToGroup(tenant)
	group.Emit(device, data)
	group.Emit("all", data)
}

// handleMessageActuator route one inbound actuation message. Valid messages
// are normalized into {attrs, metadata{deviceid, tenant, timestamp}} before
// the same dual broadcast as device data.
func (m *subscriptionMultiplexerImpl) handleMessageActuator(tenant string, payload []byte) {
	var data map[string]interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to parse actuation event as JSON: %s", string(payload),
		)
		return
	}

	event, ok := data["event"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no event")
		return
	}
	if event != expectedActuationEvent {
		// other event types are not this path's concern
		log.WithFields(m.LogTags).Debugf("Ignoring actuation event of type %v", event)
		return
	}

	meta, ok := data["meta"].(map[string]interface{})
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no meta")
		return
	}
	service, ok := meta["service"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no meta.service")
		return
	}
	timestamp, ok := meta["timestamp"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no meta.timestamp")
		return
	}

	body, ok := data["data"].(map[string]interface{})
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no data")
		return
	}
	deviceID, ok := body["id"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no data.id")
		return
	}
	attrs, ok := body["attrs"]
	if !ok {
		log.WithFields(m.LogTags).Error("Received data is not a valid event - has no data.attrs")
		return
	}

	normalized := map[string]interface{}{
		"attrs": attrs,
		"metadata": map[string]interface{}{
			"deviceid":  deviceID,
			"tenant":    service,
			"timestamp": timestamp,
		},
	}

	device := fmt.Sprintf("%v", deviceID)
	log.WithFields(m.LogTags).Debugf(
		"Publishing actuation event to namespace %s from device %s", tenant, device,
	)
	group := m.transport.BroadcastToGroup(tenant)
	group.Emit(device, normalized)
	group.Emit("all", normalized)
}

// handleNotification route one inbound notification through each bound
// connection's filter. This is the single shared handler of the notification
// subject; delivery is gated per connection by the filter engine.
func (m *subscriptionMultiplexerImpl) handleNotification(tenant string, payload []byte) {
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to parse notification as JSON: %s", string(payload),
		)
		return
	}

	m.notifyLock.RLock()
	sessions := make(map[string]notifySession, len(m.notifySessions))
	for id, session := range m.notifySessions {
		sessions[id] = session
	}
	m.notifyLock.RUnlock()

	for id, session := range sessions {
		if session.tenant != tenant {
			continue
		}
		if m.engine.CheckFilter(payload, id) {
			session.conn.Emit("notification", decoded)
		}
	}
}
