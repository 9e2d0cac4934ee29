package multiplexer

import (
	"encoding/json"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/transport"
)

// captureHandlers prime callback registration and capture the per subject
// broker handlers the multiplexer installs
func (h *testHarness) captureHandlers() map[string]*broker.MessageHandler {
	handlers := map[string]*broker.MessageHandler{
		"device-data":     new(broker.MessageHandler),
		"device-commands": new(broker.MessageHandler),
		"notifications":   new(broker.MessageHandler),
	}
	for subject, target := range handlers {
		subject := subject
		target := target
		h.messenger.On("RegisterCallback", subject, "message", mock.Anything).Run(
			func(args mock.Arguments) {
				*target = args.Get(2).(broker.MessageHandler)
			},
		).Return("cb-"+subject, nil)
	}
	h.messenger.On("UnregisterCallback", mock.Anything, "message", mock.Anything).Return(nil)
	return handlers
}

func TestMultiplexerDeviceDataRouting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	conn, err := harness.hub.Attach("token-1", "device-data")
	assert.Nil(err)
	deviceData := *handlers["device-data"]
	assert.NotNil(deviceData)

	payload := map[string]interface{}{
		"attrs":    map[string]interface{}{"temperature": 21.5},
		"metadata": map[string]interface{}{"deviceid": "dev-1", "tenant": "tenant-a"},
	}
	serialized, err := json.Marshal(payload)
	assert.Nil(err)

	deviceData("tenant-a", serialized)

	// once addressed by device, once on the firehose
	event, ok := receiveEvent(t, conn)
	assert.True(ok)
	assert.Equal("dev-1", event.Name)
	assert.Equal(payload, event.Payload)
	event, ok = receiveEvent(t, conn)
	assert.True(ok)
	assert.Equal("all", event.Name)
	assert.Equal(payload, event.Payload)

	// a message of another tenant does not reach this namespace
	deviceData("tenant-b", serialized)
	_, ok = receiveEvent(t, conn)
	assert.False(ok)
}

func TestMultiplexerDeviceDataDropsMalformed(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	conn, err := harness.hub.Attach("token-1", "device-data")
	assert.Nil(err)
	deviceData := *handlers["device-data"]

	deviceData("tenant-a", []byte(`not json`))
	deviceData("tenant-a", []byte(`{"attrs":{}}`))
	deviceData("tenant-a", []byte(`{"metadata":{"tenant":"tenant-a"}}`))

	_, ok := receiveEvent(t, conn)
	assert.False(ok)
}

func TestMultiplexerActuationRouting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	conn, err := harness.hub.Attach("token-1", "device-data")
	assert.Nil(err)
	actuation := *handlers["device-commands"]
	assert.NotNil(actuation)

	valid := map[string]interface{}{
		"event": "configure",
		"meta": map[string]interface{}{
			"service":   "tenant-a",
			"timestamp": float64(1700000000),
		},
		"data": map[string]interface{}{
			"id":    "dev-1",
			"attrs": map[string]interface{}{"target_temperature": 23.5},
		},
	}
	serialized, err := json.Marshal(valid)
	assert.Nil(err)

	actuation("tenant-a", serialized)

	expected := map[string]interface{}{
		"attrs": map[string]interface{}{"target_temperature": 23.5},
		"metadata": map[string]interface{}{
			"deviceid":  "dev-1",
			"tenant":    "tenant-a",
			"timestamp": float64(1700000000),
		},
	}
	event, ok := receiveEvent(t, conn)
	assert.True(ok)
	assert.Equal("dev-1", event.Name)
	assert.Equal(expected, event.Payload)
	event, ok = receiveEvent(t, conn)
	assert.True(ok)
	assert.Equal("all", event.Name)
	assert.Equal(expected, event.Payload)
}

func TestMultiplexerActuationDropsInvalid(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	conn, err := harness.hub.Attach("token-1", "device-data")
	assert.Nil(err)
	actuation := *handlers["device-commands"]

	cases := []string{
		`not json`,
		// no event type
		`{"meta":{"service":"tenant-a","timestamp":1},"data":{"id":"d","attrs":{}}}`,
		// not a configure event
		`{"event":"remove","meta":{"service":"tenant-a","timestamp":1},"data":{"id":"d","attrs":{}}}`,
		// incomplete metadata
		`{"event":"configure","meta":{"timestamp":1},"data":{"id":"d","attrs":{}}}`,
		`{"event":"configure","meta":{"service":"tenant-a"},"data":{"id":"d","attrs":{}}}`,
		// incomplete body
		`{"event":"configure","meta":{"service":"tenant-a","timestamp":1},"data":{"attrs":{}}}`,
		`{"event":"configure","meta":{"service":"tenant-a","timestamp":1},"data":{"id":"d"}}`,
		`{"event":"configure","meta":{"service":"tenant-a","timestamp":1}}`,
	}
	for _, payload := range cases {
		actuation("tenant-a", []byte(payload))
	}

	_, ok := receiveEvent(t, conn)
	assert.False(ok)
}

func TestMultiplexerNotificationRouting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	connA, err := harness.hub.Attach("token-1", "notifications")
	assert.Nil(err)
	harness.expectAdmission("token-2", "tenant-b")
	connB, err := harness.hub.Attach("token-2", "notifications")
	assert.Nil(err)

	notification := *handlers["notifications"]
	assert.NotNil(notification)

	// without a filter everything of the tenant passes, and only the tenant's
	notification("tenant-a", []byte(`{"subject":"alarm","level":1}`))
	event, ok := receiveEvent(t, connA)
	assert.True(ok)
	assert.Equal("notification", event.Name)
	assert.Equal(
		map[string]interface{}{"subject": "alarm", "level": float64(1)}, event.Payload,
	)
	_, ok = receiveEvent(t, connB)
	assert.False(ok)

	// install a filter through the client event path
	spec := `{"fields":{"subject":{"operation":"=","value":"alarm"}}}`
	assert.Nil(harness.hub.DispatchEvent(connA.ID(), "filter", []byte(spec)))

	notification("tenant-a", []byte(`{"subject":"alarm","level":2}`))
	event, ok = receiveEvent(t, connA)
	assert.True(ok)
	assert.Equal("notification", event.Name)

	notification("tenant-a", []byte(`{"subject":"report","level":2}`))
	_, ok = receiveEvent(t, connA)
	assert.False(ok)

	// malformed notifications are dropped before any delivery
	notification("tenant-a", []byte(`not json`))
	_, ok = receiveEvent(t, connA)
	assert.False(ok)
}

func TestMultiplexerNotificationDisconnectCleansUp(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineTestMultiplexer(t)
	handlers := harness.captureHandlers()

	harness.expectAdmission("token-1", "tenant-a")
	conn, err := harness.hub.Attach("token-1", "notifications")
	assert.Nil(err)

	spec := `{"fields":{"subject":{"operation":"=","value":"alarm"}}}`
	assert.Nil(harness.hub.DispatchEvent(conn.ID(), "filter", []byte(spec)))

	conn.Disconnect()

	// the shared handler no longer sees the session
	notification := *handlers["notifications"]
	notification("tenant-a", []byte(`{"subject":"alarm"}`))
	var received transport.Event
	select {
	case received = <-conn.Events():
	default:
	}
	assert.Empty(received.Name)

	// the stored filter is gone as well
	assert.True(harness.engine.CheckFilter([]byte(`{"subject":"report"}`), conn.ID()))
}
