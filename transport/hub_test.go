package transport

import (
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestConnectionHubAdmission(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	admitted := make([]Connection, 0, 1)
	uut.OnConnection(func(conn Connection) {
		admitted = append(admitted, conn)
	})

	conn, err := uut.Attach("token-1", "device-data")
	assert.Nil(err)
	assert.Equal("token-1", conn.Token())
	assert.Equal("device-data", conn.Subject())
	assert.NotEmpty(conn.ID())
	assert.Len(admitted, 1)
	assert.Equal(conn.ID(), admitted[0].ID())
}

func TestConnectionHubMiddlewareRejection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	uut.Use(func(conn Connection) error {
		if conn.Token() == "" {
			return fmt.Errorf("missing token")
		}
		return nil
	})
	connected := 0
	uut.OnConnection(func(conn Connection) { connected++ })

	_, err = uut.Attach("", "device-data")
	assert.NotNil(err)
	assert.Equal(0, connected)
	// a rejected connection leaves no session behind
	assert.NotNil(uut.DispatchEvent("anything", "filter", []byte("{}")))

	conn, err := uut.Attach("token-1", "device-data")
	assert.Nil(err)
	assert.Equal(1, connected)
	assert.Nil(uut.DispatchEvent(conn.ID(), "filter", []byte("{}")))
}

func TestConnectionHubGroupBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	connA, err := uut.Attach("token-a", "device-data")
	assert.Nil(err)
	connB, err := uut.Attach("token-b", "device-data")
	assert.Nil(err)
	connC, err := uut.Attach("token-c", "device-data")
	assert.Nil(err)

	connA.Join("tenant-1")
	connB.Join("tenant-1")
	connC.Join("tenant-2")

	uut.BroadcastToGroup("tenant-1").Emit("all", "payload")

	for _, conn := range []Connection{connA, connB} {
		select {
		case event := <-conn.Events():
			assert.Equal("all", event.Name)
			assert.Equal("payload", event.Payload)
		default:
			assert.Failf("missing event", "session %s received nothing", conn.ID())
		}
	}
	select {
	case event := <-connC.Events():
		assert.Failf("unexpected event", "session %s received %s", connC.ID(), event.Name)
	default:
	}

	// broadcasting into an unknown group is a no-op
	uut.BroadcastToGroup("tenant-3").Emit("all", "payload")
}

func TestConnectionHubClientEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	conn, err := uut.Attach("token-a", "notifications")
	assert.Nil(err)

	received := make([][]byte, 0, 1)
	conn.On("filter", func(payload []byte) {
		received = append(received, payload)
	})

	assert.Nil(uut.DispatchEvent(conn.ID(), "filter", []byte(`{"fields":{}}`)))
	assert.Len(received, 1)
	assert.Equal([]byte(`{"fields":{}}`), received[0])

	// events without handlers are dropped silently
	assert.Nil(uut.DispatchEvent(conn.ID(), "unknown", []byte("{}")))
	assert.Len(received, 1)
}

func TestConnectionHubDisconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	conn, err := uut.Attach("token-a", "device-data")
	assert.Nil(err)
	conn.Join("tenant-1")

	disconnects := 0
	conn.OnDisconnect(func() { disconnects++ })

	conn.Disconnect()
	assert.Equal(1, disconnects)
	// handlers fire exactly once
	conn.Disconnect()
	assert.Equal(1, disconnects)

	// session is gone
	assert.NotNil(uut.DispatchEvent(conn.ID(), "filter", []byte("{}")))

	// events after disconnect are swallowed, the feed is closed
	uut.BroadcastToGroup("tenant-1").Emit("all", "payload")
	conn.Emit("direct", "payload")
	_, open := <-conn.Events()
	assert.False(open)
}

func TestConnectionHubBufferOverflowDropsEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(2)
	assert.Nil(err)

	conn, err := uut.Attach("token-a", "device-data")
	assert.Nil(err)

	conn.Emit("e", 0)
	conn.Emit("e", 1)
	// buffer full; this one is dropped rather than blocking
	conn.Emit("e", 2)

	assert.Equal(0, (<-conn.Events()).Payload)
	assert.Equal(1, (<-conn.Events()).Payload)
	select {
	case <-conn.Events():
		assert.Fail("expected dropped event")
	default:
	}
}

func TestConnectionHubClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetConnectionHub(4)
	assert.Nil(err)

	connA, err := uut.Attach("token-a", "device-data")
	assert.Nil(err)
	connB, err := uut.Attach("token-b", "device-data")
	assert.Nil(err)

	closed := 0
	connA.OnDisconnect(func() { closed++ })
	connB.OnDisconnect(func() { closed++ })

	uut.Close()
	assert.Equal(2, closed)
	assert.NotNil(uut.DispatchEvent(connA.ID(), "filter", []byte("{}")))
}
