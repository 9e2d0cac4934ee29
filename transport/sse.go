package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/apex/log"
	"github.com/evtio/databridge/common"
	"github.com/gorilla/mux"
)

// SSEBinding serves hub connections over Server-Sent Events. Outbound events
// stream on the attach endpoint; client sent events (filter updates) arrive
// through a companion endpoint addressed by session.
type SSEBinding struct {
	common.Component
	hub ConnectionHub
}

// GetSSEBinding define the SSE wire binding of a connection hub
func GetSSEBinding(hub ConnectionHub) (SSEBinding, error) {
	logTags := log.Fields{
		"module": "transport", "component": "sse-binding",
	}
	return SSEBinding{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
	}, nil
}

// Attach admit a connection and stream its events until the client leaves
func (b SSEBinding) Attach(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	token := r.URL.Query().Get("token")
	subject := r.URL.Query().Get("subject")

	conn, err := b.hub.Attach(token, subject)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// First frame hands the client its session ID for the event endpoint
	if err := writeSSEFrame(w, "session", map[string]string{"session": conn.ID()}); err != nil {
		conn.Disconnect()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			conn.Disconnect()
			return
		case event, ok := <-conn.Events():
			if !ok {
				return
			}
			if err := writeSSEFrame(w, event.Name, event.Payload); err != nil {
				log.WithError(err).WithFields(b.LogTags).Debugf(
					"Session %s write failed", conn.ID(),
				)
				conn.Disconnect()
				return
			}
			flusher.Flush()
		}
	}
}

// ClientEvent forward a client sent event to its session
func (b SSEBinding) ClientEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]
	event := vars["event"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := b.hub.DispatchEvent(session, event, payload); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// FilterEvent forward a filter replacement to its session
func (b SSEBinding) FilterEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session := vars["session"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := b.hub.DispatchEvent(session, "filter", payload); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeSSEFrame(w io.Writer, event string, payload interface{}) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, serialized)
	return err
}
