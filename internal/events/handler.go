package events

import (
	"fmt"
	"net/http"
	"strings"
)

// Subscriber is the narrow surface an SSE stream needs from an event bus.
// Both *EventBus and *PubSubEventBus (via its embedded *EventBus) satisfy
// it, so the stream works whichever bus the server wired up.
type Subscriber interface {
	Subscribe(eventTypes ...string) chan *CloudEvent
	Unsubscribe(ch chan *CloudEvent)
}

// HandleSSEStream streams kernel/execution lifecycle events to the client
// as Server-Sent Events. An "events" query parameter restricts the stream
// to a comma separated list of event types; omitted, it streams everything.
func HandleSSEStream(sub Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		var eventTypes []string
		if filter := r.URL.Query().Get("events"); filter != "" {
			eventTypes = strings.Split(filter, ",")
		}

		ch := sub.Subscribe(eventTypes...)
		defer sub.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
		flusher.Flush()

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				data, err := event.SSEFormat()
				if err != nil {
					continue
				}
				w.Write(data)
				flusher.Flush()

			case <-r.Context().Done():
				return
			}
		}
	}
}
