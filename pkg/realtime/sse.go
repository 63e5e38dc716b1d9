package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/notify"
)

// SSEAdapter exposes bus topics as server-sent event streams. A stream is
// created lazily on the first request naming its topic; every message
// published on the topic is replayed to the stream's subscribers as JSON.
type SSEAdapter struct {
	server *sse.Server
	bus    *notify.Bus
	logger logging.Logger

	mu      sync.Mutex
	cancels map[string]func()
	closed  bool
}

// NewSSEAdapter creates an SSE adapter over the notification bus.
func NewSSEAdapter(bus *notify.Bus, logger logging.Logger) *SSEAdapter {
	server := sse.New()
	server.AutoReplay = false
	return &SSEAdapter{
		server:  server,
		bus:     bus,
		logger:  logger,
		cancels: make(map[string]func()),
	}
}

// ServeHTTP handles an SSE subscription request. The topic is named by the
// stream query parameter, matching the underlying server's convention.
func (a *SSEAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("stream")
	if topic == "" {
		http.Error(w, "stream parameter is required", http.StatusBadRequest)
		return
	}
	a.ensureStream(topic)
	a.server.ServeHTTP(w, r)
}

// ensureStream creates the topic's stream and starts its bus pump once.
func (a *SSEAdapter) ensureStream(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, exists := a.cancels[topic]; exists {
		return
	}

	a.server.CreateStream(topic)
	ch, cancel := a.bus.Subscribe(topic)
	a.cancels[topic] = cancel

	go func() {
		for msg := range ch {
			data, err := json.Marshal(msg)
			if err != nil {
				a.logger.Warn("failed to encode sse event", logging.F("topic", topic), logging.F("error", err.Error()))
				continue
			}
			a.server.Publish(topic, &sse.Event{Data: data})
		}
	}()
}

// Close detaches every stream from the bus and shuts the server down.
func (a *SSEAdapter) Close() {
	a.mu.Lock()
	a.closed = true
	cancels := a.cancels
	a.cancels = make(map[string]func())
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.server.Close()
}
