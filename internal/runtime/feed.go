package runtime

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/imbus/internal/runtime/envelope"
	loggingpkg "github.com/drblury/imbus/internal/runtime/logging"
)

const (
	feedClientBuffer = 64
	feedWriteWait    = 10 * time.Second
)

// feedFrame is one encoded envelope on the live feed.
type feedFrame struct {
	subject string
	payload []byte
}

// eventFeed fans envelopes out to live websocket clients. Slow clients lose
// frames rather than slowing down dispatch. A nil feed ignores every call.
type eventFeed struct {
	mu      sync.Mutex
	clients map[chan feedFrame]struct{}
	closed  bool
}

func newEventFeed() *eventFeed {
	return &eventFeed{clients: make(map[chan feedFrame]struct{})}
}

// publish encodes env once, before it can be mutated further, and offers it
// to every client.
func (f *eventFeed) publish(env *envelope.Envelope) {
	if f == nil || env == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.clients) == 0 {
		return
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return
	}
	frame := feedFrame{subject: env.Subject, payload: payload}
	for ch := range f.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// subscribe registers a client. The channel is closed by cancel or when the feed closes.
func (f *eventFeed) subscribe() (<-chan feedFrame, func()) {
	ch := make(chan feedFrame, feedClientBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.clients[ch] = struct{}{}
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.clients[ch]; ok {
			delete(f.clients, ch)
			close(ch)
		}
	}
}

func (f *eventFeed) clientCount() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *eventFeed) close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.clients {
		delete(f.clients, ch)
		close(ch)
	}
}

func (s *Service) feedUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if s.getAllowedCORSOrigin(origin) != "" {
				return true
			}
			s.Logger.Debug("Rejected live feed origin", loggingpkg.LogFields{"origin": origin})
			return false
		},
	}
}

// handleLiveEvents streams every envelope the service sees over a websocket.
// ?subject= narrows the stream to subjects with that prefix.
func (s *Service) handleLiveEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "live feed disabled", http.StatusNotFound)
		return
	}
	prefix := r.URL.Query().Get("subject")

	conn, err := s.feedUpgrader().Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("Live feed upgrade failed", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	defer conn.Close()

	frames, cancel := s.feed.subscribe()
	defer cancel()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case frame, ok := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "service stopping"))
				return
			}
			if prefix != "" && !strings.HasPrefix(frame.subject, prefix) {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				return
			}
		}
	}
}
