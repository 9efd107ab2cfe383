package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/handlers"
	jsoncodec "github.com/drblury/imbus/internal/runtime/jsoncodec"
	"github.com/drblury/imbus/internal/runtime/store"
)

func newWebUIService(t *testing.T, opts ...serviceOption) (*Service, *store.Memory, http.Handler) {
	t.Helper()
	base := func(c *configpkg.Config, d *ServiceDependencies) {
		c.WebUIEnabled = true
		c.WebUIPort = 9181
		c.Subjects = []string{"im.message.send"}
		d.Handlers = []handlers.Handler{
			handlers.New("sender", "im.message.send", respondWith("im.message.send.result")),
			handlers.New("audit", "im.message.send", decline, handlers.WithPriority(1)),
		}
	}
	svc, st := newTestService(t, append([]serviceOption{base}, opts...)...)
	svc.StartWebUIServer()

	mux, ok := svc.httpServers[9181]
	require.True(t, ok, "web ui mux registered")
	return svc, st, mux
}

func getJSON(t *testing.T, h http.Handler, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestWebUIDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	svc.StartWebUIServer()
	assert.Empty(t, svc.httpServers)
}

func TestWebUIHandlers(t *testing.T) {
	_, _, mux := newWebUIService(t)

	var infos []struct {
		Name     string `json:"name"`
		Subject  string `json:"subject"`
		Priority int    `json:"priority"`
		Stats    struct {
			Invocations uint64 `json:"invocations"`
		} `json:"stats"`
	}
	rec := getJSON(t, mux, "/api/handlers", &infos)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, infos, 2)
	assert.Equal(t, "audit", infos[0].Name)
	assert.Equal(t, "sender", infos[1].Name)
	assert.Equal(t, handlers.DefaultPriority, infos[1].Priority)
}

func TestWebUIMethodNotAllowed(t *testing.T) {
	_, _, mux := newWebUIService(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/handlers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/retention/run", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebUICORS(t *testing.T) {
	_, _, mux := newWebUIService(t, func(c *configpkg.Config, _ *ServiceDependencies) {
		c.WebUICORSAllowedOrigins = []string{"https://ops.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/handlers", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/handlers", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebUIEvents(t *testing.T) {
	svc, _, mux := newWebUIService(t)
	ctx := context.Background()

	urgent := newRequest("im.message.send")
	urgent.Priority = envelope.PriorityUrgent
	svc.deliver(ctx, urgent)

	other := envelope.New("im.friend.add", envelope.TypeRequest, nil,
		envelope.WithPriority(envelope.PriorityHigh),
		envelope.WithUser("u-2", "", ""),
	)
	svc.deliver(ctx, other)
	require.NoError(t, svc.Pipeline().Flush(ctx))

	var rows []store.Row
	rec := getJSON(t, mux, "/api/events?subject=im.message.send", &rows)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rows, 1)
	assert.Equal(t, urgent.EventID, rows[0].EventID)

	rows = nil
	getJSON(t, mux, "/api/events?user=u-2&priority=high", &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, other.EventID, rows[0].EventID)

	rows = nil
	getJSON(t, mux, "/api/events?status=failure&errorCode=NO_PROCESSOR_FOUND", &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, other.EventID, rows[0].CorrelationID)

	rows = nil
	getJSON(t, mux, "/api/events?limit=1", &rows)
	assert.Len(t, rows, 1)

	var row store.Row
	rec = getJSON(t, mux, "/api/events/"+urgent.EventID, &row)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "im.message.send", row.Subject)

	rec = getJSON(t, mux, "/api/events/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var counts map[string]map[string]int64
	getJSON(t, mux, "/api/events/counts", &counts)
	assert.EqualValues(t, 1, counts["bySubject"]["im.friend.add"])
	assert.EqualValues(t, 1, counts["byStatus"]["FAILURE"])
}

func TestWebUIEventQueryErrors(t *testing.T) {
	_, _, mux := newWebUIService(t)
	for _, target := range []string{
		"/api/events?limit=many",
		"/api/events?limit=-3",
		"/api/events?priority=CRITICAL",
		"/api/events?since=yesterday",
	} {
		rec := getJSON(t, mux, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestParseEventQuery(t *testing.T) {
	q, err := parseEventQuery(map[string][]string{
		"subject":  {"im.message.send"},
		"service":  {"gateway"},
		"priority": {"high, urgent"},
		"since":    {"2026-05-01T00:00:00Z"},
		"until":    {"2026-05-02T00:00:00+02:00"},
		"limit":    {"25"},
	})
	require.NoError(t, err)
	assert.Equal(t, "im.message.send", q.Subject)
	assert.Equal(t, "gateway", q.Service)
	assert.Equal(t, []string{"HIGH", "URGENT"}, q.Priorities)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), q.Since)
	assert.Equal(t, time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC), q.Until)
	assert.Equal(t, 25, q.Limit)
}

func TestWebUIStatusEndpoints(t *testing.T) {
	svc, _, mux := newWebUIService(t)
	require.NoError(t, svc.Subscriptions().Subscribe(context.Background(), "im.message.send"))
	svc.deliver(context.Background(), newRequest("im.message.send"))

	var subs subscriptionsView
	getJSON(t, mux, "/api/subscriptions", &subs)
	assert.Equal(t, []string{"im.message.send"}, subs.Configured)
	assert.Equal(t, []string{"im.message.send"}, subs.Active)
	assert.Equal(t, 1, subs.ActiveCount)

	var persisted struct {
		Enabled          bool       `json:"enabled"`
		NextRetentionRun *time.Time `json:"nextRetentionRun"`
		Stats            struct {
			CacheSize int `json:"cacheSize"`
		} `json:"stats"`
	}
	getJSON(t, mux, "/api/persistence", &persisted)
	assert.True(t, persisted.Enabled)
	assert.NotNil(t, persisted.NextRetentionRun)
	assert.Equal(t, 2, persisted.Stats.CacheSize, "NORMAL request and response are buffered")

	var tr struct {
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
	}
	getJSON(t, mux, "/api/transport", &tr)
	assert.Equal(t, "channel", tr.Name)
	assert.True(t, tr.Connected)

	var dispatch struct {
		Registry RegistryStats `json:"registry"`
		Metrics  struct {
			Subjects map[string]struct {
				Dispatched uint64 `json:"dispatched"`
			} `json:"subjects"`
		} `json:"metrics"`
	}
	getJSON(t, mux, "/api/dispatch", &dispatch)
	assert.Equal(t, 2, dispatch.Registry.Handlers)
	assert.EqualValues(t, 1, dispatch.Metrics.Subjects["im.message.send"].Dispatched)

	var usage ResourceUsage
	rec := getJSON(t, mux, "/api/runtime", &usage)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Positive(t, usage.Goroutines)
}

func TestWebUIRunRetention(t *testing.T) {
	svc, st, mux := newWebUIService(t)
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, st.Insert(context.Background(), store.Row{EventID: "old", CreatedAt: old, ExpiresAt: old}))
	require.NoError(t, st.Insert(context.Background(), store.Row{EventID: "fresh", CreatedAt: time.Now(), ExpiresAt: time.Now()}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/retention/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Removed int64 `json:"removed"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Removed)
	assert.Equal(t, 1, st.Len())
	assert.NotNil(t, svc.Retention())
}

func TestWebUILiveFeed(t *testing.T) {
	svc, _, mux := newWebUIService(t)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/live?subject=im.message."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return svc.feed.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	svc.feed.publish(newRequest("im.friend.add"))
	req := newRequest("im.message.send")
	svc.feed.publish(req)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	got, err := envelope.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, req.EventID, got.EventID, "filtered subjects are not streamed")

	svc.feed.close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEventFeedNilSafe(t *testing.T) {
	var f *eventFeed
	f.publish(newRequest("im.x"))
	f.close()
	assert.Zero(t, f.clientCount())

	feed := newEventFeed()
	ch, cancel := feed.subscribe()
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	feed.close()
	late, _ := feed.subscribe()
	_, open = <-late
	assert.False(t, open)
}
