package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getleon/leon/internal/agent"
	"github.com/getleon/leon/internal/checkpoint"
	"github.com/getleon/leon/internal/common/logger"
	"github.com/getleon/leon/internal/db"
	"github.com/getleon/leon/internal/events/bus"
	"github.com/getleon/leon/internal/gateway/websocket"
	"github.com/getleon/leon/internal/memory"
	"github.com/getleon/leon/internal/queue"
	"github.com/getleon/leon/internal/resolver"
	"github.com/getleon/leon/internal/run"
	"github.com/getleon/leon/internal/sandbox"
	"github.com/getleon/leon/internal/sandbox/sandboxtest"
	"github.com/getleon/leon/internal/terminal"
	"github.com/getleon/leon/internal/terminal/hooks"
	"github.com/getleon/leon/internal/thread"
	v1 "github.com/getleon/leon/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type staticModels struct{ model agent.Model }

func (p staticModels) ModelFor(ctx context.Context, threadID string) (agent.Model, error) {
	return p.model, nil
}

// serverFixture serves the full runtime through the gin engine, the
// same assembly the daemon performs.
type serverFixture struct {
	srv    *Server
	sup    *run.Supervisor
	fake   *sandboxtest.Fake
	queues *queue.Store
}

func newServerFixture(t *testing.T, model agent.Model) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := db.Open(filepath.Join(t.TempDir(), "leon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)

	runs, err := run.NewStore(pool)
	require.NoError(t, err)
	elog, err := run.NewEventLog(pool)
	require.NoError(t, err)
	cps, err := checkpoint.NewSQLiteStore(pool)
	require.NoError(t, err)
	sums, err := memory.NewSummaryStore(pool)
	require.NoError(t, err)
	queues, err := queue.NewStore(pool)
	require.NoError(t, err)
	store, err := thread.NewStore(pool)
	require.NoError(t, err)
	sessions, err := resolver.NewSessionStore(pool)
	require.NoError(t, err)
	leases, err := resolver.NewLeaseStore(pool)
	require.NoError(t, err)
	terminals, err := terminal.NewStore(pool)
	require.NoError(t, err)

	registry := sandbox.NewRegistry()
	fake := sandboxtest.New("fake")
	registry.Register(fake)

	rec := resolver.NewReconciler(sessions, leases, registry, eventBus, log, resolver.ReconcilerConfig{
		Interval:  20 * time.Millisecond,
		AwaitPoll: 5 * time.Millisecond,
	})
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(func() { _ = rec.Stop() })

	sup := run.NewSupervisor(runs, elog, cps, staticModels{model}, eventBus, log, run.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	res := resolver.NewResolver(store, sessions, terminals, leases, registry, rec, hooks.NewChain(), log, resolver.Config{
		ConvergeTimeout: 5 * time.Second,
	})
	sup.SetRunnerResolver(res)

	mem := memory.NewManager(memory.Config{}, sums, cps, staticModels{model}, log)
	sup.SetContextPreparer(mem)

	router := queue.NewRouter(queues, sup, eventBus, log, queue.Options{})
	sup.SetDrainHook(router.Drain)
	sup.SetTaskNotifier(router)

	svc := thread.NewService(store, sup, res, router, runs, elog, cps, sums, mem, registry, eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	gw := websocket.NewGateway(ctx, eventBus, log)
	go gw.Hub.Run(ctx)

	srv := New(Deps{
		Threads:    svc,
		Supervisor: sup,
		Router:     router,
		Resolver:   res,
		Gateway:    gw,
	}, log)

	return &serverFixture{srv: srv, sup: sup, fake: fake, queues: queues}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *serverFixture) createThread(t *testing.T) v1.Thread {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/v1/threads", v1.CreateThreadRequest{Sandbox: "fake"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var th v1.Thread
	decodeJSON(t, w, &th)
	require.NotEmpty(t, th.ID)
	return th
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

func waitIdle(t *testing.T, sup *run.Supervisor, threadID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.State(threadID) == v1.ThreadStateIdle
	}, 5*time.Second, 10*time.Millisecond)
}

// slowModel keeps a run alive for roughly turns*15ms so tests can hit
// the thread mid-run.
func slowModel(turns int) agent.Model {
	scripted := make([]agent.ScriptedTurn, 0, turns)
	for i := 0; i < turns; i++ {
		scripted = append(scripted, agent.ScriptedTurn{
			ToolCalls: []agent.ToolCall{{ID: fmt.Sprintf("tc-%d", i), Name: "noop", Args: json.RawMessage(`{}`)}},
		})
	}
	return agent.NewScripted("slow", scripted, agent.WithDelay(15*time.Millisecond))
}

func TestServer_HealthAndPreflight(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))

	w := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	decodeJSON(t, w, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "leon", health["service"])

	w = f.request(t, http.MethodOptions, "/api/v1/threads", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ThreadCRUD(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))

	th := f.createThread(t)

	w := f.request(t, http.MethodGet, "/api/v1/threads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Threads []*v1.Thread `json:"threads"`
		Total   int          `json:"total"`
	}
	decodeJSON(t, w, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, th.ID, list.Threads[0].ID)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail v1.ThreadDetail
	decodeJSON(t, w, &detail)
	assert.Equal(t, th.ID, detail.Thread.ID)
	assert.Empty(t, detail.Messages)

	w = f.request(t, http.MethodDelete, "/api/v1/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CreateThreadRejectsBadPayload(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))

	w := f.request(t, http.MethodPost, "/api/v1/threads", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodPost, "/api/v1/threads", v1.CreateThreadRequest{Sandbox: "firecracker"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestServer_UnknownThreadAnswers404(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))

	checks := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/threads/missing", nil},
		{http.MethodDelete, "/api/v1/threads/missing", nil},
		{http.MethodGet, "/api/v1/threads/missing/runtime", nil},
		{http.MethodGet, "/api/v1/threads/missing/queue", nil},
		{http.MethodGet, "/api/v1/threads/missing/runs/events", nil},
		{http.MethodPost, "/api/v1/threads/missing/runs", v1.StartRunRequest{Message: "hi"}},
		{http.MethodPost, "/api/v1/threads/missing/runs/cancel", nil},
		{http.MethodPost, "/api/v1/threads/missing/messages", v1.SendMessageRequest{Message: "hi"}},
	}
	for _, check := range checks {
		w := f.request(t, check.method, check.path, check.body)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s: %s", check.method, check.path, w.Body.String())
	}
}

func TestServer_RunLifecycle(t *testing.T) {
	model := agent.NewScripted("m", []agent.ScriptedTurn{
		{Text: "checking", ToolCalls: []agent.ToolCall{
			{ID: "tc-1", Name: "shell", Args: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Text: "all done"},
	})
	f := newServerFixture(t, model)
	th := f.createThread(t)

	w := f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs", v1.StartRunRequest{Message: "run it"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started v1.StartRunResponse
	decodeJSON(t, w, &started)
	require.NotEmpty(t, started.RunID)
	assert.Equal(t, th.ID, started.ThreadID)

	waitIdle(t, f.sup, th.ID)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail v1.ThreadDetail
	decodeJSON(t, w, &detail)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "run it", detail.Messages[0].Content)
	assert.Equal(t, "all done", detail.Messages[1].Content)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/runtime", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rt v1.ThreadRuntime
	decodeJSON(t, w, &rt)
	assert.Equal(t, v1.ThreadStateIdle, rt.State)
	assert.Greater(t, rt.LastSeq, int64(0))
	require.NotNil(t, rt.Lease)
	assert.Equal(t, "fake", rt.Lease.Provider)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/events/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recent struct {
		Events []*v1.RunEvent `json:"events"`
		Total  int            `json:"total"`
	}
	decodeJSON(t, w, &recent)
	require.NotZero(t, recent.Total)
	assert.Equal(t, v1.EventDone, recent.Events[len(recent.Events)-1].EventType)
}

func TestServer_StartRunConflictAndCancel(t *testing.T) {
	f := newServerFixture(t, slowModel(40))
	th := f.createThread(t)

	w := f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs", v1.StartRunRequest{Message: "busy work"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var started v1.StartRunResponse
	decodeJSON(t, w, &started)

	w = f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs", v1.StartRunRequest{Message: "again"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled v1.CancelRunResponse
	decodeJSON(t, w, &cancelled)
	assert.Equal(t, started.RunID, cancelled.RunID)
	assert.Equal(t, "cancelling", cancelled.Status)

	waitIdle(t, f.sup, th.ID)

	w = f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseFrame struct {
	id    int64
	event string
	data  []byte
}

func parseSSEFrames(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
				require.NoError(t, err)
				frame.id = id
			case strings.HasPrefix(line, "event: "):
				frame.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.data = []byte(strings.TrimPrefix(line, "data: "))
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestServer_ObserveReplaysFinishedRun(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "streamed"}}))
	th := f.createThread(t)

	w := f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs", v1.StartRunRequest{Message: "go"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var started v1.StartRunResponse
	decodeJSON(t, w, &started)
	waitIdle(t, f.sup, th.ID)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/runs/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := parseSSEFrames(t, w.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, int64(1), frames[0].id)
	assert.Equal(t, string(v1.EventDone), frames[len(frames)-1].event)

	sawText := false
	var prev int64
	for _, frame := range frames {
		assert.Greater(t, frame.id, prev)
		prev = frame.id

		var evt v1.RunEvent
		require.NoError(t, json.Unmarshal(frame.data, &evt))
		assert.Equal(t, frame.id, evt.Seq)
		assert.Equal(t, th.ID, evt.ThreadID)
		assert.Equal(t, started.RunID, evt.RunID)
		if evt.EventType == v1.EventText {
			sawText = true
		}
	}
	assert.True(t, sawText)

	// Resuming past all but the last event replays only the terminal
	// frame.
	last := frames[len(frames)-1].id
	w = f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/threads/%s/runs/events?after=%d", th.ID, last-1), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resumed := parseSSEFrames(t, w.Body.String())
	require.Len(t, resumed, 1)
	assert.Equal(t, last, resumed[0].id)
	assert.Equal(t, string(v1.EventDone), resumed[0].event)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/runs/events?after=notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_MessageRoutingModes(t *testing.T) {
	f := newServerFixture(t, slowModel(40))
	th := f.createThread(t)

	w := f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", v1.SendMessageRequest{Message: "kick"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first v1.SendMessageResponse
	decodeJSON(t, w, &first)
	assert.Equal(t, v1.RoutingImmediate, first.Routing)
	assert.NotEmpty(t, first.RunID)

	w = f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", v1.SendMessageRequest{Message: "nudge"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second v1.SendMessageResponse
	decodeJSON(t, w, &second)
	assert.Equal(t, v1.RoutingSteer, second.Routing)

	waitIdle(t, f.sup, th.ID)

	w = f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queued struct {
		Messages []*v1.QueuedMessage `json:"messages"`
		Total    int                 `json:"total"`
	}
	decodeJSON(t, w, &queued)
	assert.Zero(t, queued.Total)

	w = f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_QueueListing(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))
	th := f.createThread(t)
	ctx := context.Background()

	_, err := f.queues.Enqueue(ctx, th.ID, v1.MessageKindUser, "first", v1.RoutingCollect)
	require.NoError(t, err)
	_, err = f.queues.Enqueue(ctx, th.ID, v1.MessageKindUser, "second", v1.RoutingCollect)
	require.NoError(t, err)

	w := f.request(t, http.MethodGet, "/api/v1/threads/"+th.ID+"/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queued struct {
		Messages []*v1.QueuedMessage `json:"messages"`
		Total    int                 `json:"total"`
	}
	decodeJSON(t, w, &queued)
	require.Equal(t, 2, queued.Total)
	assert.Equal(t, "first", queued.Messages[0].Content)
	assert.Equal(t, "second", queued.Messages[1].Content)
}

func TestServer_OperatorOrphanFlow(t *testing.T) {
	f := newServerFixture(t, agent.NewScripted("m", []agent.ScriptedTurn{{Text: "ok"}}))
	th := f.createThread(t)

	f.fake.Seed("stray-1", sandbox.StateActive)
	f.fake.Seed("stray-2", sandbox.StateActive)

	w := f.request(t, http.MethodGet, "/api/v1/operator/orphans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report v1.OrphanScanReport
	decodeJSON(t, w, &report)
	require.Len(t, report.Orphans, 2)

	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/adopt", v1.AdoptOrphanRequest{
		ThreadID:   th.ID,
		Provider:   "fake",
		InstanceID: "stray-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lease v1.Lease
	decodeJSON(t, w, &lease)
	assert.Equal(t, "fake", lease.Provider)
	require.NotNil(t, lease.InstanceID)
	assert.Equal(t, "stray-1", *lease.InstanceID)

	// The adopted instance no longer shows up as an orphan.
	w = f.request(t, http.MethodGet, "/api/v1/operator/orphans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &report)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, "stray-2", report.Orphans[0].InstanceID)

	// The thread now holds an active session, so a second adoption is
	// refused.
	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/adopt", v1.AdoptOrphanRequest{
		ThreadID:   th.ID,
		Provider:   "fake",
		InstanceID: "stray-2",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/operator/leases/"+lease.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Events []*v1.LeaseEvent `json:"events"`
		Total  int              `json:"total"`
	}
	decodeJSON(t, w, &history)
	require.NotZero(t, history.Total)
	types := make([]string, 0, len(history.Events))
	for _, evt := range history.Events {
		types = append(types, evt.EventType)
	}
	assert.Contains(t, types, resolver.EventInstanceAdopted)

	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/destroy", v1.DestroyOrphanRequest{
		Provider:   "fake",
		InstanceID: "stray-2",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.fake.Destroyed("stray-2"))

	// A leased instance cannot be destroyed through the orphan path.
	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/destroy", v1.DestroyOrphanRequest{
		Provider:   "fake",
		InstanceID: "stray-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/adopt", map[string]string{"provider": "fake"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	other := f.createThread(t)
	w = f.request(t, http.MethodPost, "/api/v1/operator/orphans/adopt", v1.AdoptOrphanRequest{
		ThreadID:   other.ID,
		Provider:   "fake",
		InstanceID: "no-such-instance",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_OperatorLeaseViews(t *testing.T) {
	model := agent.NewScripted("m", []agent.ScriptedTurn{
		{Text: "checking", ToolCalls: []agent.ToolCall{
			{ID: "tc-1", Name: "shell", Args: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Text: "done"},
	})
	f := newServerFixture(t, model)
	th := f.createThread(t)

	w := f.request(t, http.MethodPost, "/api/v1/threads/"+th.ID+"/runs", v1.StartRunRequest{Message: "go"})
	require.Equal(t, http.StatusAccepted, w.Code)
	waitIdle(t, f.sup, th.ID)

	w = f.request(t, http.MethodGet, "/api/v1/operator/leases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var leases struct {
		Leases []*v1.Lease `json:"leases"`
		Total  int         `json:"total"`
	}
	decodeJSON(t, w, &leases)
	require.NotZero(t, leases.Total)
	assert.Equal(t, "fake", leases.Leases[0].Provider)

	// Everything converged, so the diverged filter comes back empty.
	w = f.request(t, http.MethodGet, "/api/v1/operator/leases?diverged=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &leases)
	assert.Zero(t, leases.Total)

	w = f.request(t, http.MethodGet, "/api/v1/operator/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []*v1.LeaseEvent `json:"events"`
		Total  int              `json:"total"`
	}
	decodeJSON(t, w, &events)
	assert.NotZero(t, events.Total)
}
