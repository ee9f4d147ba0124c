package gateway

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webforge/internal/db"
	"webforge/internal/events"
	"webforge/internal/pipeline"
	"webforge/internal/project"
	"webforge/pkg/models"
)

var _ Engine = (*pipeline.Orchestrator)(nil)
var _ Engine = (*fakeEngine)(nil)

// fakeEngine records admissions and optionally plays a canned event
// stream through the sink a command hands it.
type fakeEngine struct {
	mu        sync.Mutex
	builds    []pipeline.BuildRequest
	updates   []pipeline.UpdateRequest
	cancelled []string

	buildErr  error
	updateErr error
	cancelErr error
	active    []models.PipelineRun

	emit func(sink events.Sink)
}

func (f *fakeEngine) StartBuild(req pipeline.BuildRequest, sink events.Sink) (*models.PipelineRun, error) {
	f.mu.Lock()
	f.builds = append(f.builds, req)
	emit, err := f.emit, f.buildErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if emit != nil {
		emit(sink)
	}
	return &models.PipelineRun{RunID: "run-1", SessionID: req.SessionID, Kind: models.RunKindBuild}, nil
}

func (f *fakeEngine) StartUpdate(req pipeline.UpdateRequest, sink events.Sink) (*models.PipelineRun, error) {
	f.mu.Lock()
	f.updates = append(f.updates, req)
	emit, err := f.emit, f.updateErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if emit != nil {
		emit(sink)
	}
	return &models.PipelineRun{RunID: "run-1", SessionID: req.SessionID, Kind: models.RunKindUpdate}, nil
}

func (f *fakeEngine) Cancel(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeEngine) ActiveRuns() []models.PipelineRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PipelineRun, len(f.active))
	copy(out, f.active)
	return out
}

func (f *fakeEngine) setActive(runs []models.PipelineRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = runs
}

func (f *fakeEngine) buildRequests() []pipeline.BuildRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.BuildRequest, len(f.builds))
	copy(out, f.builds)
	return out
}

func (f *fakeEngine) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeEngine) cancelledRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelled))
	copy(out, f.cancelled)
	return out
}

type gwOptions struct {
	cancelOnDisconnect bool
	database           *db.Database
	store              *project.Store
}

func newTestGateway(t *testing.T, engine Engine, opts gwOptions) (*Gateway, *httptest.Server) {
	t.Helper()

	store := opts.store
	if store == nil {
		var err error
		store, err = project.NewStore(t.TempDir())
		require.NoError(t, err)
	}

	g := New(Config{
		Engine:             engine,
		Store:              store,
		DB:                 opts.database,
		Secret:             "test-secret",
		Origins:            []string{"http://localhost:5173"},
		Environment:        "test",
		CancelOnDisconnect: opts.cancelOnDisconnect,
	})
	go g.Run()
	t.Cleanup(g.Shutdown)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", g.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var e events.Event
	require.NoError(t, json.Unmarshal(raw, &e))
	return e
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestConnectIssuesSessionAndToken(t *testing.T) {
	engine := &fakeEngine{}
	g, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")

	hello := readEvent(t, conn)
	require.Equal(t, "session", hello.Type)
	assert.NotEmpty(t, hello.Session)
	require.NotEmpty(t, hello.ResumeToken)

	sid, err := g.tokens.verify(hello.ResumeToken)
	require.NoError(t, err)
	assert.Equal(t, hello.Session, sid)
}

func TestBuildCommandStreamsOrderedEvents(t *testing.T) {
	engine := &fakeEngine{
		emit: func(sink events.Sink) {
			sink.Emit(events.State("run-1", "demo", models.StageReceived, "", ""))
			sink.Emit(events.Log("info", "starting build"))
			sink.Emit(events.Done("http://localhost:5173", "demo"))
		},
	}
	_, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")

	hello := readEvent(t, conn)
	require.Equal(t, "session", hello.Type)

	sendJSON(t, conn, map[string]string{
		"type":        "build",
		"prompt":      "a landing page for a coffee shop",
		"build_model": "big-coder",
	})

	state := readEvent(t, conn)
	require.Equal(t, "state", state.Type)
	assert.Equal(t, models.StageReceived, state.Stage)
	assert.Equal(t, uint64(1), state.Seq)

	log := readEvent(t, conn)
	require.Equal(t, "log", log.Type)
	assert.Equal(t, uint64(2), log.Seq)

	done := readEvent(t, conn)
	require.Equal(t, "done", done.Type)
	assert.Equal(t, "http://localhost:5173", done.URL)
	assert.Equal(t, uint64(3), done.Seq)

	reqs := engine.buildRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, hello.Session, reqs[0].SessionID)
	assert.Equal(t, "a landing page for a coffee shop", reqs[0].Prompt)
	assert.Equal(t, "big-coder", reqs[0].BuildModel)
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	engine := &fakeEngine{
		emit: func(sink events.Sink) {
			sink.Emit(events.Done("http://localhost:5173", "demo"))
		},
	}
	_, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Contains(t, oops.Text, "malformed command")

	// The session survives and still takes commands.
	sendJSON(t, conn, map[string]string{"type": "build", "prompt": "try again"})
	done := readEvent(t, conn)
	assert.Equal(t, "done", done.Type)
}

func TestUnknownCommandType(t *testing.T) {
	_, srv := newTestGateway(t, &fakeEngine{}, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{"type": "bogus"})

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Contains(t, oops.Text, "unknown command type")
}

func TestUpdateInvalidIntentRejected(t *testing.T) {
	engine := &fakeEngine{}
	_, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{
		"type":    "update",
		"project": "demo",
		"prompt":  "change the header",
		"intent":  "banana",
	})

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Contains(t, oops.Text, `unknown intent "banana"`)
	assert.Zero(t, engine.updateCount())
}

func TestAdmissionErrorsMapToMessages(t *testing.T) {
	engine := &fakeEngine{
		buildErr: fmt.Errorf("%w: demo", pipeline.ErrBusy),
	}
	_, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{"type": "build", "prompt": "another one"})

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Equal(t, "project already has a run in flight", oops.Text)
}

func TestCancelUnknownRunReportsError(t *testing.T) {
	engine := &fakeEngine{
		cancelErr: fmt.Errorf("%w: r404", pipeline.ErrUnknownRun),
	}
	_, srv := newTestGateway(t, engine, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{"type": "cancel", "run_id": "r404"})

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Contains(t, oops.Text, "r404")
}

func TestExportSendsEventThenArchive(t *testing.T) {
	store, err := project.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Ensure("demo"))
	_, err = store.WriteFile("demo", "package.json", `{"name":"demo"}`)
	require.NoError(t, err)
	_, err = store.WriteFile("demo", "src/App.jsx", "export default function App() { return null }")
	require.NoError(t, err)

	_, srv := newTestGateway(t, &fakeEngine{}, gwOptions{store: store})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{"type": "export", "project": "demo"})

	manifest := readEvent(t, conn)
	require.Equal(t, "export", manifest.Type)
	assert.Equal(t, "demo", manifest.Project)
	assert.Equal(t, "demo.zip", manifest.Name)
	assert.NotEmpty(t, manifest.Size)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, blob, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "package.json")
	assert.Contains(t, names, "src/App.jsx")
}

func TestExportUnknownProject(t *testing.T) {
	_, srv := newTestGateway(t, &fakeEngine{}, gwOptions{})
	conn := dialWS(t, srv, "")
	readEvent(t, conn) // session

	sendJSON(t, conn, map[string]string{"type": "export", "project": "missing"})

	oops := readEvent(t, conn)
	require.Equal(t, "error", oops.Type)
	assert.Contains(t, oops.Text, "not found")
}

func TestResumeRestoresSessionAndState(t *testing.T) {
	database, err := db.Open(db.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	engine := &fakeEngine{}
	_, srv := newTestGateway(t, engine, gwOptions{database: database})

	first := dialWS(t, srv, "")
	hello := readEvent(t, first)
	require.Equal(t, "session", hello.Type)
	sid, token := hello.Session, hello.ResumeToken
	first.Close()

	// One run still in flight, one finished earlier. The in-flight run
	// is also persisted, so the replay has to deduplicate it.
	engine.setActive([]models.PipelineRun{{
		RunID:       "r1",
		SessionID:   sid,
		ProjectName: "demo",
		Stage:       models.StageServing,
		ServingURL:  "http://localhost:5173",
	}})
	require.NoError(t, database.SaveRun(&models.PipelineRun{
		RunID:       "r1",
		SessionID:   sid,
		ProjectName: "demo",
		Stage:       models.StageServing,
		StartedAt:   time.Now(),
	}))
	require.NoError(t, database.SaveRun(&models.PipelineRun{
		RunID:       "r0",
		SessionID:   sid,
		ProjectName: "cafe",
		Stage:       models.StageDone,
		ServingURL:  "http://localhost:5174",
		StartedAt:   time.Now().Add(-time.Minute),
	}))

	second := dialWS(t, srv, "?token="+url.QueryEscape(token))

	hello2 := readEvent(t, second)
	require.Equal(t, "session", hello2.Type)
	assert.Equal(t, sid, hello2.Session)
	assert.NotEmpty(t, hello2.ResumeToken)

	live := readEvent(t, second)
	require.Equal(t, "state", live.Type)
	assert.Equal(t, "r1", live.Run)
	assert.Equal(t, models.StageServing, live.Stage)
	assert.Equal(t, "http://localhost:5173", live.URL)

	finished := readEvent(t, second)
	require.Equal(t, "state", finished.Type)
	assert.Equal(t, "r0", finished.Run)
	assert.Equal(t, models.StageDone, finished.Stage)

	// Nothing else queued: the next event is the reply to a fresh
	// command, not a duplicate of r1.
	sendJSON(t, second, map[string]string{"type": "bogus"})
	next := readEvent(t, second)
	assert.Equal(t, "error", next.Type)
}

func TestResumeWithBadTokenStartsFresh(t *testing.T) {
	_, srv := newTestGateway(t, &fakeEngine{}, gwOptions{})
	conn := dialWS(t, srv, "?token=garbage")

	hello := readEvent(t, conn)
	require.Equal(t, "session", hello.Type)
	assert.NotEmpty(t, hello.Session)
}

func TestCancelOnDisconnect(t *testing.T) {
	engine := &fakeEngine{}
	_, srv := newTestGateway(t, engine, gwOptions{cancelOnDisconnect: true})

	conn := dialWS(t, srv, "")
	hello := readEvent(t, conn)
	sid := hello.Session

	engine.setActive([]models.PipelineRun{
		{RunID: "r9", SessionID: sid},
		{RunID: "rx", SessionID: "someone-else"},
	})
	conn.Close()

	require.Eventually(t, func() bool {
		runs := engine.cancelledRuns()
		return len(runs) == 1 && runs[0] == "r9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSinkForDeliversToLiveSession(t *testing.T) {
	g, srv := newTestGateway(t, &fakeEngine{}, gwOptions{})
	conn := dialWS(t, srv, "")
	hello := readEvent(t, conn)

	sink, found := g.SinkFor(hello.Session)
	require.True(t, found)
	sink.Emit(events.Log("info", "from the http side"))

	got := readEvent(t, conn)
	assert.Equal(t, "log", got.Type)
	assert.Equal(t, "from the http side", got.Text)
	assert.Equal(t, uint64(1), got.Seq)

	_, found = g.SinkFor("no-such-session")
	assert.False(t, found)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173"}, "development")

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example.com")
	assert.False(t, check(req))

	req.Header.Del("Origin")
	assert.True(t, check(req), "non-browser clients have no origin")

	prod := originChecker([]string{"https://app.example.com"}, "production")
	assert.False(t, prod(req), "empty origin is rejected in production")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, prod(req))
}

func TestResumeTokenRoundTrip(t *testing.T) {
	svc := newTokenService("secret-a", time.Hour)

	token, err := svc.mint("sess-123")
	require.NoError(t, err)

	sid, err := svc.verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", sid)

	_, err = svc.verify("not-a-token")
	assert.Error(t, err)

	other := newTokenService("secret-b", time.Hour)
	_, err = other.verify(token)
	assert.Error(t, err, "token signed with a different secret is rejected")
}
