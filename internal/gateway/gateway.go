// Package gateway is the websocket front door: one session per browser
// connection, commands in, an ordered event stream out. Sessions carry
// a resume token so a reconnecting client keeps its session ID and
// gets told where its runs ended up.
package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"webforge/internal/db"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/pipeline"
	"webforge/internal/project"
	"webforge/pkg/models"
)

// resumeHistory is how many finished runs a resuming session is told
// about, on top of whatever is still in flight.
const resumeHistory = 5

// Engine is the slice of the orchestrator the gateway drives.
type Engine interface {
	StartBuild(req pipeline.BuildRequest, sink events.Sink) (*models.PipelineRun, error)
	StartUpdate(req pipeline.UpdateRequest, sink events.Sink) (*models.PipelineRun, error)
	Cancel(runID string) error
	ActiveRuns() []models.PipelineRun
}

// Config wires a Gateway.
type Config struct {
	Engine  Engine
	Store   *project.Store
	DB      *db.Database // optional, replays finished runs on resume
	Secret  string       // signs resume tokens
	Origins []string     // allowed browser origins
	// Environment toggles the empty-Origin allowance: non-browser
	// clients send no Origin header and are admitted outside production.
	Environment string
	// CancelOnDisconnect tears down a session's runs when its
	// connection drops instead of letting them finish.
	CancelOnDisconnect bool
}

// Gateway owns the session table. Register, unregister and shutdown
// all funnel through Run's loop; mu guards the table for readers on
// other goroutines, like SinkFor.
type Gateway struct {
	engine             Engine
	store              *project.Store
	db                 *db.Database
	tokens             *tokenService
	cancelOnDisconnect bool

	upgrader websocket.Upgrader
	logger   *zap.Logger
	m        *metrics.Metrics

	mu         sync.RWMutex
	sessions   map[string]*session
	register   chan *session
	unregister chan *session
	shutdown   chan struct{}
	stopOnce   sync.Once
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		engine:             cfg.Engine,
		store:              cfg.Store,
		db:                 cfg.DB,
		tokens:             newTokenService(cfg.Secret, 0),
		cancelOnDisconnect: cfg.CancelOnDisconnect,
		logger:             logging.L().Named("gateway"),
		m:                  metrics.Get(),
		sessions:           make(map[string]*session),
		register:           make(chan *session),
		unregister:         make(chan *session),
		shutdown:           make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Origins, cfg.Environment),
	}
	return g
}

func originChecker(origins []string, environment string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return environment != "production"
		}
		for _, allowed := range origins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
}

// Run is the hub loop. Call it once, on its own goroutine.
func (g *Gateway) Run() {
	for {
		select {
		case s := <-g.register:
			g.registerSession(s)

		case s := <-g.unregister:
			g.unregisterSession(s)

		case <-g.shutdown:
			g.mu.Lock()
			for _, s := range g.sessions {
				s.close()
			}
			g.sessions = make(map[string]*session)
			g.mu.Unlock()
			g.m.SessionsConnected.Set(0)
			g.logger.Info("gateway shut down")
			return
		}
	}
}

// Shutdown closes every session and stops the hub loop.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() { close(g.shutdown) })
}

// HandleWS upgrades an HTTP request into a session. A valid ?token=
// query resumes the session ID embedded in the token; anything else
// gets a fresh ID.
func (g *Gateway) HandleWS(c *gin.Context) {
	sid := ""
	resumed := false
	if token := c.Query("token"); token != "" {
		id, err := g.tokens.verify(token)
		if err != nil {
			g.logger.Warn("resume token rejected", zap.Error(err))
		} else {
			sid, resumed = id, true
		}
	}
	if sid == "" {
		sid = uuid.NewString()
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(g, sid, conn, resumed)
	g.register <- s

	go s.writePump()
	go s.readPump()
}

// registerSession adds a session to the table, evicting any older
// connection that holds the same ID. The newcomer is greeted with its
// session event and, when resuming, the state of its runs.
func (g *Gateway) registerSession(s *session) {
	g.mu.Lock()
	if old, ok := g.sessions[s.id]; ok {
		old.close()
		g.m.SessionsConnected.Dec()
	}
	g.sessions[s.id] = s
	g.mu.Unlock()
	g.m.SessionsConnected.Inc()

	token, err := g.tokens.mint(s.id)
	if err != nil {
		g.logger.Error("resume token mint failed",
			zap.String("session", s.id), zap.Error(err))
	}
	s.emitEvent(events.Session(s.id, token))
	if s.resumed {
		g.sendResumeState(s)
	}
	g.logger.Info("session connected",
		zap.String("session", s.id), zap.Bool("resumed", s.resumed))
}

// unregisterSession drops a session whose connection died. A session
// that was already evicted by its own successor is left alone, so a
// resume never cancels the runs it came back for.
func (g *Gateway) unregisterSession(s *session) {
	g.mu.Lock()
	current, ok := g.sessions[s.id]
	if !ok || current != s {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s.id)
	g.mu.Unlock()
	g.m.SessionsConnected.Dec()
	s.close()
	g.logger.Info("session disconnected", zap.String("session", s.id))

	if g.cancelOnDisconnect {
		g.cancelSessionRuns(s.id)
	}
}

func (g *Gateway) cancelSessionRuns(id string) {
	for _, r := range g.engine.ActiveRuns() {
		if r.SessionID != id {
			continue
		}
		if err := g.engine.Cancel(r.RunID); err != nil {
			g.logger.Warn("disconnect cancel failed",
				zap.String("run", r.RunID), zap.Error(err))
			continue
		}
		g.logger.Info("run cancelled on disconnect",
			zap.String("run", r.RunID), zap.String("session", id))
	}
}

// SinkFor returns the event stream of a connected session, so runs
// admitted over HTTP can report to the browser that asked for them.
func (g *Gateway) SinkFor(sessionID string) (events.Sink, bool) {
	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.runSink(), true
}

// sendResumeState tells a resumed session where its runs stand: one
// state event per in-flight run, then recent finished runs from the
// database, deduplicated by run ID.
func (g *Gateway) sendResumeState(s *session) {
	seen := make(map[string]bool)
	for _, r := range g.engine.ActiveRuns() {
		if r.SessionID != s.id {
			continue
		}
		seen[r.RunID] = true
		s.emitEvent(events.State(r.RunID, r.ProjectName, r.Stage, r.ServingURL, r.ErrorCode))
	}

	if g.db == nil {
		return
	}
	runs, err := g.db.RunsForSession(s.id, resumeHistory)
	if err != nil {
		g.logger.Warn("resume history lookup failed",
			zap.String("session", s.id), zap.Error(err))
		return
	}
	for _, r := range runs {
		if seen[r.RunID] {
			continue
		}
		s.emitEvent(events.State(r.RunID, r.ProjectName, r.Stage, r.ServingURL, r.ErrorCode))
	}
}

// export streams a project archive down the session: an export event
// announcing name and size, then the zip itself as one binary frame.
// Export never takes the project lock, so it works mid-run.
func (g *Gateway) export(s *session, name string) {
	slug := project.Slug(name, "")
	if slug == "" || !g.store.Exists(slug) {
		s.sendError(fmt.Sprintf("project %q not found", name))
		return
	}

	var buf bytes.Buffer
	files, err := g.store.ExportArchive(&buf, slug)
	if err != nil {
		s.sendError("export failed: " + err.Error())
		return
	}

	s.emitEvent(events.Export(slug, slug+".zip", project.FormatSize(buf.Len())))
	s.enqueue(frame{binary: true, data: buf.Bytes()})
	g.logger.Info("project exported",
		zap.String("project", slug),
		zap.Int("files", files),
		zap.Int("bytes", buf.Len()))
}
