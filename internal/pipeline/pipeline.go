// Package pipeline runs build and update requests end to end: idea
// enrichment, component generation, dependency install, dev serving,
// and the bounded verify-and-repair loop, reporting progress over an
// event sink and recording every run. One Orchestrator owns all
// in-flight runs; a project never has more than one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/builder"
	"webforge/internal/config"
	"webforge/internal/db"
	"webforge/internal/enrich"
	"webforge/internal/events"
	"webforge/internal/fixloop"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/project"
	"webforge/internal/supervisor"
	"webforge/internal/tester"
	"webforge/pkg/models"
)

// runTimeout bounds one pipeline run end to end, repairs included.
const runTimeout = 30 * time.Minute

var (
	// ErrBusy means the target project already has a run in flight.
	// Requests against a busy project are rejected, never queued.
	ErrBusy = errors.New("project busy")
	// ErrCapacity means the engine is at its concurrent-run limit.
	ErrCapacity = errors.New("engine at capacity")
	// ErrEmptyPrompt rejects a request with a blank instruction.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrUnknownRun is returned for run ids this engine does not know.
	ErrUnknownRun = errors.New("unknown run")
)

// ProcessManager is the slice of the process supervisor the pipeline
// drives. *supervisor.Supervisor satisfies it.
type ProcessManager interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error)
	WaitForPort(ctx context.Context, h *supervisor.Handle, timeout time.Duration) error
	Stop(h *supervisor.Handle)
	RunOnce(ctx context.Context, spec supervisor.Spec, timeout time.Duration) (string, error)
	Get(project, kind string) (*supervisor.Handle, bool)
	IsRunning(project, kind string) bool
	Running(kind string) []*supervisor.Handle
	ScanServeErrors(project string) []string
}

// Refiner turns a raw idea into a structured site spec.
// *enrich.Enricher satisfies it.
type Refiner interface {
	Refine(ctx context.Context, idea, model string) (*enrich.SiteSpec, ai.Usage, error)
}

// ModelManager pulls and evicts models on the inference host.
// *ai.OllamaClient satisfies it.
type ModelManager interface {
	EnsureModel(ctx context.Context, model string, progress func(pct int)) error
	Unload(ctx context.Context, model string) error
}

// TesterFactory builds the verifier for one run's serving URL.
type TesterFactory func(url, shotDir string, sink events.Sink) fixloop.Tester

// BuildRequest asks for a brand-new project from a prompt.
type BuildRequest struct {
	SessionID   string
	Prompt      string
	RefineModel string // optional override
	BuildModel  string // optional override
}

// UpdateRequest asks for changes to an existing project.
type UpdateRequest struct {
	SessionID  string
	Project    string
	Prompt     string
	BuildModel string // optional override
	Intent     string // optional explicit intent, otherwise classified
}

// Config wires an Orchestrator.
type Config struct {
	Cfg     *config.Config
	Store   *project.Store
	Client  builder.StreamClient
	Models  ModelManager
	Refiner Refiner
	Procs   ProcessManager
	DB      *db.Database  // optional; nil disables persistence
	Testers TesterFactory // optional; default runs the headless browser
}

// Orchestrator owns every in-flight pipeline run.
type Orchestrator struct {
	cfg     *config.Config
	store   *project.Store
	client  builder.StreamClient
	models  ModelManager
	refiner Refiner
	procs   ProcessManager
	db      *db.Database
	testers TesterFactory
	logger  *zap.Logger
	m       *metrics.Metrics

	mu        sync.RWMutex
	byRun     map[string]*activeRun
	byProject map[string]*activeRun
	wg        sync.WaitGroup
}

// New returns an Orchestrator for cfg.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg.Cfg,
		store:     cfg.Store,
		client:    cfg.Client,
		models:    cfg.Models,
		refiner:   cfg.Refiner,
		procs:     cfg.Procs,
		db:        cfg.DB,
		testers:   cfg.Testers,
		logger:    logging.L(),
		m:         metrics.Get(),
		byRun:     make(map[string]*activeRun),
		byProject: make(map[string]*activeRun),
	}
	if o.testers == nil {
		o.testers = func(url, shotDir string, sink events.Sink) fixloop.Tester {
			return tester.New(tester.Config{
				URL:           url,
				ScreenshotDir: shotDir,
				Sink:          sink,
				WaitTimeout:   o.cfg.ServeReadyTimeout,
				ChromePath:    o.cfg.ChromePath,
				SkipBrowser:   !o.cfg.BrowserTests,
			})
		}
	}
	return o
}

// StartBuild admits a build run and executes it in the background.
// The project name is not known until enrichment, so the project lock
// is claimed mid-run; capacity is checked here.
func (o *Orchestrator) StartBuild(req BuildRequest, sink events.Sink) (*models.PipelineRun, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if sink == nil {
		sink = events.Nop
	}

	run := &models.PipelineRun{
		RunID:     uuid.NewString(),
		SessionID: req.SessionID,
		Kind:      models.RunKindBuild,
		Prompt:    req.Prompt,
		Stage:     models.StageReceived,
		StartedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	a := &activeRun{run: run, cancel: cancel, sink: events.WithRun(run.RunID, sink)}

	o.mu.Lock()
	if len(o.byRun) >= o.cfg.MaxConcurrentRuns {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %d runs in flight", ErrCapacity, o.cfg.MaxConcurrentRuns)
	}
	o.byRun[run.RunID] = a
	o.mu.Unlock()

	o.m.ActiveRuns.Inc()
	o.m.RecordStage(models.StageReceived)
	a.sink.Emit(events.State(run.RunID, "", models.StageReceived, "", ""))
	snap := a.snapshot()
	o.persistRun(&snap)
	o.logger.Info("build run accepted",
		zap.String("run", run.RunID),
		zap.String("session", req.SessionID))

	o.wg.Add(1)
	go o.runBuild(ctx, a, req)
	return &snap, nil
}

// StartUpdate admits an update run against an existing project and
// executes it in the background.
func (o *Orchestrator) StartUpdate(req UpdateRequest, sink events.Sink) (*models.PipelineRun, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if sink == nil {
		sink = events.Nop
	}
	name := project.Slug(req.Project, "")
	if name == "" || !o.store.Exists(name) {
		return nil, fmt.Errorf("project %q: %w", req.Project, project.ErrNotFound)
	}

	run := &models.PipelineRun{
		RunID:       uuid.NewString(),
		SessionID:   req.SessionID,
		ProjectName: name,
		Kind:        models.RunKindUpdate,
		Prompt:      req.Prompt,
		Stage:       models.StageReceived,
		StartedAt:   time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	a := &activeRun{run: run, cancel: cancel, sink: events.WithRun(run.RunID, sink)}

	o.mu.Lock()
	if len(o.byRun) >= o.cfg.MaxConcurrentRuns {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %d runs in flight", ErrCapacity, o.cfg.MaxConcurrentRuns)
	}
	if holder, held := o.byProject[name]; held && holder != a {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	o.byRun[run.RunID] = a
	o.byProject[name] = a
	o.mu.Unlock()

	o.m.ActiveRuns.Inc()
	o.m.RecordStage(models.StageReceived)
	a.sink.Emit(events.State(run.RunID, name, models.StageReceived, "", ""))
	snap := a.snapshot()
	o.persistRun(&snap)
	o.logger.Info("update run accepted",
		zap.String("run", run.RunID),
		zap.String("project", name),
		zap.String("session", req.SessionID))

	o.wg.Add(1)
	go o.runUpdate(ctx, a, req)
	return &snap, nil
}

// Cancel requests a run stop. The run still routes through full process
// teardown before it reports the cancelled state on its stream, so the
// caller sees the terminal event there rather than here.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	a, ok := o.byRun[runID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	a.cancel()
	o.logger.Info("run cancel requested", zap.String("run", runID))
	return nil
}

// Run returns a snapshot of one run, live or finished.
func (o *Orchestrator) Run(runID string) (*models.PipelineRun, error) {
	o.mu.RLock()
	a, ok := o.byRun[runID]
	o.mu.RUnlock()
	if ok {
		snap := a.snapshot()
		return &snap, nil
	}
	if o.db != nil {
		if run, err := o.db.GetRun(runID); err == nil {
			return run, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
}

// ActiveRuns returns snapshots of every in-flight run, oldest first.
func (o *Orchestrator) ActiveRuns() []models.PipelineRun {
	o.mu.RLock()
	actives := make([]*activeRun, 0, len(o.byRun))
	for _, a := range o.byRun {
		actives = append(actives, a)
	}
	o.mu.RUnlock()

	runs := make([]models.PipelineRun, 0, len(actives))
	for _, a := range actives {
		runs = append(runs, a.snapshot())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs
}

// Shutdown cancels every active run and waits for their teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	for _, a := range o.byRun {
		a.cancel()
	}
	o.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// activeRun is one in-flight run. The embedded PipelineRun is mutated
// under mu as the run advances; queries read snapshots.
type activeRun struct {
	mu     sync.Mutex
	run    *models.PipelineRun
	site   *enrich.SiteSpec
	cancel context.CancelFunc
	sink   events.Sink
}

func (a *activeRun) snapshot() models.PipelineRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.run
}

func (a *activeRun) setProject(name string) {
	a.mu.Lock()
	a.run.ProjectName = name
	a.mu.Unlock()
}

func (a *activeRun) setIntent(kind string) {
	a.mu.Lock()
	a.run.Intent = kind
	a.mu.Unlock()
}

func (a *activeRun) setServingURL(url string) {
	a.mu.Lock()
	a.run.ServingURL = url
	a.mu.Unlock()
}

func (a *activeRun) setFixAttempts(n int) {
	a.mu.Lock()
	a.run.FixAttempts = n
	a.mu.Unlock()
}

func (a *activeRun) setSite(site *enrich.SiteSpec) {
	a.mu.Lock()
	a.site = site
	a.mu.Unlock()
}

func (a *activeRun) siteSpec() *enrich.SiteSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.site
}

func (a *activeRun) addUsage(u ai.Usage) {
	a.mu.Lock()
	a.run.PromptTokens += u.PromptTokens
	a.run.CompletionTokens += u.CompletionTokens
	a.mu.Unlock()
}

// claimProject reserves name for a. A second run against the same
// project is rejected, never queued behind the first.
func (o *Orchestrator) claimProject(name string, a *activeRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if holder, held := o.byProject[name]; held && holder != a {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	o.byProject[name] = a
	return nil
}

// release drops the run from the active tables. The project slot is
// only freed if this run still holds it.
func (o *Orchestrator) release(a *activeRun) {
	a.mu.Lock()
	runID, name := a.run.RunID, a.run.ProjectName
	a.mu.Unlock()

	o.mu.Lock()
	delete(o.byRun, runID)
	if name != "" && o.byProject[name] == a {
		delete(o.byProject, name)
	}
	o.mu.Unlock()
	o.m.ActiveRuns.Dec()
}

// setStage advances the run's stage and announces it on the stream.
func (o *Orchestrator) setStage(a *activeRun, stage string) {
	a.mu.Lock()
	a.run.Stage = stage
	run := *a.run
	a.mu.Unlock()

	o.m.RecordStage(stage)
	a.sink.Emit(events.State(run.RunID, run.ProjectName, stage, run.ServingURL, ""))
	o.logger.Debug("stage",
		zap.String("run", run.RunID),
		zap.String("stage", stage))
}

// runFailure is a flow's terminal verdict before context inspection.
type runFailure struct {
	reason string
	detail string
}

func failf(reason, format string, args ...interface{}) *runFailure {
	return &runFailure{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// succeed marks the run done. The dev server stays up: a served
// project outlives the run that produced it.
func (o *Orchestrator) succeed(a *activeRun) {
	now := time.Now()
	a.mu.Lock()
	a.run.Stage = models.StageDone
	a.run.FinishedAt = &now
	run := *a.run
	a.mu.Unlock()

	a.sink.Emit(events.Step(events.StepServe, events.StatusDone))
	a.sink.Emit(events.Progress("Done!", 100))
	a.sink.Emit(events.Done(run.ServingURL, run.ProjectName))
	a.sink.Emit(events.State(run.RunID, run.ProjectName, run.Stage, run.ServingURL, ""))

	o.m.RecordStage(models.StageDone)
	o.m.RecordRun(run.Kind, run.Stage, run.Duration())
	o.persistRun(&run)
	o.recordProject(&run, a)
	o.logger.Info("run complete",
		zap.String("run", run.RunID),
		zap.String("project", run.ProjectName),
		zap.String("kind", run.Kind),
		zap.String("url", run.ServingURL),
		zap.Duration("took", run.Duration()))
}

// fail marks the run terminal after tearing down its processes. A dead
// run context overrides the verdict: an explicit cancel becomes a
// cancelled run, an expired run deadline an internal timeout.
func (o *Orchestrator) fail(ctx context.Context, a *activeRun, reason, detail string) {
	stage := models.StageFailed
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		stage = models.StageCancelled
		reason = models.ReasonCancelled
		detail = "run cancelled"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = models.ReasonInternal
		detail = fmt.Sprintf("run exceeded %s", runTimeout)
	}

	// Teardown precedes the terminal state: every process the run owns
	// is stopped before the run reports itself finished.
	a.mu.Lock()
	name := a.run.ProjectName
	a.mu.Unlock()
	o.stopServe(name)

	now := time.Now()
	a.mu.Lock()
	a.run.Stage = stage
	a.run.ErrorCode = reason
	a.run.ErrorDetail = detail
	a.run.ServingURL = ""
	a.run.FinishedAt = &now
	run := *a.run
	a.mu.Unlock()

	a.sink.Emit(events.Error(detail))
	a.sink.Emit(events.State(run.RunID, run.ProjectName, stage, "", reason))
	o.m.RecordStage(stage)
	o.m.RecordRun(run.Kind, stage, run.Duration())
	o.persistRun(&run)
	o.recordProject(&run, a)
	o.logger.Warn("run ended",
		zap.String("run", run.RunID),
		zap.String("project", run.ProjectName),
		zap.String("stage", stage),
		zap.String("reason", reason),
		zap.String("detail", detail))
}

// stopServe tears down the project's dev server if one is up.
func (o *Orchestrator) stopServe(name string) {
	if name == "" {
		return
	}
	if h, ok := o.procs.Get(name, supervisor.KindServe); ok {
		o.procs.Stop(h)
	}
}

func (o *Orchestrator) persistRun(run *models.PipelineRun) {
	if o.db == nil {
		return
	}
	if err := o.db.SaveRun(run); err != nil {
		o.logger.Warn("run persist failed", zap.String("run", run.RunID), zap.Error(err))
	}
}

// recordProject refreshes the project's database record after a
// terminal run.
func (o *Orchestrator) recordProject(run *models.PipelineRun, a *activeRun) {
	if o.db == nil || run.ProjectName == "" {
		return
	}
	p := &models.Project{
		Name:            run.ProjectName,
		LastBuildStatus: run.Stage,
		LastBuiltAt:     run.FinishedAt,
	}
	if site := a.siteSpec(); site != nil {
		p.Title = site.Title
		p.SiteType = site.SiteType
		p.Strategy = site.Strategy
	}
	if files, err := o.store.Files(run.ProjectName); err == nil {
		p.FileCount = len(files)
	}
	if err := o.db.UpsertProject(p); err != nil {
		o.logger.Warn("project record update failed",
			zap.String("project", run.ProjectName), zap.Error(err))
	}
}

// modelGate adapts the model manager to the fix loop: the generation
// model loads just before a repair and is evicted right after, keeping
// VRAM free while the browser is testing.
type modelGate struct {
	models ModelManager
	model  string
	sink   events.Sink
	logger *zap.Logger
}

func (g *modelGate) Acquire(ctx context.Context) error {
	return g.models.EnsureModel(ctx, g.model, pullProgress(g.sink, g.model))
}

// Release ignores the caller's context so eviction still runs when the
// run is already being torn down.
func (g *modelGate) Release(context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := g.models.Unload(ctx, g.model); err != nil {
		g.logger.Warn("model unload failed", zap.String("model", g.model), zap.Error(err))
	}
}

// ensureModel pulls a model if missing, reporting progress on the
// run's stream.
func (o *Orchestrator) ensureModel(ctx context.Context, a *activeRun, model string) error {
	return o.models.EnsureModel(ctx, model, pullProgress(a.sink, model))
}

// unloadModel evicts a model on its own deadline; eviction is part of
// teardown and must not inherit a dead run context.
func (o *Orchestrator) unloadModel(model string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.models.Unload(ctx, model); err != nil {
		o.logger.Warn("model unload failed", zap.String("model", model), zap.Error(err))
	}
}

// pullProgress returns an EnsureModel callback that logs each distinct
// percentage to the stream.
func pullProgress(sink events.Sink, model string) func(int) {
	last := -1
	return func(pct int) {
		if pct == last {
			return
		}
		last = pct
		sink.Emit(events.Log("info", fmt.Sprintf("Downloading %s: %d%%", model, pct)))
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
