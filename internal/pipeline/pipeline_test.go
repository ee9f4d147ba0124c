package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webforge/internal/ai"
	"webforge/internal/config"
	"webforge/internal/db"
	"webforge/internal/enrich"
	"webforge/internal/events"
	"webforge/internal/fixloop"
	"webforge/internal/project"
	"webforge/internal/supervisor"
	"webforge/internal/tester"
	"webforge/pkg/models"
)

// fakeClient scripts model replies. Both Chat and ChatStream route
// through reply; an optional gate blocks calls until released, which
// lets tests hold a run inside the generate phase.
type fakeClient struct {
	mu      sync.Mutex
	reply   func(user string) (string, error)
	gate    chan struct{}
	prompts []string
}

func (f *fakeClient) Chat(ctx context.Context, model string, msgs []ai.ChatMessage, opts ai.Options) (string, ai.Usage, error) {
	return f.respond(ctx, msgs)
}

func (f *fakeClient) ChatStream(ctx context.Context, model string, msgs []ai.ChatMessage, opts ai.Options, fn func(string) error) (string, ai.Usage, error) {
	out, usage, err := f.respond(ctx, msgs)
	if err == nil && fn != nil {
		_ = fn(out)
	}
	return out, usage, err
}

func (f *fakeClient) respond(ctx context.Context, msgs []ai.ChatMessage) (string, ai.Usage, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, msgs[len(msgs)-1].Content)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ai.Usage{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", ai.Usage{}, err
	}
	out, err := f.reply(msgs[len(msgs)-1].Content)
	return out, ai.Usage{PromptTokens: 10, CompletionTokens: 50}, err
}

func (f *fakeClient) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeRefiner struct {
	mu     sync.Mutex
	site   *enrich.SiteSpec
	usage  ai.Usage
	err    error
	block  chan struct{}
	calls  int
	models []string
}

func (f *fakeRefiner) Refine(ctx context.Context, idea, model string) (*enrich.SiteSpec, ai.Usage, error) {
	f.mu.Lock()
	f.calls++
	f.models = append(f.models, model)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ai.Usage{}, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, ai.Usage{}, f.err
	}
	return f.site, f.usage, nil
}

func (f *fakeRefiner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeModels struct {
	mu       sync.Mutex
	ensured  []string
	unloaded []string
	failFor  map[string]error
}

func (f *fakeModels) EnsureModel(ctx context.Context, model string, progress func(int)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, model)
	if err := f.failFor[model]; err != nil {
		return err
	}
	return nil
}

func (f *fakeModels) Unload(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, model)
	return nil
}

func (f *fakeModels) ensuredModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

func (f *fakeModels) unloadedModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloaded...)
}

// fakeProcs is an in-memory process table standing in for the
// supervisor.
type fakeProcs struct {
	mu         sync.Mutex
	started    []supervisor.Spec
	stopped    []string
	installs   int
	installOut string
	installErr error
	startErr   error
	waitErr    error
	serveLines []string
	serving    map[string]*supervisor.Handle
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{serving: make(map[string]*supervisor.Handle)}
}

func (f *fakeProcs) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, spec)
	h := &supervisor.Handle{Project: spec.Project, Kind: spec.Kind, Port: spec.Port}
	if spec.Kind == supervisor.KindServe {
		f.serving[spec.Project] = h
	}
	return h, nil
}

func (f *fakeProcs) WaitForPort(ctx context.Context, h *supervisor.Handle, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeProcs) Stop(h *supervisor.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h.Project+"/"+h.Kind)
	if cur, ok := f.serving[h.Project]; ok && cur == h {
		delete(f.serving, h.Project)
	}
}

func (f *fakeProcs) RunOnce(ctx context.Context, spec supervisor.Spec, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Kind == supervisor.KindInstall {
		f.installs++
		if f.installErr != nil {
			return f.installOut, f.installErr
		}
	}
	return f.installOut, nil
}

func (f *fakeProcs) Get(projectName, kind string) (*supervisor.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != supervisor.KindServe {
		return nil, false
	}
	h, ok := f.serving[projectName]
	return h, ok
}

func (f *fakeProcs) IsRunning(projectName, kind string) bool {
	_, ok := f.Get(projectName, kind)
	return ok
}

func (f *fakeProcs) Running(kind string) []*supervisor.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*supervisor.Handle
	if kind == supervisor.KindServe {
		for _, h := range f.serving {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeProcs) ScanServeErrors(projectName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serveLines
}

func (f *fakeProcs) preServe(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serving[name] = &supervisor.Handle{Project: name, Kind: supervisor.KindServe, Port: 5173}
}

func (f *fakeProcs) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeProcs) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs
}

func (f *fakeProcs) stoppedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeProcs) firstStarted() (supervisor.Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return supervisor.Spec{}, false
	}
	return f.started[0], true
}

type stubTester struct {
	mu      sync.Mutex
	reports []tester.Report
	calls   int
}

func (s *stubTester) Run(ctx context.Context) tester.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.reports) == 0 {
		return tester.Report{}
	}
	r := s.reports[0]
	if len(s.reports) > 1 {
		s.reports = s.reports[1:]
	}
	return r
}

func (s *stubTester) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testerFactory struct {
	mu    sync.Mutex
	calls int
	stub  *stubTester
}

func (f *testerFactory) make(url, dir string, sink events.Sink) fixloop.Tester {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stub
}

func (f *testerFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	o       *Orchestrator
	cfg     *config.Config
	store   *project.Store
	procs   *fakeProcs
	llm     *fakeModels
	refiner *fakeRefiner
	client  *fakeClient
	factory *testerFactory
}

func testConfig() *config.Config {
	return &config.Config{
		DevPort:           5173,
		InstallCmd:        "npm install",
		ServeCmd:          "npm run dev -- --port {port} --host",
		BuildProbeCmd:     "npm run build",
		InstallTimeout:    5 * time.Second,
		ServeReadyTimeout: time.Second,
		ServeSettleDelay:  time.Millisecond,
		HMRSettleDelay:    time.Millisecond,
		RefineModel:       "refine-model",
		BuildModel:        "build-model",
		MaxFixAttempts:    1,
		MaxConcurrentRuns: 2,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := project.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		cfg:   testConfig(),
		store: store,
		procs: newFakeProcs(),
		llm:   &fakeModels{},
		refiner: &fakeRefiner{
			site: &enrich.SiteSpec{
				ProjectName: "demo",
				SiteType:    "landing",
				Strategy:    enrich.StrategySections,
				Title:       "Demo",
				Sections:    []string{"Hero"},
			},
			usage: ai.Usage{PromptTokens: 5, CompletionTokens: 7},
		},
		client:  &fakeClient{reply: func(string) (string, error) { return componentReply("Generated"), nil }},
		factory: &testerFactory{stub: &stubTester{}},
	}
	h.o = New(Config{
		Cfg:     h.cfg,
		Store:   store,
		Client:  h.client,
		Models:  h.llm,
		Refiner: h.refiner,
		Procs:   h.procs,
		Testers: h.factory.make,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

func componentReply(name string) string {
	return strings.Join([]string{
		"import React from 'react'",
		"",
		"export default function " + name + "() {",
		"  return <section className='generated'>ok</section>",
		"}",
	}, "\n")
}

func seedProject(t *testing.T, store *project.Store, name string) {
	t.Helper()
	require.NoError(t, store.Ensure(name))
	app := strings.Join([]string{
		"import Hero from './components/Hero'",
		"",
		"export default function App() {",
		"  return (",
		"    <div className=\"min-h-screen\">",
		"      <Hero />",
		"    </div>",
		"  )",
		"}",
	}, "\n")
	_, err := store.WriteFile(name, "src/App.jsx", app)
	require.NoError(t, err)
	_, err = store.WriteFile(name, "src/components/Hero.jsx", componentReply("Hero"))
	require.NoError(t, err)
	_, err = store.WriteFile(name, "package.json", "{}")
	require.NoError(t, err)
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.ActiveRuns()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func stageSequence(rec *events.Recorder) []string {
	var out []string
	for _, e := range rec.Events() {
		if e.Type == "state" {
			out = append(out, e.Stage)
		}
	}
	return out
}

type progressPoint struct {
	label string
	pct   int
}

func progressSeq(rec *events.Recorder) []progressPoint {
	var out []progressPoint
	for _, e := range rec.Events() {
		if e.Type == "progress" {
			out = append(out, progressPoint{e.Step, e.Pct})
		}
	}
	return out
}

func hasStep(rec *events.Recorder, step, status string) bool {
	for _, e := range rec.Events() {
		if e.Type == "step" && e.Step == step && e.Status == status {
			return true
		}
	}
	return false
}

func hasLog(rec *events.Recorder, substr string) bool {
	for _, e := range rec.Events() {
		if e.Type == "log" && strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}

func TestStartBuildRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.StartBuild(BuildRequest{Prompt: "   "}, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, h.o.ActiveRuns())
}

func TestBuildHappyPath(t *testing.T) {
	h := newHarness(t)
	rec := &events.Recorder{}

	run, err := h.o.StartBuild(BuildRequest{SessionID: "s1", Prompt: "A cozy cafe site"}, rec)
	require.NoError(t, err)
	assert.Equal(t, models.StageReceived, run.Stage)
	assert.Equal(t, models.RunKindBuild, run.Kind)
	assert.NotEmpty(t, run.RunID)

	waitIdle(t, h.o)

	assert.Equal(t, []string{
		models.StageReceived, models.StageEnriching, models.StageGenerating,
		models.StageInstalling, models.StageServing, models.StageFixLoop,
		models.StageDone,
	}, stageSequence(rec))

	assert.Equal(t, []progressPoint{
		{"Checking refine model...", 3},
		{"Refining idea...", 8},
		{"Checking build model...", 18},
		{"Generating components...", 22},
		{"Components ready", 55},
		{"Starting Vite...", 72},
		{"Running tests...", 80},
		{"Done!", 100},
	}, progressSeq(rec))

	done, ok := rec.Last("done")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:5173", done.URL)
	assert.Equal(t, "demo", done.Project)
	assert.Equal(t, run.RunID, done.Run)

	detected, ok := rec.Last("detected")
	require.True(t, ok)
	assert.Equal(t, "landing", detected.SiteType)
	assert.Equal(t, "react-sections", detected.Strategy)

	assert.Equal(t, []string{"refine-model", "build-model"}, h.llm.ensuredModels())
	assert.Equal(t, []string{"refine-model", "build-model"}, h.llm.unloadedModels())
	assert.Equal(t, []string{"refine-model"}, h.refiner.models)

	assert.Equal(t, 1, h.procs.installCount())
	spec, ok := h.procs.firstStarted()
	require.True(t, ok)
	assert.Equal(t, "demo", spec.Project)
	assert.Equal(t, supervisor.KindServe, spec.Kind)
	assert.Equal(t, 5173, spec.Port)

	// The dev server outlives a successful run.
	assert.True(t, h.procs.IsRunning("demo", supervisor.KindServe))
	assert.Empty(t, h.procs.stoppedKeys())

	assert.Equal(t, 1, h.factory.callCount())
	assert.Equal(t, 1, h.factory.stub.callCount())
	assert.True(t, h.store.HasFile("demo", "src/components/Hero.jsx"))
}

func TestBuildRefineModelUnavailable(t *testing.T) {
	h := newHarness(t)
	h.llm.failFor = map[string]error{"refine-model": errors.New("ollama not running")}
	rec := &events.Recorder{}

	_, err := h.o.StartBuild(BuildRequest{Prompt: "a blog"}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, state.Stage)
	assert.Equal(t, models.ReasonEnrichFailed, state.Reason)

	errEvt, ok := rec.Last("error")
	require.True(t, ok)
	assert.Contains(t, errEvt.Text, "unavailable")
	assert.Zero(t, h.procs.startCount())
}

func TestStartBuildRejectsAtCapacity(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxConcurrentRuns = 1
	h.refiner.block = make(chan struct{})

	_, err := h.o.StartBuild(BuildRequest{Prompt: "first"}, &events.Recorder{})
	require.NoError(t, err)

	_, err = h.o.StartBuild(BuildRequest{Prompt: "second"}, &events.Recorder{})
	assert.ErrorIs(t, err, ErrCapacity)

	close(h.refiner.block)
	waitIdle(t, h.o)
}

func TestBuildBusyProjectRejectedMidRun(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.client.gate = gate

	rec1 := &events.Recorder{}
	_, err := h.o.StartBuild(BuildRequest{Prompt: "a cafe"}, rec1)
	require.NoError(t, err)

	// Wait for the first run to claim the project and block inside
	// generation.
	require.Eventually(t, func() bool { return h.client.promptCount() > 0 }, 5*time.Second, 10*time.Millisecond)

	rec2 := &events.Recorder{}
	_, err = h.o.StartBuild(BuildRequest{Prompt: "a cafe again"}, rec2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := rec2.Last("state")
		return ok && state.Stage == models.StageFailed
	}, 5*time.Second, 10*time.Millisecond)

	state, _ := rec2.Last("state")
	assert.Equal(t, models.ReasonBusy, state.Reason)
	errEvt, ok := rec2.Last("error")
	require.True(t, ok)
	assert.Contains(t, errEvt.Text, "already has a run in flight")

	close(gate)
	waitIdle(t, h.o)

	state1, ok := rec1.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageDone, state1.Stage)
}

func TestStartUpdateRejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.o.StartUpdate(UpdateRequest{Project: "demo", Prompt: " "}, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = h.o.StartUpdate(UpdateRequest{Project: "nope", Prompt: "change it"}, nil)
	assert.ErrorIs(t, err, project.ErrNotFound)

	_, err = h.o.StartUpdate(UpdateRequest{Project: "", Prompt: "change it"}, nil)
	assert.ErrorIs(t, err, project.ErrNotFound)
}

func TestStartUpdateRejectsBusyProject(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	gate := make(chan struct{})
	h.client.gate = gate

	_, err := h.o.StartUpdate(UpdateRequest{Project: "demo", Prompt: "tweak the hero", Intent: "modify"}, &events.Recorder{})
	require.NoError(t, err)

	_, err = h.o.StartUpdate(UpdateRequest{Project: "demo", Prompt: "another tweak"}, nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	waitIdle(t, h.o)
}

func TestUpdatePatchHotReloads(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	h.procs.preServe("demo")
	rec := &events.Recorder{}

	_, err := h.o.StartUpdate(UpdateRequest{
		SessionID: "s1",
		Project:   "demo",
		Prompt:    "Make the hero headline bolder",
		Intent:    "patch",
	}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	assert.Equal(t, []string{
		models.StageReceived, models.StageEnriching, models.StageGenerating,
		models.StageServing, models.StageDone,
	}, stageSequence(rec))

	// No verification pass and no server restart for a patch.
	assert.Zero(t, h.factory.callCount())
	assert.Zero(t, h.procs.startCount())
	assert.Zero(t, h.procs.installCount())
	assert.True(t, h.procs.IsRunning("demo", supervisor.KindServe))

	assert.Contains(t, progressSeq(rec), progressPoint{"Hot reloading...", 70})
	assert.True(t, hasStep(rec, events.StepTest, events.StatusDone))
	assert.True(t, hasLog(rec, "Intent override: patch"))

	done, ok := rec.Last("done")
	require.True(t, ok)
	assert.Equal(t, "demo", done.Project)
}

func TestUpdatePatchStartsServerWhenDown(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	rec := &events.Recorder{}

	_, err := h.o.StartUpdate(UpdateRequest{
		Project: "demo",
		Prompt:  "Make the hero headline bolder",
		Intent:  "patch",
	}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	assert.Zero(t, h.factory.callCount())
	assert.Equal(t, 1, h.procs.startCount())
	assert.Equal(t, 1, h.procs.installCount())
	assert.True(t, h.procs.IsRunning("demo", supervisor.KindServe))
	assert.Contains(t, progressSeq(rec), progressPoint{"Starting Vite...", 70})

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageDone, state.Stage)
}

func TestUpdateModifyRestartsAndVerifies(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	h.procs.preServe("demo")
	rec := &events.Recorder{}

	_, err := h.o.StartUpdate(UpdateRequest{
		Project: "demo",
		Prompt:  "Rework the hero layout entirely",
		Intent:  "modify",
	}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	assert.Equal(t, []string{
		models.StageReceived, models.StageEnriching, models.StageGenerating,
		models.StageInstalling, models.StageServing, models.StageFixLoop,
		models.StageDone,
	}, stageSequence(rec))

	// The old server is stopped and a fresh one takes the port.
	assert.Contains(t, h.procs.stoppedKeys(), "demo/"+supervisor.KindServe)
	assert.Equal(t, 1, h.procs.startCount())
	assert.True(t, h.procs.IsRunning("demo", supervisor.KindServe))

	assert.Equal(t, 1, h.factory.callCount())
	assert.Equal(t, 1, h.factory.stub.callCount())
	assert.Contains(t, progressSeq(rec), progressPoint{"Restarting Vite...", 65})
	assert.Contains(t, progressSeq(rec), progressPoint{"Testing...", 75})
}

func TestUpdateFeatureAddsComponent(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	h.procs.preServe("demo")
	rec := &events.Recorder{}

	_, err := h.o.StartUpdate(UpdateRequest{
		Project: "demo",
		Prompt:  "Add a Testimonials section with three quotes",
	}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	assert.True(t, hasLog(rec, "Intent: feature"))
	assert.True(t, h.store.HasFile("demo", "src/components/Testimonials.jsx"))

	app, err := h.store.ReadFile("demo", "src/App.jsx")
	require.NoError(t, err)
	assert.Contains(t, app, "import Testimonials")

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageDone, state.Stage)
	assert.Equal(t, 1, h.factory.callCount())
}

func TestUpdateNothingGeneratedFails(t *testing.T) {
	h := newHarness(t)
	seedProject(t, h.store, "demo")
	h.client.reply = func(string) (string, error) { return "Sorry, I cannot help with that.", nil }
	rec := &events.Recorder{}

	_, err := h.o.StartUpdate(UpdateRequest{
		Project: "demo",
		Prompt:  "Make the hero bolder",
		Intent:  "modify",
	}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, state.Stage)
	assert.Equal(t, models.ReasonGenerateFailed, state.Reason)

	errEvt, ok := rec.Last("error")
	require.True(t, ok)
	assert.Contains(t, errEvt.Text, "no components were updated")
	assert.True(t, hasStep(rec, events.StepBuild, events.StatusError))
	assert.Zero(t, h.procs.startCount())
}

func TestCancelTearsDownRun(t *testing.T) {
	h := newHarness(t)
	h.refiner.block = make(chan struct{})
	rec := &events.Recorder{}

	run, err := h.o.StartBuild(BuildRequest{Prompt: "a portfolio"}, rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.refiner.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.o.Cancel(run.RunID))
	waitIdle(t, h.o)

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageCancelled, state.Stage)
	assert.Equal(t, models.ReasonCancelled, state.Reason)

	errEvt, ok := rec.Last("error")
	require.True(t, ok)
	assert.Equal(t, "run cancelled", errEvt.Text)

	// Nothing was serving yet, so nothing needed stopping.
	assert.Empty(t, h.procs.stoppedKeys())

	assert.ErrorIs(t, h.o.Cancel(run.RunID), ErrUnknownRun)
	assert.ErrorIs(t, h.o.Cancel("nope"), ErrUnknownRun)
}

func TestBuildServeFailureReasons(t *testing.T) {
	t.Run("port timeout", func(t *testing.T) {
		h := newHarness(t)
		h.procs.waitErr = fmt.Errorf("%w: port 5173 after 1s", supervisor.ErrPortTimeout)
		rec := &events.Recorder{}

		_, err := h.o.StartBuild(BuildRequest{Prompt: "a shop"}, rec)
		require.NoError(t, err)
		waitIdle(t, h.o)

		state, ok := rec.Last("state")
		require.True(t, ok)
		assert.Equal(t, models.StageFailed, state.Stage)
		assert.Equal(t, models.ReasonServeTimeout, state.Reason)
		assert.True(t, hasStep(rec, events.StepServe, events.StatusError))
		// The half-started server was stopped again.
		assert.Contains(t, h.procs.stoppedKeys(), "demo/"+supervisor.KindServe)
		assert.False(t, h.procs.IsRunning("demo", supervisor.KindServe))
	})

	t.Run("exited early", func(t *testing.T) {
		h := newHarness(t)
		h.procs.waitErr = fmt.Errorf("%w: npm ERR! vite not found", supervisor.ErrExitedEarly)
		rec := &events.Recorder{}

		_, err := h.o.StartBuild(BuildRequest{Prompt: "a shop"}, rec)
		require.NoError(t, err)
		waitIdle(t, h.o)

		state, ok := rec.Last("state")
		require.True(t, ok)
		assert.Equal(t, models.ReasonServeCrashed, state.Reason)
	})
}

func TestBuildInstallFailure(t *testing.T) {
	h := newHarness(t)
	h.procs.installErr = errors.New("exit status 1")
	h.procs.installOut = "npm ERR! peer dep missing\nnpm ERR! could not resolve"
	rec := &events.Recorder{}

	_, err := h.o.StartBuild(BuildRequest{Prompt: "a blog"}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, state.Stage)
	assert.Equal(t, models.ReasonInstallFailed, state.Reason)

	errEvt, ok := rec.Last("error")
	require.True(t, ok)
	assert.Contains(t, errEvt.Text, "failed to install dependencies")
	assert.Contains(t, errEvt.Text, "peer dep missing")
	assert.True(t, hasStep(rec, events.StepInstall, events.StatusError))
	assert.Zero(t, h.procs.startCount())
}

func TestBuildFixBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.factory.stub.reports = []tester.Report{
		{Findings: []string{"Console error: ReferenceError: x is not defined"}},
	}
	rec := &events.Recorder{}

	_, err := h.o.StartBuild(BuildRequest{Prompt: "a cafe"}, rec)
	require.NoError(t, err)
	waitIdle(t, h.o)

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, state.Stage)
	assert.Equal(t, models.ReasonFixBudgetExhausted, state.Reason)

	errEvt, ok := rec.Last("error")
	require.True(t, ok)
	assert.Contains(t, errEvt.Text, "fix attempts exhausted")

	// One repair on a budget of one, then verification ran once more.
	assert.Equal(t, 2, h.factory.stub.callCount())
	fixing, ok := rec.Last("test_fixing")
	require.True(t, ok)
	assert.Equal(t, 1, fixing.Attempt)

	// A failed run does not keep serving.
	assert.Contains(t, h.procs.stoppedKeys(), "demo/"+supervisor.KindServe)
	assert.False(t, h.procs.IsRunning("demo", supervisor.KindServe))
}

func TestBuildPersistsRun(t *testing.T) {
	database, err := db.Open(db.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer database.Close()

	store, err := project.NewStore(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		cfg:   testConfig(),
		store: store,
		procs: newFakeProcs(),
		llm:   &fakeModels{},
		refiner: &fakeRefiner{
			site: &enrich.SiteSpec{
				ProjectName: "demo",
				SiteType:    "landing",
				Strategy:    enrich.StrategySections,
				Title:       "Demo",
				Sections:    []string{"Hero"},
			},
			usage: ai.Usage{PromptTokens: 5, CompletionTokens: 7},
		},
		client:  &fakeClient{reply: func(string) (string, error) { return componentReply("Generated"), nil }},
		factory: &testerFactory{stub: &stubTester{}},
	}
	h.o = New(Config{
		Cfg:     h.cfg,
		Store:   store,
		Client:  h.client,
		Models:  h.llm,
		Refiner: h.refiner,
		Procs:   h.procs,
		DB:      database,
		Testers: h.factory.make,
	})

	run, err := h.o.StartBuild(BuildRequest{SessionID: "s1", Prompt: "A cafe site"}, &events.Recorder{})
	require.NoError(t, err)
	waitIdle(t, h.o)

	saved, err := database.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, saved.Stage)
	assert.Equal(t, "demo", saved.ProjectName)
	assert.Equal(t, models.RunKindBuild, saved.Kind)
	assert.Equal(t, "http://localhost:5173", saved.ServingURL)
	require.NotNil(t, saved.FinishedAt)
	assert.Positive(t, saved.PromptTokens)
	assert.Positive(t, saved.CompletionTokens)

	var proj models.Project
	require.NoError(t, database.DB.Where("name = ?", "demo").First(&proj).Error)
	assert.Equal(t, models.StageDone, proj.LastBuildStatus)
	assert.Equal(t, "landing", proj.SiteType)
	assert.Equal(t, "react-sections", proj.Strategy)
	assert.Equal(t, "Demo", proj.Title)
	assert.Positive(t, proj.FileCount)
	require.NotNil(t, proj.LastBuiltAt)

	// The finished run is still queryable through the orchestrator.
	got, err := h.o.Run(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, got.Stage)

	history, err := database.RunsForSession("s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, run.RunID, history[0].RunID)
}

func TestActiveRunsAndRunQuery(t *testing.T) {
	h := newHarness(t)
	h.refiner.block = make(chan struct{})

	run, err := h.o.StartBuild(BuildRequest{Prompt: "a gallery"}, &events.Recorder{})
	require.NoError(t, err)

	actives := h.o.ActiveRuns()
	require.Len(t, actives, 1)
	assert.Equal(t, run.RunID, actives[0].RunID)

	got, err := h.o.Run(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)

	_, err = h.o.Run("nope")
	assert.ErrorIs(t, err, ErrUnknownRun)

	close(h.refiner.block)
	waitIdle(t, h.o)

	// Without a database a finished run is gone.
	_, err = h.o.Run(run.RunID)
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	h := newHarness(t)
	h.refiner.block = make(chan struct{})
	rec := &events.Recorder{}

	_, err := h.o.StartBuild(BuildRequest{Prompt: "a wiki"}, rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.refiner.callCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	state, ok := rec.Last("state")
	require.True(t, ok)
	assert.Equal(t, models.StageCancelled, state.Stage)
	assert.Empty(t, h.o.ActiveRuns())
}
