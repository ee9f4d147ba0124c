package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"webforge/internal/builder"
	"webforge/internal/events"
	"webforge/internal/project"
	"webforge/pkg/models"
)

// runBuild executes one accepted build run to its terminal state.
func (o *Orchestrator) runBuild(ctx context.Context, a *activeRun, req BuildRequest) {
	defer o.wg.Done()
	defer a.cancel()
	defer o.release(a)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("build run panicked",
				zap.String("run", a.snapshot().RunID), zap.Any("panic", r))
			o.fail(ctx, a, models.ReasonInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if f := o.buildFlow(ctx, a, req); f != nil {
		o.fail(ctx, a, f.reason, f.detail)
		return
	}
	o.succeed(a)
}

// buildFlow is the build pipeline proper: enrich, generate, install,
// serve, verify. It returns nil on success and a verdict on failure;
// the caller turns the verdict into the terminal state.
func (o *Orchestrator) buildFlow(ctx context.Context, a *activeRun, req BuildRequest) *runFailure {
	refineModel := orDefault(req.RefineModel, o.cfg.RefineModel)
	buildModel := orDefault(req.BuildModel, o.cfg.BuildModel)

	o.setStage(a, models.StageEnriching)
	a.sink.Emit(events.Progress("Checking refine model...", 3))
	if err := o.ensureModel(ctx, a, refineModel); err != nil {
		return failf(models.ReasonEnrichFailed, "model %s unavailable: %v", refineModel, err)
	}

	a.sink.Emit(events.Step(events.StepRefine, events.StatusActive))
	a.sink.Emit(events.Progress("Refining idea...", 8))
	site, usage, err := o.refiner.Refine(ctx, req.Prompt, refineModel)
	if err != nil {
		a.sink.Emit(events.Step(events.StepRefine, events.StatusError))
		return failf(models.ReasonEnrichFailed, "refining idea: %v", err)
	}
	a.addUsage(usage)
	a.setSite(site)
	a.sink.Emit(events.Step(events.StepRefine, events.StatusDone))
	a.sink.Emit(events.Detected(site.SiteType, site.Strategy))
	o.unloadModel(refineModel)

	o.setStage(a, models.StageGenerating)
	a.sink.Emit(events.Progress("Checking build model...", 18))
	if err := o.ensureModel(ctx, a, buildModel); err != nil {
		return failf(models.ReasonGenerateFailed, "model %s unavailable: %v", buildModel, err)
	}

	name := project.Slug(site.ProjectName, project.Slug(promptStub(req.Prompt), "project"))
	if err := o.claimProject(name, a); err != nil {
		return failf(models.ReasonBusy, "project %s already has a run in flight", name)
	}
	a.setProject(name)
	if err := o.store.Ensure(name); err != nil {
		return failf(models.ReasonInternal, "creating project: %v", err)
	}
	a.sink.Emit(events.Log("info", "Project: "+name))

	bld := builder.New(builder.Config{
		Client:    o.client,
		Model:     buildModel,
		Store:     o.store,
		Project:   name,
		DevPort:   o.cfg.DevPort,
		Runner:    o.procs,
		ProbeArgv: o.cfg.BuildProbeArgv(),
		Sink:      a.sink,
	})
	defer func() { a.addUsage(bld.Usage()) }()

	a.sink.Emit(events.Step(events.StepBuild, events.StatusActive))
	a.sink.Emit(events.Progress("Generating components...", 22))
	if err := bld.Build(ctx, site); err != nil {
		a.sink.Emit(events.Step(events.StepBuild, events.StatusError))
		return failf(models.ReasonGenerateFailed, "generating components: %v", err)
	}
	a.sink.Emit(events.Step(events.StepBuild, events.StatusDone))
	a.sink.Emit(events.Progress("Components ready", 55))
	o.unloadModel(buildModel)

	if f := o.serveProject(ctx, a, name, "Starting Vite...", 72); f != nil {
		return f
	}
	return o.verifyAndRepair(ctx, a, name, buildModel, bld, models.RunKindBuild, "Running tests...", 80)
}

// promptStub is the fallback project name source: the head of the
// prompt, before slugging.
func promptStub(prompt string) string {
	r := []rune(strings.TrimSpace(prompt))
	if len(r) > 15 {
		r = r[:15]
	}
	return string(r)
}
