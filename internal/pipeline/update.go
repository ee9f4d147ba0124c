package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"webforge/internal/builder"
	"webforge/internal/events"
	"webforge/internal/intent"
	"webforge/internal/project"
	"webforge/internal/supervisor"
	"webforge/pkg/models"
)

// runUpdate executes one accepted update run to its terminal state.
func (o *Orchestrator) runUpdate(ctx context.Context, a *activeRun, req UpdateRequest) {
	defer o.wg.Done()
	defer a.cancel()
	defer o.release(a)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("update run panicked",
				zap.String("run", a.snapshot().RunID), zap.Any("panic", r))
			o.fail(ctx, a, models.ReasonInternal, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if f := o.updateFlow(ctx, a, req); f != nil {
		o.fail(ctx, a, f.reason, f.detail)
		return
	}
	o.succeed(a)
}

// updateFlow is the update pipeline proper: load the project, resolve
// the intent and targets, regenerate, then either lean on hot reload
// for a patch or restart and verify for anything bigger.
func (o *Orchestrator) updateFlow(ctx context.Context, a *activeRun, req UpdateRequest) *runFailure {
	name := a.snapshot().ProjectName
	buildModel := orDefault(req.BuildModel, o.cfg.BuildModel)

	o.setStage(a, models.StageEnriching)
	a.sink.Emit(events.Step(events.StepRefine, events.StatusActive))
	a.sink.Emit(events.Progress("Loading project...", 5))

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

	files, err := bld.LoadExisting()
	if err != nil {
		a.sink.Emit(events.Step(events.StepRefine, events.StatusError))
		return failf(models.ReasonInternal, "loading project: %v", err)
	}
	a.sink.Emit(events.Step(events.StepRefine, events.StatusDone))
	a.sink.Emit(events.Progress("Analysing request...", 15))

	if err := o.ensureModel(ctx, a, buildModel); err != nil {
		return failf(models.ReasonGenerateFailed, "model %s unavailable: %v", buildModel, err)
	}

	o.setStage(a, models.StageGenerating)
	a.sink.Emit(events.Step(events.StepBuild, events.StatusActive))
	a.sink.Emit(events.Progress("Deciding targets...", 22))

	components := componentNames(files)
	kind := o.resolveIntent(a, req.Intent, req.Prompt, files)
	a.setIntent(string(kind))
	codebaseCtx := bld.CodebaseContext()

	targets, err := bld.ResolveTargets(ctx, req.Prompt, codebaseCtx, components, kind)
	if err != nil {
		a.sink.Emit(events.Step(events.StepBuild, events.StatusError))
		if errors.Is(err, builder.ErrNoComponents) {
			return failf(models.ReasonUserInput, "no components found in project")
		}
		return failf(models.ReasonGenerateFailed, "resolving targets: %v", err)
	}

	pctPer := 30 / len(targets)
	if pctPer < 1 {
		pctPer = 1
	}
	updated := 0
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return failf(models.ReasonCancelled, "cancelled")
		}
		a.sink.Emit(events.Progress(fmt.Sprintf("Generating %s...", target), 25+i*pctPer))
		isNew := !containsString(components, target)
		changed, err := bld.UpdateComponent(ctx, target, req.Prompt, codebaseCtx, isNew, kind)
		if err != nil {
			a.sink.Emit(events.Step(events.StepBuild, events.StatusError))
			return failf(models.ReasonGenerateFailed, "updating %s: %v", target, err)
		}
		if !changed {
			continue
		}
		updated++
	}
	if updated == 0 {
		a.sink.Emit(events.Step(events.StepBuild, events.StatusError))
		return failf(models.ReasonGenerateFailed, "no components were updated: the model produced no usable code")
	}
	o.unloadModel(buildModel)
	a.sink.Emit(events.Step(events.StepBuild, events.StatusDone))
	a.sink.Emit(events.Progress("Components updated", 58))

	if kind == intent.Patch {
		return o.patchReload(ctx, a, name)
	}
	if f := o.serveProject(ctx, a, name, "Restarting Vite...", 65); f != nil {
		return f
	}
	return o.verifyAndRepair(ctx, a, name, buildModel, bld, models.RunKindUpdate, "Testing...", 75)
}

// patchReload finishes a patch update without a verification pass. A
// live server picks the change up over hot reload; a stopped one is
// brought back first.
func (o *Orchestrator) patchReload(ctx context.Context, a *activeRun, name string) *runFailure {
	if !o.procs.IsRunning(name, supervisor.KindServe) {
		if f := o.serveProject(ctx, a, name, "Starting Vite...", 70); f != nil {
			return f
		}
		a.sink.Emit(events.Step(events.StepTest, events.StatusDone))
		return nil
	}

	o.setStage(a, models.StageServing)
	a.sink.Emit(events.Step(events.StepServe, events.StatusActive))
	a.sink.Emit(events.Log("info", "Patch change, Vite reloads it over HMR"))
	a.sink.Emit(events.Progress("Hot reloading...", 70))
	if err := o.settle(ctx, o.cfg.HMRSettleDelay); err != nil {
		return failf(models.ReasonCancelled, "cancelled")
	}
	a.setServingURL(o.cfg.DevServerURL())
	a.sink.Emit(events.Step(events.StepTest, events.StatusDone))
	return nil
}

// resolveIntent honors an explicit override and otherwise classifies
// the instruction against the project's components.
func (o *Orchestrator) resolveIntent(a *activeRun, override, instruction string, files []project.FileEntry) intent.Intent {
	if kind, ok := intent.Parse(override); ok && kind != "" {
		a.sink.Emit(events.Log("info", "Intent override: "+string(kind)))
		return kind
	}
	var state intent.ProjectState
	for _, f := range files {
		if strings.HasPrefix(f.Path, "src/components/") && strings.HasSuffix(f.Path, ".jsx") {
			state.Components = append(state.Components, intent.Component{
				Name:   strings.TrimSuffix(path.Base(f.Path), ".jsx"),
				Source: f.Content,
			})
		}
	}
	kind, err := intent.Classify(instruction, state)
	if err != nil {
		kind = intent.Modify
	}
	a.sink.Emit(events.Log("info", "Intent: "+string(kind)))
	return kind
}

// componentNames lists the component stems among the loaded files.
func componentNames(files []project.FileEntry) []string {
	var names []string
	for _, f := range files {
		if strings.HasPrefix(f.Path, "src/components/") && strings.HasSuffix(f.Path, ".jsx") {
			names = append(names, strings.TrimSuffix(path.Base(f.Path), ".jsx"))
		}
	}
	return names
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
