package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"webforge/internal/builder"
	"webforge/internal/events"
	"webforge/internal/fixloop"
	"webforge/internal/supervisor"
	"webforge/pkg/models"
)

// serveProject installs dependencies if needed and (re)starts the dev
// server for name, evicting whichever project holds the dev port.
func (o *Orchestrator) serveProject(ctx context.Context, a *activeRun, name, label string, pct int) *runFailure {
	if err := ctx.Err(); err != nil {
		return failf(models.ReasonCancelled, "cancelled")
	}

	o.setStage(a, models.StageInstalling)
	a.sink.Emit(events.Step(events.StepInstall, events.StatusActive))
	a.sink.Emit(events.Progress(label, pct))
	if err := o.ensureInstalled(ctx, a, name); err != nil {
		a.sink.Emit(events.Step(events.StepInstall, events.StatusError))
		return failf(models.ReasonInstallFailed, "failed to install dependencies: %v", err)
	}
	a.sink.Emit(events.Step(events.StepInstall, events.StatusDone))

	o.setStage(a, models.StageServing)
	a.sink.Emit(events.Step(events.StepServe, events.StatusActive))
	if err := o.startServe(ctx, name); err != nil {
		a.sink.Emit(events.Step(events.StepServe, events.StatusError))
		if errors.Is(err, supervisor.ErrPortTimeout) {
			return failf(models.ReasonServeTimeout, "dev server: %v", err)
		}
		return failf(models.ReasonServeCrashed, "dev server: %v", err)
	}
	a.setServingURL(o.cfg.DevServerURL())
	a.sink.Emit(events.Log("info", "Dev server up at "+o.cfg.DevServerURL()))

	// The port opens before the first compile finishes; testing right
	// away wastes fix attempts on still-compiling findings.
	if err := o.settle(ctx, o.cfg.ServeSettleDelay); err != nil {
		return failf(models.ReasonCancelled, "cancelled")
	}
	return nil
}

// ensureInstalled runs the install command unless node_modules already
// carries the vite binary.
func (o *Orchestrator) ensureInstalled(ctx context.Context, a *activeRun, name string) error {
	if o.store.HasFile(name, filepath.Join("node_modules", ".bin", "vite")) {
		a.sink.Emit(events.Log("info", "Dependencies already installed"))
		return nil
	}
	a.sink.Emit(events.Log("info", "Installing dependencies, first run takes a while"))
	out, err := o.procs.RunOnce(ctx, supervisor.Spec{
		Project: name,
		Kind:    supervisor.KindInstall,
		Argv:    o.cfg.InstallArgv(),
		Dir:     o.store.Path(name),
	}, o.cfg.InstallTimeout)
	if err != nil {
		o.logger.Error("dependency install failed",
			zap.String("project", name), zap.Error(err))
		if tail := lastLines(out, 5); tail != "" {
			return errors.New(err.Error() + ": " + tail)
		}
		return err
	}
	return nil
}

// startServe gives name the dev port: any project currently serving is
// stopped first, then the new server must open the port within the
// ready timeout.
func (o *Orchestrator) startServe(ctx context.Context, name string) error {
	for _, h := range o.procs.Running(supervisor.KindServe) {
		if h.Project != name {
			o.logger.Info("evicting dev server",
				zap.String("serving", h.Project), zap.String("for", name))
		}
		o.procs.Stop(h)
	}

	h, err := o.procs.Start(ctx, supervisor.Spec{
		Project: name,
		Kind:    supervisor.KindServe,
		Argv:    o.cfg.ServeArgv(),
		Dir:     o.store.Path(name),
		Port:    o.cfg.DevPort,
	})
	if err != nil {
		return err
	}
	if err := o.procs.WaitForPort(ctx, h, o.cfg.ServeReadyTimeout); err != nil {
		o.procs.Stop(h)
		return err
	}
	return nil
}

// settle waits d unless the run is cancelled first.
func (o *Orchestrator) settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// verifyAndRepair runs the bounded fix loop against the serving
// project and maps its outcome to a run verdict.
func (o *Orchestrator) verifyAndRepair(ctx context.Context, a *activeRun, name, model string, bld *builder.Builder, kind, label string, pct int) *runFailure {
	o.setStage(a, models.StageFixLoop)
	a.sink.Emit(events.Step(events.StepTest, events.StatusActive))
	a.sink.Emit(events.Progress(label, pct))

	loop := fixloop.New(fixloop.Config{
		Tester:   o.testers(o.cfg.DevServerURL(), o.store.Path(name), a.sink),
		Repairer: bld,
		Models:   &modelGate{models: o.models, model: model, sink: a.sink, logger: o.logger},
		Restart: func(ctx context.Context) error {
			if err := o.ensureInstalled(ctx, a, name); err != nil {
				return err
			}
			return o.startServe(ctx, name)
		},
		ServeErrors: func() []string { return o.procs.ScanServeErrors(name) },
		Kind:        kind,
		MaxRepairs:  o.cfg.MaxFixAttempts,
		Settle:      o.cfg.ServeSettleDelay,
		Sink:        a.sink,
	})

	res, err := loop.Run(ctx)
	a.setFixAttempts(res.Repairs)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fixloop.ErrGaveUp):
		return failf(models.ReasonFixBudgetExhausted, "%v", err)
	case errors.Is(err, fixloop.ErrModelUnavailable):
		return failf(models.ReasonGenerateFailed, "%v", err)
	case errors.Is(err, fixloop.ErrInfrastructure):
		return failf(models.ReasonServeCrashed, "%v", err)
	default:
		return failf(models.ReasonInternal, "%v", err)
	}
}

// lastLines returns the last n non-blank lines of out as one string.
func lastLines(out string, n int) string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
