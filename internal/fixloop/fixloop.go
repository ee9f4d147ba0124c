// Package fixloop drives the bounded verify-and-repair cycle that runs
// once a project is served: check it in a real browser, and when real
// errors surface, hand them to the builder for a targeted repair and
// check again, at most MaxRepairs times. Failures of the serving
// environment itself stop the loop immediately and never consume the
// repair budget, because regenerating components cannot fix a dead
// server.
package fixloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/tester"
)

// DefaultMaxRepairs bounds how many repair passes one run may consume.
const DefaultMaxRepairs = 3

// defaultSettle is how long the dev server gets to recompile after a
// repair before the next verification pass.
const defaultSettle = 8 * time.Second

// ErrInfrastructure marks failures of the serving environment: the dev
// server died, never opened its port, or could not be restarted.
var ErrInfrastructure = errors.New("serving infrastructure failed")

// ErrGaveUp is returned when the repair budget is exhausted and the
// project still fails verification.
var ErrGaveUp = errors.New("fix attempts exhausted")

// ErrModelUnavailable marks a repair pass that could not start because
// the generation model would not load.
var ErrModelUnavailable = errors.New("generation model unavailable")

// Tester runs one verification pass against the serving URL.
// *tester.Verifier satisfies it.
type Tester interface {
	Run(ctx context.Context) tester.Report
}

// Repairer is the slice of the builder the loop drives.
// *builder.Builder satisfies it.
type Repairer interface {
	Repair(ctx context.Context, allErrors string) error
	BuildProbe(ctx context.Context) string
	SafeFallbackSweep(force bool) ([]string, error)
}

// ModelGate loads and evicts the generation model around a repair, so
// VRAM is only held while a repair is actually running.
type ModelGate interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context)
}

// Config wires a Controller to one run.
type Config struct {
	Tester      Tester
	Repairer    Repairer
	Models      ModelGate                       // optional
	Restart     func(ctx context.Context) error // optional; restarts the dev server after a repair
	ServeErrors func() []string                 // optional; recent dev server stderr lines
	Kind        string                          // run kind for metrics, default "build"
	MaxRepairs  int                             // default DefaultMaxRepairs
	Settle      time.Duration                   // post-restart wait, default 8s
	Sink        events.Sink                     // optional
}

// Result is the outcome of a completed loop. On error returns it still
// carries whatever the loop learned before stopping.
type Result struct {
	Passed   bool
	Repairs  int      // repair passes consumed
	Findings []string // last failing finding set; empty when Passed
	Swept    []string // files replaced with safe fallbacks on give-up
	Skipped  bool     // browser checks were unavailable; counts as passed
}

// Controller owns one run's verify-and-repair cycle.
type Controller struct {
	tester     Tester
	rep        Repairer
	models     ModelGate
	restart    func(ctx context.Context) error
	serveErrs  func() []string
	kind       string
	maxRepairs int
	settle     time.Duration
	sink       events.Sink
	logger     *zap.Logger
	m          *metrics.Metrics
}

// New returns a Controller for cfg.
func New(cfg Config) *Controller {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Nop
	}
	maxRepairs := cfg.MaxRepairs
	if maxRepairs <= 0 {
		maxRepairs = DefaultMaxRepairs
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	kind := cfg.Kind
	if kind == "" {
		kind = "build"
	}
	return &Controller{
		tester:     cfg.Tester,
		rep:        cfg.Repairer,
		models:     cfg.Models,
		restart:    cfg.Restart,
		serveErrs:  cfg.ServeErrors,
		kind:       kind,
		maxRepairs: maxRepairs,
		settle:     settle,
		sink:       sink,
		logger:     logging.L(),
		m:          metrics.Get(),
	}
}

// Run drives verification to a verdict. It returns a nil error when the
// project passes (possibly after repairs), ErrGaveUp when the budget
// runs out with findings still open, and ErrInfrastructure when the
// serving environment broke. The loop runs at most MaxRepairs+1
// verification passes; only passes that end in a repair count against
// the budget.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	var res Result
	c.sink.Emit(events.TestStart())

	var probeOut string
	for attempt := 1; attempt <= c.maxRepairs+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c.sink.Emit(events.TestRun(attempt))
		c.logger.Info("verification pass", zap.Int("attempt", attempt))

		report := c.tester.Run(ctx)
		if report.Infra {
			c.m.RecordFixOutcome("infra_error")
			err := fmt.Errorf("%w: %s", ErrInfrastructure, strings.Join(report.Findings, "; "))
			c.sink.Emit(events.Log("error", err.Error()))
			return res, err
		}
		if !report.Failed() {
			res.Passed = true
			res.Skipped = report.Skipped
			res.Findings = nil
			c.m.RecordFixOutcome("passed")
			c.sink.Emit(events.Step(events.StepTest, events.StatusDone))
			return res, nil
		}
		res.Findings = report.Findings

		if attempt > c.maxRepairs {
			break
		}

		probeOut = c.rep.BuildProbe(ctx)
		allErrors := c.collectErrors(report.Findings, probeOut)
		c.sink.Emit(events.TestFixing(attempt, report.Findings))
		c.sink.Emit(events.Log("info", fmt.Sprintf("Attempting fix %d/%d", attempt, c.maxRepairs)))
		c.logger.Info("repairing",
			zap.Int("attempt", attempt),
			zap.Int("findings", len(report.Findings)),
			zap.Int("error_bytes", len(allErrors)))

		if c.models != nil {
			if err := c.models.Acquire(ctx); err != nil {
				c.m.RecordFixOutcome("infra_error")
				return res, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
		}
		err := c.rep.Repair(ctx, allErrors)
		if c.models != nil {
			c.models.Release(ctx)
		}
		if err != nil {
			return res, err
		}
		res.Repairs = attempt
		c.m.RecordFixAttempt(c.kind)

		if c.restart != nil {
			if err := c.restart(ctx); err != nil {
				c.m.RecordFixOutcome("infra_error")
				c.sink.Emit(events.Log("error", "Dev server restart failed: "+err.Error()))
				return res, fmt.Errorf("%w: dev server restart: %v", ErrInfrastructure, err)
			}
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(c.settle):
		}
	}

	// Budget exhausted. Replace anything still suspect with safe
	// fallbacks so the served page at least renders something, then
	// report the give-up with the last finding set.
	force := strings.TrimSpace(probeOut) != ""
	swept, err := c.rep.SafeFallbackSweep(force)
	res.Swept = swept
	if err != nil {
		c.logger.Warn("safe fallback sweep failed", zap.Error(err))
	}
	for _, p := range swept {
		c.sink.Emit(events.Log("warn", "Safe fallback written: "+p))
	}
	c.m.RecordFixOutcome("gave_up")
	c.sink.Emit(events.Step(events.StepTest, events.StatusDone))
	c.logger.Warn("giving up",
		zap.Int("repairs", res.Repairs),
		zap.Strings("findings", res.Findings),
		zap.Int("swept", len(swept)))
	return res, fmt.Errorf("%w after %d repairs: %s", ErrGaveUp, res.Repairs, firstOf(res.Findings))
}

// collectErrors joins the three error sources in the order the repair
// prompt expects: browser findings, compile probe output, dev server
// stderr.
func (c *Controller) collectErrors(findings []string, probeOut string) string {
	parts := []string{strings.Join(findings, "\n")}
	if probeOut != "" {
		parts = append(parts, probeOut)
	}
	if c.serveErrs != nil {
		if lines := c.serveErrs(); len(lines) > 0 {
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}

func firstOf(findings []string) string {
	if len(findings) == 0 {
		return "verification kept failing"
	}
	return findings[0]
}
