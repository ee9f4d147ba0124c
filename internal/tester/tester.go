// Package tester verifies a served project in a real headless browser:
// HTTP readiness, page load, app mount, compile-error overlay, blank
// page detection, and runtime console errors. Findings are strings
// suitable for feeding straight into a repair pass.
package tester

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"webforge/internal/events"
	"webforge/internal/logging"
)

const (
	serverPollInterval = 1500 * time.Millisecond
	httpProbeTimeout   = 5 * time.Second
	navigateTimeout    = 30 * time.Second
	selectorTimeout    = 8 * time.Second
	evaluateTimeout    = 5 * time.Second

	maxConsoleFindings = 5
)

// mountSelectors are tried in order to detect that the app rendered.
// Some generated apps skip #root, so canvas/svg/main act as backstops.
var mountSelectors = []string{"#root > *", "#app > *", "canvas", "svg", "main"}

// consoleNoise marks console lines that never indicate a broken app:
// HMR chatter, React dev warnings, network noise.
var consoleNoise = []string{
	"favicon", "Warning:", "DevTools", "Download the React",
	"ReactDOM.render", "StrictMode", "[HMR]", "[vite]", "vite",
	"hot update", "connecting", "react-refresh",
	"net::ERR_", "Failed to load resource",
	"Cross-Origin", "Content-Security-Policy",
}

// consoleSignals are the substrings a console line must carry to count
// as a real JS failure worth a fix pass.
var consoleSignals = []string{
	"is not defined", "is not a function",
	"Cannot read prop", "Cannot read properties",
	"SyntaxError", "ReferenceError", "TypeError",
	"Failed to resolve import", "does not provide an export",
}

// Filter decides which console lines count as actionable failures.
// Noise wins over signal, so HMR chatter that happens to mention a
// TypeError stays quiet.
type Filter struct {
	Noise   []string // case-insensitive substrings that mark a line ignorable
	Signals []string // case-sensitive substrings a real failure must carry
	Max     int      // cap on findings per pass; 0 means unlimited
}

// DefaultFilter returns the stock console-error policy.
func DefaultFilter() Filter {
	return Filter{Noise: consoleNoise, Signals: consoleSignals, Max: maxConsoleFindings}
}

// Actionable returns the lines worth a repair, in order, capped at Max.
func (f Filter) Actionable(lines []string) []string {
	var out []string
	for _, line := range lines {
		if f.isNoise(line) || !f.hasSignal(line) {
			continue
		}
		out = append(out, line)
		if f.Max > 0 && len(out) == f.Max {
			break
		}
	}
	return out
}

func (f Filter) isNoise(line string) bool {
	lower := strings.ToLower(line)
	for _, n := range f.Noise {
		if strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func (f Filter) hasSignal(line string) bool {
	for _, s := range f.Signals {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// Config wires a Verifier to one served project.
type Config struct {
	URL           string // dev server base URL
	ScreenshotDir string // directory for test_screenshot.png; empty disables
	Sink          events.Sink
	WaitTimeout   time.Duration // HTTP readiness budget, default 30s
	ChromePath    string        // explicit browser binary, default autodetect
	SkipBrowser   bool          // HTTP readiness only, no page checks
	Filter        Filter        // console-error policy; zero value selects DefaultFilter
}

// Report is the outcome of one verification pass.
type Report struct {
	Findings []string // failures that should drive a fix pass
	Skipped  bool     // browser checks skipped: no usable browser
	Infra    bool     // server itself unreachable; repairing code won't help
}

// Failed reports whether the pass produced findings.
func (r Report) Failed() bool { return len(r.Findings) > 0 }

// Verifier runs browser checks against a dev server. Each Run launches
// a fresh headless browser and tears it down before returning.
type Verifier struct {
	url     string
	shotDir string
	sink    events.Sink
	waitTO  time.Duration
	chrome  string
	skip    bool
	filter  Filter
	logger  *zap.Logger
	httpc   *http.Client
}

// New returns a Verifier for cfg.URL.
func New(cfg Config) *Verifier {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Nop
	}
	waitTO := cfg.WaitTimeout
	if waitTO <= 0 {
		waitTO = 30 * time.Second
	}
	filter := cfg.Filter
	if filter.Noise == nil && filter.Signals == nil {
		filter = DefaultFilter()
	}
	return &Verifier{
		url:     cfg.URL,
		shotDir: cfg.ScreenshotDir,
		sink:    sink,
		waitTO:  waitTO,
		chrome:  cfg.ChromePath,
		skip:    cfg.SkipBrowser,
		filter:  filter,
		logger:  logging.L(),
		httpc:   &http.Client{Timeout: httpProbeTimeout},
	}
}

// Run executes the full verification pass. An unreachable server is a
// finding; an unavailable browser is not, because a missing Chrome
// installation is an environment problem, not a project problem.
func (v *Verifier) Run(ctx context.Context) Report {
	v.sink.Emit(events.Log("info", "Waiting for dev server at "+v.url))
	if err := v.waitForServer(ctx); err != nil {
		v.logger.Warn("dev server not reachable", zap.String("url", v.url), zap.Error(err))
		v.sink.Emit(events.Log("warn", "Dev server not reachable: "+err.Error()))
		v.sink.Emit(events.TestResult(events.CheckFail, "HTTP check", "Server not reachable: "+err.Error()))
		return Report{Findings: []string{"HTTP check failed: " + err.Error()}, Infra: true}
	}
	v.sink.Emit(events.Log("info", "HTTP 200 — dev server is up"))
	v.sink.Emit(events.TestResult(events.CheckPass, "HTTP 200 OK", ""))

	if v.skip {
		v.sink.Emit(events.Log("info", "Browser checks disabled — HTTP readiness only"))
		v.sink.Emit(events.TestResult(events.CheckSkip, "Browser checks disabled", ""))
		return Report{Skipped: true}
	}

	return v.runBrowserChecks(ctx)
}

// waitForServer polls until the server answers 200 or the budget runs
// out.
func (v *Verifier) waitForServer(ctx context.Context) error {
	deadline := time.Now().Add(v.waitTO)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
		if err != nil {
			return err
		}
		resp, err := v.httpc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %s", v.waitTO)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(serverPollInterval):
		}
	}
}

func (v *Verifier) runBrowserChecks(ctx context.Context) Report {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1280, 720),
	)
	if v.chrome != "" {
		opts = append(opts, chromedp.ExecPath(v.chrome))
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Starting the browser with no actions probes availability. A box
	// without Chrome skips browser checks rather than failing the run.
	if err := chromedp.Run(browserCtx); err != nil {
		v.logger.Warn("browser unavailable, skipping page checks", zap.Error(err))
		v.sink.Emit(events.Log("warn", "Browser unavailable — skipping page checks"))
		v.sink.Emit(events.TestResult(events.CheckSkip, "Browser unavailable", ""))
		return Report{Skipped: true}
	}

	v.sink.Emit(events.Log("info", "Launching headless browser"))
	v.sink.Emit(events.TestResult(events.CheckRun, "Browser launch", ""))

	var findings []string
	fail := func(msg, detail string) {
		findings = append(findings, msg)
		v.sink.Emit(events.TestResult(events.CheckFail, msg, detail))
		v.sink.Emit(events.Log("warn", msg))
	}

	collector := newConsoleCollector()
	chromedp.ListenTarget(browserCtx, collector.listen)

	// Navigate and wait for the load event: JS has run by then, and the
	// dev server's always-open HMR socket can't stall us the way a
	// network-idle wait would.
	navCtx, cancelNav := context.WithTimeout(browserCtx, navigateTimeout)
	err := chromedp.Run(navCtx, network.Enable(), chromedp.Navigate(v.url))
	cancelNav()
	switch {
	case err == nil:
		if code := collector.documentStatus(); code >= 400 {
			fail(fmt.Sprintf("Page returned HTTP %d", code), "")
			return Report{Findings: findings}
		}
		v.sink.Emit(events.Log("info", "Page loaded"))
		v.sink.Emit(events.TestResult(events.CheckPass, "Page loaded", ""))
	case ctx.Err() == nil && navCtx.Err() == context.DeadlineExceeded:
		fail("Page load timeout — dev server may still be compiling", "")
		return Report{Findings: findings}
	default:
		fail("Navigation error: "+err.Error(), "")
		return Report{Findings: findings}
	}

	mounted := v.waitForMount(browserCtx)
	if !mounted {
		fail("App never rendered — likely a compile/runtime error", "")
	}

	// Vite's compile-error overlay lives in shadow DOM. Only the shadow
	// root is read; scanning raw HTML false-positives on source maps.
	overlay := v.evaluateString(browserCtx, viteOverlayJS)
	if len(overlay) > 15 {
		fail("Vite compile error: "+clip(overlay, 500), clip(overlay, 120))
	} else {
		v.sink.Emit(events.TestResult(events.CheckPass, "No Vite error overlay", ""))
	}

	if mounted {
		v.checkVisibleContent(browserCtx, fail)
	}

	real := v.filter.Actionable(collector.lines())
	for _, line := range real {
		short := clip(line, 160)
		v.sink.Emit(events.Log("warn", "JS error: "+short))
		v.sink.Emit(events.TestResult(events.CheckFail, "JS runtime error", short))
		findings = append(findings, "Console error: "+short)
	}
	if len(real) == 0 {
		v.sink.Emit(events.Log("info", "No blocking JS errors"))
		v.sink.Emit(events.TestResult(events.CheckPass, "No JS errors", ""))
	}

	v.captureScreenshot(browserCtx)

	if len(findings) > 0 {
		v.logger.Warn("verification found issues", zap.Int("count", len(findings)))
		v.sink.Emit(events.Log("warn", fmt.Sprintf("%d issue(s) found", len(findings))))
	} else {
		v.sink.Emit(events.Log("info", "All browser tests passed"))
		v.sink.Emit(events.TestResult(events.CheckPass, "All tests passed!", ""))
	}
	return Report{Findings: findings}
}

// waitForMount tries each mount selector, then falls back to checking
// that body has any children at all.
func (v *Verifier) waitForMount(browserCtx context.Context) bool {
	v.sink.Emit(events.Log("info", "Waiting for app to render"))
	for _, sel := range mountSelectors {
		selCtx, cancel := context.WithTimeout(browserCtx, selectorTimeout)
		err := chromedp.Run(selCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
		cancel()
		if err == nil {
			v.sink.Emit(events.Log("info", "App rendered (selector: "+sel+")"))
			v.sink.Emit(events.TestResult(events.CheckPass, "App rendered", ""))
			return true
		}
		if browserCtx.Err() != nil {
			return false
		}
	}
	var children int
	evalCtx, cancel := context.WithTimeout(browserCtx, evaluateTimeout)
	err := chromedp.Run(evalCtx, chromedp.Evaluate(`document.body.children.length`, &children))
	cancel()
	if err == nil && children > 0 {
		v.sink.Emit(events.Log("info", "Body has children — assuming rendered"))
		v.sink.Emit(events.TestResult(events.CheckPass, "App rendered", ""))
		return true
	}
	return false
}

// checkVisibleContent fails only when nothing has a visible bounding
// box AND body text is empty, so canvas/SVG-only apps aren't flagged.
func (v *Verifier) checkVisibleContent(browserCtx context.Context, fail func(msg, detail string)) {
	var hasVisible bool
	evalCtx, cancel := context.WithTimeout(browserCtx, evaluateTimeout)
	err := chromedp.Run(evalCtx, chromedp.Evaluate(visibleContentJS, &hasVisible))
	cancel()
	if err != nil {
		return
	}
	bodyText := strings.TrimSpace(v.evaluateString(browserCtx, `document.body.innerText`))
	if !hasVisible && len(bodyText) < 10 {
		fail("Page appears completely blank — nothing rendered", "")
		return
	}
	info := "visual content only"
	if bodyText != "" {
		info = fmt.Sprintf("%d chars", len(bodyText))
	}
	v.sink.Emit(events.Log("info", "Content visible ("+info+")"))
	v.sink.Emit(events.TestResult(events.CheckPass, "Content visible", ""))
}

func (v *Verifier) captureScreenshot(browserCtx context.Context) {
	if v.shotDir == "" {
		return
	}
	var shot []byte
	shotCtx, cancel := context.WithTimeout(browserCtx, 10*time.Second)
	err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&shot))
	cancel()
	if err != nil {
		v.sink.Emit(events.Log("warn", "Screenshot failed: "+err.Error()))
		return
	}
	path := filepath.Join(v.shotDir, "test_screenshot.png")
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		v.logger.Warn("could not write screenshot", zap.String("path", path), zap.Error(err))
		return
	}
	v.sink.Emit(events.Log("info", "Screenshot saved: test_screenshot.png"))
	v.sink.Emit(events.TestResult(events.CheckPass, "Screenshot captured", ""))
}

func (v *Verifier) evaluateString(browserCtx context.Context, js string) string {
	var out string
	evalCtx, cancel := context.WithTimeout(browserCtx, evaluateTimeout)
	defer cancel()
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(js, &out)); err != nil {
		return ""
	}
	return out
}

const viteOverlayJS = `(() => {
	const ov = document.querySelector('vite-error-overlay');
	if (ov && ov.shadowRoot) {
		const el = ov.shadowRoot.querySelector('.message-body,.message,pre,.err-message');
		return el ? el.textContent.trim().slice(0, 600)
		          : ov.shadowRoot.textContent.trim().slice(0, 600);
	}
	return '';
})()`

const visibleContentJS = `(() => {
	const sels = ['#root *', '#app *', 'body > div *', 'canvas', 'svg'];
	for (const s of sels) {
		for (const el of document.querySelectorAll(s)) {
			const r = el.getBoundingClientRect();
			if (r.width > 5 && r.height > 5) return true;
		}
	}
	return false;
})()`

// consoleCollector accumulates console errors, page exceptions, and the
// main document's HTTP status from browser events.
type consoleCollector struct {
	mu        sync.Mutex
	entries   []string
	docStatus int64
}

func newConsoleCollector() *consoleCollector {
	return &consoleCollector{}
}

func (c *consoleCollector) listen(ev any) {
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		if e.Type != runtime.APITypeError {
			return
		}
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if s := remoteObjectText(arg); s != "" {
				parts = append(parts, s)
			}
		}
		c.mu.Lock()
		c.entries = append(c.entries, strings.Join(parts, " "))
		c.mu.Unlock()
	case *runtime.EventExceptionThrown:
		c.mu.Lock()
		c.entries = append(c.entries, "PageError: "+e.ExceptionDetails.Error())
		c.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		c.mu.Lock()
		if c.docStatus == 0 {
			c.docStatus = e.Response.Status
		}
		c.mu.Unlock()
	}
}

func (c *consoleCollector) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}

func (c *consoleCollector) documentStatus() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docStatus
}

// remoteObjectText renders one console argument as text.
func remoteObjectText(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal([]byte(o.Value), &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	return o.Description
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
