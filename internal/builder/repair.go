package builder

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/events"
	"webforge/internal/supervisor"
)

var (
	vitePluginErrRe  = regexp.MustCompile(`(?i)\[plugin:vite[^\]]*\][^\n]*/src/components/(\w{1,50})\.(?:jsx?|tsx?)`)
	reactBoundaryRe  = regexp.MustCompile(`(?i)The above error occurred in the <(\w{1,50})> component`)
	stackCallRe      = regexp.MustCompile(`at \w+ \(http`)
	componentPathRe  = regexp.MustCompile(`(?i)[/\\]src[/\\]components[/\\](\w{1,50})\.(?:jsx?|tsx?)`)
	looseComponentRe = regexp.MustCompile(`components?[/\\](\w{1,50})['".:]`)
	missingExportRe  = regexp.MustCompile(`does not provide an export named '(\w+)'`)
	undefinedNameRe  = regexp.MustCompile(`(\w+) is not defined`)
)

// BuildProbe compiles the project the way a production build would and
// returns the combined output when compilation fails. An empty string
// means either a clean compile or no probe configured.
func (b *Builder) BuildProbe(ctx context.Context) string {
	if b.runner == nil || len(b.probeArgv) == 0 {
		return ""
	}
	out, err := b.runner.RunOnce(ctx, supervisor.Spec{
		Project: b.project,
		Kind:    supervisor.KindProbe,
		Argv:    b.probeArgv,
		Dir:     b.store.Path(b.project),
		Env:     map[string]string{"CI": "true"},
	}, 60*time.Second)
	if err == nil {
		return ""
	}
	if out = strings.TrimSpace(out); out != "" {
		return clip(out, 2000)
	}
	b.logger.Warn("build probe did not run", zap.Error(err))
	return ""
}

// identifyBroken parses the combined error text and names the files that
// actually need regenerating. A file cited in a compile error or a React
// error boundary wins outright; otherwise every non-stack-trace line
// naming a component path contributes. Stack-trace lines are skipped
// because they cite call sites, not broken files.
func (b *Builder) identifyBroken(errorText string) []string {
	if m := vitePluginErrRe.FindStringSubmatch(errorText); m != nil {
		return b.filterOwned([]string{"src/components/" + m[1] + ".jsx"})
	}
	if m := reactBoundaryRe.FindStringSubmatch(errorText); m != nil {
		return b.filterOwned([]string{"src/components/" + m[1] + ".jsx"})
	}

	var found []string
	seen := map[string]bool{}
	collect := func(re *regexp.Regexp, line string) {
		for _, m := range re.FindAllStringSubmatch(line, -1) {
			fpath := "src/components/" + m[1] + ".jsx"
			if !seen[fpath] {
				seen[fpath] = true
				found = append(found, fpath)
			}
		}
	}
	for _, line := range strings.Split(errorText, "\n") {
		if len(line) > 300 || stackCallRe.MatchString(line) {
			continue
		}
		collect(componentPathRe, line)
	}
	if len(found) == 0 {
		for _, line := range strings.Split(errorText, "\n") {
			if stackCallRe.MatchString(line) {
				continue
			}
			collect(looseComponentRe, line)
		}
	}
	return b.filterOwned(found)
}

// filterOwned keeps only paths this builder generated or that exist in
// the project, so error text can never make us write arbitrary files.
func (b *Builder) filterOwned(paths []string) []string {
	var out []string
	for _, p := range paths {
		if len(p) > 120 {
			continue
		}
		if _, ok := b.built[p]; ok {
			out = append(out, p)
			continue
		}
		if b.store.HasFile(b.project, p) {
			out = append(out, p)
		}
	}
	return out
}

func filterErrorsForFile(all, name, fpath string) string {
	base := path.Base(fpath)
	var relevant []string
	for _, line := range strings.Split(all, "\n") {
		if strings.Contains(line, name) || strings.Contains(line, fpath) || strings.Contains(line, base) {
			relevant = append(relevant, line)
		}
	}
	if len(relevant) == 0 {
		return clip(all, 600)
	}
	return strings.Join(relevant, "\n")
}

func numberLines(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%3d | %s", i+1, l)
	}
	return strings.Join(out, "\n")
}

// errorLineContext extracts ±5 lines around the line number cited in a
// compile error or browser stack frame for the named component.
func errorLineContext(name, allErrors, current string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(name) + `\.jsx(?:[^)]*\(|:)(\d+):(\d+)`)
	m := re.FindStringSubmatch(allErrors)
	if m == nil {
		return ""
	}
	errLine, err := strconv.Atoi(m[1])
	if err != nil || errLine < 1 {
		return ""
	}
	fileLines := strings.Split(current, "\n")
	start := errLine - 5
	if start < 0 {
		start = 0
	}
	end := errLine + 5
	if end > len(fileLines) {
		end = len(fileLines)
	}
	var ctxLines []string
	for i := start; i < end; i++ {
		marker := "  "
		if i+1 == errLine {
			marker = "→ "
		}
		ctxLines = append(ctxLines, fmt.Sprintf("%s%3d | %s", marker, i+1, fileLines[i]))
	}
	return fmt.Sprintf("\n═══ BROKEN AT LINE %d ═══\n%s\nThe error is on line %d. Fix THAT specific line.\n",
		errLine, strings.Join(ctxLines, "\n"), errLine)
}

// Repair regenerates the components the error text identifies as broken.
// allErrors is the full pre-collected context: verification findings,
// compile probe output, and dev server stderr joined together.
//
// Two escape hatches run before the model is asked: a component whose
// size hasn't moved since its last repair gets the safe fallback (the
// model is looping), and an "is not defined" error first tries
// re-extracting the original raw output, which usually contains the
// helper function a thin extraction dropped.
func (b *Builder) Repair(ctx context.Context, allErrors string) error {
	b.logger.Info("repair pass", zap.String("project", b.project), zap.Int("error_bytes", len(allErrors)))

	broken := b.identifyBroken(allErrors)
	if len(broken) == 0 {
		for f := range b.built {
			if strings.HasPrefix(f, "src/components/") && strings.HasSuffix(f, ".jsx") {
				broken = append(broken, f)
			}
		}
		sort.Strings(broken)
		b.logger.Info("no specific file identified, regenerating all components", zap.Int("count", len(broken)))
	} else {
		b.logger.Info("repair targets", zap.Strings("files", broken))
	}

	codebaseCtx := b.CodebaseContext()
	hasUndefined := undefinedNameRe.MatchString(allErrors)

	for _, fpath := range broken {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := componentStem(fpath)
		current := b.Contents(fpath)
		currSize := len(strings.TrimSpace(current))

		if prev, ok := b.fixSizes[fpath]; ok && abs(currSize-prev) < 30 {
			b.logger.Warn("component unchanged since last repair, writing safe fallback",
				zap.String("file", fpath), zap.Int("size", currSize))
			if err := b.WriteFile(fpath, safeComponent(name)); err != nil {
				return err
			}
			delete(b.fixSizes, fpath)
			continue
		}
		b.fixSizes[fpath] = currSize

		if hasUndefined {
			if raw, ok := b.rawOutputs[name]; ok {
				rescued, _ := extractComponent(raw, name)
				if len(strings.TrimSpace(rescued)) > currSize+200 {
					b.logger.Info("rescued component from raw model output",
						zap.String("file", fpath),
						zap.Int("rescued_bytes", len(rescued)),
						zap.Int("current_bytes", currSize))
					if err := b.WriteFile(fpath, rescued); err != nil {
						return err
					}
					delete(b.fixSizes, fpath)
					continue
				}
			}
		}

		numbered := numberLines(current)
		lineCtx := errorLineContext(name, allErrors, current)
		fileErrors := filterErrorsForFile(allErrors, name, fpath)
		rawCtx := ""
		if hasUndefined {
			rawCtx = b.rawOutputs[name]
		}

		fixed := b.fixComponent(ctx, name, numbered, fileErrors+lineCtx, codebaseCtx, rawCtx)
		if fixed == "" {
			b.logger.Warn("model repair failed, writing safe fallback", zap.String("file", fpath))
			fixed = safeComponent(name)
		}
		if err := b.WriteFile(fpath, fixed); err != nil {
			return err
		}
	}
	return nil
}

// SafeFallbackSweep replaces generated components that are too small to
// be a plausible section with the guaranteed-renderable stub. With force
// set every generated component is replaced, for when the project fails
// to compile outright and there is nothing left to lose. Returns the
// paths rewritten.
func (b *Builder) SafeFallbackSweep(force bool) ([]string, error) {
	var paths []string
	for p := range b.built {
		if isComponentPath(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var swept []string
	for _, fpath := range paths {
		if !force && len(strings.TrimSpace(b.built[fpath])) >= 400 {
			continue
		}
		name := componentStem(fpath)
		if err := b.WriteFile(fpath, safeComponent(name)); err != nil {
			return swept, err
		}
		b.logger.Warn("safe fallback written", zap.String("file", fpath))
		swept = append(swept, fpath)
	}
	return swept, nil
}

// fixComponent asks the model for a corrected version of one component.
// Returns "" when the call fails or the reply has no export default.
func (b *Builder) fixComponent(ctx context.Context, name, broken, errors, codebase, rawContext string) string {
	var consoleErrors []string
	for _, line := range strings.Split(errors, "\n") {
		if strings.Contains(line, "Console error") || strings.Contains(line, "PageError") || strings.Contains(line, "does not provide") {
			consoleErrors = append(consoleErrors, strings.TrimSpace(line))
		}
	}

	var specificFixes []string
	for _, e := range consoleErrors {
		if m := missingExportRe.FindStringSubmatch(e); m != nil {
			specificFixes = append(specificFixes, fmt.Sprintf(
				"- REMOVE '%s' from your imports — it does NOT EXIST in react-icons. Replace with a real icon: FiCircle for circles, FiX for X marks, FiGrid for grids.", m[1]))
		}
	}
	for _, e := range consoleErrors {
		if strings.Contains(e, "Cannot find module") || strings.Contains(e, "Failed to resolve") {
			specificFixes = append(specificFixes, "- Fix broken import: "+clip(e, 100))
		}
		if strings.Contains(e, "is not defined") {
			if m := undefinedNameRe.FindStringSubmatch(e); m != nil {
				specificFixes = append(specificFixes, fmt.Sprintf(
					"- '%s' is not defined because you split it into a separate function. You MUST put ALL code into ONE single export default function %s(). NO separate helper components allowed.", m[1], name))
			}
		}
	}
	if strings.Contains(errors, "appears blank") || strings.Contains(errors, "no visible content") || strings.Contains(errors, "readable text") {
		specificFixes = append(specificFixes,
			"- The page renders BLANK. The component must have an EXPLICIT dark background. "+
				"Add className='min-h-screen bg-gray-900 text-white' to your outermost div. "+
				"Do NOT rely on tailwind defaults or transparent containers.")
	}

	consoleSection := ""
	if len(consoleErrors) > 0 {
		capped := consoleErrors
		if len(capped) > 5 {
			capped = capped[:5]
		}
		lines := make([]string, len(capped))
		for i, e := range capped {
			lines[i] = "  " + clip(e, 200)
		}
		consoleSection = "\n═══ BROWSER CONSOLE ERRORS (these are the REAL runtime errors) ═══\n" + strings.Join(lines, "\n") + "\n"
	}
	fixesSection := ""
	if len(specificFixes) > 0 {
		fixesSection = "\n═══ SPECIFIC THINGS YOU MUST FIX ═══\n" + strings.Join(specificFixes, "\n") + "\n"
	}
	rawSection := ""
	if rawContext != "" {
		rawSection = "\n═══ PREVIOUS FULL OUTPUT (contains logic to merge into one function) ═══\n" + clip(rawContext, 2000) + "\n"
	}

	prompt := repairPrompt(name, broken, errors, codebase, consoleSection, fixesSection, rawSection)
	label := name + " (fix)"

	start := time.Now()
	b.sink.Emit(events.StreamStart(label))
	full, usage, err := b.client.ChatStream(ctx, b.model, []ai.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, ai.Options{Temperature: 0.05, NumPredict: 4096}, func(tok string) error {
		b.sink.Emit(events.StreamToken(label, tok))
		return nil
	})
	b.m.RecordAIRequest("repair", err, time.Since(start))
	b.sink.Emit(events.StreamEnd(label, full))
	if err != nil {
		b.logger.Error("repair generation failed", zap.String("component", name), zap.Error(err))
		return ""
	}
	b.addUsage(usage)
	b.m.RecordTokens(b.model, usage.PromptTokens, usage.CompletionTokens)

	result := looseExtract(full)
	if !strings.Contains(result, "export default") {
		return ""
	}
	return result
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
