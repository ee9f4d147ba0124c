// Package builder turns a refined site spec into a complete Vite + React
// project on disk. It generates one component per model call, extracts
// usable code from messy model output, rewrites the constructs that are
// known to crash Vite, and repairs components the verification loop
// reports as broken.
package builder

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/enrich"
	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/metrics"
	"webforge/internal/project"
	"webforge/internal/supervisor"
)

// StreamClient is the slice of the model client the builder needs.
type StreamClient interface {
	Chat(ctx context.Context, model string, messages []ai.ChatMessage, opts ai.Options) (string, ai.Usage, error)
	ChatStream(ctx context.Context, model string, messages []ai.ChatMessage, opts ai.Options, fn func(token string) error) (string, ai.Usage, error)
}

// CommandRunner executes a one-shot child process, used for the compile
// probe. *supervisor.Supervisor satisfies it.
type CommandRunner interface {
	RunOnce(ctx context.Context, spec supervisor.Spec, timeout time.Duration) (string, error)
}

// Config wires a Builder to one project.
type Config struct {
	Client    StreamClient
	Model     string
	Store     *project.Store
	Project   string
	DevPort   int
	Runner    CommandRunner // optional; nil disables the compile probe
	ProbeArgv []string
	Sink      events.Sink // optional
}

// Builder generates and repairs the files of a single project. It is not
// safe for concurrent use; each pipeline run owns its own Builder.
type Builder struct {
	client    StreamClient
	model     string
	store     *project.Store
	project   string
	devPort   int
	runner    CommandRunner
	probeArgv []string
	sink      events.Sink
	logger    *zap.Logger
	m         *metrics.Metrics

	built      map[string]string // rel path -> content as last written
	rawOutputs map[string]string // component name -> full raw model output
	fixSizes   map[string]int    // rel path -> size when last repaired

	usageMu sync.Mutex
	usage   ai.Usage
}

// New returns a Builder for cfg.Project.
func New(cfg Config) *Builder {
	sink := cfg.Sink
	if sink == nil {
		sink = events.Nop
	}
	return &Builder{
		client:     cfg.Client,
		model:      cfg.Model,
		store:      cfg.Store,
		project:    cfg.Project,
		devPort:    cfg.DevPort,
		runner:     cfg.Runner,
		probeArgv:  cfg.ProbeArgv,
		sink:       sink,
		logger:     logging.L(),
		m:          metrics.Get(),
		built:      make(map[string]string),
		rawOutputs: make(map[string]string),
		fixSizes:   make(map[string]int),
	}
}

// Usage returns the token usage accumulated across all model calls made
// by this Builder.
func (b *Builder) Usage() ai.Usage {
	b.usageMu.Lock()
	defer b.usageMu.Unlock()
	return b.usage
}

func (b *Builder) addUsage(u ai.Usage) {
	b.usageMu.Lock()
	b.usage.PromptTokens += u.PromptTokens
	b.usage.CompletionTokens += u.CompletionTokens
	b.usageMu.Unlock()
}

type fileEntry struct {
	path    string
	content string
}

var defaultSections = []string{"Hero", "Features", "About", "Contact"}

// Build generates the whole project for spec: static scaffold files plus
// one model-generated component per section. Files are written only after
// every component has been generated, so a cancelled run leaves no
// half-written project behind.
func (b *Builder) Build(ctx context.Context, spec *enrich.SiteSpec) error {
	title := spec.Title
	if title == "" {
		title = "My App"
	}
	sections := spec.Sections
	if len(sections) == 0 {
		sections = defaultSections
	}
	strategy := spec.Strategy
	if strategy == "" {
		strategy = enrich.StrategySections
	}

	b.logger.Info("build plan",
		zap.String("project", b.project),
		zap.String("strategy", strategy),
		zap.Strings("sections", sections))
	b.sink.Emit(events.Log("info", fmt.Sprintf("Strategy: %s | Sections: %s", strategy, strings.Join(sections, ", "))))

	var files []fileEntry
	cfg := configFiles(title, b.devPort)
	for _, p := range []string{"package.json", "vite.config.js", "tailwind.config.js", "postcss.config.js"} {
		files = append(files, fileEntry{p, cfg[p]})
	}
	files = append(files,
		fileEntry{"index.html", indexHTML(title)},
		fileEntry{"src/main.jsx", mainJSX()},
		fileEntry{"src/index.css", indexCSS(spec.ColorScheme)},
	)

	if strategy == enrich.StrategyApp {
		files = append(files, fileEntry{"src/App.jsx", singleAppShell()})
		code := b.generate(ctx, "App",
			appPrompt(title, spec.Description, spec.ColorScheme, spec.Style, spec.SpecialInstructions, spec.KeyFeatures, spec.SiteType))
		if code == "" {
			code = safeComponent("App")
		}
		files = append(files, fileEntry{"src/components/App.jsx", code})
	} else {
		files = append(files, fileEntry{"src/App.jsx", appShell(title, sections)})
		nav := b.generate(ctx, "Navbar", navbarPrompt(title, sections))
		if nav == "" {
			nav = fallbackNavbar(title, sections)
		}
		files = append(files, fileEntry{"src/components/Navbar.jsx", nav})
		for _, section := range sections {
			if section == "Navbar" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			code := b.generate(ctx, section,
				sectionPrompt(section, title, spec.Description, spec.ColorScheme, spec.Style, spec.SiteType, spec.SpecialInstructions))
			if code == "" {
				code = safeComponent(section)
			}
			files = append(files, fileEntry{"src/components/" + section + ".jsx", code})
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range files {
		if err := b.WriteFile(f.path, f.content); err != nil {
			return err
		}
	}
	return nil
}

// LoadExisting reads every project file into the builder's working set
// and replays them to the event sink, so update runs start with the full
// current state on both sides.
func (b *Builder) LoadExisting() ([]project.FileEntry, error) {
	entries, err := b.store.Files(b.project)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b.built[e.Path] = e.Content
		b.sink.Emit(events.File(e.Path, e.Size, e.Content))
	}
	return entries, nil
}

// Contents returns the builder's current copy of rel, falling back to
// disk for files it has not touched.
func (b *Builder) Contents(rel string) string {
	if c, ok := b.built[rel]; ok {
		return c
	}
	c, err := b.store.ReadFile(b.project, rel)
	if err != nil {
		return ""
	}
	return c
}

// WriteFile writes one project file. Component files are first run
// through extraction and the JSX rewrite passes.
func (b *Builder) WriteFile(rel, content string) error {
	if isComponentPath(rel) && strings.Contains(content, "import") {
		name := componentStem(rel)
		extracted, notes := extractComponent(content, name)
		sanitized, more := sanitizeJSX(extracted, rel)
		content = sanitized
		if notes = append(notes, more...); len(notes) > 0 {
			b.logger.Info("component rewritten",
				zap.String("file", rel),
				zap.Strings("fixes", notes))
		}
	}
	n, err := b.store.WriteFile(b.project, rel, content)
	if err != nil {
		return err
	}
	b.built[rel] = content
	b.sink.Emit(events.File(rel, project.FormatSize(n), content))
	return nil
}

func isComponentPath(rel string) bool {
	return strings.HasPrefix(rel, "src/components/") &&
		(strings.HasSuffix(rel, ".jsx") || strings.HasSuffix(rel, ".tsx"))
}

func componentStem(rel string) string {
	base := path.Base(rel)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".jsx"), ".tsx")
}

// generate runs one streaming model call and returns the loosely
// extracted code, or "" when the call fails or the output contains
// nothing code-shaped. The raw output is kept so a later repair can
// re-extract from it.
func (b *Builder) generate(ctx context.Context, name, userPrompt string) string {
	start := time.Now()
	b.sink.Emit(events.StreamStart(name))
	full, usage, err := b.client.ChatStream(ctx, b.model, []ai.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, ai.Options{Temperature: 0.15, NumPredict: 4096}, func(tok string) error {
		b.sink.Emit(events.StreamToken(name, tok))
		return nil
	})
	b.m.RecordAIRequest("generate", err, time.Since(start))
	b.sink.Emit(events.StreamEnd(name, full))
	if err != nil {
		b.logger.Error("component generation failed",
			zap.String("component", name), zap.Error(err))
		return ""
	}
	b.addUsage(usage)
	b.m.RecordTokens(b.model, usage.PromptTokens, usage.CompletionTokens)
	b.rawOutputs[name] = full
	return looseExtract(full)
}

var fencedBlockRes = func() []*regexp.Regexp {
	langs := []string{"jsx", "tsx", "javascript", "js", "typescript", "ts", ""}
	res := make([]*regexp.Regexp, len(langs))
	for i, lang := range langs {
		res[i] = regexp.MustCompile("(?is)```" + lang + `\s*\n(.*?)` + "```")
	}
	return res
}()

var codeMarkers = []string{"import ", "export default", "function ", "const ", "return ("}

// looseExtract pulls code out of a fenced block, or returns the whole
// reply when it already looks like code.
func looseExtract(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range fencedBlockRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	t := strings.TrimSpace(text)
	for _, k := range codeMarkers {
		if strings.Contains(t, k) {
			return t
		}
	}
	return ""
}

// CodebaseContext summarizes every project file for repair and update
// prompts: shell files first, then components sorted by name, each
// truncated so the whole context stays small.
func (b *Builder) CodebaseContext() string {
	priority := []string{"src/App.jsx", "src/main.jsx", "src/index.css"}
	isPriority := map[string]bool{}
	for _, p := range priority {
		isPriority[p] = true
	}
	var rest []string
	for f := range b.built {
		if !isPriority[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)

	var parts []string
	for _, fname := range append(priority, rest...) {
		content := b.Contents(fname)
		if content == "" {
			continue
		}
		limit := 400
		if strings.HasPrefix(fname, "src/components/") {
			limit = 800
		}
		snippet := content
		if len(content) > limit {
			snippet = content[:limit] + " ...[truncated]"
		}
		parts = append(parts, fmt.Sprintf("── %s ──\n%s", fname, snippet))
	}
	return strings.Join(parts, "\n\n")
}
