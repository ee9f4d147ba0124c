package builder

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/intent"
)

var (
	componentNameRe = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
	newNameRe       = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)
	fenceStripRe    = regexp.MustCompile("```[a-z]*\\s*")
	jsonArrayRe     = regexp.MustCompile(`\[([^\]]+)\]`)
)

// ErrNoComponents means the project has nothing to update and the
// request named nothing to create.
var ErrNoComponents = errors.New("no components found in project")

// decideTargets asks the model which component(s) the request touches.
// The intent biases the decision: patch and modify must pick from the
// existing list, feature may invent a new PascalCase name.
func (b *Builder) decideTargets(ctx context.Context, request, codebaseCtx string, components []string, kind intent.Intent) []string {
	bias := targetsBiasExisting
	if kind == intent.Feature {
		bias = targetsBiasFeature
	}

	callCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	start := time.Now()
	raw, usage, err := b.client.Chat(callCtx, b.model, []ai.ChatMessage{
		{Role: "system", Content: targetsSystemPrompt},
		{Role: "user", Content: targetsUserPrompt(components, request, bias, codebaseCtx)},
	}, ai.Options{Temperature: 0.0, NumPredict: 150})
	b.m.RecordAIRequest("targets", err, time.Since(start))
	if err != nil {
		b.logger.Warn("target decision failed", zap.Error(err))
		return nil
	}
	b.addUsage(usage)
	b.m.RecordTokens(b.model, usage.PromptTokens, usage.CompletionTokens)

	raw = strings.TrimSpace(fenceStripRe.ReplaceAllString(raw, ""))

	var names []any
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		if m := jsonArrayRe.FindStringSubmatch(raw); m != nil {
			_ = json.Unmarshal([]byte("["+m[1]+"]"), &names)
		}
	}
	var result []string
	for _, n := range names {
		if s, ok := n.(string); ok && strings.TrimSpace(s) != "" {
			result = append(result, strings.TrimSpace(s))
		}
	}
	b.logger.Info("target decision", zap.Strings("targets", result), zap.String("intent", string(kind)))
	return result
}

// ResolveTargets names the component files an update request should
// regenerate. The model decides first; when its answer is unusable a
// deterministic fallback chain takes over: a component named in the
// request, then the conventional component for the request's
// vocabulary, then (for feature intent) a new name lifted from the
// request, then the first existing component.
func (b *Builder) ResolveTargets(ctx context.Context, request, codebaseCtx string, components []string, kind intent.Intent) ([]string, error) {
	decided := b.decideTargets(ctx, request, codebaseCtx, components, kind)

	known := make(map[string]bool, len(components))
	for _, c := range components {
		known[c] = true
	}
	var targets []string
	for _, t := range decided {
		if !componentNameRe.MatchString(t) {
			continue
		}
		if kind != intent.Feature && !known[t] {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) > 0 {
		return targets, nil
	}

	lower := strings.ToLower(request)
	for _, c := range components {
		if strings.Contains(lower, strings.ToLower(c)) {
			return []string{c}, nil
		}
	}
	if sem := intent.SemanticTargets(request, components); len(sem) > 0 {
		return sem[:1], nil
	}
	if kind == intent.Feature {
		name := "NewSection"
		for _, w := range strings.Fields(request) {
			r, _ := utf8.DecodeRuneInString(w)
			if !unicode.IsUpper(r) || len(w) <= 3 {
				continue
			}
			if cand := strings.Trim(w, ".,!?"); newNameRe.MatchString(cand) {
				name = cand
			}
			break
		}
		b.logger.Info("creating new component for feature request", zap.String("component", name))
		return []string{name}, nil
	}
	if len(components) > 0 {
		b.logger.Warn("could not infer target, defaulting to first component", zap.String("component", components[0]))
		return components[:1], nil
	}
	return nil, ErrNoComponents
}

// UpdateComponent regenerates one component per the update request and
// writes it. New components are also mounted in App.jsx. Returns false
// without error when the model produced nothing usable.
func (b *Builder) UpdateComponent(ctx context.Context, name, request, codebaseCtx string, isNew bool, kind intent.Intent) (bool, error) {
	fpath := "src/components/" + name + ".jsx"
	existing := b.Contents(fpath)

	code := b.generate(ctx, name, updatePrompt(name, existing, request, codebaseCtx, isNew, string(kind)))
	if code == "" {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		b.logger.Warn("model returned nothing for component, skipping", zap.String("component", name))
		return false, nil
	}
	if err := b.WriteFile(fpath, code); err != nil {
		return false, err
	}
	if isNew {
		if err := b.InjectIntoApp(name); err != nil {
			b.logger.Warn("could not mount new component in App.jsx",
				zap.String("component", name), zap.Error(err))
		}
	}
	return true, nil
}

// InjectIntoApp adds an import and a render tag for a newly created
// component to App.jsx: the import goes after the last existing import
// line, the tag just before the closing div of the main wrapper. No-op
// when App.jsx is missing or already references the component.
func (b *Builder) InjectIntoApp(name string) error {
	const appPath = "src/App.jsx"
	code := b.Contents(appPath)
	if code == "" {
		return nil
	}
	if strings.Contains(code, "import "+name) {
		return nil
	}

	lines := strings.Split(code, "\n")
	lastImport := 0
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "import") {
			lastImport = i
		}
	}
	importLine := "import " + name + " from './components/" + name + "'"
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:lastImport+1]...)
	out = append(out, importLine)
	out = append(out, lines[lastImport+1:]...)
	newApp := strings.Join(out, "\n")

	if idx := strings.LastIndex(newApp, "</div>"); idx != -1 {
		newApp = newApp[:idx] + "      <" + name + " />\n" + newApp[idx:]
	}
	b.logger.Info("mounted new component in App.jsx", zap.String("component", name))
	return b.WriteFile(appPath, newApp)
}
