// Package enrich turns a raw site idea into a structured build spec:
// site type, render strategy, section list, branding, and design hints.
// Keyword detection always produces a usable spec; the refine model
// only improves on it.
package enrich

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"webforge/internal/ai"
	"webforge/internal/cache"
	"webforge/internal/logging"
	"webforge/internal/metrics"
)

// SiteSpec is the refined description of what to build.
type SiteSpec struct {
	ProjectName         string   `json:"project_name"`
	SiteType            string   `json:"site_type"`
	Strategy            string   `json:"strategy"`
	Title               string   `json:"title"`
	Tagline             string   `json:"tagline"`
	Description         string   `json:"description"`
	ColorScheme         string   `json:"color_scheme"`
	Style               string   `json:"style"`
	BrandName           string   `json:"brand_name"`
	TargetAudience      string   `json:"target_audience"`
	KeyFeatures         []string `json:"key_features"`
	SpecialInstructions string   `json:"special_instructions"`
	Sections            []string `json:"sections"`
}

// Render strategies.
const (
	StrategyApp      = "react-app"      // single App component
	StrategySections = "react-sections" // multi-section marketing site
)

// siteTypeRules map keywords to site types. Order matters: the first
// rule with a matching keyword wins.
var siteTypeRules = []struct {
	name     string
	keywords []string
}{
	{"ecommerce", []string{"shop", "store", "ecommerce", "e-commerce", "product", "buy", "sell", "cart", "retail", "marketplace"}},
	{"portfolio", []string{"portfolio", "personal", "resume", "cv", "my work", "showcase my"}},
	{"saas", []string{"saas", "platform", "dashboard", "subscription", "b2b", "crm", "analytics tool"}},
	{"restaurant", []string{"restaurant", "food", "cafe", "menu", "dining", "eat", "bistro", "bar", "coffee shop"}},
	{"blog", []string{"blog", "article", "news", "magazine", "journal", "writing", "posts"}},
	{"agency", []string{"agency", "studio", "creative", "marketing", "branding", "advertising"}},
	{"startup", []string{"startup", "launch", "mvp", "venture", "raise funding"}},
	{"corporate", []string{"corporate", "enterprise", "consulting", "b2b company", "firm"}},
	{"landing", []string{"landing page", "waitlist", "coming soon", "pre-launch"}},
	{"tool", []string{"calculator", "converter", "timer", "clock", "weather", "currency", "unit", "generator", "checker"}},
	{"game", []string{"game", "quiz", "puzzle", "trivia", "arcade", "play", "score", "level", "player"}},
	{"app", []string{"app", "application", "tracker", "manager", "planner", "organizer", "notes", "todo", "habit"}},
	{"dashboard", []string{"dashboard", "admin", "analytics", "stats", "metrics", "monitor", "chart", "graph", "data"}},
	{"social", []string{"social", "community", "forum", "chat", "messaging", "network", "profile", "feed"}},
}

var sectionMap = map[string][]string{
	"ecommerce":  {"Hero", "FeaturedProducts", "Categories", "Testimonials", "Newsletter"},
	"portfolio":  {"Hero", "About", "Skills", "Projects", "Contact"},
	"saas":       {"Hero", "Features", "HowItWorks", "Pricing", "Testimonials", "CTA"},
	"restaurant": {"Hero", "Menu", "About", "Gallery", "Reservations"},
	"blog":       {"Hero", "FeaturedPosts", "Categories", "Newsletter", "Contact"},
	"agency":     {"Hero", "Services", "Work", "Team", "Contact"},
	"startup":    {"Hero", "Problem", "Solution", "Features", "Pricing", "Contact"},
	"corporate":  {"Hero", "About", "Services", "Team", "Contact"},
	"landing":    {"Hero", "Features", "HowItWorks", "Testimonials", "CTA"},
	"tool":       {"App"},
	"game":       {"App"},
	"app":        {"App"},
	"dashboard":  {"App"},
	"social":     {"Hero", "Feed", "Profiles", "Contact"},
	"general":    {"Hero", "Features", "About", "Contact"},
}

// Single-component types render the whole experience inside one App.
var appStrategyTypes = map[string]bool{
	"tool": true, "game": true, "app": true, "dashboard": true,
}

const systemPrompt = "You are a JSON API. Output ONLY a raw JSON object. No markdown, no explanation.\n\n" +
	"Given a website/app idea, classify it and return exactly:\n" +
	`{"project_name":"kebab-case","site_type":"ecommerce|portfolio|saas|restaurant|blog|agency|` +
	`startup|corporate|landing|tool|game|app|dashboard|social|general",` +
	`"title":"Title","tagline":"Catchphrase","description":"2-3 sentences",` +
	`"color_scheme":"describe colors and theme","style":"modern|minimal|bold|playful|retro|corporate|luxury",` +
	`"brand_name":"Brand or App Name","target_audience":"who this is for",` +
	`"key_features":["feature1","feature2","feature3"],` +
	`"special_instructions":"specific design, animation, content requirements"}` + "\n\n" +
	"site_type MUST be one of the listed values. Output ONLY JSON starting with {.\n" +
	"CRITICAL: Do not suggest or include uninstalled third-party packages in 'special_instructions' " +
	"(e.g. NEVER suggest react-scroll or react-icons/all, use window.scrollTo and react-icons/fi)."

// DetectSiteType classifies an idea by keyword lookup alone.
func DetectSiteType(idea string) string {
	lower := strings.ToLower(idea)
	for _, rule := range siteTypeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.name
			}
		}
	}
	return "general"
}

// SectionsFor returns the section plan for a site type.
func SectionsFor(siteType string) []string {
	s, ok := sectionMap[siteType]
	if !ok {
		s = sectionMap["general"]
	}
	return append([]string(nil), s...)
}

// StrategyFor returns the render strategy for a site type.
func StrategyFor(siteType string) string {
	if appStrategyTypes[siteType] {
		return StrategyApp
	}
	return StrategySections
}

// ModelClient is the slice of the AI client the enricher needs.
type ModelClient interface {
	Chat(ctx context.Context, model string, messages []ai.ChatMessage, opts ai.Options) (string, ai.Usage, error)
}

// Enricher refines raw ideas into SiteSpecs.
type Enricher struct {
	client ModelClient
	cache  *cache.Cache
	model  string
	logger *zap.Logger
	m      *metrics.Metrics
}

// New creates an Enricher using model for LLM refinement. The cache is
// optional; when present, refined specs are reused for identical ideas.
func New(client ModelClient, c *cache.Cache, model string) *Enricher {
	return &Enricher{
		client: client,
		cache:  c,
		model:  model,
		logger: logging.L(),
		m:      metrics.Get(),
	}
}

// Refine produces the build spec for a raw idea. An empty model falls
// back to the configured default. Malformed model output degrades to
// the keyword-detected spec; a transport or model failure is returned
// as an error.
func (e *Enricher) Refine(ctx context.Context, idea, model string) (*SiteSpec, ai.Usage, error) {
	if model == "" {
		model = e.model
	}

	var (
		spec  SiteSpec
		usage ai.Usage
	)
	compute := func() (interface{}, error) {
		llmData, u, err := e.llmRefine(ctx, idea, model)
		if err != nil {
			return nil, err
		}
		usage = u
		return e.buildSpec(idea, llmData), nil
	}

	if e.cache != nil {
		key := cache.SpecKey(idea, model)
		if err := e.cache.GetOrSetJSON(ctx, key, &spec, time.Hour, compute); err != nil {
			return nil, usage, err
		}
		return &spec, usage, nil
	}

	out, err := compute()
	if err != nil {
		return nil, usage, err
	}
	spec = *out.(*SiteSpec)
	return &spec, usage, nil
}

// llmRefine asks the refine model to classify the idea. Unparseable
// output returns an empty map, not an error.
func (e *Enricher) llmRefine(ctx context.Context, idea, model string) (map[string]interface{}, ai.Usage, error) {
	start := time.Now()
	content, usage, err := e.client.Chat(ctx, model, []ai.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Idea: " + idea + "\n\nJSON only:"},
	}, ai.Options{Temperature: 0.1, NumPredict: 500})
	e.m.RecordAIRequest("refine", err, time.Since(start))
	if err != nil {
		return nil, usage, err
	}
	e.m.RecordTokens(model, usage.PromptTokens, usage.CompletionTokens)

	data, ok := extractJSONObject(content)
	if !ok {
		e.logger.Warn("refine model returned unparseable output, using keyword detection",
			zap.String("model", model))
		return map[string]interface{}{}, usage, nil
	}
	return data, usage, nil
}

func (e *Enricher) buildSpec(idea string, llmData map[string]interface{}) *SiteSpec {
	keywordType := DetectSiteType(idea)

	// The model's classification wins when it names a known type.
	finalType := stringField(llmData, "site_type")
	if _, ok := sectionMap[finalType]; !ok {
		finalType = keywordType
	}
	if _, ok := sectionMap[finalType]; !ok {
		finalType = "general"
	}

	brand := stringField(llmData, "brand_name")
	if brand == "" {
		brand = stringField(llmData, "title")
	}
	if brand == "" {
		brand = extractName(idea)
	}

	spec := &SiteSpec{
		ProjectName:         kebabCase(brand),
		SiteType:            finalType,
		Strategy:            StrategyFor(finalType),
		Title:               fieldOr(llmData, "title", brand),
		Tagline:             fieldOr(llmData, "tagline", "Welcome to "+brand),
		Description:         fieldOr(llmData, "description", truncate(idea, 300)),
		ColorScheme:         fieldOr(llmData, "color_scheme", "dark with cyan and purple accents"),
		Style:               fieldOr(llmData, "style", "modern"),
		BrandName:           brand,
		TargetAudience:      fieldOr(llmData, "target_audience", "Everyone"),
		KeyFeatures:         stringSliceField(llmData, "key_features"),
		SpecialInstructions: fieldOr(llmData, "special_instructions", idea),
		Sections:            SectionsFor(finalType),
	}
	return spec
}

func extractJSONObject(content string) (map[string]interface{}, bool) {
	content = strings.TrimSpace(content)
	if strings.Contains(content, "```") {
		parts := strings.Split(content, "```")
		if len(parts) > 1 {
			content = parts[1]
		}
		content = strings.TrimPrefix(content, "json")
	}
	s := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if s == -1 || end == -1 || end < s {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(content[s:end+1]), &m); err != nil {
		return nil, false
	}
	return m, true
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

func kebabCase(s string) string {
	out := nonAlnumRe.ReplaceAllString(strings.ToLower(s), "-")
	if len(out) > 30 {
		out = out[:30]
	}
	return strings.Trim(out, "-")
}

var nameStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "build": true, "create": true,
	"make": true, "i": true, "want": true, "need": true, "with": true,
	"for": true, "and": true, "or": true, "of": true, "website": true,
	"site": true, "page": true, "web": true, "app": true,
}

// extractName derives a brand name from the idea's leading content words.
func extractName(idea string) string {
	var words []string
	for _, w := range strings.Fields(idea) {
		if nameStopWords[strings.ToLower(w)] {
			continue
		}
		w = strings.Trim(w, ".,!?")
		if w == "" {
			continue
		}
		words = append(words, titleWord(w))
		if len(words) == 3 {
			break
		}
	}
	if len(words) == 0 {
		return "My App"
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	runes := []rune(strings.ToLower(w))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func fieldOr(m map[string]interface{}, key, fallback string) string {
	if v := stringField(m, key); v != "" {
		return v
	}
	return fallback
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
