package intent

import "strings"

// semanticMap maps instruction vocabulary to the component(s) that
// conventionally render it. Ordered: earlier entries win on overlap.
var semanticMap = []struct {
	keywords   []string
	candidates []string
}{
	{[]string{"hero", "banner", "header", "headline", "title", "cta button", "main button"}, []string{"Hero"}},
	{[]string{"nav", "navbar", "menu", "link", "navigation"}, []string{"Navbar"}},
	{[]string{"feature", "benefit", "service", "card", "grid"}, []string{"Features"}},
	{[]string{"about", "story", "mission", "team", "who we"}, []string{"About"}},
	{[]string{"price", "pricing", "plan", "tier", "subscription"}, []string{"Pricing"}},
	{[]string{"contact", "form", "email", "reach", "touch"}, []string{"Contact"}},
	{[]string{"footer", "copyright", "social link", "bottom"}, []string{"Footer"}},
	{[]string{"testimonial", "review", "quote", "customer"}, []string{"Testimonials"}},
	{[]string{"gallery", "image", "photo", "portfolio item"}, []string{"Gallery"}},
	{[]string{"faq", "question", "answer", "accordion"}, []string{"FAQ"}},
}

// SemanticCandidates returns the conventional component names the
// instruction's vocabulary points at, in map order.
func SemanticCandidates(instruction string) []string {
	lower := strings.ToLower(instruction)
	var out []string
	seen := map[string]bool{}
	for _, entry := range semanticMap {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				for _, c := range entry.candidates {
					if !seen[c] {
						seen[c] = true
						out = append(out, c)
					}
				}
				break
			}
		}
	}
	return out
}

// SemanticTargets filters SemanticCandidates to components that exist.
func SemanticTargets(instruction string, existing []string) []string {
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}
	var out []string
	for _, c := range SemanticCandidates(instruction) {
		if known[c] {
			out = append(out, c)
		}
	}
	return out
}
