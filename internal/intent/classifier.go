// Package intent classifies follow-up instructions against an existing
// project. Classification is pure and synchronous: no I/O, no model
// calls, the same inputs always produce the same answer.
package intent

import (
	"errors"
	"regexp"
	"strings"
)

// Intent is the classified kind of a follow-up instruction.
type Intent string

const (
	// Patch is a surgical single-component edit: no test loop afterward.
	Patch Intent = "patch"
	// Modify regenerates the targeted components and re-runs verification.
	Modify Intent = "modify"
	// Feature adds a new component and injects it into the app shell.
	Feature Intent = "feature"
)

// ErrEmptyInstruction is returned for blank instructions.
var ErrEmptyInstruction = errors.New("instruction is empty")

// Component is one existing project component with its source.
type Component struct {
	Name   string
	Source string
}

// ProjectState is the classifier's view of the target project.
type ProjectState struct {
	Components []Component
}

// Names returns the component names.
func (s ProjectState) Names() []string {
	names := make([]string, len(s.Components))
	for i, c := range s.Components {
		names[i] = c.Name
	}
	return names
}

// featureKeywords are addition signals. Checked before patch signals:
// an instruction that both adds and tweaks is an addition.
var featureKeywords = []string{
	"add a ", "add an ", "add new ", "create a ", "create an ",
	"new section", "new feature", "new component", "new page",
	"new tab", "new button", "new card", "new block",
	"include a ", "build a ", "implement a ", "introduce a ",
}

// patchPhrases are the literal small-edit signals.
var patchPhrases = []string{
	"change the text", "change the color", "change the colour",
	"change the title", "change the heading", "change the label",
	"change the button text", "change the background",
	"update the text", "update the color", "update the colour",
	"rename ", "make it ", "set the color", "set background",
	"font size", "font color", "change font",
	"replace the text", "fix the text", "fix typo", "spelling",
	"lighter", "darker", "bigger text", "smaller text",
	"make the text", "make the color", "make the background",
}

// Edit-verb + edit-surface co-occurrence also signals a patch, covering
// phrasings like "change the button color to blue" that the literal
// list misses.
var (
	patchVerbs = []string{
		"change", "update", "set", "make", "fix", "replace", "rename", "adjust",
	}
	patchSurfaces = []string{
		"text", "copy", "wording", "color", "colour", "title", "heading",
		"label", "background", "font", "typo", "spelling",
	}
)

// uiElements are concrete page elements a patch may reference. When an
// instruction names one, some component's source must actually contain
// it; universal surfaces (text, color, background) match any component.
var uiElements = []string{
	"button", "link", "input", "form", "card", "icon", "nav",
}

// componentTokenRe matches PascalCase words with an interior capital,
// e.g. TodoList or PricingTable.
var componentTokenRe = regexp.MustCompile(`^[A-Z][a-z0-9]*(?:[A-Z][A-Za-z0-9]*)+$`)

// sectionVocabulary are well-known section component names that read as
// component references even without an interior capital.
var sectionVocabulary = map[string]bool{
	"Hero": true, "Navbar": true, "Features": true, "About": true,
	"Pricing": true, "Contact": true, "Footer": true,
	"Testimonials": true, "Gallery": true, "FAQ": true, "CTA": true,
	"Menu": true, "Services": true, "Team": true, "Projects": true,
	"Skills": true, "Newsletter": true, "Reservations": true,
}

// Classify determines the intent of instruction against state.
func Classify(instruction string, state ProjectState) (Intent, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", ErrEmptyInstruction
	}
	lower := strings.ToLower(instruction)

	for _, kw := range featureKeywords {
		if strings.Contains(lower, kw) {
			return Feature, nil
		}
	}
	if ref := unknownComponentReference(instruction, state.Names()); ref != "" {
		return Feature, nil
	}

	if hasPatchSignal(lower) && hasMatchingComponent(lower, state) {
		return Patch, nil
	}

	return Modify, nil
}

// Parse validates a client-supplied intent override. Empty means
// "classify automatically".
func Parse(s string) (Intent, bool) {
	switch Intent(s) {
	case Patch, Modify, Feature:
		return Intent(s), true
	case "":
		return "", true
	}
	return "", false
}

func hasPatchSignal(lower string) bool {
	for _, p := range patchPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	verb := false
	for _, v := range patchVerbs {
		if containsWord(lower, v) {
			verb = true
			break
		}
	}
	if !verb {
		return false
	}
	for _, s := range patchSurfaces {
		if containsWord(lower, s) {
			return true
		}
	}
	return false
}

// hasMatchingComponent reports whether the project has a component the
// patch can land on: a mentioned name, a semantic-map hit, or a
// component whose source contains the referenced page element. An
// instruction naming only universal surfaces matches any component.
func hasMatchingComponent(lower string, state ProjectState) bool {
	if len(state.Components) == 0 {
		return false
	}
	for _, c := range state.Components {
		if strings.Contains(lower, strings.ToLower(c.Name)) {
			return true
		}
	}
	if len(SemanticTargets(lower, state.Names())) > 0 {
		return true
	}

	referencedElement := false
	for _, el := range uiElements {
		if !containsWord(lower, el) {
			continue
		}
		referencedElement = true
		for _, c := range state.Components {
			if strings.Contains(strings.ToLower(c.Source), el) {
				return true
			}
		}
	}
	// A concrete element was named but no component renders it.
	return !referencedElement
}

// unknownComponentReference returns the first component-like token in
// instruction that does not name an existing component.
func unknownComponentReference(instruction string, existing []string) string {
	known := make(map[string]bool, len(existing))
	for _, name := range existing {
		known[name] = true
	}
	for _, raw := range strings.Fields(instruction) {
		tok := strings.Trim(raw, ".,!?;:\"'()")
		if len(tok) <= 3 {
			continue
		}
		if !componentTokenRe.MatchString(tok) && !sectionVocabulary[tok] {
			continue
		}
		if !known[tok] {
			return tok
		}
	}
	return ""
}

func containsWord(lower, word string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(lower[start-1])
		afterOK := end == len(lower) || !isWordChar(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
