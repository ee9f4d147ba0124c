package builder

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceMarkerRe = regexp.MustCompile("```[a-z]*")
	importLineRe  = regexp.MustCompile(`^import\s`)
	anyExportFnRe = regexp.MustCompile(`(?m)^\s*export\s+default\s+function\s+\w+\s*\(`)
	helperDeclRe  = regexp.MustCompile(`(?m)^[ \t]*(?:function\s+([A-Z]\w*)\s*\(|const\s+([A-Z]\w*)\s*=\s*(?:\([^)]*\)\s*=>|function)\s*\{)`)
)

// extractComponent rebuilds a valid React component from messy model
// output: it collects import lines from anywhere, keeps PascalCase
// helper functions the export actually references, adopts the largest
// helper as the main component when the export is just a thin wrapper
// around it, and falls back to a guaranteed-valid stub when nothing
// usable can be recovered. The returned notes describe what happened.
func extractComponent(code, name string) (string, []string) {
	var notes []string

	code = strings.TrimSpace(fenceMarkerRe.ReplaceAllString(code, ""))

	var imports []string
	seen := map[string]bool{}
	for _, line := range strings.Split(code, "\n") {
		s := strings.TrimSpace(line)
		if importLineRe.MatchString(s) && !seen[s] {
			imports = append(imports, s)
			seen[s] = true
		}
	}

	exportRe := regexp.MustCompile(`(?m)^\s*export\s+default\s+function\s+` + regexp.QuoteMeta(name) + `\s*\(`)
	loc := exportRe.FindStringIndex(code)
	if loc == nil {
		loc = anyExportFnRe.FindStringIndex(code)
	}
	if loc == nil {
		return safeComponent(name), append(notes, "no export default function, safe fallback")
	}
	exportStart := loc[0]

	// Helper components declared outside the export, keyed by name.
	type helper struct {
		name  string
		block string
	}
	var helpers []helper
	seenHelpers := map[string]bool{}
	for _, m := range helperDeclRe.FindAllStringSubmatchIndex(code, -1) {
		fnName := submatch(code, m, 1)
		if fnName == "" {
			fnName = submatch(code, m, 2)
		}
		if fnName == "" || fnName == name || seenHelpers[fnName] || m[0] == exportStart {
			continue
		}
		block, _ := braceExtract(code, m[0])
		if len(block) > 30 {
			helpers = append(helpers, helper{fnName, block})
			seenHelpers[fnName] = true
		}
	}

	funcBody, _ := braceExtract(code, exportStart)
	if funcBody == "" {
		return safeComponent(name), append(notes, "no opening brace after export, safe fallback")
	}
	funcBody = stripCommonIndent(funcBody)

	// Keep only helpers the export body references as a tag or value.
	var used []helper
	for _, h := range helpers {
		if strings.Contains(funcBody, "<"+h.name) || strings.Contains(funcBody, "{"+h.name) {
			used = append(used, h)
		}
	}
	if len(used) > 0 {
		var names []string
		for _, h := range used {
			names = append(names, h.name)
		}
		notes = append(notes, "included helper(s): "+strings.Join(names, ", "))
	}

	// Thin wrapper: the export is tiny and the real component lives in a
	// helper. First re-check loosely for any mention of a helper name.
	if len(used) == 0 && len(funcBody) < 350 && len(helpers) > 0 {
		for _, h := range helpers {
			if strings.Contains(funcBody, h.name) {
				used = []helper{h}
				notes = append(notes, "loose-match helper "+h.name+" included")
				break
			}
		}
	}
	if len(used) == 0 && len(funcBody) < 350 && len(helpers) > 0 {
		largest := helpers[0]
		for _, h := range helpers[1:] {
			if len(h.block) > len(largest.block) {
				largest = h
			}
		}
		notes = append(notes, fmt.Sprintf("thin wrapper (%dB), adopted %s as main component", len(funcBody), largest.name))
		adopted := largest.block
		adopted = replaceFirst(adopted, `\bfunction\s+`+regexp.QuoteMeta(largest.name)+`\b`, "function "+name)
		adopted = replaceFirst(adopted, `\bconst\s+`+regexp.QuoteMeta(largest.name)+`\b`, "const "+name)
		adopted = strings.TrimLeft(adopted, " \t")
		if strings.HasPrefix(adopted, "function ") {
			adopted = "export default " + adopted
		} else if strings.HasPrefix(adopted, "const ") {
			// A const declaration cannot carry "export default" inline.
			adopted += "\n\nexport default " + name
		}
		funcBody = adopted
		used = nil
	}

	if len(imports) == 0 {
		imports = []string{"import { motion } from 'framer-motion'"}
	}

	parts := []string{strings.Join(imports, "\n"), ""}
	for _, h := range used {
		parts = append(parts, h.block, "")
	}
	parts = append(parts, funcBody)
	result := strings.Join(parts, "\n") + "\n"

	if diff := strings.Count(result, "{") - strings.Count(result, "}"); diff > 4 || diff < -4 {
		return safeComponent(name), append(notes, "unbalanced braces after extraction, safe fallback")
	}
	return result, notes
}

// braceExtract returns the text from start through the brace that closes
// the first "{" at or after start, and the index of that closing brace.
// An unbalanced block yields the rest of the string.
func braceExtract(src string, start int) (string, int) {
	bp := strings.Index(src[start:], "{")
	if bp == -1 {
		return "", -1
	}
	depth := 0
	for pos := start + bp; pos < len(src); pos++ {
		switch src[pos] {
		case '{':
			depth++
		case '}':
			depth--
		}
		if depth == 0 {
			return strings.TrimSpace(src[start : pos+1]), pos
		}
	}
	return strings.TrimSpace(src[start:]), len(src) - 1
}

// stripCommonIndent removes the first line's indentation from every line
// that carries it, so a block extracted mid-file starts at column zero.
func stripCommonIndent(block string) string {
	lines := strings.Split(block, "\n")
	if len(lines) == 0 {
		return block
	}
	indent := len(lines[0]) - len(strings.TrimLeft(lines[0], " "))
	if indent == 0 {
		return block
	}
	prefix := strings.Repeat(" ", indent)
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			lines[i] = l[indent:]
		}
	}
	return strings.Join(lines, "\n")
}

func submatch(s string, idx []int, group int) string {
	if 2*group+1 >= len(idx) || idx[2*group] < 0 {
		return ""
	}
	return s[idx[2*group]:idx[2*group+1]]
}

func replaceFirst(s, pattern, replacement string) string {
	re := regexp.MustCompile(pattern)
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + replacement + s[loc[1]:]
}
