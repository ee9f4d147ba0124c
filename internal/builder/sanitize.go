package builder

import (
	"fmt"
	"regexp"
	"strings"
)

// The passes below run on every component before it reaches disk. Each
// one neutralizes a model mistake that is known to take down the Vite
// dev server: imports of packages that are not installed, invented icon
// names, unclosed void elements, regex literals and bare division inside
// JSX expressions, duplicate declarations, and components that render
// themselves.

var reactIconsAllRe = regexp.MustCompile(`import\s*\{([^}]+)\}\s*from\s*['"]react-icons/all['"]`)

var iconPrefixRe = regexp.MustCompile(`^([A-Z][a-z]+)`)

// iconPrefixPkg maps an icon-name prefix to its react-icons subpackage.
var iconPrefixPkg = map[string]string{
	"Fa": "fa", "Fa6": "fa6",
	"Hi": "hi", "Hi2": "hi2",
	"Md": "md", "Io": "io", "Io5": "io5",
	"Bs": "bs", "Ri": "ri", "Si": "si",
	"Ti": "ti", "Ai": "ai", "Bi": "bi",
	"Ci": "ci", "Di": "di", "Fc": "fc",
	"Gi": "gi", "Go": "go", "Gr": "gr",
	"Im": "im", "Lu": "lu", "Pi": "pi",
	"Rx": "rx", "Sl": "sl", "Tb": "tb",
	"Tfi": "tfi", "Vsc": "vsc", "Wi": "wi",
	"Cg": "cg", "Fi": "fi", "Fl": "fa",
}

// regroupIconsImport splits one "react-icons/all" import into per-family
// imports, keeping the icons in their original order within each family.
func regroupIconsImport(importStmt string) string {
	sub := reactIconsAllRe.FindStringSubmatch(importStmt)
	if sub == nil {
		return importStmt
	}
	var order []string
	groups := map[string][]string{}
	for _, icon := range strings.Split(sub[1], ",") {
		icon = strings.TrimSpace(icon)
		if icon == "" {
			continue
		}
		pkg := "fi"
		if p := iconPrefixRe.FindString(icon); p != "" {
			if mapped, ok := iconPrefixPkg[p]; ok {
				pkg = mapped
			}
		}
		if _, ok := groups[pkg]; !ok {
			order = append(order, pkg)
		}
		groups[pkg] = append(groups[pkg], icon)
	}
	lines := make([]string, 0, len(order))
	for _, pkg := range order {
		lines = append(lines, fmt.Sprintf("import { %s } from 'react-icons/%s'", strings.Join(groups[pkg], ", "), pkg))
	}
	return strings.Join(lines, "\n")
}

type iconRename struct {
	bad  string
	re   *regexp.Regexp
	good string
}

// iconRenames maps icon names models invent to real ones. Order is the
// application order.
var iconRenames = func() []iconRename {
	pairs := [][2]string{
		{"FiOval", "FiCircle"}, {"FiO", "FiCircle"}, {"FiRing", "FiCircle"},
		{"FiEllipse", "FiCircle"}, {"FiDisc2", "FiDisc"}, {"FiCircleFill", "FiCircle"},
		{"FiCross", "FiX"}, {"FiXMark", "FiX"}, {"FiTimes", "FiX"},
		{"FiPlus2", "FiPlus"}, {"FiStar2", "FiStar"}, {"FiHome2", "FiHome"},
		{"FiMenu2", "FiMenu"}, {"FiArrow", "FiArrowRight"}, {"FiButton", "FiSquare"},
		{"FiCode2", "FiCode"}, {"FiPhone2", "FiPhone"}, {"FiMail2", "FiMail"},
		{"FiGamepad", "FiGrid"}, {"FiBoard", "FiGrid"}, {"FiGrid2", "FiGrid"},
		{"FiRefresh", "FiRefreshCw"}, {"FiReset", "FiRefreshCw"},
		{"FiMultiply", "FiX"}, {"FiDivide", "FiSlash"},
		{"FiAdd", "FiPlus"}, {"FiSubtract", "FiMinus"}, {"FiCalculator", "FiHash"},
		{"FiDelete", "FiTrash2"}, {"FiClose", "FiX"}, {"FiCancel", "FiX"},
		{"FiDots", "FiMoreHorizontal"}, {"FiEllipsis", "FiMoreHorizontal"},
		{"FaOval", "FaCircle"}, {"FaCross", "FaTimes"}, {"FaXMark", "FaTimes"},
		{"FaGamepad2", "FaGamepad"}, {"FaBoard", "FaTh"},
		{"HiOval", "HiOutlineCircle"}, {"HiXMark", "HiX"},
	}
	out := make([]iconRename, len(pairs))
	for i, p := range pairs {
		out[i] = iconRename{p[0], regexp.MustCompile(`\b` + p[0] + `\b`), p[1]}
	}
	return out
}()

// bannedPackages are import specifiers that are never installed in a
// generated project. Their import lines are removed outright.
var bannedPackages = []string{
	"react-leaflet", "leaflet",
	"react-router-dom", "react-router",
	"axios", "lodash", "lodash-es",
	"chart.js", "react-chartjs-2",
	"d3", "d3-scale", "d3-shape",
	"three", "@react-three/fiber", "@react-three/drei",
	"@mui/material", "@mui/icons-material",
	"@chakra-ui/react", "@chakra-ui/icons",
	"react-query", "@tanstack/react-query",
	"zustand", "jotai", "recoil",
	"styled-components", "@emotion/react", "@emotion/styled",
	"classnames", "clsx",
	"react-spring", "@react-spring/web",
	"react-use",
	"react-helmet", "react-helmet-async",
	"react-hot-toast", "sonner",
	"react-toastify",
	"react-dnd", "react-beautiful-dnd",
	"react-virtualized", "react-window",
	"react-table", "@tanstack/react-table",
	"react-hook-form", "formik", "yup",
	"date-fns", "dayjs", "moment",
	"uuid", "nanoid",
	"numeral", "accounting",
}

type bannedImport struct {
	pkg string
	re  *regexp.Regexp
}

var bannedImportRes = func() []bannedImport {
	out := make([]bannedImport, len(bannedPackages))
	for i, pkg := range bannedPackages {
		out[i] = bannedImport{pkg, regexp.MustCompile(`(?m)^import\b[^\n]*from\s+['"]` + regexp.QuoteMeta(pkg) + `['"][^\n]*\n?`)}
	}
	return out
}()

var leafletTags = []string{"MapContainer", "TileLayer", "Marker", "Popup", "MapView", "LeafletMap", "OpenStreetMap"}

type tagRemoval struct {
	selfClosing *regexp.Regexp
	paired      *regexp.Regexp
}

var leafletTagRes = func() []tagRemoval {
	out := make([]tagRemoval, len(leafletTags))
	for i, tag := range leafletTags {
		out[i] = tagRemoval{
			selfClosing: regexp.MustCompile(`<` + tag + `[^>]*/?>`),
			paired:      regexp.MustCompile(`(?s)<` + tag + `[^>]*>.*?</` + tag + `>`),
		}
	}
	return out
}()

var mapCommentRe = regexp.MustCompile(`(?i)\{/\*\s*map\s*\*/\}`)

const mapPlaceholder = `<div className="w-full h-64 bg-gray-800 rounded-xl flex items-center justify-center text-gray-500 border border-white/10"><span>Map view</span></div>`

var (
	scrollImportRe     = regexp.MustCompile(`import\s+.*?from\s+['"]react-scroll['"];?\n?`)
	scrollLinkActiveRe = regexp.MustCompile(`<Link\s+to=["']([^"']+)["'][^>]*activeClass=[^>]*>`)
	scrollLinkRe       = regexp.MustCompile(`<Link\s+to=["']([^"']+)["'][^>]*>`)
	lucideFromRe       = regexp.MustCompile(`from\s+['"]lucide-react['"]`)
	luImportNamesRe    = regexp.MustCompile(`\{([^}]+)\}(\s+from\s+['"]react-icons/lu)`)
	heroiconsFromRe    = regexp.MustCompile(`from\s+['"]@heroicons/react/[^'"]+['"]`)
	framerImportRe     = regexp.MustCompile(`import\s*\{([^}]+)\}\s*from\s*['"]framer-motion['"]`)
	onClickStringRe    = regexp.MustCompile(`onClick="(window\.[^"]+)"`)
	classNameTickRe    = regexp.MustCompile("className=(`[^`]+`)")
	returnLineRe       = regexp.MustCompile(`\n[ \t]*return\s*[\(\n]`)
	divAttrRe          = regexp.MustCompile(`(=\{)\s*(\d[\d.]*\s*/\s*\d[\d.]*|\w+\s*/\s*\d[\d.]*)\s*(\})`)
)

// sanitizeJSX is the deterministic rewrite applied to every component
// before it is written. No model involved.
func sanitizeJSX(code, fname string) (string, []string) {
	var changes []string

	if reactIconsAllRe.MatchString(code) {
		n := 0
		code = reactIconsAllRe.ReplaceAllStringFunc(code, func(m string) string {
			n++
			return regroupIconsImport(m)
		})
		changes = append(changes, fmt.Sprintf("rewrote %d react-icons/all import(s)", n))
	}

	for _, r := range iconRenames {
		if !strings.Contains(code, r.bad) {
			continue
		}
		if fixed := r.re.ReplaceAllString(code, r.good); fixed != code {
			code = fixed
			changes = append(changes, "icon "+r.bad+" -> "+r.good)
		}
	}

	for _, b := range bannedImportRes {
		if stripped := b.re.ReplaceAllString(code, ""); stripped != code {
			code = stripped
			changes = append(changes, "removed banned import: "+b.pkg)
		}
	}

	// Removing the import is not enough for leaflet: the tags themselves
	// still crash Vite.
	if strings.Contains(code, "MapContainer") || strings.Contains(code, "TileLayer") || strings.Contains(code, "react-leaflet") {
		for _, t := range leafletTagRes {
			code = t.selfClosing.ReplaceAllString(code, "")
			code = t.paired.ReplaceAllString(code, "")
		}
		code = mapCommentRe.ReplaceAllString(code, mapPlaceholder)
		changes = append(changes, "replaced map markup with placeholder")
	}

	if strings.Contains(code, "react-scroll") {
		code = scrollImportRe.ReplaceAllString(code, "")
		code = scrollLinkActiveRe.ReplaceAllString(code, `<a href="#${1}">`)
		code = scrollLinkRe.ReplaceAllString(code, `<a href="#${1}">`)
		code = strings.ReplaceAll(code, "</Link>", "</a>")
		changes = append(changes, "replaced react-scroll with anchor links")
	}

	if strings.Contains(code, "lucide-react") {
		code = lucideFromRe.ReplaceAllString(code, "from 'react-icons/lu'")
		code = luImportNamesRe.ReplaceAllStringFunc(code, func(m string) string {
			sub := luImportNamesRe.FindStringSubmatch(m)
			if sub == nil {
				return m
			}
			var prefixed []string
			for _, icon := range strings.Split(sub[1], ",") {
				icon = strings.TrimSpace(icon)
				if icon == "" {
					continue
				}
				if !strings.HasPrefix(icon, "Lu") {
					icon = "Lu" + icon + " as " + icon
				}
				prefixed = append(prefixed, icon)
			}
			return "{ " + strings.Join(prefixed, ", ") + " }" + sub[2]
		})
		changes = append(changes, "remapped lucide-react to react-icons/lu")
	}

	code = heroiconsFromRe.ReplaceAllString(code, "from 'react-icons/hi'")

	if strings.Contains(code, "AnimatePresence") && strings.Contains(code, "framer-motion") {
		if sub := framerImportRe.FindStringSubmatch(code); sub != nil && !strings.Contains(sub[1], "AnimatePresence") {
			code = strings.Replace(code, sub[0], strings.Replace(sub[0], "{", "{ AnimatePresence, ", 1), 1)
			changes = append(changes, "added AnimatePresence to framer-motion import")
		}
	}

	code = closeVoidElements(code)
	code = onClickStringRe.ReplaceAllString(code, `onClick={() => ${1}}`)
	code = classNameTickRe.ReplaceAllString(code, `className={${1}}`)

	name := componentStem(fname)
	if fixed, ok := removeDuplicateConst(code, name); ok {
		code = fixed
		changes = append(changes, "removed duplicate const "+name+" declaration")
	}

	if fixed, n := hoistRegexLiterals(code); n > 0 {
		code = fixed
		changes = append(changes, fmt.Sprintf("hoisted %d regex literal(s) before return", n))
	}

	if fixed, n := hoistDivisions(code); n > 0 {
		code = fixed
		changes = append(changes, fmt.Sprintf("hoisted %d JSX division(s)", n))
	}

	if fixed, ok := fixSelfReference(code, name); ok {
		code = fixed
		changes = append(changes, "replaced self-referential render in "+name)
	}

	return code, changes
}

var voidTags = map[string]bool{
	"br": true, "hr": true, "img": true, "input": true, "meta": true,
	"link": true, "area": true, "base": true, "col": true, "embed": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// closeVoidElements turns <br> into <br /> and so on, tracking quotes
// and braces so arrow functions and attribute expressions inside the tag
// are not mistaken for the closing ">".
func closeVoidElements(txt string) string {
	var out strings.Builder
	out.Grow(len(txt))
	n := len(txt)
	i := 0
	for i < n {
		if txt[i] == '<' && i+1 < n && isAlphaByte(txt[i+1]) {
			j := i + 1
			for j < n && isAlnumByte(txt[j]) {
				j++
			}
			tag := strings.ToLower(txt[i+1 : j])
			atBoundary := j >= n || txt[j] != '_'
			if atBoundary && voidTags[tag] {
				start := i
				i = j
				var quote byte
				braces := 0
				closed := false
				for i < n && !closed {
					c := txt[i]
					if quote != 0 {
						if c == quote {
							quote = 0
						}
						i++
						continue
					}
					switch c {
					case '"', '\'':
						quote = c
					case '{':
						braces++
					case '}':
						if braces > 0 {
							braces--
						}
					case '>':
						if braces == 0 {
							out.WriteString(txt[start:i])
							if txt[i-1] != '/' {
								out.WriteString(" /")
							}
							out.WriteByte('>')
							i++
							closed = true
							continue
						}
					}
					i++
				}
				if !closed {
					out.WriteString(txt[start:])
				}
				continue
			}
		}
		out.WriteByte(txt[i])
		i++
	}
	return out.String()
}

func isAlphaByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func isAlnumByte(b byte) bool {
	return isAlphaByte(b) || b >= '0' && b <= '9'
}

func isWordByte(b byte) bool {
	return isAlnumByte(b) || b == '_'
}

// removeDuplicateConst deletes "const Name = () => {...}" when a
// "function Name(" declaration also exists; leaving both produces
// "Identifier has already been declared" at runtime.
func removeDuplicateConst(code, name string) (string, bool) {
	quoted := regexp.QuoteMeta(name)
	hasConst := regexp.MustCompile(`\bconst\s+` + quoted + `\s*=`).MatchString(code)
	hasFunc := regexp.MustCompile(`\bfunction\s+` + quoted + `\s*\(`).MatchString(code)
	if !hasConst || !hasFunc {
		return code, false
	}
	loc := regexp.MustCompile(`\bconst\s+` + quoted + `\s*=\s*(?:\([^)]*\)|)\s*=>\s*`).FindStringIndex(code)
	if loc == nil {
		return code, false
	}
	start, pos := loc[0], loc[1]
	if pos >= len(code) {
		return code, false
	}
	var open, closing byte
	switch code[pos] {
	case '{':
		open, closing = '{', '}'
	case '(':
		open, closing = '(', ')'
	default:
		return code, false
	}
	depth := 1
	pos++
	for pos < len(code) && depth > 0 {
		switch code[pos] {
		case open:
			depth++
		case closing:
			depth--
		}
		pos++
	}
	for pos < len(code) && strings.IndexByte(";\n\r ", code[pos]) >= 0 {
		pos++
	}
	return code[:start] + code[pos:], true
}

const regexMetaChars = `\^[].*+?$|{}`

// findJSRegex locates the first JS regex literal at or after from. The
// opening slash must not follow '<', '/', or a word character (those are
// closing tags, comments, and division), the literal must contain a
// metacharacter, and it must close before the end of the line. Returns
// start and one past the end of the flags, or -1.
func findJSRegex(s string, from int) (int, int) {
	for i := from; i < len(s); i++ {
		if s[i] != '/' {
			continue
		}
		if i > 0 {
			p := s[i-1]
			if p == '<' || p == '/' || isWordByte(p) {
				continue
			}
		}
		// A real regex has a metacharacter before its closing slash;
		// plain text like </li> never does.
		meta := false
		w := i + 1
		for w < len(s) && s[w] != '/' && s[w] != '\n' {
			if strings.IndexByte(regexMetaChars, s[w]) >= 0 {
				meta = true
			}
			w++
		}
		if !meta || w >= len(s) || s[w] != '/' {
			continue
		}
		j := i + 1
		for j < len(s) {
			c := s[j]
			if c == '\\' && j+1 < len(s) && s[j+1] != '\n' {
				j += 2
				continue
			}
			if c == '/' || c == '<' || c == '\n' || c == '\\' {
				break
			}
			j++
		}
		if j <= i+1 || j >= len(s) || s[j] != '/' {
			continue
		}
		j++
		for j < len(s) && strings.IndexByte("gimsuy", s[j]) >= 0 {
			j++
		}
		return i, j
	}
	return -1, -1
}

// importBlockSplit separates the leading import lines from the rest so
// the hoisting passes never touch import specifiers.
func importBlockSplit(code string) (string, string) {
	lines := strings.SplitAfter(code, "\n")
	count := 0
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t != "" && !importLineRe.MatchString(t) {
			break
		}
		count++
	}
	return strings.Join(lines[:count], ""), strings.Join(lines[count:], "")
}

func injectBeforeReturn(s, inject string) string {
	loc := returnLineRe.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + inject + s[loc[0]:]
}

// hoistRegexLiterals moves /regex/ literals out of the component body
// into consts above the first return. Babel cannot tell a regex literal
// from division inside JSX and fails with "Unterminated regular
// expression".
func hoistRegexLiterals(code string) (string, int) {
	impBlock, rest := importBlockSplit(code)
	if s, _ := findJSRegex(rest, 0); s < 0 {
		return code, 0
	}
	var consts []string
	var out strings.Builder
	pos := 0
	for {
		start, end := findJSRegex(rest, pos)
		if start < 0 {
			break
		}
		name := fmt.Sprintf("_re%d", len(consts))
		out.WriteString(rest[pos:start])
		out.WriteString(name)
		consts = append(consts, "  const "+name+" = "+rest[start:end]+";")
		pos = end
	}
	out.WriteString(rest[pos:])
	if len(consts) == 0 {
		return code, 0
	}
	inject := "\n" + strings.Join(consts, "\n") + "\n"
	return impBlock + injectBeforeReturn(out.String(), inject), len(consts)
}

// hoistDivisions rewrites attr={a/b} into a hoisted const for the same
// Babel reason. The pattern is deliberately narrow: only bare division
// between an identifier or number and a number, directly inside an
// attribute expression.
func hoistDivisions(code string) (string, int) {
	impBlock, rest := importBlockSplit(code)
	var consts []string
	replaced := divAttrRe.ReplaceAllStringFunc(rest, func(m string) string {
		sub := divAttrRe.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		name := fmt.Sprintf("_dv%d", len(consts))
		consts = append(consts, "  const "+name+" = "+strings.TrimSpace(sub[2])+";")
		return sub[1] + name + sub[3]
	})
	if len(consts) == 0 {
		return code, 0
	}
	inject := "\n" + strings.Join(consts, "\n") + "\n"
	return impBlock + injectBeforeReturn(replaced, inject), len(consts)
}

// fixSelfReference replaces "return (<Name />)" inside Name's own export
// with a static section, which would otherwise recurse forever.
func fixSelfReference(code, name string) (string, bool) {
	quoted := regexp.QuoteMeta(name)
	if !regexp.MustCompile(`\bexport default function\s+` + quoted + `\b`).MatchString(code) {
		return code, false
	}
	m := regexp.MustCompile(`return\s*\(\s*<` + quoted + `\s*/?>\s*\)`).FindString(code)
	if m == "" {
		return code, false
	}
	safe := fmt.Sprintf(`return (<section id="%s" className="py-20 px-6 text-center"><h2 className="text-4xl font-bold text-white mb-4">%s</h2><p className="text-gray-400">Content loading...</p></section>)`,
		strings.ToLower(name), name)
	return strings.ReplaceAll(code, m, safe), true
}
