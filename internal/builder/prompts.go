package builder

import (
	"encoding/json"
	"fmt"
	"strings"
)

// systemPrompt is sent with every generation and repair request. The
// reference example and numbered rules exist because small local models
// reliably repeat structure they have just seen; the backtick template
// literal in the example is spliced in because Go raw strings cannot
// contain backticks.
var systemPrompt = `You are an expert React + Tailwind developer.
Output ONLY complete, valid JSX code. No markdown fences, no explanation, no preamble.

═══════════════════════════════════════════════════════════
REFERENCE EXAMPLE — your output must follow this structure EXACTLY:
═══════════════════════════════════════════════════════════

import { useState } from 'react'
import { motion } from 'framer-motion'
import { FiMail, FiCheck, FiArrowRight } from 'react-icons/fi'

export default function Newsletter() {
  // ── All data and state go INSIDE the function ──────────
  const plans = [
    { id: 1, name: 'Weekly Digest', desc: 'Best articles every Monday' },
    { id: 2, name: 'Daily Brief',   desc: 'Quick updates every morning' },
  ]
  const [email, setEmail]   = useState('')
  const [plan, setPlan]     = useState(1)
  const [done, setDone]     = useState(false)

  // ── Regex and computed values hoisted ABOVE return() ───
  const reEmail = /[^a-zA-Z0-9@._+-]/g
  const reTrim  = /\s+/g
  const halfLen = Math.floor(plans.length / 2)   // division OK inside Math.*
  const stepVal = 1 / plans.length                // division outside JSX

  const handleSubmit = (e) => {
    e.preventDefault()
    const cleaned = email.replace(reEmail, '').replace(reTrim, '')
    if (!cleaned.includes('@')) return
    setDone(true)
  }

  if (done) return (
    <div className="min-h-screen bg-gray-900 flex items-center justify-center">
      <motion.div initial={{ opacity: 0, scale: 0.9 }}
        animate={{ opacity: 1, scale: 1 }}
        className="text-center text-white">
        <FiCheck className="text-5xl text-green-400 mx-auto mb-4" />
        <h2 className="text-3xl font-bold">You're subscribed!</h2>
      </motion.div>
    </div>
  )

  return (
    <div className="min-h-screen bg-gray-900 text-white py-20 px-6">
      <div className="max-w-2xl mx-auto">
        <motion.h1 initial={{ opacity: 0, y: 30 }} animate={{ opacity: 1, y: 0 }}
          className="text-5xl font-black mb-4 gradient-text">
          Stay in the Loop
        </motion.h1>
        <ul className="mb-8 space-y-3">
          {plans.map(p => (
            <li key={p.id}
              onClick={() => setPlan(p.id)}
              className={` + "`" + `p-4 rounded-xl cursor-pointer border transition ${
                plan === p.id ? 'border-indigo-500 bg-indigo-500/10' : 'border-white/10'
              }` + "`" + `}>
              <span className="font-semibold">{p.name}</span>
              <span className="text-gray-400 ml-2 text-sm">{p.desc}</span>
            </li>
          ))}
        </ul>
        <form onSubmit={handleSubmit} className="flex gap-3">
          <input type="email" value={email}
            onChange={e => setEmail(e.target.value)}
            placeholder="your@email.com"
            className="flex-1 bg-gray-800 border border-white/10 rounded-xl px-4 py-3 text-white" />
          <button type="submit"
            className="flex items-center gap-2 px-6 py-3 bg-indigo-500 hover:bg-indigo-400 rounded-xl font-semibold transition">
            Subscribe <FiArrowRight />
          </button>
        </form>
        <p className="text-gray-500 text-sm mt-4 flex items-center gap-2">
          <FiMail /> No spam. Unsubscribe anytime.
        </p>
      </div>
    </div>
  )
}

═══════════════════════════════════════════════════════════
MANDATORY RULES — violations cause runtime errors:
═══════════════════════════════════════════════════════════
1. Imports first. Then IMMEDIATELY export default function. NOTHING between them.
2. ALL data arrays, constants, state go INSIDE the function body.
3. NEVER: const Component = () => {}  — arrow components are BANNED.
4. NEVER: define function then export default separately at the bottom.
5. NEVER split into multiple named functions.
   NO 'function Calculator()' + 'function App() { return <Calculator/> }'.
   ALL logic lives in ONE export default function. This is the most important rule.
6. NEVER import from 'react-icons/all' — use 'react-icons/fi', '/fa', '/hi', etc.
7. ONLY use packages from this EXACT allowed list — NO others:
   ALLOWED: react, react-dom, framer-motion, react-icons
   react-icons usage: import { FiHome } from 'react-icons/fi'
   BANNED (will crash Vite): react-scroll, lucide-react, react-leaflet,
     react-router-dom, axios, lodash, chart.js, d3, three, @mui/material,
     @chakra-ui/react, react-query, zustand, styled-components, classnames,
     react-spring, react-use, @heroicons/react, react-helmet, react-hot-toast.
   If you need a MAP: use a plain <div> with a styled placeholder — no leaflet.
   If you need CHARTS: use pure CSS/SVG bars — no chart.js/d3.
   If you need ROUTING: use useState for view switching — no react-router.
8. Self-close void elements: <br />, <img />, <input />, <hr />
9. Outermost div MUST have explicit background: bg-gray-900, bg-slate-950, bg-black.
   NEVER leave root div transparent — causes blank white pages.
10. Only real icon names: FiHome, FiX, FiCircle, FiStar, FiMenu, FiGrid, FiArrowRight,
    FiPhone, FiMail, FiUser, FiSettings, FiCode, FiHeart, FiPlus, FiTrash2, FiEdit.
    NEVER invent: FiOval, FiMultiply, FiCross, FiGamepad2, FiCalculator.
11. NEVER write /regex/ inside JSX — hoist to const above return():
      WRONG: onChange={e => setValue(e.target.value.replace(/[^0-9]/g, ''))}
      RIGHT: const reDigits = /[^0-9]/g;  ...  .replace(reDigits, '')
12. NEVER write division inside JSX {}: Babel misreads / as regex start.
      WRONG: <input step={30/60} />  or  <div>{count/total}</div>
      RIGHT: const stepVal = 30/60;  ...  <input step={stepVal} />
`

// clip truncates s to at most n bytes, mirroring how prompt budgets are
// enforced everywhere in this package.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func appPrompt(title, description, color, style, instructions string, features []string, siteType string) string {
	feat := "standard features for this type"
	if len(features) > 0 {
		if len(features) > 6 {
			features = features[:6]
		}
		feat = strings.Join(features, ", ")
	}
	return fmt.Sprintf(`Build a complete, fully functional React single-page %s for:
Title: %s
Style: %s | Colors: %s
Description: %s
Key features: %s
Instructions: %s

Requirements:
- All interactive logic with useState/useEffect
- Visually stunning, production-quality design
- Tailwind CSS + framer-motion animations + react-icons
- Real content — no placeholders
- Export default function App()

Output ONLY the JSX starting with imports.
`, siteType, title, style, color, clip(description, 250), feat, clip(instructions, 250))
}

func navbarPrompt(title string, sections []string) string {
	type link struct {
		Label string `json:"label"`
		Href  string `json:"href"`
	}
	var links []link
	for _, s := range sections {
		if s != "Navbar" {
			links = append(links, link{Label: s, Href: "#" + strings.ToLower(s)})
		}
	}
	raw, _ := json.Marshal(links)
	return fmt.Sprintf(`Write a React Navbar component for '%s'.
Navigation links: %s

Requirements:
- Fixed top position, z-index: 50
- Glassmorphism background that appears on scroll (useEffect + useState)
- Gradient logo text
- Smooth scroll to section on link click
- Mobile hamburger menu (useState)
- Export default function Navbar()

Output ONLY the JSX starting with imports.
`, title, raw)
}

func sectionPrompt(section, title, description, color, style, siteType, instructions string) string {
	return fmt.Sprintf(`Write a complete React '%s' section component.
Website: %s (%s)
Style: %s | Colors: %s
Description: %s
Instructions: %s

Requirements:
- Production quality, visually stunning
- framer-motion whileInView animations (initial={opacity:0,y:30} → animate={opacity:1,y:0})
- Tailwind CSS — use dark backgrounds, gradients, glass effects
- Real, specific content matching the website theme (not placeholder text)
- Fully responsive (mobile-first)
- Export default function %s()

Output ONLY the JSX starting with imports.
`, section, title, siteType, style, color, clip(description, 180), clip(instructions, 180), section)
}

// repairPrompt assembles the fix request. The extracted console errors,
// actionable instructions and previous raw output sections are optional
// and arrive pre-rendered.
func repairPrompt(name, broken, errors, codebase, consoleSection, fixesSection, rawSection string) string {
	return fmt.Sprintf(`Fix the broken React component below.
%s%s
═══ ALL ERRORS ═══
%s

═══ CODEBASE CONTEXT ═══
%s

═══ BROKEN COMPONENT: %s ═══
%s
%s
═══ INSTRUCTIONS ═══
- Fix EVERY error listed above — the browser console errors are the true cause
- ONLY import from: react, react-dom, framer-motion, react-icons/*
- BANNED packages (not installed, will crash): react-leaflet, react-router-dom,
  axios, lodash, chart.js, d3, three, @mui/material, @chakra-ui/react,
  react-query, zustand, styled-components, react-hot-toast, react-helmet
- If you were using react-leaflet: replace with a <div> map placeholder
- Only use icons that actually exist: FiHome, FiX, FiCircle, FiGrid, FiStar, FiMenu, etc.
- Do NOT invent icon names — if unsure, use FiBox or FiSquare as a safe fallback
- NEVER write /regex/ literals inside JSX — hoist them to const before return()
- ALL logic must go inside the single export default function %s() — no split components
- Keep the same visual design and structure
- Output ONLY the complete fixed JSX. Start with imports. No explanation.
- Must end with: export default function %s()
`, consoleSection, fixesSection, clip(errors, 400), clip(codebase, 1800), name, clip(broken, 2500), rawSection, name, name)
}

const targetsSystemPrompt = `You are a JSON API. Output ONLY a raw JSON array of strings. ` +
	`No explanation, no markdown, no preamble. Example: ["Hero", "Features"]`

func targetsUserPrompt(components []string, request, bias, codebaseCtx string) string {
	compList := "(none)"
	if len(components) > 0 {
		compList = strings.Join(components, ", ")
	}
	return fmt.Sprintf(`Existing components: %s

User request: %s

Rule: %s

Codebase:
%s

Which component(s) to change? JSON array only:`, compList, request, bias, clip(codebaseCtx, 900))
}

const targetsBiasFeature = "The user wants to ADD something new. You may return a new PascalCase " +
	"component name if no existing component is appropriate."

const targetsBiasExisting = "The user wants to MODIFY existing UI. You MUST return only names from " +
	"the existing component list. Do NOT invent new names."

// updatePrompt builds the request for an update run. Patch requests get
// the full current code and surgical instructions; modify requests get
// the code plus read-only codebase context; new components get codebase
// context only, to copy the visual style from.
func updatePrompt(name, existing, request, codebaseCtx string, isNew bool, intentKind string) string {
	if isNew {
		return fmt.Sprintf(`Create a NEW React component called '%s'.

USER REQUEST: %s

EXISTING CODEBASE — match this style exactly (colors, fonts, design language):
%s

Requirements:
- Export default function %s()
- Mirror the exact color scheme and visual style of the existing components above
- framer-motion animations, Tailwind CSS, react-icons/fi
- Real specific content — no placeholder text
- Outermost element must have an explicit dark background
- Output ONLY the complete JSX starting with import statements
`, name, request, clip(codebaseCtx, 2000), name)
	}

	if intentKind == "patch" {
		return fmt.Sprintf(`Make this SMALL change to the '%s' React component:

CHANGE: %s

CURRENT FULL CODE (change ONLY what is described above, nothing else):
%s

STRICT RULES:
- Change ONLY what is explicitly asked — do not restructure, rename, or restyle anything else
- Keep every import, every function, every className unchanged unless the request mentions it
- Do not add new features, animations, or sections not in the request
- Export default function %s()
- Output the COMPLETE updated JSX starting with import statements
`, name, request, existing, name)
	}

	return fmt.Sprintf(`Update the '%s' component as described.

REQUEST: %s

CURRENT CODE (read this carefully — implement the request, preserve everything else):
%s

OTHER PROJECT FILES (context only — do NOT change these):
%s

RULES:
- Implement the requested changes fully
- Preserve ALL existing functionality, content, and styling not mentioned in the request
- Do not add unrelated features or change the visual design of untouched sections
- Export default function %s()
- Output the COMPLETE updated JSX starting with import statements
`, name, request, existing, clip(codebaseCtx, 1200), name)
}
