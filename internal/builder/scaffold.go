package builder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// packageJSON is the generated project manifest. Field order matters for
// readability of the emitted file, not for npm.
type packageJSON struct {
	Name            string            `json:"name"`
	Private         bool              `json:"private"`
	Version         string            `json:"version"`
	Type            string            `json:"type"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

var pkgNameRe = regexp.MustCompile(`[^a-z0-9-]`)

func packageName(title string) string {
	name := pkgNameRe.ReplaceAllString(strings.ToLower(title), "-")
	if len(name) > 28 {
		name = name[:28]
	}
	name = strings.Trim(name, "-")
	if name == "" {
		return "app"
	}
	return name
}

// configFiles returns the non-generated project files: manifest, vite,
// tailwind and postcss configs.
func configFiles(title string, devPort int) map[string]string {
	pkg := packageJSON{
		Name:    packageName(title),
		Private: true,
		Version: "0.0.0",
		Type:    "module",
		Scripts: map[string]string{
			"dev":     "vite",
			"build":   "vite build",
			"preview": "vite preview",
		},
		Dependencies: map[string]string{
			"react":         "^18.2.0",
			"react-dom":     "^18.2.0",
			"framer-motion": "^11.0.0",
			"react-icons":   "^5.0.0",
		},
		DevDependencies: map[string]string{
			"@vitejs/plugin-react": "^4.2.0",
			"autoprefixer":         "^10.4.0",
			"postcss":              "^8.4.0",
			"tailwindcss":          "^3.4.0",
			"vite":                 "^5.0.0",
		},
	}
	manifest, _ := json.MarshalIndent(pkg, "", "  ")

	viteConfig := fmt.Sprintf(`import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'
export default defineConfig({
  plugins: [react()],
  server: { port: %d },
})
`, devPort)

	tailwindConfig := `export default {
  content: ['./index.html', './src/**/*.{js,ts,jsx,tsx}'],
  theme: {
    extend: {
      colors: {
        accent:  '#6366f1',
        accent2: '#22d3ee',
        dark:    '#0a0a0f',
        dark2:   '#12121a',
        card:    '#1e1e2e',
      },
      fontFamily: { sans: ['Inter', 'system-ui', 'sans-serif'] },
    },
  },
  plugins: [],
}
`

	return map[string]string{
		"package.json":       string(manifest) + "\n",
		"vite.config.js":     viteConfig,
		"tailwind.config.js": tailwindConfig,
		"postcss.config.js":  "export default { plugins: { tailwindcss: {}, autoprefixer: {} } }\n",
	}
}

func indexHTML(title string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width,initial-scale=1.0" />
  <title>%s</title>
  <link rel="preconnect" href="https://fonts.googleapis.com" />
  <link href="https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700;800;900&display=swap" rel="stylesheet" />
</head>
<body>
  <div id="root"></div>
  <script type="module" src="/src/main.jsx"></script>
</body>
</html>
`, title)
}

func mainJSX() string {
	return `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.jsx'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>
)
`
}

// accentColors picks the two accent colors from the requested scheme.
func accentColors(colorScheme string) (string, string) {
	cl := strings.ToLower(colorScheme)
	switch {
	case strings.Contains(cl, "red") || strings.Contains(cl, "mario"):
		return "#ff4444", "#ff9f43"
	case strings.Contains(cl, "green"):
		return "#10b981", "#059669"
	case strings.Contains(cl, "orange"):
		return "#f59e0b", "#ef4444"
	case strings.Contains(cl, "pink"):
		return "#ec4899", "#8b5cf6"
	case strings.Contains(cl, "gold") || strings.Contains(cl, "yellow"):
		return "#fbbf24", "#f59e0b"
	case strings.Contains(cl, "purple"):
		return "#a855f7", "#6366f1"
	}
	return "#6366f1", "#22d3ee"
}

func indexCSS(colorScheme string) string {
	acc, acc2 := accentColors(colorScheme)
	return fmt.Sprintf(`@tailwind base;
@tailwind components;
@tailwind utilities;

@layer base {
  * { scroll-behavior: smooth; box-sizing: border-box; }
  /* Safety net: the body always has a dark bg and visible text, so a
     component that forgets its background never renders a blank page. */
  html, body, #root {
    min-height: 100vh;
    background-color: #0a0a0f;
    color: #e2e8f0;
  }
  body { @apply font-sans; }
  ::-webkit-scrollbar { width: 5px; }
  ::-webkit-scrollbar-track { @apply bg-dark2; }
  ::-webkit-scrollbar-thumb { background: %s; border-radius: 99px; }
}
@layer utilities {
  .gradient-text {
    background: linear-gradient(135deg, %s, %s);
    -webkit-background-clip: text;
    -webkit-text-fill-color: transparent;
    background-clip: text;
  }
  .glass {
    backdrop-filter: blur(20px);
    background: rgba(30,30,46,0.55);
    border: 1px solid rgba(255,255,255,0.08);
  }
  .glow { box-shadow: 0 0 30px %s33; border: 1px solid %s44; }
}
`, acc, acc, acc2, acc, acc)
}

// appShell generates App.jsx for the multi-section strategy: it imports
// every section and wraps each in a scroll-triggered motion container.
func appShell(title string, sections []string) string {
	var nonNavbar []string
	for _, s := range sections {
		if s != "Navbar" {
			nonNavbar = append(nonNavbar, s)
		}
	}

	lines := []string{
		"import { motion } from 'framer-motion'",
		"import Navbar from './components/Navbar'",
	}
	for _, s := range nonNavbar {
		lines = append(lines, fmt.Sprintf("import %s from './components/%s'", s, s))
	}
	lines = append(lines,
		"",
		"const fadeUp = { hidden:{opacity:0,y:40}, visible:{opacity:1,y:0,transition:{duration:0.65}} }",
		"",
		"export default function App() {",
		"  return (",
		"    <div className='bg-dark min-h-screen overflow-x-hidden'>",
		"      <Navbar />",
	)
	for _, s := range nonNavbar {
		lines = append(lines,
			fmt.Sprintf("      <motion.div id='%s' className='py-20 px-6 max-w-7xl mx-auto'", strings.ToLower(s)),
			"        initial='hidden' whileInView='visible' viewport={{ once:true, amount:0.08 }} variants={fadeUp}>",
			fmt.Sprintf("        <%s />", s),
			"      </motion.div>",
		)
	}
	lines = append(lines,
		"      <footer className='border-t border-white/10 py-6 text-center text-gray-500 text-sm'>",
		fmt.Sprintf("        <p>© %d %s</p>", time.Now().Year(), title),
		"      </footer>",
		"    </div>",
		"  )",
		"}",
	)
	return strings.Join(lines, "\n") + "\n"
}

// singleAppShell generates App.jsx for the single-component strategy.
func singleAppShell() string {
	return `import AppComponent from './components/App'
export default function App() {
  return <div className='min-h-screen overflow-x-hidden'><AppComponent /></div>
}
`
}

// safeComponent is the guaranteed-valid replacement for a component the
// model could not produce. It always compiles and always renders.
func safeComponent(name string) string {
	return fmt.Sprintf(`import { motion } from 'framer-motion'
export default function %[1]s() {
  return (
    <section id='%[2]s' className='py-20 px-6'>
      <motion.div className='max-w-4xl mx-auto text-center'
        initial={{opacity:0,y:30}} whileInView={{opacity:1,y:0}}
        transition={{duration:0.6}} viewport={{once:true}}>
        <h2 className='text-5xl font-black mb-4' style={{
          background:'linear-gradient(135deg,#6366f1,#22d3ee)',
          WebkitBackgroundClip:'text', WebkitTextFillColor:'transparent'
        }}>%[1]s</h2>
        <p className='text-gray-400 text-lg'>Section content goes here.</p>
      </motion.div>
    </section>
  )
}
`, name, strings.ToLower(name))
}

// fallbackNavbar is the hand-written Navbar used when generation fails.
func fallbackNavbar(title string, sections []string) string {
	var links []string
	for _, s := range sections {
		if s != "Navbar" {
			links = append(links, s)
		}
	}

	var desktop []string
	for _, s := range links {
		desktop = append(desktop, fmt.Sprintf(
			`<a href="#%s" onClick={smoothScroll} className="text-sm text-gray-400 hover:text-white transition-colors uppercase tracking-widest">%s</a>`,
			strings.ToLower(s), s))
	}
	var mobile []string
	for _, s := range links {
		mobile = append(mobile, fmt.Sprintf(
			`<a href="#%s" onClick={smoothScroll} className="text-gray-300 py-2 border-b border-white/10">%s</a>`,
			strings.ToLower(s), s))
	}

	lines := []string{
		"import { useState, useEffect } from 'react'",
		"export default function Navbar() {",
		"  const [scrolled, setScrolled] = useState(false)",
		"  const [open, setOpen] = useState(false)",
		"  useEffect(() => {",
		"    const fn = () => setScrolled(window.scrollY > 50)",
		"    window.addEventListener('scroll', fn)",
		"    return () => window.removeEventListener('scroll', fn)",
		"  }, [])",
		"  const smoothScroll = (e) => {",
		"    e.preventDefault()",
		"    const id = e.target.getAttribute('href')?.slice(1)",
		"    document.getElementById(id)?.scrollIntoView({ behavior: 'smooth' })",
		"    setOpen(false)",
		"  }",
		"  return (",
		"    <nav className={`fixed top-0 w-full z-50 transition-all duration-300 ${scrolled ? 'backdrop-blur-xl bg-black/60 border-b border-white/10' : 'bg-transparent'}`}>",
		`      <div className="max-w-7xl mx-auto px-6 py-4 flex justify-between items-center">`,
		fmt.Sprintf(`        <a href="#" className="text-xl font-black gradient-text">%s</a>`, title),
		`        <div className="hidden md:flex gap-8">`,
		"          " + strings.Join(desktop, "\n          "),
		"        </div>",
		`        <button className="md:hidden text-white text-xl" onClick={() => setOpen(!open)}>☰</button>`,
		"      </div>",
		"      {open && (",
		`        <div className="md:hidden bg-black/90 px-6 py-4 flex flex-col gap-3">`,
		"          " + strings.Join(mobile, "\n          "),
		"        </div>",
		"      )}",
		"    </nav>",
		"  )",
		"}",
	}
	return strings.Join(lines, "\n") + "\n"
}
