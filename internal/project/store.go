// Package project owns the on-disk registry of generated projects.
package project

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown project names.
var ErrNotFound = errors.New("project not found")

// ErrUnsafePath is returned when a relative path escapes the project root.
var ErrUnsafePath = errors.New("unsafe file path")

var slugRe = regexp.MustCompile(`[^a-z0-9]`)

// Slug reduces name to the canonical project slug: lowercase
// alphanumerics, at most 20 characters, fallback if nothing survives.
func Slug(name, fallback string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "")
	if len(s) > 20 {
		s = s[:20]
	}
	if s == "" {
		return fallback
	}
	return s
}

// Summary describes one project for listing.
type Summary struct {
	Name      string    `json:"name"`
	Title     string    `json:"title"`
	FileCount int       `json:"file_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileEntry is one tracked file with display metadata.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    string `json:"size"`
}

// Store is the project registry rooted at a single directory.
type Store struct {
	root string
}

// NewStore creates the registry, ensuring the root directory exists.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating projects dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the registry root directory.
func (s *Store) Root() string { return s.root }

// Path returns the absolute directory of a project without checking existence.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Exists reports whether the project directory is present.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && info.IsDir()
}

// Ensure creates the project directory tree (src/components included).
func (s *Store) Ensure(name string) error {
	return os.MkdirAll(filepath.Join(s.Path(name), "src", "components"), 0o755)
}

// safeJoin resolves rel inside the project directory, rejecting escapes.
func (s *Store) safeJoin(name, rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(s.Path(name), clean), nil
}

// WriteFile writes one project file, creating parent directories.
// Returns the byte size written.
func (s *Store) WriteFile(name, rel, content string) (int, error) {
	abs, err := s.safeJoin(name, rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return len(content), nil
}

// ReadFile reads one project file.
func (s *Store) ReadFile(name, rel string) (string, error) {
	abs, err := s.safeJoin(name, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HasFile reports whether a project file exists.
func (s *Store) HasFile(name, rel string) bool {
	abs, err := s.safeJoin(name, rel)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// Components returns the project's component names (src/components/*.jsx
// stems), sorted.
func (s *Store) Components(name string) ([]string, error) {
	dir := filepath.Join(s.Path(name), "src", "components")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var comps []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsx") {
			continue
		}
		comps = append(comps, strings.TrimSuffix(e.Name(), ".jsx"))
	}
	sort.Strings(comps)
	return comps, nil
}

// importantFiles is the display order for the head of a file listing.
var importantFiles = []string{
	"src/App.jsx",
	"src/main.jsx",
	"src/index.css",
	"index.html",
	"package.json",
	"vite.config.js",
	"tailwind.config.js",
}

// Files returns the project's tracked files in display order: the
// important files first, then components sorted by name.
func (s *Store) Files(name string) ([]FileEntry, error) {
	if !s.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var out []FileEntry
	appendFile := func(rel string) {
		content, err := s.ReadFile(name, rel)
		if err != nil {
			return
		}
		out = append(out, FileEntry{Path: rel, Content: content, Size: FormatSize(len(content))})
	}

	for _, rel := range importantFiles {
		appendFile(rel)
	}
	comps, err := s.Components(name)
	if err != nil {
		return nil, err
	}
	for _, c := range comps {
		appendFile("src/components/" + c + ".jsx")
	}
	return out, nil
}

// List returns summaries of all projects, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		pkgRaw, err := s.ReadFile(name, "package.json")
		if err != nil {
			continue // not a generated project
		}
		title := name
		var pkg struct {
			Name string `json:"name"`
		}
		if json.Unmarshal([]byte(pkgRaw), &pkg) == nil && pkg.Name != "" {
			title = pkg.Name
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			Name:      name,
			Title:     title,
			FileCount: s.countSourceFiles(name),
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *Store) countSourceFiles(name string) int {
	count := 0
	src := filepath.Join(s.Path(name), "src")
	_ = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".jsx") || strings.HasSuffix(path, ".css") {
			count++
		}
		return nil
	})
	return count
}

// Import writes an uploaded file map as a new (or replaced) project.
// Returns the sanitized project name.
func (s *Store) Import(name string, files map[string]string) (string, error) {
	slug := Slug(name, "imported")
	if err := s.Ensure(slug); err != nil {
		return "", err
	}
	for rel, content := range files {
		if _, err := s.WriteFile(slug, rel, content); err != nil {
			return "", fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return slug, nil
}

// skipInArchive names directory entries excluded from exports.
var skipInArchive = map[string]bool{
	"node_modules": true,
	"dist":         true,
	".git":         true,
}

// ExportArchive writes a zip of the project's current file set to w.
// Read-only: safe to run while a pipeline run is serving the project.
func (s *Store) ExportArchive(w io.Writer, name string) (int, error) {
	if !s.Exists(name) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	zw := zip.NewWriter(w)
	root := s.Path(name)
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipInArchive[d.Name()] && path != root {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("archiving %s: %w", name, err)
	}
	return count, zw.Close()
}

// FormatSize renders a byte count the way the UI displays file sizes.
func FormatSize(n int) string {
	if n >= 1024 {
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	}
	return fmt.Sprintf("%dB", n)
}
