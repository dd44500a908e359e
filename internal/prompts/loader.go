package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths relative to the prompt root
const (
	AgentTask = "agent/task.md"
	LLMTitle  = "llm/title.md"
	LLMPRInfo = "llm/pr-info.md"
)

// Loader resolves prompt files from override directories before falling
// back to the embedded defaults.
type Loader struct {
	overrideDirs []string
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta is the frontmatter of a prompt file
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader checks dir (when set) and then ~/.config/taskpilot/prompts
func DefaultLoader(dir string) *Loader {
	var dirs []string
	if dir != "" {
		dirs = append(dirs, dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "taskpilot", "prompts"))
	}
	return NewLoader(dirs...)
}

func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, path)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)
	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as body
	}

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(str[4:4+end]), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return &meta, str[4+end+5:], nil
}

// LoadTemplate loads and parses a template by path (e.g. "agent/task.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	tmpl, err := template.New(path).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()
	return tmpl, meta, nil
}

// LoadRaw returns the body of a prompt file without template processing
func (l *Loader) LoadRaw(path string) (string, error) {
	content, err := l.loadContent(path)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", path, err)
	}
	_, body, err := parseFrontmatter(content)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return strings.TrimSpace(body), nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}
	return buf.String(), nil
}

// List returns the metadata of every embedded prompt
func (l *Loader) List() ([]*TemplateMeta, error) {
	var result []*TemplateMeta
	err := fs.WalkDir(embeddedFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		_, meta, err := l.LoadTemplate(path)
		if err != nil {
			return err
		}
		if meta != nil {
			result = append(result, meta)
		}
		return nil
	})
	return result, err
}

// AgentData holds template variables for the agent prompt
type AgentData struct {
	Repo        string
	UserRequest string
	Hints       string
}

// BuildAgentPrompt renders the instructions for one agent run
func (l *Loader) BuildAgentPrompt(data AgentData) (string, error) {
	return l.Execute(AgentTask, data)
}

var (
	defaultLoader     *Loader
	defaultLoaderOnce sync.Once
	defaultMu         sync.RWMutex
)

// Default returns the process-wide loader
func Default() *Loader {
	defaultLoaderOnce.Do(func() {
		defaultMu.Lock()
		if defaultLoader == nil {
			defaultLoader = DefaultLoader("")
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLoader
}

// SetDefault replaces the process-wide loader, e.g. with one that reads a
// configured prompts directory.
func SetDefault(l *Loader) {
	defaultLoaderOnce.Do(func() {})
	defaultMu.Lock()
	defaultLoader = l
	defaultMu.Unlock()
}
