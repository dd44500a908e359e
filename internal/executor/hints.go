package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HintsFile is the repository file carrying guidance for the agent
const HintsFile = ".pilot-hints.md"

// Hints is the parsed content of a repository's hints file
type Hints struct {
	// Labels are added to every pull request opened for the repository.
	Labels []string `yaml:"labels"`
	Body   string   `yaml:"-"`
}

// LoadHints reads the hints file from a workspace. A missing file yields
// empty hints.
func LoadHints(dir string) (*Hints, error) {
	content, err := os.ReadFile(filepath.Join(dir, HintsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &Hints{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", HintsFile, err)
	}
	return ParseHints(content)
}

// ParseHints splits optional YAML frontmatter from the markdown body
func ParseHints(content []byte) (*Hints, error) {
	h := &Hints{}
	if !bytes.HasPrefix(content, []byte("---\n")) {
		h.Body = string(bytes.TrimSpace(content))
		return h, nil
	}

	rest := content[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		h.Body = string(bytes.TrimSpace(content))
		return h, nil
	}
	if err := yaml.Unmarshal(rest[:end], h); err != nil {
		return nil, fmt.Errorf("parsing %s frontmatter: %w", HintsFile, err)
	}
	h.Body = string(bytes.TrimSpace(rest[end+4:]))
	return h, nil
}
