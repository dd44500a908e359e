package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Workspace is an isolated clone owned by one task execution
type Workspace struct {
	Path string
	Repo *git.Repository
	auth transport.AuthMethod
}

// WorkspaceManager creates one clone directory per running task
type WorkspaceManager struct {
	root string
}

// NewWorkspaceManager creates a new WorkspaceManager
func NewWorkspaceManager(root string) *WorkspaceManager {
	return &WorkspaceManager{root: root}
}

// TokenAuth returns HTTPS credentials for a provider token, or nil for
// remotes that need none.
func TokenAuth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: token}
}

// Create clones url into a fresh directory for the task
func (m *WorkspaceManager) Create(ctx context.Context, taskID, url string, auth transport.AuthMethod) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	path := filepath.Join(m.root, fmt.Sprintf("%s-%s", taskID, randomSuffix()))
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	return &Workspace{Path: path, Repo: repo, auth: auth}, nil
}

// Remove deletes a workspace directory
func (m *WorkspaceManager) Remove(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	return os.RemoveAll(ws.Path)
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
