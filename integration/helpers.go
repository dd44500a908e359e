//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binary    string
	buildErr  error
)

// binaryPath builds cmd/taskpilot once per test run
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = os.ErrNotExist
			return
		}
		root := filepath.Dir(filepath.Dir(filename))
		dir, err := os.MkdirTemp("", "taskpilot-bin-*")
		if err != nil {
			buildErr = err
			return
		}
		binary = filepath.Join(dir, "taskpilot")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/taskpilot")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = &buildError{err: err, out: string(out)}
		}
	})
	if buildErr != nil {
		t.Fatalf("building taskpilot: %v", buildErr)
	}
	return binary
}

type buildError struct {
	err error
	out string
}

func (e *buildError) Error() string { return e.err.Error() + "\n" + e.out }

// writeConfig writes a config using a fresh sqlite database in a temp dir
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config := `[general]
database_path = "` + filepath.Join(dir, "taskpilot.db") + `"
work_dir = "` + filepath.Join(dir, "work") + `"
log_level = "error"

[dispatch]
strategy = "log"

[queue]
backend = "sqlite"

[admission]
default_budget = 500.0
`
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// run executes the CLI with a clean environment and returns its output
func run(t *testing.T, config string, args ...string) (string, error) {
	t.Helper()
	return runEnv(t, config, nil, args...)
}

func runEnv(t *testing.T, config string, env []string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append(args, "--config", config)...)
	cmd.Env = append([]string{"HOME=" + t.TempDir(), "PATH=" + os.Getenv("PATH")}, env...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
