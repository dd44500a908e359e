package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/hochfrequenz/taskpilot/internal/billing"
	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// sessionNamespace makes session IDs deterministic per task so a redelivered
// task resumes the same agent session.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// AgentRequest is the input for one agent invocation
type AgentRequest struct {
	TaskID      string
	Repo        string
	UserRequest string
	Hints       *Hints
	WorkDir     string
}

// AgentResult is what the agent answered and what it cost
type AgentResult struct {
	Output string
	Usage  []billing.Usage
}

// Agent fulfils a user request inside a workspace
type Agent interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// LineFunc receives every line the agent prints
type LineFunc func(line string)

// ClaudeCode runs the claude CLI in print mode
type ClaudeCode struct {
	Command string
	Args    []string
	Timeout time.Duration
	OnLine  LineFunc
}

// NewClaudeCode creates an agent backed by command, "claude" when empty
func NewClaudeCode(command string, args []string, timeout time.Duration) *ClaudeCode {
	if command == "" {
		command = "claude"
	}
	return &ClaudeCode{Command: command, Args: args, Timeout: timeout}
}

// SessionID returns the agent session used for a task
func SessionID(taskID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(taskID)).String()
}

// Invoke runs the agent to completion and returns its final answer
func (c *ClaudeCode) Invoke(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	prompt, err := BuildPrompt(req.UserRequest, req.Repo, req.Hints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentExecution, err)
	}

	args := append([]string{}, c.Args...)
	args = append(args,
		"--print",
		"--verbose", // required for stream-json
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--session-id", SessionID(req.TaskID),
		"-p", prompt,
	)

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	log := clog.FromContext(ctx).With("session", SessionID(req.TaskID))
	log.Infof("starting %s in %s", c.Command, req.WorkDir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrAgentExecution, c.Command, err)
	}

	result, scanErr := c.scan(stdout)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %v", domain.ErrAgentExecution, ctx.Err())
	case waitErr != nil:
		return nil, fmt.Errorf("%w: %v: %s", domain.ErrAgentExecution, waitErr, stderr.String())
	case scanErr != nil:
		return nil, fmt.Errorf("%w: reading output: %v", domain.ErrAgentExecution, scanErr)
	case result == nil:
		return nil, fmt.Errorf("%w: no result message", domain.ErrAgentExecution)
	case result.IsError:
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentExecution, result.Result)
	}

	log.Infof("agent finished: %d input tokens, %d output tokens, $%.4f",
		result.Usage.InputTokens, result.Usage.OutputTokens, result.cost())
	return &AgentResult{
		Output: strings.TrimSpace(result.Result),
		Usage: []billing.Usage{{
			Title:            "Agent",
			Model:            "claude-code",
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			Requests:         max(result.NumTurns, 1),
			CostUSD:          result.cost(),
		}},
	}, nil
}

func (c *ClaudeCode) scan(r io.Reader) (*resultMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var result *resultMessage
	for scanner.Scan() {
		line := scanner.Text()
		if c.OnLine != nil {
			c.OnLine(line)
		}
		if msg := parseResultLine(line); msg != nil {
			result = msg
		}
	}
	return result, scanner.Err()
}

// resultMessage is the final stream-json message of a session
type resultMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	Result   string `json:"result"`
	NumTurns int    `json:"num_turns,omitempty"`
	Usage    struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

func (m *resultMessage) cost() float64 {
	if m.TotalCostUSD > 0 {
		return m.TotalCostUSD
	}
	return m.CostUSD
}

func parseResultLine(line string) *resultMessage {
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	var msg resultMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != "result" {
		return nil
	}
	return &msg
}

// tailBuffer keeps the last few KiB written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const tailSize = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - tailSize; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
