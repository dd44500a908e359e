package executor

import (
	"strings"

	"github.com/hochfrequenz/taskpilot/internal/prompts"
)

// BuildPrompt renders the agent instructions for one task
func BuildPrompt(userRequest, repo string, hints *Hints) (string, error) {
	data := prompts.AgentData{
		Repo:        repo,
		UserRequest: strings.TrimSpace(userRequest),
	}
	if hints != nil {
		data.Hints = strings.TrimSpace(hints.Body)
	}
	return prompts.Default().BuildAgentPrompt(data)
}
