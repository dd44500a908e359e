// Package llm generates task titles and pull request metadata with a small
// language model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hochfrequenz/taskpilot/internal/billing"
	"github.com/hochfrequenz/taskpilot/internal/prompts"
)

// ErrUnavailable is returned when no model is configured
var ErrUnavailable = errors.New("llm: no model configured")

// PRInfo is the generated title and labels of a pull request
type PRInfo struct {
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
}

// Summarizer produces short texts about a task. Usage is returned even when
// the answer could not be used, so it can still be billed.
type Summarizer interface {
	TaskTitle(ctx context.Context, issueBody, userRequest string) (string, *billing.Usage, error)
	PRInfo(ctx context.Context, description string) (*PRInfo, *billing.Usage, error)
}

// Anthropic is a Summarizer backed by the Messages API
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a summarizer for model
func NewAnthropic(apiKey, model string, maxTokens int, opts ...option.RequestOption) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

// TaskTitle summarizes a request into a short imperative title
func (a *Anthropic) TaskTitle(ctx context.Context, issueBody, userRequest string) (string, *billing.Usage, error) {
	prompt := fmt.Sprintf("# Issue description\n%s\n\n# User request\n%s\n\nTask Title:", issueBody, userRequest)
	system, err := prompts.Default().LoadRaw(prompts.LLMTitle)
	if err != nil {
		return "", nil, err
	}
	text, usage, err := a.complete(ctx, "Generate task title", system, prompt)
	if err != nil {
		return "", usage, err
	}
	title := strings.Trim(strings.TrimSpace(text), `"`)
	if title == "" {
		return "", usage, errors.New("llm: empty title")
	}
	return title, usage, nil
}

// PRInfo derives pull request metadata from the agent's answer
func (a *Anthropic) PRInfo(ctx context.Context, description string) (*PRInfo, *billing.Usage, error) {
	system, err := prompts.Default().LoadRaw(prompts.LLMPRInfo)
	if err != nil {
		return nil, nil, err
	}
	text, usage, err := a.complete(ctx, "Generate PR info", system, "Description: "+description)
	if err != nil {
		return nil, usage, err
	}
	info, err := ParsePRInfo(text)
	return info, usage, err
}

func (a *Anthropic) complete(ctx context.Context, title, system, prompt string) (string, *billing.Usage, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", strings.ToLower(title), err)
	}

	usage := &billing.Usage{
		Title:            title,
		Model:            a.model,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		Requests:         1,
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), usage, nil
}

// ParsePRInfo extracts the JSON object from a model answer
func ParsePRInfo(text string) (*PRInfo, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("llm: no JSON object in %q", text)
	}
	var info PRInfo
	if err := json.Unmarshal([]byte(text[start:end+1]), &info); err != nil {
		return nil, fmt.Errorf("llm: parsing PR info: %w", err)
	}
	if strings.TrimSpace(info.Title) == "" {
		return nil, errors.New("llm: PR info without title")
	}
	return &info, nil
}

// Offline is used when no API key is configured. Titles are derived from the
// request text and PR info is unavailable.
type Offline struct{}

const maxTitleRunes = 60

func (Offline) TaskTitle(_ context.Context, _, userRequest string) (string, *billing.Usage, error) {
	title, _, _ := strings.Cut(strings.TrimSpace(userRequest), "\n")
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	if title == "" {
		return "", nil, ErrUnavailable
	}
	return title, nil, nil
}

func (Offline) PRInfo(context.Context, string) (*PRInfo, *billing.Usage, error) {
	return nil, nil, ErrUnavailable
}
