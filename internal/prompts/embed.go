// Package prompts provides the prompt templates used for agent runs and
// LLM summaries. Embedded defaults can be overridden per file on disk.
package prompts

import "embed"

//go:embed agent/*.md llm/*.md
var embeddedFS embed.FS
