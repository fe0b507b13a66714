package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/tracecast/internal/trace"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// maxPromptSteps caps how many steps are described to the model.
const maxPromptSteps = 200

// SessionSummary is the model's description of a recorded walkthrough.
type SessionSummary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Client wraps the Anthropic API for walkthrough summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for summarizing a
// walkthrough.
func buildSummaryPrompt(meta *trace.Metadata, steps []trace.Step) (system string, user string) {
	system = `You summarize narrated code walkthroughs recorded by a coding agent. Return ONLY a JSON object with these fields:
- "title": a short title for the walkthrough (at most 8 words)
- "summary": 2-5 sentences of markdown describing what the walkthrough covers, which files it visits, and what a reviewer should look at

Rules:
- Base the summary only on the steps provided
- Mention file paths in backticks
- Do not invent changes that the steps do not describe
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	if meta != nil {
		if meta.Title != "" {
			fmt.Fprintf(&sb, "Working title: %s\n", meta.Title)
		}
		if meta.Agent != "" {
			fmt.Fprintf(&sb, "Recorded by: %s\n", meta.Agent)
		}
		if meta.Commit != "" {
			fmt.Fprintf(&sb, "Commit: %s\n", meta.Commit)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Steps:\n")
	for i, st := range steps {
		if i == maxPromptSteps {
			fmt.Fprintf(&sb, "... %d more steps omitted\n", len(steps)-maxPromptSteps)
			break
		}
		fmt.Fprintf(&sb, "%d. [%s]", i+1, st.Type)
		if st.Title != "" {
			fmt.Fprintf(&sb, " %s", st.Title)
		}
		if st.FilePath != "" {
			fmt.Fprintf(&sb, " (%s", st.FilePath)
			if st.Range != nil {
				fmt.Fprintf(&sb, ":%s", st.Range)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
		if st.Narration != "" {
			fmt.Fprintf(&sb, "   %s\n", st.Narration)
		}
	}
	user = sb.String()
	return
}

// SummarizeSession asks the model for a title and summary of a walkthrough.
func (c *Client) SummarizeSession(ctx context.Context, meta *trace.Metadata, steps []trace.Step) (*SessionSummary, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps to summarize")
	}
	systemPrompt, userPrompt := buildSummaryPrompt(meta, steps)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseSummary(text)
}

func parseSummary(text string) (*SessionSummary, error) {
	text = stripFencing(text)
	var s SessionSummary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	s.Title = strings.TrimSpace(s.Title)
	s.Summary = strings.TrimSpace(s.Summary)
	if s.Summary == "" {
		return nil, fmt.Errorf("LLM response has an empty summary")
	}
	return &s, nil
}

// stripFencing removes a surrounding markdown code fence, if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
