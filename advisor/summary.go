package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Peleke/MindMirror-sub002/errors"
)

const summarySystemPrompt = "You are the on-call assistant for a deployment " +
	"platform. Given a failure and its runbook entry, reply with at most " +
	"three sentences: what broke and the next command or check the operator " +
	"should run. No preamble."

// summarizer condenses a failure into a few operator-facing sentences
// through an OpenAI-compatible chat endpoint. Every call is bounded by
// its own deadline on top of the HTTP client timeout.
type summarizer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func (s *summarizer) summarize(ctx context.Context, failure Failure, hint Hint) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   200,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: summaryPrompt(failure, hint)},
		},
	})
	if err != nil {
		return "", errors.WrapTransient(err, "Advisor", "summarize", "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Advisor", "summarize",
			"completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func summaryPrompt(failure Failure, hint Hint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Environment: %s\n", failure.Environment)
	fmt.Fprintf(&b, "Operation: %s\n", failure.Operation)
	if failure.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", failure.Service)
	}
	fmt.Fprintf(&b, "Error: %s\n", failure.Err)
	fmt.Fprintf(&b, "Runbook scenario: %s\n", hint.Scenario)
	fmt.Fprintf(&b, "Likely cause: %s\n", hint.Cause)
	fmt.Fprintf(&b, "Remediation: %s\n", hint.Remediation)
	return b.String()
}
