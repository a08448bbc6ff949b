// Package oracle implements the shared LLM invocation envelope used by
// the question generator, plan builder, and critic layer-validator
// (§4.3): (system prompt, user prompt) -> decoded JSON object.
package oracle

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dataset-eval/harness/pkg/models"
)

var errNoChoices = errors.New("oracle returned no choices")

// Client is the oracle's call surface. All three callers share it.
type Client interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error)
}

// backoffSchedule is the fixed 3-attempt exponential schedule from
// §4.3 (5s, 10s, 20s), specialising the teacher's general-purpose
// InternalRetryPolicy (pkg/engine/retry_policy.go) to this one fixed
// shape.
var backoffSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// rateLimitVocabulary is the provider-vocabulary string match used to
// classify a failure as rate-limited (§4.3).
var rateLimitVocabulary = []string{"rate limit", "rate_limit", "too many requests", "429"}

// OpenAIClient adapts github.com/sashabaranov/go-openai to the Client
// interface, grounded in the teacher's OpenAICompletionExecutor
// (internal/application/executor/node_executors.go).
type OpenAIClient struct {
	api   *openai.Client
	Model string
}

// NewOpenAIClient builds a client. baseURL may be empty to use the
// default OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(cfg), Model: model}
}

// Call sends one chat completion request and decodes the response as
// JSON, retrying up to 3 times with the fixed exponential schedule on
// rate-limit or parse errors (§4.3).
func (c *OpenAIClient) Call(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	var lastErr error

	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &models.OracleError{Kind: "other", Err: ctx.Err()}
			case <-time.After(backoffSchedule[attempt-1]):
			}
		}

		result, err := c.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *OpenAIClient) callOnce(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return nil, &models.OracleError{Kind: classifyTransportError(err), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &models.OracleError{Kind: "other", Err: errNoChoices}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	decoded, err := DecodeJSONObject(content)
	if err != nil {
		return nil, &models.OracleError{Kind: "parse_error", Err: err}
	}
	return decoded, nil
}

func isRetryable(err error) bool {
	return models.IsRateLimited(err) || models.IsParseError(err)
}

func classifyTransportError(err error) string {
	msg := strings.ToLower(err.Error())
	for _, v := range rateLimitVocabulary {
		if strings.Contains(msg, v) {
			return "rate_limited"
		}
	}
	return "other"
}
