package llmservice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/apperr"
	"docqa/internal/backoff"
	"docqa/internal/config"
	"docqa/internal/models"
)

// Model is the part of llms.Model the generator needs.
type Model interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// NewModel builds the chat model for the configured provider.
func NewModel(llmConfig *config.LLMConfig) (Model, error) {
	log.Debug().Str("provider", llmConfig.Provider).Str("model", llmConfig.Model).Msg("Creating inference client")
	switch llmConfig.Provider {
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "initialize ollama client", err)
		}
		return llm, nil
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "initialize openai client", err)
		}
		return llm, nil
	default:
		return nil, apperr.Newf(apperr.KindConfiguration, "unknown inference provider %q", llmConfig.Provider)
	}
}

// Generator answers a question from retrieved context snippets.
type Generator struct {
	model       Model
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
	temperature float64
	maxTokens   int
	sleep       func(ctx context.Context, d time.Duration) error
}

var thinkTag = regexp.MustCompile(models.ThinkTag)

func NewGenerator(model Model, llmConfig *config.LLMConfig) *Generator {
	g := &Generator{
		model:       model,
		timeout:     llmConfig.Timeout,
		maxRetries:  llmConfig.MaxRetries,
		retryDelay:  llmConfig.RetryDelay,
		temperature: llmConfig.Temperature,
		maxTokens:   llmConfig.MaxTokens,
		sleep:       backoff.Sleep,
	}
	if g.timeout <= 0 {
		g.timeout = 60 * time.Second
	}
	if g.maxTokens <= 0 {
		g.maxTokens = 500
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	}
	if g.retryDelay <= 0 {
		g.retryDelay = 500 * time.Millisecond
	}
	return g
}

// Budget is the worst case duration of one Generate call including retries.
func (g *Generator) Budget() time.Duration {
	return backoff.Budget(g.timeout, g.retryDelay, g.maxRetries)
}

// BuildMessages renders the grounding prompt as a system and a human message.
func BuildMessages(query string, contexts []string) []llms.MessageContent {
	snippets := "(no relevant snippets were found)"
	if len(contexts) > 0 {
		snippets = strings.Join(contexts, models.ContextSeparator)
	}
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPromptTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(models.UserPromptTemplate, snippets, query)),
	}
}

// Generate returns the model's answer. A timed out attempt or a 4xx answer
// is not retried. An empty completion is replaced by a fixed message.
func (g *Generator) Generate(ctx context.Context, query string, contexts []string) (string, error) {
	messages := BuildMessages(query, contexts)

	var (
		res *llms.ContentResponse
		err error
	)
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, backoff.Delay(g.retryDelay, attempt-1)); err != nil {
				return "", err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		res, err = g.model.GenerateContent(callCtx, messages,
			llms.WithTemperature(g.temperature),
			llms.WithMaxTokens(g.maxTokens),
		)
		expired := callCtx.Err() == context.DeadlineExceeded
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if expired || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Dur("timeout", g.timeout).Msg("Answer generation timed out")
			return "", apperr.Wrap(apperr.KindUpstreamTimeout, "language model did not answer in time", err).
				WithDetail("timeout_seconds", g.timeout.Seconds())
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Answer generation failed")
		if backoff.Permanent(err) {
			break
		}
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindGeneration, "language model call failed", err)
	}

	answer := ""
	if len(res.Choices) > 0 {
		answer = strings.TrimSpace(thinkTag.ReplaceAllString(res.Choices[0].Content, ""))
	}
	if answer == "" {
		log.Warn().Msg("LLM returned an empty response")
		return models.EmptyAnswer, nil
	}
	return answer, nil
}
