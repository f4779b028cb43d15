package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/PortNumber53/coach-planner/internal/models"
)

const (
	// FallbackReply is returned when the model produces no content.
	FallbackReply = "I'm sorry, I couldn't generate a proper response."

	toolWebSearch = "web_search"

	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second

	systemPrompt = "You're a sports expert AI assistant. Your job is to provide insightful, accurate, and concise " +
		"information about football and other sports. You can discuss teams, players, match stats, recent scores, " +
		"upcoming fixtures, and sports news. If a question requires real-time or current data, call the web_search " +
		"tool to fetch updated info."

	toolNotExecuted  = "Not executed: only one web search is allowed per reply."
	toolBadArguments = "Error: web_search needs a JSON object with a non-empty \"query\" string."
)

var (
	// ErrServiceUnavailable is returned after the upstream model kept failing
	// transiently for every attempt.
	ErrServiceUnavailable = errors.New("agent: service unavailable")

	// ErrInternal is returned for any non-transient failure.
	ErrInternal = errors.New("agent: internal error")
)

// ChatCompleter is the subset of the go-openai client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Searcher runs a web search and returns a plain-text digest.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Orchestrator produces one assistant reply per user utterance. It keeps no
// memory of its own; the transcript passed to Respond is the whole context.
type Orchestrator struct {
	llm         ChatCompleter
	search      Searcher
	model       string
	temperature float32
	maxAttempts int
	retryDelay  time.Duration
	sleep       Sleeper
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithSleeper replaces the retry sleeper.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithRetryPolicy overrides the attempt budget and the fixed retry delay.
func WithRetryPolicy(maxAttempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		o.retryDelay = delay
	}
}

// New creates an Orchestrator. search may be nil, in which case tool calls
// are answered with an explanatory message.
func New(llm ChatCompleter, search Searcher, model string, temperature float32, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:         llm,
		search:      search,
		model:       model,
		temperature: temperature,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOpenAIClient builds a go-openai client for any OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(config)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Respond returns the assistant's reply to utterance given the prior turns.
// Transient upstream failures are retried with a fixed delay; after the last
// attempt the error wraps ErrServiceUnavailable. Anything else wraps
// ErrInternal and is not retried.
func (o *Orchestrator) Respond(ctx context.Context, utterance string, history []models.ConversationTurn) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		m := getMetrics()
		m.attempts.Inc()

		reply, err := o.respondOnce(ctx, utterance, history)
		if err == nil {
			m.outcomes.WithLabelValues(outcomeSuccess).Inc()
			return reply, nil
		}
		lastErr = err

		if !isTransient(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("[agent] non-retryable failure")
			m.outcomes.WithLabelValues(outcomeInternal).Inc()
			return "", fmt.Errorf("%w: %w", ErrInternal, err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", o.maxAttempts).Msg("[agent] transient upstream failure")
		if attempt == o.maxAttempts {
			break
		}
		m.retries.Inc()
		if err := o.sleep(ctx, o.retryDelay); err != nil {
			m.outcomes.WithLabelValues(outcomeUnavailable).Inc()
			return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
	}

	getMetrics().outcomes.WithLabelValues(outcomeUnavailable).Inc()
	return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, lastErr)
}

func (o *Orchestrator) messages(utterance string, history []models.ConversationTurn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: utterance})
}

func (o *Orchestrator) respondOnce(ctx context.Context, utterance string, history []models.ConversationTurn) (string, error) {
	msgs := o.messages(utterance, history)

	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.temperature,
		Tools:       []openai.Tool{webSearchTool},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return FallbackReply, nil
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return replyText(msg.Content), nil
	}

	msgs = append(msgs, msg)
	searched := false
	for _, call := range msg.ToolCalls {
		result := toolNotExecuted
		if !searched && call.Function.Name == toolWebSearch {
			out, err := o.runSearch(ctx, call.Function.Arguments)
			if err != nil {
				return "", err
			}
			result = out
			searched = true
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result,
			ToolCallID: call.ID,
		})
	}

	final, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", err
	}
	if len(final.Choices) == 0 {
		return FallbackReply, nil
	}
	return replyText(final.Choices[0].Message.Content), nil
}

func (o *Orchestrator) runSearch(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	// Bad arguments are reported back to the model so it can still answer.
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		log.Warn().Err(err).Msg("[agent] malformed web_search arguments")
		return toolBadArguments, nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return toolBadArguments, nil
	}
	if o.search == nil {
		return "Web search is not available right now.", nil
	}

	getMetrics().searches.Inc()
	log.Debug().Str("query", args.Query).Msg("[agent] running web search")
	out, err := o.search.Search(ctx, args.Query)
	if err != nil {
		return "", &toolError{err: err}
	}
	return out, nil
}

func replyText(content string) string {
	if strings.TrimSpace(content) == "" {
		return FallbackReply
	}
	return content
}

var webSearchTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        toolWebSearch,
		Description: "Search the web for up-to-date or factual information",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type": "string", "description": "The search query",
				},
			},
			"required": []string{"query"},
		},
	},
}

// toolError marks a failure of the search tool. It is never retried.
type toolError struct {
	err error
}

func (e *toolError) Error() string { return "search tool: " + e.err.Error() }

func (e *toolError) Unwrap() error { return e.err }

// isTransient reports whether err is an upstream 5xx from the model provider.
func isTransient(err error) bool {
	var te *toolError
	if errors.As(err, &te) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500
	}
	return false
}
