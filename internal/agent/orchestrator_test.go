package agent

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coach-planner/internal/models"
)

type step struct {
	resp openai.ChatCompletionResponse
	err  error
}

type scriptedLLM struct {
	steps    []step
	requests []openai.ChatCompletionRequest
}

func (s *scriptedLLM) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("unexpected call")
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	return next.resp, next.err
}

type fakeSearch struct {
	queries []string
	out     string
	err     error
}

func (f *fakeSearch) Search(_ context.Context, q string) (string, error) {
	f.queries = append(f.queries, q)
	return f.out, f.err
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func reply(content string) step {
	return step{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
	}}}
}

func toolCalls(calls ...openai.ToolCall) step {
	return step{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: calls}},
	}}}
}

func searchCall(id, query string) openai.ToolCall {
	return openai.ToolCall{
		ID:       id,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: toolWebSearch, Arguments: `{"query":"` + query + `"}`},
	}
}

func transient() step {
	return step{err: &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "internal"}}
}

func TestRespondPassesHistoryInOrder(t *testing.T) {
	llm := &scriptedLLM{steps: []step{reply("Try 4x8 sprints.")}}
	o := New(llm, nil, "test-model", 0.7)

	history := []models.ConversationTurn{
		{Role: models.RoleUser, Content: "I coach U12 football."},
		{Role: models.RoleAssistant, Content: "Great, how can I help?"},
	}
	out, err := o.Respond(context.Background(), "Conditioning drill?", history)
	require.NoError(t, err)
	assert.Equal(t, "Try 4x8 sprints.", out)

	require.Len(t, llm.requests, 1)
	msgs := llm.requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "I coach U12 football.", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "Conditioning drill?", msgs[3].Content)
	assert.Len(t, llm.requests[0].Tools, 1)
}

func TestRespondRunsSearchOnce(t *testing.T) {
	llm := &scriptedLLM{steps: []step{
		toolCalls(searchCall("call_1", "yesterday match score"), searchCall("call_2", "another")),
		reply("It finished 2-1."),
	}}
	search := &fakeSearch{out: "Answer: 2-1"}
	o := New(llm, search, "test-model", 0.7)

	out, err := o.Respond(context.Background(), "What was yesterday's match score?", nil)
	require.NoError(t, err)
	assert.Equal(t, "It finished 2-1.", out)
	assert.Equal(t, []string{"yesterday match score"}, search.queries)

	require.Len(t, llm.requests, 2)
	second := llm.requests[1]
	assert.Empty(t, second.Tools)
	n := len(second.Messages)
	assert.Equal(t, openai.ChatMessageRoleTool, second.Messages[n-2].Role)
	assert.Equal(t, "Answer: 2-1", second.Messages[n-2].Content)
	assert.Equal(t, "call_1", second.Messages[n-2].ToolCallID)
	assert.Equal(t, toolNotExecuted, second.Messages[n-1].Content)
}

func TestRespondEmptyContentFallsBack(t *testing.T) {
	o := New(&scriptedLLM{steps: []step{reply("  ")}}, nil, "m", 0)
	out, err := o.Respond(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, out)
}

func TestRespondRetriesTransientThenSucceeds(t *testing.T) {
	sleeper := &recordingSleeper{}
	llm := &scriptedLLM{steps: []step{transient(), reply("ok")}}
	o := New(llm, nil, "m", 0, WithSleeper(sleeper.sleep))

	out, err := o.Respond(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
}

func TestRespondExhaustsRetries(t *testing.T) {
	sleeper := &recordingSleeper{}
	llm := &scriptedLLM{steps: []step{transient(), transient(), transient()}}
	o := New(llm, nil, "m", 0, WithSleeper(sleeper.sleep))

	_, err := o.Respond(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Len(t, llm.requests, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.delays)
}

func TestRespondNonTransientFailsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	llm := &scriptedLLM{steps: []step{{err: &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad"}}}}
	o := New(llm, nil, "m", 0, WithSleeper(sleeper.sleep))

	_, err := o.Respond(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Len(t, llm.requests, 1)
	assert.Empty(t, sleeper.delays)
}

func TestRespondSearchFailureIsNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	llm := &scriptedLLM{steps: []step{toolCalls(searchCall("call_1", "score"))}}
	search := &fakeSearch{err: errors.New("tavily returned 502")}
	o := New(llm, search, "m", 0, WithSleeper(sleeper.sleep))

	_, err := o.Respond(context.Background(), "score?", nil)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Empty(t, sleeper.delays)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&openai.APIError{HTTPStatusCode: 503}))
	assert.True(t, isTransient(&openai.RequestError{HTTPStatusCode: 500, Err: errors.New("x")}))
	assert.False(t, isTransient(&openai.APIError{HTTPStatusCode: 429}))
	assert.False(t, isTransient(errors.New("dial tcp: refused")))
	assert.False(t, isTransient(&toolError{err: &openai.APIError{HTTPStatusCode: 500}}))
}

func TestRespondBadSearchArgumentsAreReportedToModel(t *testing.T) {
	for name, args := range map[string]string{
		"malformed json": `{"query":`,
		"empty query":    `{"query":"  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			llm := &scriptedLLM{steps: []step{
				toolCalls(openai.ToolCall{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: toolWebSearch, Arguments: args},
				}),
				reply("I could not look that up, but usually 90 minutes."),
			}}
			search := &fakeSearch{out: "unused"}
			o := New(llm, search, "m", 0)

			out, err := o.Respond(context.Background(), "How long is a match?", nil)
			require.NoError(t, err)
			assert.Equal(t, "I could not look that up, but usually 90 minutes.", out)
			assert.Empty(t, search.queries)

			require.Len(t, llm.requests, 2)
			msgs := llm.requests[1].Messages
			last := msgs[len(msgs)-1]
			assert.Equal(t, openai.ChatMessageRoleTool, last.Role)
			assert.Equal(t, toolBadArguments, last.Content)
		})
	}
}
