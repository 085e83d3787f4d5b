package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/markdave123-py/Sitewise/internal/core"
)

// OpenAIAssistants talks to the OpenAI Assistants v2 API through the
// official SDK.
type OpenAIAssistants struct {
	client     openai.Client
	maxRetries int
	baseDelay  time.Duration
}

// NewOpenAIAssistants builds the client. Reads are retried by the SDK; writes
// are retried here and only after a rate limit, since a write whose response
// was lost may already have been applied.
func NewOpenAIAssistants(baseURL, apiKey string, opts ...option.RequestOption) (*OpenAIAssistants, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(30 * time.Second),
		option.WithMaxRetries(4),
	}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAIAssistants{
		client:     openai.NewClient(append(base, opts...)...),
		maxRetries: 4,
		baseDelay:  500 * time.Millisecond,
	}, nil
}

// translate maps SDK errors onto core sentinels.
func translate(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("openai %s: %s: %w", op, apiErr.Message, core.ErrNotFound)
	}
	return fmt.Errorf("openai %s: %w", op, err)
}

func rateLimitDelay(apiErr *openai.Error, base time.Duration, attempt int) time.Duration {
	if apiErr.Response != nil {
		if secs, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return base * time.Duration(1<<attempt)
}

// write runs a non-idempotent call with SDK retries off, repeating it only
// when the API rejected it with 429.
func write[T any](ctx context.Context, c *OpenAIAssistants, op string, call func(opts ...option.RequestOption) (*T, error)) (*T, error) {
	for attempt := 0; ; attempt++ {
		res, err := call(option.WithMaxRetries(0))
		if err == nil {
			return res, nil
		}
		var apiErr *openai.Error
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests || attempt >= c.maxRetries {
			return nil, translate(op, err)
		}
		if werr := sleepCtx(ctx, rateLimitDelay(apiErr, c.baseDelay, attempt)); werr != nil {
			return nil, werr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func toRun(r *openai.Run) *core.Run {
	run := &core.Run{ID: r.ID, ThreadID: r.ThreadID, Status: core.RunStatus(r.Status)}
	for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
		run.ToolCalls = append(run.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if r.LastError.Code != "" || r.LastError.Message != "" {
		run.LastError = strings.TrimSpace(r.LastError.Code + ": " + r.LastError.Message)
	}
	return run
}

func (c *OpenAIAssistants) CreateThread(ctx context.Context) (string, error) {
	th, err := write(ctx, c, "create thread", func(opts ...option.RequestOption) (*openai.Thread, error) {
		return c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{}, opts...)
	})
	if err != nil {
		return "", err
	}
	return th.ID, nil
}

// AppendMessage returns core.ErrNotFound when the thread no longer exists
// upstream.
func (c *OpenAIAssistants) AppendMessage(ctx context.Context, threadID, role, content string) error {
	params := openai.BetaThreadMessageNewParams{
		Role:    openai.BetaThreadMessageNewParamsRole(role),
		Content: openai.BetaThreadMessageNewParamsContentUnion{OfString: openai.String(content)},
	}
	_, err := write(ctx, c, "append message", func(opts ...option.RequestOption) (*openai.Message, error) {
		return c.client.Beta.Threads.Messages.New(ctx, threadID, params, opts...)
	})
	return err
}

// CreateRun passes instructions as additional_instructions so the
// assistant's configured prompt and tool schema stay in force.
func (c *OpenAIAssistants) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (*core.Run, error) {
	params := openai.BetaThreadRunNewParams{AssistantID: assistantID}
	if instructions != "" {
		params.AdditionalInstructions = openai.String(instructions)
	}
	r, err := write(ctx, c, "create run", func(opts ...option.RequestOption) (*openai.Run, error) {
		return c.client.Beta.Threads.Runs.New(ctx, threadID, params, opts...)
	})
	if err != nil {
		return nil, err
	}
	return toRun(r), nil
}

func (c *OpenAIAssistants) GetRun(ctx context.Context, threadID, runID string) (*core.Run, error) {
	r, err := c.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return nil, translate("get run", err)
	}
	return toRun(r), nil
}

func (c *OpenAIAssistants) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []core.ToolOutput) (*core.Run, error) {
	params := openai.BetaThreadRunSubmitToolOutputsParams{}
	for _, o := range outputs {
		params.ToolOutputs = append(params.ToolOutputs, openai.BetaThreadRunSubmitToolOutputsParamsToolOutput{
			ToolCallID: openai.String(o.ToolCallID),
			Output:     openai.String(o.Output),
		})
	}
	r, err := write(ctx, c, "submit tool outputs", func(opts ...option.RequestOption) (*openai.Run, error) {
		return c.client.Beta.Threads.Runs.SubmitToolOutputs(ctx, threadID, runID, params, opts...)
	})
	if err != nil {
		return nil, err
	}
	return toRun(r), nil
}

func (c *OpenAIAssistants) ListMessages(ctx context.Context, threadID string, limit int) ([]core.ThreadMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	page, err := c.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Limit: openai.Int(int64(limit)),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, translate("list messages", err)
	}

	msgs := make([]core.ThreadMessage, 0, len(page.Data))
	for _, m := range page.Data {
		var b strings.Builder
		for _, part := range m.Content {
			if part.Type == "text" {
				b.WriteString(part.Text.Value)
			}
		}
		msgs = append(msgs, core.ThreadMessage{ID: m.ID, Role: string(m.Role), Content: b.String(), RunID: m.RunID})
	}
	return msgs, nil
}

var _ core.AssistantService = (*OpenAIAssistants)(nil)
