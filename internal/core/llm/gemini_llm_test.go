package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/Sitewise/internal/core"
)

func TestGeminiAssistantsToolRoundTrip(t *testing.T) {
	var gotModel, gotSystem string
	var gotHistory int
	complete := func(_ context.Context, model, system string, history []*genai.Content) (*genai.Content, error) {
		gotModel, gotSystem, gotHistory = model, system, len(history)
		return &genai.Content{Role: "model", Parts: []genai.Part{
			genai.FunctionCall{Name: RespondTool, Args: map[string]any{"content": "Widget costs $10"}},
		}}, nil
	}
	g := NewGeminiAssistantsWith(complete, "gemini-test")
	ctx := context.Background()

	threadID, _ := g.CreateThread(ctx)
	if err := g.AppendMessage(ctx, threadID, "user", "how much is Widget?"); err != nil {
		t.Fatal(err)
	}
	run, err := g.CreateRun(ctx, threadID, "", "CONTEXT")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if gotModel != "gemini-test" || !strings.HasSuffix(gotSystem, "CONTEXT") || gotHistory != 1 {
		t.Errorf("complete called with model=%q history=%d", gotModel, gotHistory)
	}
	if run.Status != core.RunRequiresAction || len(run.ToolCalls) != 1 {
		t.Fatalf("run = %+v", run)
	}

	call := run.ToolCalls[0]
	run, err = g.SubmitToolOutputs(ctx, threadID, run.ID, []core.ToolOutput{{ToolCallID: call.ID, Output: call.Arguments}})
	if err != nil {
		t.Fatalf("SubmitToolOutputs() error = %v", err)
	}
	if run.Status != core.RunCompleted {
		t.Errorf("status = %q", run.Status)
	}

	polled, _ := g.GetRun(ctx, threadID, run.ID)
	if polled.Status != core.RunCompleted {
		t.Errorf("GetRun status = %q", polled.Status)
	}

	msgs, _ := g.ListMessages(ctx, threadID, 1)
	if len(msgs) != 1 || msgs[0].Role != "assistant" || msgs[0].Content != `{"content":"Widget costs $10"}` {
		t.Errorf("latest message = %+v", msgs)
	}
}

func TestGeminiAssistantsTextCompletesRun(t *testing.T) {
	g := NewGeminiAssistantsWith(func(context.Context, string, string, []*genai.Content) (*genai.Content, error) {
		return &genai.Content{Parts: []genai.Part{genai.Text(`{"content":"plain"}`)}}, nil
	}, "")
	ctx := context.Background()
	threadID, _ := g.CreateThread(ctx)
	_ = g.AppendMessage(ctx, threadID, "user", "hi")

	run, err := g.CreateRun(ctx, threadID, "gemini-x", "")
	if err != nil || run.Status != core.RunCompleted {
		t.Fatalf("CreateRun() = %+v, %v", run, err)
	}
	if _, err := g.SubmitToolOutputs(ctx, threadID, run.ID, nil); err == nil {
		t.Error("SubmitToolOutputs on a completed run succeeded")
	}
}

func TestGeminiAssistantsModelErrorFailsRun(t *testing.T) {
	g := NewGeminiAssistantsWith(func(context.Context, string, string, []*genai.Content) (*genai.Content, error) {
		return nil, errors.New("quota")
	}, "")
	ctx := context.Background()
	threadID, _ := g.CreateThread(ctx)
	run, err := g.CreateRun(ctx, threadID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != core.RunFailed || run.LastError != "quota" {
		t.Errorf("run = %+v", run)
	}
}

func TestGeminiAssistantsPrunesIdleThreads(t *testing.T) {
	g := NewGeminiAssistantsWith(nil, "")
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	old, _ := g.CreateThread(ctx)
	now = now.Add(25 * time.Hour)
	_, _ = g.CreateThread(ctx)

	if _, err := g.GetRun(ctx, old, "run_x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("idle thread still present: %v", err)
	}
}
