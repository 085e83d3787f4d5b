package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Sitewise/internal/core"
)

// RespondTool is the function the assistant calls with its final answer.
const RespondTool = "respond"

const assistantPrompt = `You are the shopping and support assistant for a website.
Answer the visitor using only the site content provided below and the conversation so far.
Always answer by calling the respond function.
Set redirect_url only when the visitor asks to go to, open or see a specific page, using a URL from the provided content.
Set scroll_to_text to a short exact phrase from the current page when the answer is on that page.`

var respondDeclaration = &genai.FunctionDeclaration{
	Name:        RespondTool,
	Description: "Send the final answer to the visitor.",
	Parameters: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"content": {
				Type:        genai.TypeString,
				Description: "The answer shown or spoken to the visitor.",
			},
			"redirect_url": {
				Type:        genai.TypeString,
				Description: "Optional URL the client should navigate to.",
			},
			"scroll_to_text": {
				Type:        genai.TypeString,
				Description: "Optional phrase on the current page to scroll to.",
			},
		},
		Required: []string{"content"},
	},
}

// CompleteFunc produces the model's next turn for history, the last entry of
// which is the pending user turn.
type CompleteFunc func(ctx context.Context, model, system string, history []*genai.Content) (*genai.Content, error)

// GeminiAssistants runs assistant threads in process on top of Gemini. The
// assistant id passed to CreateRun names the Gemini model; empty selects the
// default. Idle threads are dropped after ttl.
type GeminiAssistants struct {
	client       *genai.Client
	defaultModel string
	complete     CompleteFunc
	ttl          time.Duration
	now          func() time.Time

	mu      sync.Mutex
	threads map[string]*geminiThread
}

type geminiThread struct {
	mu       sync.Mutex
	history  []*genai.Content
	messages []core.ThreadMessage
	runs     map[string]*core.Run
	touched  time.Time
}

func NewGeminiAssistants(ctx context.Context, apiKey, defaultModel string) (*GeminiAssistants, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	g := NewGeminiAssistantsWith(nil, defaultModel)
	g.client = cl
	g.complete = g.generate
	return g, nil
}

// NewGeminiAssistantsWith builds a runtime around an arbitrary completion
// function. It is used by tests and by NewGeminiAssistants.
func NewGeminiAssistantsWith(complete CompleteFunc, defaultModel string) *GeminiAssistants {
	if defaultModel == "" {
		defaultModel = "gemini-1.5-flash"
	}
	return &GeminiAssistants{
		defaultModel: defaultModel,
		complete:     complete,
		ttl:          24 * time.Hour,
		now:          time.Now,
		threads:      make(map[string]*geminiThread),
	}
}

func (g *GeminiAssistants) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiAssistants) generate(ctx context.Context, model, system string, history []*genai.Content) (*genai.Content, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty thread")
	}
	m := g.client.GenerativeModel(model)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	m.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{respondDeclaration}}}

	cs := m.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, history[len(history)-1].Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini generate: no candidates")
	}
	return resp.Candidates[0].Content, nil
}

func (g *GeminiAssistants) thread(id string) (*geminiThread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	th, ok := g.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, core.ErrNotFound)
	}
	th.touched = g.now()
	return th, nil
}

// pruneLocked drops threads idle for longer than ttl. g.mu must be held.
func (g *GeminiAssistants) pruneLocked() {
	cutoff := g.now().Add(-g.ttl)
	for id, th := range g.threads {
		if th.touched.Before(cutoff) {
			delete(g.threads, id)
		}
	}
}

func (g *GeminiAssistants) CreateThread(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	id := "thread_" + uuid.NewString()
	g.threads[id] = &geminiThread{runs: make(map[string]*core.Run), touched: g.now()}
	return id, nil
}

func (g *GeminiAssistants) AppendMessage(_ context.Context, threadID, role, content string) error {
	th, err := g.thread(threadID)
	if err != nil {
		return err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	th.history = append(th.history, &genai.Content{Role: geminiRole(role), Parts: []genai.Part{genai.Text(content)}})
	th.messages = append(th.messages, core.ThreadMessage{ID: "msg_" + uuid.NewString(), Role: role, Content: content})
	return nil
}

// CreateRun completes synchronously. A respond call leaves the run in
// requires_action; plain text completes it.
func (g *GeminiAssistants) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (*core.Run, error) {
	th, err := g.thread(threadID)
	if err != nil {
		return nil, err
	}
	model := assistantID
	if model == "" {
		model = g.defaultModel
	}
	system := assistantPrompt
	if instructions != "" {
		system += "\n\n" + instructions
	}

	th.mu.Lock()
	defer th.mu.Unlock()

	run := &core.Run{ID: "run_" + uuid.NewString(), ThreadID: threadID, Status: core.RunInProgress}
	th.runs[run.ID] = run

	history := append([]*genai.Content(nil), th.history...)
	out, err := g.complete(ctx, model, system, history)
	switch {
	case err != nil:
		run.Status = core.RunFailed
		run.LastError = err.Error()
	case out == nil:
		run.Status = core.RunFailed
		run.LastError = "model returned no content"
	default:
		g.applyModelTurn(th, run, out)
	}
	cp := *run
	return &cp, nil
}

func (g *GeminiAssistants) applyModelTurn(th *geminiThread, run *core.Run, out *genai.Content) {
	var text strings.Builder
	for _, p := range out.Parts {
		switch v := p.(type) {
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				run.Status = core.RunFailed
				run.LastError = fmt.Sprintf("encode %s arguments: %v", v.Name, err)
				return
			}
			run.ToolCalls = append(run.ToolCalls, core.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      v.Name,
				Arguments: string(args),
			})
		case genai.Text:
			text.WriteString(string(v))
		}
	}
	if len(run.ToolCalls) > 0 {
		run.Status = core.RunRequiresAction
		return
	}
	g.finish(th, run, text.String())
}

func (g *GeminiAssistants) finish(th *geminiThread, run *core.Run, answer string) {
	th.history = append(th.history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(answer)}})
	th.messages = append(th.messages, core.ThreadMessage{ID: "msg_" + uuid.NewString(), Role: "assistant", Content: answer, RunID: run.ID})
	run.Status = core.RunCompleted
	run.ToolCalls = nil
}

func (g *GeminiAssistants) GetRun(_ context.Context, threadID, runID string) (*core.Run, error) {
	th, err := g.thread(threadID)
	if err != nil {
		return nil, err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	run, ok := th.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

// SubmitToolOutputs completes the run; the respond output becomes the
// assistant's message.
func (g *GeminiAssistants) SubmitToolOutputs(_ context.Context, threadID, runID string, outputs []core.ToolOutput) (*core.Run, error) {
	th, err := g.thread(threadID)
	if err != nil {
		return nil, err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	run, ok := th.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}
	if run.Status != core.RunRequiresAction {
		return nil, fmt.Errorf("run %s is %s, not %s", runID, run.Status, core.RunRequiresAction)
	}

	var answer string
	for _, call := range run.ToolCalls {
		if call.Name != RespondTool {
			continue
		}
		for _, o := range outputs {
			if o.ToolCallID == call.ID {
				answer = o.Output
			}
		}
	}
	if answer == "" && len(outputs) > 0 {
		answer = outputs[len(outputs)-1].Output
	}
	g.finish(th, run, answer)
	cp := *run
	return &cp, nil
}

func (g *GeminiAssistants) ListMessages(_ context.Context, threadID string, limit int) ([]core.ThreadMessage, error) {
	th, err := g.thread(threadID)
	if err != nil {
		return nil, err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	out := make([]core.ThreadMessage, 0, len(th.messages))
	for i := len(th.messages) - 1; i >= 0; i-- {
		out = append(out, th.messages[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func geminiRole(role string) string {
	if role == "assistant" || role == "model" {
		return "model"
	}
	return "user"
}

var _ core.AssistantService = (*GeminiAssistants)(nil)
