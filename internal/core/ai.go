package core

import "context"

type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorRecord is one embedded item. Metadata values are flat strings so
// every backend can filter on them.
type VectorRecord struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

type VectorMatch struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// LegacyNamespace is the shared namespace older deployments wrote every
// tenant into, distinguished by a tenantId metadata field.
const LegacyNamespace = ""

type VectorIndex interface {
	Upsert(ctx context.Context, namespace string, rec VectorRecord) error
	// Query returns up to topK matches ordered by descending similarity.
	// Every filter entry must equal the match's metadata value.
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]VectorMatch, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	DeleteByIDs(ctx context.Context, namespace string, ids []string) error
}

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunCancelling     RunStatus = "cancelling"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further progress is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolOutput struct {
	ToolCallID string
	Output     string
}

type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	ToolCalls []ToolCall
	LastError string
}

type ThreadMessage struct {
	ID      string
	Role    string
	Content string
	// RunID names the run that produced an assistant message.
	RunID string
}

// AssistantService drives an external assistant: threads hold history, runs
// execute an assistant over a thread.
type AssistantService interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID, role, content string) error
	CreateRun(ctx context.Context, threadID, assistantID, instructions string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	// ListMessages returns the newest messages first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
}

// ObjectClient is the subset of object storage the payload archive needs.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
