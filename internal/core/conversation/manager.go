package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/core"
	"github.com/markdave123-py/Sitewise/internal/core/lock"
	"github.com/markdave123-py/Sitewise/internal/core/retrieval"
	"github.com/markdave123-py/Sitewise/internal/metrics"
	"github.com/markdave123-py/Sitewise/internal/models"
)

type Store interface {
	core.ConversationStore
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// ContextBuilder renders the grounding block sent as run instructions.
type ContextBuilder interface {
	BuildContext(ctx context.Context, req *retrieval.Request) (string, error)
}

type Config struct {
	PollInterval time.Duration
	MaxPolls     int
}

// TurnRequest is one visitor message.
type TurnRequest struct {
	TenantID     string
	Message      string
	ThreadRef    string
	Modality     models.Modality
	PageURL      string
	PageTitle    string
	PageContent  string
	PriorQueries []string
}

type TurnResult struct {
	Reply     models.AssistantReply
	ThreadRef string
	Used      int
	Limit     int
}

// Manager drives one assistant turn per call: quota gate, thread
// resolution, run submission, polling and persistence.
type Manager struct {
	store     Store
	assistant core.AssistantService
	context   ContextBuilder
	locks     lock.Locker
	metrics   *metrics.Metrics
	log       *zap.Logger

	pollInterval time.Duration
	maxPolls     int
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewManager(store Store, assistant core.AssistantService, cb ContextBuilder, locks lock.Locker, m *metrics.Metrics, log *zap.Logger, cfg *Config) *Manager {
	mgr := &Manager{
		store:        store,
		assistant:    assistant,
		context:      cb,
		locks:        locks,
		metrics:      m,
		log:          log.Named("conversation"),
		pollInterval: time.Second,
		maxPolls:     60,
		sleep:        sleepCtx,
	}
	if cfg != nil {
		if cfg.PollInterval > 0 {
			mgr.pollInterval = cfg.PollInterval
		}
		if cfg.MaxPolls > 0 {
			mgr.maxPolls = cfg.MaxPolls
		}
	}
	return mgr
}

// Converse runs one turn. On success exactly one user and one assistant
// message are persisted and the tenant's query count goes up by one; a
// failed turn never touches the quota.
func (m *Manager) Converse(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	res, err := m.converse(ctx, req)
	m.metrics.ConversationTurn(turnOutcome(err))
	return res, err
}

func (m *Manager) converse(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if req.Modality == "" {
		req.Modality = models.ModalityText
	}

	tenant, err := m.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.QuotaExhausted() {
		return nil, &QuotaExceededError{Used: tenant.MonthlyQueries, Limit: tenant.QueryLimit}
	}
	assistantID := tenant.AssistantFor(req.Modality)
	if assistantID == "" {
		return nil, ErrAssistantNotConfigured
	}

	thread, err := m.resolveThread(ctx, tenant.ID, req.ThreadRef)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, "thread:"+thread.ID)
	if err != nil {
		return nil, fmt.Errorf("lock thread: %w", err)
	}
	defer unlock()

	instructions, err := m.context.BuildContext(ctx, &retrieval.Request{
		TenantID:     tenant.ID,
		Namespace:    tenant.Namespace(),
		Query:        req.Message,
		PageURL:      req.PageURL,
		PageTitle:    req.PageTitle,
		PageContent:  req.PageContent,
		PriorQueries: req.PriorQueries,
		Modality:     req.Modality,
	})
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	externalID, err := m.appendUpstream(ctx, thread, req.Message)
	if err != nil {
		return nil, err
	}
	userMsg := &models.Message{ThreadID: thread.ID, Role: models.RoleUser, Content: req.Message, Modality: req.Modality}
	if err := m.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	run, err := m.assistant.CreateRun(ctx, externalID, assistantID, instructions)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := m.awaitRun(ctx, externalID, run); err != nil {
		return nil, err
	}

	raw, err := m.runAnswer(ctx, externalID, run.ID)
	if err != nil {
		return nil, err
	}
	reply, err := ParseReply(raw)
	if err != nil {
		m.log.Warn("malformed assistant reply", zap.String("thread", thread.ID), zap.String("raw", raw), zap.Error(err))
		return nil, err
	}

	encoded, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	assistantMsg := &models.Message{ThreadID: thread.ID, Role: models.RoleAssistant, Content: string(encoded), Modality: req.Modality}
	if err := m.store.CompleteTurn(ctx, tenant.ID, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	m.log.Info("turn completed",
		zap.String("tenant", tenant.ID),
		zap.String("thread", thread.ID),
		zap.String("modality", string(req.Modality)))
	return &TurnResult{
		Reply:     *reply,
		ThreadRef: thread.ID,
		Used:      tenant.MonthlyQueries + 1,
		Limit:     tenant.QueryLimit,
	}, nil
}

// resolveThread looks a client reference up by internal or external id.
// Unknown references get a fresh thread instead of an error.
func (m *Manager) resolveThread(ctx context.Context, tenantID, ref string) (*models.ConversationThread, error) {
	if ref != "" {
		th, err := m.store.FindThread(ctx, tenantID, ref)
		if err == nil {
			return th, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("find thread: %w", err)
		}
		m.log.Debug("stale thread reference, starting a new thread", zap.String("tenant", tenantID), zap.String("ref", ref))
	}

	externalID, err := m.assistant.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("create assistant thread: %w", err)
	}
	th := &models.ConversationThread{TenantID: tenantID, ExternalID: externalID}
	if err := m.store.CreateThread(ctx, th); err != nil {
		return nil, fmt.Errorf("persist thread: %w", err)
	}
	return th, nil
}

// appendUpstream adds the visitor message to the thread's upstream
// conversation. An upstream thread that no longer exists is replaced once
// and the local thread is rebound to it.
func (m *Manager) appendUpstream(ctx context.Context, thread *models.ConversationThread, message string) (string, error) {
	err := m.assistant.AppendMessage(ctx, thread.ExternalID, string(models.RoleUser), message)
	if err == nil {
		return thread.ExternalID, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("append message: %w", err)
	}

	m.log.Info("upstream thread gone, rebinding",
		zap.String("thread", thread.ID), zap.String("external", thread.ExternalID))
	externalID, err := m.assistant.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("create assistant thread: %w", err)
	}
	if err := m.store.SetThreadExternalID(ctx, thread.ID, externalID); err != nil {
		return "", fmt.Errorf("rebind thread: %w", err)
	}
	thread.ExternalID = externalID
	if err := m.assistant.AppendMessage(ctx, externalID, string(models.RoleUser), message); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return externalID, nil
}

// awaitRun advances a run until it completes. Tool calls are answered by
// echoing their arguments; anything else non-terminal is polled.
func (m *Manager) awaitRun(ctx context.Context, threadID string, run *core.Run) error {
	var err error
	for polls := 0; ; {
		switch run.Status {
		case core.RunCompleted:
			return nil
		case core.RunRequiresAction:
			if polls >= m.maxPolls {
				return fmt.Errorf("%w: tool loop did not settle after %d rounds", ErrRunTimeout, polls)
			}
			polls++
			outputs := make([]core.ToolOutput, 0, len(run.ToolCalls))
			for _, tc := range run.ToolCalls {
				outputs = append(outputs, core.ToolOutput{ToolCallID: tc.ID, Output: tc.Arguments})
			}
			run, err = m.assistant.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
			if err != nil {
				return fmt.Errorf("submit tool outputs: %w", err)
			}
			continue
		case core.RunFailed, core.RunCancelled, core.RunExpired, core.RunIncomplete:
			if run.LastError != "" {
				return fmt.Errorf("%w: %s (%s)", ErrRunFailed, run.Status, run.LastError)
			}
			return fmt.Errorf("%w: %s", ErrRunFailed, run.Status)
		}

		if polls >= m.maxPolls {
			return fmt.Errorf("%w: still %s after %d polls", ErrRunTimeout, run.Status, polls)
		}
		polls++
		if err := m.sleep(ctx, m.pollInterval); err != nil {
			return err
		}
		run, err = m.assistant.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
	}
}

// runAnswer returns the assistant message produced by runID. Older replies
// in the thread never count as this turn's answer.
func (m *Manager) runAnswer(ctx context.Context, threadID, runID string) (string, error) {
	msgs, err := m.assistant.ListMessages(ctx, threadID, 10)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, msg := range msgs {
		if msg.Role == string(models.RoleAssistant) && msg.RunID == runID {
			return msg.Content, nil
		}
	}
	return "", &ResponseFormatError{Err: errors.New("run completed without an assistant message")}
}

// History returns the persisted messages of one of the tenant's threads.
func (m *Manager) History(ctx context.Context, tenantID, ref string) (*models.ConversationThread, []models.Message, error) {
	th, err := m.store.FindThread(ctx, tenantID, ref)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.store.ListMessages(ctx, th.ID)
	if err != nil {
		return nil, nil, err
	}
	return th, msgs, nil
}

// ParseReply decodes the assistant's final message, tolerating a markdown
// code fence around the JSON.
func ParseReply(raw string) (*models.AssistantReply, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var reply models.AssistantReply
	if err := json.Unmarshal([]byte(s), &reply); err != nil {
		return nil, &ResponseFormatError{Raw: raw, Err: err}
	}
	if strings.TrimSpace(reply.Content) == "" {
		return nil, &ResponseFormatError{Raw: raw, Err: errors.New(`missing "content"`)}
	}
	return &reply, nil
}

func turnOutcome(err error) string {
	var quota *QuotaExceededError
	var format *ResponseFormatError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &quota):
		return "quota_exceeded"
	case errors.As(err, &format):
		return "bad_response"
	case errors.Is(err, ErrRunTimeout):
		return "timeout"
	case errors.Is(err, ErrRunFailed):
		return "run_failed"
	}
	return "error"
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
