// Package orchestrator runs the assistant against a thread and persists its
// final reply.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

const (
	defaultTimeout      = 2 * time.Minute
	defaultHistoryLimit = 50
)

// Backend streams an assistant reply.
type Backend interface {
	Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error)
}

// ThreadStore is the subset of the Thread Store a run needs.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) error
}

type AgentReader interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTimeout bounds a whole run, persistence included.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHistoryLimit caps how many prior messages are sent to the backend.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

type Orchestrator struct {
	store        ThreadStore
	agents       AgentReader
	backend      Backend
	log          *slog.Logger
	timeout      time.Duration
	historyLimit int
	now          func() time.Time
	newID        func() string
}

func New(store ThreadStore, agents AgentReader, backend Backend, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: thread store must not be nil")
	}
	if agents == nil {
		return nil, errors.New("orchestrator: agent reader must not be nil")
	}
	if backend == nil {
		return nil, errors.New("orchestrator: backend must not be nil")
	}
	o := &Orchestrator{
		store:        store,
		agents:       agents,
		backend:      backend,
		log:          slog.Default(),
		timeout:      defaultTimeout,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// StartRun validates the request and returns immediately with a queued run.
// Validation failures are returned before any network call and no run is
// created. The run is never retried; retrying is the caller's decision.
func (o *Orchestrator) StartRun(ctx context.Context, threadID, assistantID, callerID string) (*Run, error) {
	switch {
	case strings.TrimSpace(threadID) == "":
		return nil, domain.Validation("missing_thread_id")
	case strings.TrimSpace(assistantID) == "":
		return nil, domain.Validation("missing_assistant_id")
	case strings.TrimSpace(callerID) == "":
		return nil, domain.Validation("unauthenticated")
	}

	run := newRun(o.newID(), threadID, assistantID, callerID)
	o.log.Info("run queued", "run_id", run.id, "thread_id", threadID, "assistant_id", assistantID)
	go o.execute(ctx, run)
	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) {
	defer close(run.events)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	log := o.log.With("run_id", run.id, "thread_id", run.threadID)

	thread, err := o.store.GetThread(ctx, run.threadID)
	if err != nil {
		o.fail(log, run, domain.StoreError("thread_read_failed", err))
		return
	}
	if thread.UserID != run.callerID {
		o.fail(log, run, domain.NewError(domain.ErrorPermissionDenied, "caller_not_thread_user", domain.ErrPermissionDenied))
		return
	}
	last, ok := thread.LastMessage()
	if !ok || last.Role != domain.RoleUser {
		o.fail(log, run, domain.Validation("missing_user_message"))
		return
	}

	agent, err := o.agents.GetAgent(ctx, run.assistantID)
	if err != nil {
		o.fail(log, run, domain.StoreError("agent_read_failed", err))
		return
	}
	if agent.OwnerID != thread.OwnerID {
		o.fail(log, run, domain.NewError(domain.ErrorPermissionDenied, "agent_owner_mismatch", domain.ErrPermissionDenied))
		return
	}

	stream, err := o.backend.Stream(ctx, buildRequest(agent, thread.Messages, o.historyLimit))
	if err != nil {
		o.fail(log, run, domain.NewError(domain.ErrorUpstream, "backend_start_failed", err))
		return
	}

	content, err := o.consume(ctx, log, run, stream)
	if err != nil {
		o.fail(log, run, err)
		return
	}

	createdAt := o.now().UnixMilli()
	if createdAt <= last.CreatedAt {
		createdAt = last.CreatedAt + 1
	}
	msg := domain.Message{
		ID:          o.newID(),
		Role:        domain.RoleAssistant,
		Content:     content,
		CreatedAt:   createdAt,
		ContentType: domain.ContentMarkdown,
		Metadata: map[string]string{
			domain.MetaRunID:       run.id,
			domain.MetaAssistantID: run.assistantID,
		},
	}
	if err := o.store.AppendMessage(ctx, run.threadID, msg); err != nil {
		o.fail(log, run, domain.StoreError("persist_failed", err))
		return
	}

	run.setStatus(domain.RunCompleted)
	log.Info("run completed", "message_id", msg.ID, "chars", len(content))
	run.events <- Event{Type: EventCompleted, RunID: run.id, Content: content, Message: &msg}
}

// consume forwards backend text as sequenced deltas until the stream ends.
func (o *Orchestrator) consume(ctx context.Context, log *slog.Logger, run *Run, stream <-chan domain.StreamEvent) (string, error) {
	seq := 0
	content := ""
	for {
		select {
		case <-ctx.Done():
			return "", domain.NewError(domain.ErrorUpstream, "run_timeout", ctx.Err())
		case ev, ok := <-stream:
			if !ok {
				return "", domain.NewError(domain.ErrorUpstream, "stream_closed", errors.New("backend closed stream without a terminal event"))
			}
			switch ev.Type {
			case domain.StreamEventText:
				if ev.Text == "" {
					continue
				}
				seq++
				if seq == 1 {
					run.setStatus(domain.RunStreaming)
					log.Info("run streaming")
				}
				content = run.appendContent(ev.Text)
				run.events <- Event{Type: EventDelta, RunID: run.id, Seq: seq, Delta: ev.Text, Content: content}
			case domain.StreamEventError:
				return "", upstreamError(ev.Error)
			case domain.StreamEventDone:
				if strings.TrimSpace(content) == "" {
					return "", domain.NewError(domain.ErrorUpstream, "empty_response", nil)
				}
				return content, nil
			}
		}
	}
}

func (o *Orchestrator) fail(log *slog.Logger, run *Run, err error) {
	run.setStatus(domain.RunFailed)
	log.Warn("run failed", "error", err)
	run.events <- Event{Type: EventFailed, RunID: run.id, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamError(err error) error {
	if err == nil {
		err = errors.New("backend reported an error")
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == 429 {
		return domain.NewError(domain.ErrorRateLimited, "backend_rate_limited", err)
	}
	return domain.NewError(domain.ErrorUpstream, "backend_error", err)
}
