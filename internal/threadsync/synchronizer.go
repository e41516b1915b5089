// Package threadsync keeps the render projection of one conversation view
// consistent across optimistic input, realtime snapshots and streamed runs.
package threadsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/orchestrator"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/realtime"
)

const markReadTimeout = 10 * time.Second

// Subscriber is satisfied by *realtime.Bridge. A Synchronizer needs a
// subscriber of its own; hand each one its own Bridge View.
type Subscriber interface {
	Subscribe(ctx context.Context, threadID string, onSnapshot func(domain.Thread)) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
}

// Store is the write side of the Thread Store used by a view.
type Store interface {
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) error
	MarkRead(ctx context.Context, threadID, messageID string) error
}

type RunStarter interface {
	StartRun(ctx context.Context, threadID, assistantID, callerID string) (*orchestrator.Run, error)
}

// Update is pushed to the listener after every applied change. Updates may
// reach the listener out of order; drop any with a lower Version than the
// last one rendered.
type Update struct {
	Version   uint64
	ThreadID  string
	Messages  []domain.Message
	RunID     string
	RunStatus domain.RunStatus
	Err       error
}

type Option func(*Synchronizer)

func WithLogger(log *slog.Logger) Option {
	return func(s *Synchronizer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithListener(fn func(Update)) Option {
	return func(s *Synchronizer) {
		s.listener = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Synchronizer) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// Synchronizer serializes every transition behind one mutex and computes it
// with Reduce, so it can be called from any callback goroutine. It owns at
// most one realtime subscription.
type Synchronizer struct {
	bridge   Subscriber
	store    Store
	runs     RunStarter
	callerID string
	bot      domain.Chatbot
	log      *slog.Logger
	listener func(Update)
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	state   State
	sub     *realtime.Subscription
	version uint64
	marked  string
}

// New creates a Synchronizer for callerID talking to bot.
func New(bridge Subscriber, store Store, runs RunStarter, callerID string, bot domain.Chatbot, opts ...Option) (*Synchronizer, error) {
	if bridge == nil {
		return nil, errors.New("threadsync: subscriber must not be nil")
	}
	if store == nil {
		return nil, errors.New("threadsync: store must not be nil")
	}
	if runs == nil {
		return nil, errors.New("threadsync: run starter must not be nil")
	}
	if strings.TrimSpace(callerID) == "" {
		return nil, domain.Validation("unauthenticated")
	}
	if strings.TrimSpace(bot.ID) == "" {
		return nil, domain.Validation("missing_chatbot_id")
	}
	s := &Synchronizer{
		bridge:   bridge,
		store:    store,
		runs:     runs,
		callerID: callerID,
		bot:      bot,
		log:      slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		state:    State{RunStatus: domain.RunIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "threadsync", "chatbot_id", bot.ID)
	return s, nil
}

// BindThread releases the current subscription, resets the projection and
// subscribes to threadID. Binding the thread already bound is a no-op.
func (s *Synchronizer) BindThread(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return domain.Validation("missing_thread_id")
	}

	s.mu.Lock()
	if s.state.ThreadID == threadID && s.sub.Active() {
		s.mu.Unlock()
		return nil
	}
	prev := s.sub
	s.sub = nil
	u, mark, applied := s.applyLocked(BindEvent{ThreadID: threadID})
	s.mu.Unlock()

	if prev != nil {
		s.bridge.Unsubscribe(prev)
	}
	if applied {
		s.after(u, mark)
	}
	s.log.Info("thread bound", "thread_id", threadID)

	sub, err := s.bridge.Subscribe(ctx, threadID, s.onSnapshot)
	if err != nil {
		s.report(err)
		return err
	}

	s.mu.Lock()
	superseded := s.state.ThreadID != threadID || s.sub != nil
	if !superseded {
		s.sub = sub
	}
	s.mu.Unlock()
	if superseded {
		s.bridge.Unsubscribe(sub)
	}
	return nil
}

func (s *Synchronizer) onSnapshot(t domain.Thread) {
	s.apply(SnapshotEvent{ThreadID: t.ID, Messages: t.Messages, ReadMessageID: t.ReadMessageID})
}

// AppendOptimistic inserts a user message into the projection before any
// network call.
func (s *Synchronizer) AppendOptimistic(content string) (domain.Message, error) {
	_, msg, err := s.appendOptimistic(content)
	return msg, err
}

func (s *Synchronizer) appendOptimistic(content string) (string, domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return "", domain.Message{}, domain.Validation("empty_content")
	}
	s.mu.Lock()
	threadID := s.state.ThreadID
	if threadID == "" {
		s.mu.Unlock()
		return "", domain.Message{}, domain.Validation("no_thread_bound")
	}
	at := s.now().UnixMilli()
	if n := len(s.state.Messages); n > 0 && s.state.Messages[n-1].CreatedAt >= at {
		at = s.state.Messages[n-1].CreatedAt + 1
	}
	msg := domain.Message{
		ID:          s.newID(),
		Role:        domain.RoleUser,
		Content:     content,
		CreatedAt:   at,
		ContentType: domain.ContentText,
	}
	u, mark, _ := s.applyLocked(OptimisticEvent{Message: msg})
	s.mu.Unlock()
	s.after(u, mark)
	return threadID, msg, nil
}

// ApplyRemoteSnapshot merges a snapshot of threadID. Snapshots of any other
// thread are dropped.
func (s *Synchronizer) ApplyRemoteSnapshot(threadID string, messages []domain.Message) bool {
	return s.apply(SnapshotEvent{ThreadID: threadID, Messages: messages})
}

// ApplyStreamingDelta sets the provisional reply of runID to content.
func (s *Synchronizer) ApplyStreamingDelta(runID string, seq int, content string) bool {
	return s.apply(DeltaEvent{
		RunID:      runID,
		Seq:        seq,
		Content:    content,
		At:         s.now().UnixMilli(),
		Appearance: s.bot.Appearance,
	})
}

// FinalizeRun swaps the provisional reply of runID for the persisted
// message. The orchestrator has already appended msg; the snapshot that
// echoes it merges by id.
func (s *Synchronizer) FinalizeRun(runID string, msg domain.Message) bool {
	return s.apply(FinalizeEvent{RunID: runID, Message: msg})
}

// Teardown releases the subscription and clears the projection. Any run in
// flight is abandoned locally.
func (s *Synchronizer) Teardown() {
	s.mu.Lock()
	prev := s.sub
	s.sub = nil
	u, mark, applied := s.applyLocked(TeardownEvent{})
	s.mu.Unlock()

	if prev != nil {
		s.bridge.Unsubscribe(prev)
	}
	if applied {
		s.after(u, mark)
	}
}

// Send appends content optimistically, persists it and starts a run. The
// optimistic message is kept when persisting fails.
func (s *Synchronizer) Send(ctx context.Context, content string) error {
	threadID, msg, err := s.appendOptimistic(content)
	if err != nil {
		return err
	}
	if err := s.store.AppendMessage(ctx, threadID, msg); err != nil {
		err = transportError("persist_failed", err)
		s.report(err)
		return err
	}

	// runs are not cancelled with the caller; abandonment is local
	run, err := s.runs.StartRun(context.WithoutCancel(ctx), threadID, s.bot.AgentID, s.callerID)
	if err != nil {
		s.report(err)
		return err
	}
	if !s.apply(RunStartedEvent{ThreadID: threadID, RunID: run.ID()}) {
		s.log.Debug("run abandoned before start", "thread_id", threadID, "run_id", run.ID())
	}
	go s.pump(run)
	return nil
}

// pump folds run events into the projection. Events of an abandoned run are
// still drained and then dropped by the run id guard.
func (s *Synchronizer) pump(run *orchestrator.Run) {
	defer s.log.Debug("run drained", "thread_id", run.ThreadID(), "run_id", run.ID())
	for ev := range run.Events() {
		switch ev.Type {
		case orchestrator.EventDelta:
			s.ApplyStreamingDelta(ev.RunID, ev.Seq, ev.Content)
		case orchestrator.EventCompleted:
			if ev.Message != nil {
				s.FinalizeRun(ev.RunID, *ev.Message)
			}
		case orchestrator.EventFailed:
			s.failRun(ev.RunID, ev.Err)
		}
	}
}

func (s *Synchronizer) failRun(runID string, err error) {
	s.mu.Lock()
	u, mark, applied := s.applyLocked(RunFailedEvent{RunID: runID})
	s.mu.Unlock()
	if !applied {
		return
	}
	u.Err = err
	s.log.Warn("run failed", "thread_id", u.ThreadID, "run_id", runID, "error", err)
	s.after(u, mark)
}

// Snapshot returns the current projection.
func (s *Synchronizer) Snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked()
}

func (s *Synchronizer) apply(ev Event) bool {
	s.mu.Lock()
	u, mark, applied := s.applyLocked(ev)
	s.mu.Unlock()
	if applied {
		s.after(u, mark)
	}
	return applied
}

func (s *Synchronizer) applyLocked(ev Event) (Update, string, bool) {
	next, applied := Reduce(s.state, ev)
	if !applied {
		s.log.Debug("event dropped", "event", fmt.Sprintf("%T", ev), "thread_id", s.state.ThreadID)
		return Update{}, "", false
	}
	s.state = next
	s.version++
	return s.updateLocked(), s.readCandidateLocked(), true
}

// readCandidateLocked returns the id to mark read, once per id, when the
// view ends on a confirmed assistant message.
func (s *Synchronizer) readCandidateLocked() string {
	n := len(s.state.Messages)
	if n == 0 {
		return ""
	}
	last := s.state.Messages[n-1]
	if last.Role != domain.RoleAssistant || IsProvisional(last) || !s.state.Confirmed(last.ID) {
		return ""
	}
	if last.ID == s.state.ReadMessageID || last.ID == s.marked {
		return ""
	}
	s.marked = last.ID
	return last.ID
}

func (s *Synchronizer) updateLocked() Update {
	msgs := make([]domain.Message, len(s.state.Messages))
	for i, m := range s.state.Messages {
		msgs[i] = m.Clone()
	}
	return Update{
		Version:   s.version,
		ThreadID:  s.state.ThreadID,
		Messages:  msgs,
		RunID:     s.state.RunID,
		RunStatus: s.state.RunStatus,
	}
}

func (s *Synchronizer) after(u Update, mark string) {
	if s.listener != nil {
		s.listener(u)
	}
	if mark != "" {
		go s.markRead(u.ThreadID, mark)
	}
}

func (s *Synchronizer) markRead(threadID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := s.store.MarkRead(ctx, threadID, messageID); err != nil {
		s.log.Warn("mark read failed", "thread_id", threadID, "message_id", messageID, "error", err)
		s.mu.Lock()
		if s.marked == messageID {
			s.marked = ""
		}
		s.mu.Unlock()
	}
}

// report pushes err to the listener without changing the projection.
func (s *Synchronizer) report(err error) {
	s.mu.Lock()
	s.version++
	u := s.updateLocked()
	s.mu.Unlock()
	u.Err = err
	s.log.Warn("view error", "thread_id", u.ThreadID, "error", err)
	if s.listener != nil {
		s.listener(u)
	}
}

// transportError keeps coded and sentinel errors as they are.
func transportError(reason string, err error) error {
	if domain.CodeOf(err) == domain.ErrorInternal {
		return domain.Transport(reason, err)
	}
	return err
}
