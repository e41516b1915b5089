package orchestrator

import (
	"sync"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

type EventType string

const (
	EventDelta     EventType = "delta"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one item of a run's output. Deltas carry a Seq starting at 1 and
// the content accumulated through that delta, so consumers can drop stale
// or duplicate deliveries. Exactly one terminal event ends the stream.
type Event struct {
	Type    EventType
	RunID   string
	Seq     int
	Delta   string
	Content string
	Message *domain.Message
	Err     error
}

// Run is the handle of one in-flight assistant invocation. Events must be
// drained until the channel is closed.
type Run struct {
	id          string
	threadID    string
	assistantID string
	callerID    string
	events      chan Event

	mu      sync.Mutex
	status  domain.RunStatus
	content string
}

func newRun(id, threadID, assistantID, callerID string) *Run {
	return &Run{
		id:          id,
		threadID:    threadID,
		assistantID: assistantID,
		callerID:    callerID,
		events:      make(chan Event, 64),
		status:      domain.RunQueued,
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) ThreadID() string { return r.threadID }

func (r *Run) Events() <-chan Event { return r.events }

func (r *Run) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Snapshot returns the current run record.
func (r *Run) Snapshot() domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.Run{
		ID:                 r.id,
		ThreadID:           r.threadID,
		AssistantID:        r.assistantID,
		CallerID:           r.callerID,
		Status:             r.status,
		AccumulatedContent: r.content,
	}
}

// setStatus never leaves a terminal state.
func (r *Run) setStatus(s domain.RunStatus) {
	r.mu.Lock()
	if !r.status.Terminal() {
		r.status = s
	}
	r.mu.Unlock()
}

func (r *Run) appendContent(delta string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content += delta
	return r.content
}

// Wait drains the run and returns its terminal event.
func (r *Run) Wait() Event {
	var last Event
	for ev := range r.events {
		last = ev
	}
	return last
}
