package threadsync

import (
	"sort"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

// State is the render projection of one bound thread. Values are never
// mutated after Reduce returns them.
type State struct {
	ThreadID      string
	Messages      []domain.Message
	ReadMessageID string

	RunID     string
	RunStatus domain.RunStatus
	LastSeq   int

	// local holds ids appended here and not yet seen in a snapshot.
	local map[string]bool
	// order is the first-seen ordinal of every known id.
	order     map[string]int
	nextOrder int
}

// Event is one input to Reduce.
type Event interface {
	isEvent()
}

type BindEvent struct {
	ThreadID string
}

type OptimisticEvent struct {
	Message domain.Message
}

type SnapshotEvent struct {
	ThreadID      string
	Messages      []domain.Message
	ReadMessageID string
}

type RunStartedEvent struct {
	ThreadID string
	RunID    string
}

// DeltaEvent carries the content accumulated through Seq. At and the
// appearance are only used when the provisional message is first created.
type DeltaEvent struct {
	RunID      string
	Seq        int
	Content    string
	At         int64
	Appearance domain.Appearance
}

type FinalizeEvent struct {
	RunID   string
	Message domain.Message
}

type RunFailedEvent struct {
	RunID string
}

type TeardownEvent struct{}

func (BindEvent) isEvent()       {}
func (OptimisticEvent) isEvent() {}
func (SnapshotEvent) isEvent()   {}
func (RunStartedEvent) isEvent() {}
func (DeltaEvent) isEvent()      {}
func (FinalizeEvent) isEvent()   {}
func (RunFailedEvent) isEvent()  {}
func (TeardownEvent) isEvent()   {}

// Reduce returns the state after ev. applied is false when ev was stale or
// redundant, in which case next equals s.
func Reduce(s State, ev Event) (next State, applied bool) {
	switch ev := ev.(type) {
	case BindEvent:
		if ev.ThreadID == s.ThreadID {
			return s, false
		}
		return State{ThreadID: ev.ThreadID, RunStatus: domain.RunIdle}, true
	case TeardownEvent:
		if s.ThreadID == "" && len(s.Messages) == 0 {
			return s, false
		}
		return State{RunStatus: domain.RunIdle}, true
	case OptimisticEvent:
		return reduceOptimistic(s, ev)
	case SnapshotEvent:
		return reduceSnapshot(s, ev)
	case RunStartedEvent:
		if s.ThreadID == "" || ev.ThreadID != s.ThreadID || ev.RunID == "" || ev.RunID == s.RunID {
			return s, false
		}
		next := s.clone()
		next.dropProvisional()
		next.RunID = ev.RunID
		next.RunStatus = domain.RunQueued
		next.LastSeq = 0
		return next, true
	case DeltaEvent:
		return reduceDelta(s, ev)
	case FinalizeEvent:
		return reduceFinalize(s, ev)
	case RunFailedEvent:
		if ev.RunID == "" || ev.RunID != s.RunID {
			return s, false
		}
		next := s.clone()
		next.dropProvisional()
		next.RunID = ""
		next.RunStatus = domain.RunFailed
		next.LastSeq = 0
		return next, true
	}
	return s, false
}

func reduceOptimistic(s State, ev OptimisticEvent) (State, bool) {
	if s.ThreadID == "" || ev.Message.Validate() != nil {
		return s, false
	}
	if s.index(ev.Message.ID) >= 0 {
		return s, false
	}
	next := s.clone()
	next.insert(ev.Message.Clone(), true)
	next.sortMessages()
	return next, true
}

// reduceSnapshot merges a full document by id. The store is append-only, so a
// known message missing from a snapshot means the snapshot is older than what
// we have, not a deletion; keeping it makes delivery order irrelevant.
func reduceSnapshot(s State, ev SnapshotEvent) (State, bool) {
	if ev.ThreadID == "" || ev.ThreadID != s.ThreadID {
		return s, false
	}
	incoming := make([]domain.Message, 0, len(ev.Messages))
	for _, m := range ev.Messages {
		if m.Validate() == nil {
			incoming = append(incoming, m)
		}
	}
	sort.SliceStable(incoming, func(i, j int) bool {
		if incoming[i].CreatedAt != incoming[j].CreatedAt {
			return incoming[i].CreatedAt < incoming[j].CreatedAt
		}
		return incoming[i].ID < incoming[j].ID
	})

	next := s.clone()
	changed := false
	for _, m := range incoming {
		if m.Metadata[domain.MetaRunID] != "" && m.Metadata[domain.MetaRunID] == next.RunID {
			if next.dropProvisional() {
				changed = true
			}
		}
		if i := next.index(m.ID); i >= 0 {
			if next.local[m.ID] || !equalMessage(next.Messages[i], m) {
				next.Messages[i] = m.Clone()
				delete(next.local, m.ID)
				changed = true
			}
			continue
		}
		next.insert(m.Clone(), false)
		changed = true
	}
	if ev.ReadMessageID != "" && ev.ReadMessageID != next.ReadMessageID {
		next.ReadMessageID = ev.ReadMessageID
		changed = true
	}
	if !changed {
		return s, false
	}
	next.sortMessages()
	return next, true
}

// reduceDelta replaces the provisional content. Deltas carry accumulated
// content, so dropping anything at or below LastSeq loses nothing.
func reduceDelta(s State, ev DeltaEvent) (State, bool) {
	if ev.RunID == "" || ev.RunID != s.RunID || ev.Seq <= s.LastSeq {
		return s, false
	}
	if s.hasFinal(ev.RunID) {
		return s, false
	}
	next := s.clone()
	next.LastSeq = ev.Seq
	next.RunStatus = domain.RunStreaming
	id := provisionalID(ev.RunID)
	if i := next.index(id); i >= 0 {
		m := next.Messages[i].Clone()
		m.Content = ev.Content
		next.Messages[i] = m
		return next, true
	}
	at := ev.At
	if last := len(next.Messages); last > 0 && next.Messages[last-1].CreatedAt > at {
		at = next.Messages[last-1].CreatedAt
	}
	md := map[string]string{
		domain.MetaProvisional: "true",
		domain.MetaRunID:       ev.RunID,
	}
	if ev.Appearance.Color != "" {
		md[domain.MetaColor] = ev.Appearance.Color
	}
	if ev.Appearance.Font != "" {
		md[domain.MetaFont] = ev.Appearance.Font
	}
	if ev.Appearance.Size != "" {
		md[domain.MetaSize] = ev.Appearance.Size
	}
	next.insert(domain.Message{
		ID:          id,
		Role:        domain.RoleAssistant,
		Content:     ev.Content,
		CreatedAt:   at,
		ContentType: domain.ContentMarkdown,
		Metadata:    md,
	}, true)
	next.sortMessages()
	return next, true
}

func reduceFinalize(s State, ev FinalizeEvent) (State, bool) {
	if ev.RunID == "" || ev.RunID != s.RunID || ev.Message.Validate() != nil {
		return s, false
	}
	next := s.clone()
	next.dropProvisional()
	if next.index(ev.Message.ID) < 0 {
		// the snapshot carrying it may already have landed
		next.insert(ev.Message.Clone(), true)
	}
	next.RunID = ""
	next.RunStatus = domain.RunCompleted
	next.LastSeq = 0
	next.sortMessages()
	return next, true
}

func provisionalID(runID string) string {
	return "provisional-" + runID
}

// IsProvisional reports whether m is an in-progress assistant reply.
func IsProvisional(m domain.Message) bool {
	return m.Metadata[domain.MetaProvisional] == "true"
}

// Confirmed reports whether id has been seen in a snapshot.
func (s State) Confirmed(id string) bool {
	return s.index(id) >= 0 && !s.local[id]
}

// hasFinal reports whether the persisted reply of runID is already known.
func (s State) hasFinal(runID string) bool {
	for _, m := range s.Messages {
		if m.Metadata[domain.MetaRunID] == runID && !IsProvisional(m) {
			return true
		}
	}
	return false
}

func (s State) index(id string) int {
	for i, m := range s.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s State) clone() State {
	next := s
	next.Messages = make([]domain.Message, len(s.Messages))
	copy(next.Messages, s.Messages)
	next.local = make(map[string]bool, len(s.local))
	for k, v := range s.local {
		next.local[k] = v
	}
	next.order = make(map[string]int, len(s.order))
	for k, v := range s.order {
		next.order[k] = v
	}
	return next
}

// insert must only be called on a clone.
func (s *State) insert(m domain.Message, local bool) {
	s.Messages = append(s.Messages, m)
	if local {
		s.local[m.ID] = true
	}
	if _, ok := s.order[m.ID]; !ok {
		s.order[m.ID] = s.nextOrder
		s.nextOrder++
	}
}

// dropProvisional must only be called on a clone.
func (s *State) dropProvisional() bool {
	if s.RunID == "" {
		return false
	}
	i := s.index(provisionalID(s.RunID))
	if i < 0 {
		return false
	}
	delete(s.local, s.Messages[i].ID)
	s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
	return true
}

func (s *State) sortMessages() {
	sort.SliceStable(s.Messages, func(i, j int) bool {
		a, b := s.Messages[i], s.Messages[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.Role.Priority() != b.Role.Priority() {
			return a.Role.Priority() < b.Role.Priority()
		}
		// confirmed messages follow the store's (createdAt, id) order; local
		// entries keep insertion order and sort after them
		aLocal, bLocal := s.local[a.ID], s.local[b.ID]
		if aLocal != bLocal {
			return bLocal
		}
		if !aLocal {
			return a.ID < b.ID
		}
		return s.order[a.ID] < s.order[b.ID]
	})
}

func equalMessage(a, b domain.Message) bool {
	if a.ID != b.ID || a.Role != b.Role || a.Content != b.Content || a.CreatedAt != b.CreatedAt || a.ContentType != b.ContentType {
		return false
	}
	if len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for k, v := range a.Metadata {
		if bv, ok := b.Metadata[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
