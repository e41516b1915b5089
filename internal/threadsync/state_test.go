package threadsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

func msg(id string, role domain.Role, content string, at int64) domain.Message {
	return domain.Message{ID: id, Role: role, Content: content, CreatedAt: at, ContentType: domain.ContentText}
}

func reduceAll(t *testing.T, s State, events ...Event) State {
	t.Helper()
	for _, ev := range events {
		s, _ = Reduce(s, ev)
	}
	return s
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func bound(t *testing.T, threadID string) State {
	t.Helper()
	s, applied := Reduce(State{}, BindEvent{ThreadID: threadID})
	require.True(t, applied)
	return s
}

func TestReduce_SnapshotDeliveryOrderDoesNotMatter(t *testing.T) {
	a := msg("a", domain.RoleUser, "hi", 10)
	b := msg("b", domain.RoleAssistant, "hello", 20)
	c := msg("c", domain.RoleUser, "more", 30)
	c2 := msg("c2", domain.RoleUser, "tie", 30)

	first := []Event{
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{a}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{a, b}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{a, b, c, c2}},
	}
	second := []Event{
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{c2, b, c, a}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{b, a}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{a}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{c2, b, c, a}},
	}

	x := reduceAll(t, bound(t, "T1"), first...)
	y := reduceAll(t, bound(t, "T1"), second...)
	require.Equal(t, x.Messages, y.Messages)
	require.Equal(t, []string{"a", "b", "c", "c2"}, ids(x.Messages))

	// same createdAt and role: the id decides, not which snapshot came first
	d := msg("d", domain.RoleUser, "one", 50)
	e := msg("e", domain.RoleUser, "two", 50)
	x = reduceAll(t, bound(t, "T1"),
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{e}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{d, e}},
	)
	y = reduceAll(t, bound(t, "T1"),
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{d, e}},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{e}},
	)
	require.Equal(t, x.Messages, y.Messages)
	require.Equal(t, []string{"d", "e"}, ids(x.Messages))
}

func TestReduce_DuplicateSnapshotIsNoop(t *testing.T) {
	snap := SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("a", domain.RoleUser, "hi", 10)}}
	s, applied := Reduce(bound(t, "T1"), snap)
	require.True(t, applied)
	again, applied := Reduce(s, snap)
	require.False(t, applied)
	require.Equal(t, s.Messages, again.Messages)
}

func TestReduce_SnapshotForOtherThreadIsDropped(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"), SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("a", domain.RoleUser, "hi", 10)}})
	s = reduceAll(t, s, BindEvent{ThreadID: "T2"})

	next, applied := Reduce(s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("b", domain.RoleUser, "late", 20)}})
	require.False(t, applied)
	require.Equal(t, s, next)
	require.Empty(t, next.Messages)
}

func TestReduce_OptimisticKeptUntilConfirmed(t *testing.T) {
	local := msg("m1", domain.RoleUser, "hello", 10)
	s, applied := Reduce(bound(t, "T1"), OptimisticEvent{Message: local})
	require.True(t, applied)
	require.Len(t, s.Messages, 1)
	require.Equal(t, "hello", s.Messages[0].Content)
	require.Equal(t, domain.RoleUser, s.Messages[0].Role)
	require.False(t, s.Confirmed("m1"))

	// a snapshot that predates the append leaves the local message in place
	s = reduceAll(t, s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("m0", domain.RoleAssistant, "welcome", 5)}})
	require.Equal(t, []string{"m0", "m1"}, ids(s.Messages))

	confirmed := local.Clone()
	confirmed.Metadata = map[string]string{domain.MetaPersistedAt: "2026-01-01T00:00:00Z"}
	s = reduceAll(t, s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("m0", domain.RoleAssistant, "welcome", 5), confirmed}})
	require.True(t, s.Confirmed("m1"))
	require.Equal(t, "2026-01-01T00:00:00Z", s.Messages[1].Metadata[domain.MetaPersistedAt])
	require.Len(t, s.Messages, 2)
}

func TestReduce_OptimisticRequiresBoundThread(t *testing.T) {
	_, applied := Reduce(State{}, OptimisticEvent{Message: msg("m1", domain.RoleUser, "x", 1)})
	require.False(t, applied)
}

func TestReduce_TiesSortUserBeforeAssistant(t *testing.T) {
	snap := SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{
		msg("z-assistant", domain.RoleAssistant, "reply", 100),
		msg("a-user", domain.RoleUser, "question", 100),
		msg("sys", domain.RoleSystem, "rules", 100),
	}}
	for i := 0; i < 5; i++ {
		s := reduceAll(t, bound(t, "T1"), snap)
		require.Equal(t, []string{"sys", "a-user", "z-assistant"}, ids(s.Messages))
	}

	// insertion order breaks ties between unconfirmed entries
	s := reduceAll(t, bound(t, "T1"),
		OptimisticEvent{Message: msg("second-id-first", domain.RoleUser, "1", 50)},
		OptimisticEvent{Message: msg("a-later", domain.RoleUser, "2", 50)},
	)
	require.Equal(t, []string{"second-id-first", "a-later"}, ids(s.Messages))

	// confirmed entries sort ahead of unconfirmed ones at the same instant
	s = reduceAll(t, s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("z-remote", domain.RoleUser, "3", 50)}})
	require.Equal(t, []string{"z-remote", "second-id-first", "a-later"}, ids(s.Messages))
}

func TestReduce_RunLifecycle(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"), OptimisticEvent{Message: msg("m1", domain.RoleUser, "hi", 10)})

	_, applied := Reduce(s, RunStartedEvent{ThreadID: "T2", RunID: "r1"})
	require.False(t, applied, "run of another thread")

	s = reduceAll(t, s, RunStartedEvent{ThreadID: "T1", RunID: "r1"})
	require.Equal(t, domain.RunQueued, s.RunStatus)

	appearance := domain.Appearance{Color: "#ff0000", Font: "Inter", Size: "md"}
	s = reduceAll(t, s, DeltaEvent{RunID: "r1", Seq: 1, Content: "He", At: 5, Appearance: appearance})
	require.Equal(t, domain.RunStreaming, s.RunStatus)
	require.Len(t, s.Messages, 2)
	prov := s.Messages[1]
	require.True(t, IsProvisional(prov))
	require.Equal(t, int64(10), prov.CreatedAt, "provisional never sorts before the last message")
	require.Equal(t, "#ff0000", prov.Metadata[domain.MetaColor])
	require.Equal(t, "Inter", prov.Metadata[domain.MetaFont])
	require.Equal(t, "md", prov.Metadata[domain.MetaSize])

	_, applied = Reduce(s, DeltaEvent{RunID: "r1", Seq: 1, Content: "He"})
	require.False(t, applied, "duplicate delta")
	_, applied = Reduce(s, DeltaEvent{RunID: "other", Seq: 2, Content: "zzz"})
	require.False(t, applied, "delta of another run")

	s = reduceAll(t, s, DeltaEvent{RunID: "r1", Seq: 3, Content: "Hello"}, DeltaEvent{RunID: "r1", Seq: 2, Content: "Hel"})
	require.Equal(t, "Hello", s.Messages[1].Content)
	require.Equal(t, prov.CreatedAt, s.Messages[1].CreatedAt)

	final := domain.Message{ID: "f1", Role: domain.RoleAssistant, Content: "Hello", CreatedAt: 11, ContentType: domain.ContentMarkdown,
		Metadata: map[string]string{domain.MetaRunID: "r1"}}
	s = reduceAll(t, s, FinalizeEvent{RunID: "r1", Message: final})
	require.Equal(t, []string{"m1", "f1"}, ids(s.Messages))
	require.Equal(t, domain.RunCompleted, s.RunStatus)
	require.Empty(t, s.RunID)

	_, applied = Reduce(s, DeltaEvent{RunID: "r1", Seq: 4, Content: "Hello!"})
	require.False(t, applied, "delta after completion")

	// the persisted copy echoes back through a snapshot
	echoed := final.Clone()
	echoed.Metadata[domain.MetaPersistedAt] = "now"
	s = reduceAll(t, s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("m1", domain.RoleUser, "hi", 10), echoed}})
	require.Equal(t, []string{"m1", "f1"}, ids(s.Messages))
	require.True(t, s.Confirmed("f1"))
}

func TestReduce_SnapshotWithFinalReplyDropsProvisional(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"),
		RunStartedEvent{ThreadID: "T1", RunID: "r1"},
		DeltaEvent{RunID: "r1", Seq: 1, Content: "Hel", At: 10},
	)
	final := domain.Message{ID: "f1", Role: domain.RoleAssistant, Content: "Hello", CreatedAt: 11, ContentType: domain.ContentMarkdown,
		Metadata: map[string]string{domain.MetaRunID: "r1"}}
	s = reduceAll(t, s, SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{final}})
	require.Equal(t, []string{"f1"}, ids(s.Messages))

	_, applied := Reduce(s, DeltaEvent{RunID: "r1", Seq: 2, Content: "Hello"})
	require.False(t, applied)

	s = reduceAll(t, s, FinalizeEvent{RunID: "r1", Message: final})
	require.Equal(t, []string{"f1"}, ids(s.Messages))
	require.Equal(t, domain.RunCompleted, s.RunStatus)
}

func TestReduce_RunFailedRemovesProvisional(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"),
		OptimisticEvent{Message: msg("m1", domain.RoleUser, "hi", 10)},
		RunStartedEvent{ThreadID: "T1", RunID: "r1"},
		DeltaEvent{RunID: "r1", Seq: 1, Content: "partial", At: 11},
	)
	require.Len(t, s.Messages, 2)

	s, applied := Reduce(s, RunFailedEvent{RunID: "r1"})
	require.True(t, applied)
	require.Equal(t, []string{"m1"}, ids(s.Messages))
	require.Equal(t, domain.RunFailed, s.RunStatus)

	_, applied = Reduce(s, RunFailedEvent{RunID: "r1"})
	require.False(t, applied)
}

func TestReduce_BindAndTeardown(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"), OptimisticEvent{Message: msg("m1", domain.RoleUser, "hi", 10)})

	same, applied := Reduce(s, BindEvent{ThreadID: "T1"})
	require.False(t, applied)
	require.Len(t, same.Messages, 1)

	cleared, applied := Reduce(s, TeardownEvent{})
	require.True(t, applied)
	require.Empty(t, cleared.ThreadID)
	require.Empty(t, cleared.Messages)

	_, applied = Reduce(cleared, TeardownEvent{})
	require.False(t, applied)
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := reduceAll(t, bound(t, "T1"),
		OptimisticEvent{Message: msg("m1", domain.RoleUser, "hi", 10)},
		RunStartedEvent{ThreadID: "T1", RunID: "r1"},
		DeltaEvent{RunID: "r1", Seq: 1, Content: "a", At: 10},
	)
	before := s.clone()
	_ = reduceAll(t, s,
		DeltaEvent{RunID: "r1", Seq: 2, Content: "ab"},
		RunFailedEvent{RunID: "r1"},
		SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{msg("m1", domain.RoleUser, "hi", 10)}},
	)
	require.Equal(t, before.Messages, s.Messages)
	require.Equal(t, "a", s.Messages[1].Content)
}

func TestReduce_SnapshotSkipsInvalidMessages(t *testing.T) {
	bad := msg("", domain.RoleUser, "x", 1)
	s := reduceAll(t, bound(t, "T1"), SnapshotEvent{ThreadID: "T1", Messages: []domain.Message{bad, msg("ok", domain.RoleUser, "y", 2)}})
	require.Equal(t, []string{"ok"}, ids(s.Messages))
}
