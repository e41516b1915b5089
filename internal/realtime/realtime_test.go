package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/repository"
)

type recorder struct {
	mu    sync.Mutex
	snaps []domain.Thread
	ch    chan domain.Thread
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.Thread, 64)}
}

func (r *recorder) fn(t domain.Thread) {
	r.mu.Lock()
	r.snaps = append(r.snaps, t)
	r.mu.Unlock()
	r.ch <- t
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func recv(t *testing.T, ch <-chan domain.Thread) domain.Thread {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return domain.Thread{}
}

func snapshot(threadID string, ids ...string) domain.Thread {
	th := domain.Thread{ID: threadID}
	for i, id := range ids {
		th.Messages = append(th.Messages, domain.Message{
			ID: id, Role: domain.RoleUser, Content: id, CreatedAt: int64(i + 1), ContentType: domain.ContentText,
		})
	}
	return th
}

func TestHub_DeliversInPublishOrder(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	cancel, err := hub.Listen(context.Background(), "t1", rec.fn)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a")))
	require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a", "b")))
	require.NoError(t, hub.Publish(context.Background(), snapshot("other", "x")))

	require.Len(t, recv(t, rec.ch).Messages, 1)
	require.Len(t, recv(t, rec.ch).Messages, 2)
	select {
	case snap := <-rec.ch:
		t.Fatalf("unexpected snapshot for %s", snap.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelAndContextRemoveListener(t *testing.T) {
	hub := NewHub()
	cancel, err := hub.Listen(context.Background(), "t1", func(domain.Thread) {})
	require.NoError(t, err)
	require.Equal(t, 1, hub.ListenerCount("t1"))
	cancel()
	cancel()
	require.Equal(t, 0, hub.ListenerCount("t1"))

	ctx, stop := context.WithCancel(context.Background())
	_, err = hub.Listen(ctx, "t1", func(domain.Thread) {})
	require.NoError(t, err)
	stop()
	require.Eventually(t, func() bool { return hub.ListenerCount("t1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_SlowListenerDropsOldestQueuedSnapshot(t *testing.T) {
	hub := NewHub(WithBufferSize(1))
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	rec := newRecorder()

	cancel, err := hub.Listen(context.Background(), "t1", func(th domain.Thread) {
		entered <- struct{}{}
		<-release
		rec.fn(th)
	})
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, snapshot("t1", "a")))
	<-entered // first snapshot is being handled, queue is empty
	require.NoError(t, hub.Publish(ctx, snapshot("t1", "a", "b")))
	require.NoError(t, hub.Publish(ctx, snapshot("t1", "a", "b", "c")))
	close(release)

	require.Len(t, recv(t, rec.ch).Messages, 1)
	require.Len(t, recv(t, rec.ch).Messages, 3)
	require.Never(t, func() bool { return rec.count() > 2 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestHub_SnapshotsAreIsolatedCopies(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	cancel, err := hub.Listen(context.Background(), "t1", rec.fn)
	require.NoError(t, err)
	defer cancel()

	snap := snapshot("t1", "a")
	require.NoError(t, hub.Publish(context.Background(), snap))
	got := recv(t, rec.ch)
	got.Messages[0].Content = "mutated"
	require.Equal(t, "a", snap.Messages[0].Content)
}

func TestHub_Validation(t *testing.T) {
	hub := NewHub()
	_, err := hub.Listen(context.Background(), "", func(domain.Thread) {})
	require.Error(t, err)
	_, err = hub.Listen(context.Background(), "t1", nil)
	require.Error(t, err)
	require.Error(t, hub.Publish(context.Background(), domain.Thread{}))
}

type fakeLoader struct {
	thread domain.Thread
	err    error
	before func()
}

func (f *fakeLoader) GetThread(_ context.Context, _ string) (domain.Thread, error) {
	if f.before != nil {
		f.before()
	}
	return f.thread, f.err
}

func TestBridge_DeliversInitialThenPushed(t *testing.T) {
	hub := NewHub()
	b, err := NewBridge(hub, &fakeLoader{thread: snapshot("t1", "a")}, nil)
	require.NoError(t, err)

	rec := newRecorder()
	sub, err := b.Subscribe(context.Background(), "t1", rec.fn)
	require.NoError(t, err)
	require.True(t, sub.Active())
	require.Len(t, recv(t, rec.ch).Messages, 1)

	require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a", "b")))
	require.Len(t, recv(t, rec.ch).Messages, 2)
}

func TestBridge_SkipsInitialReadWhenPushArrivedFirst(t *testing.T) {
	hub := NewHub()
	rec := newRecorder()
	loader := &fakeLoader{thread: snapshot("t1", "a")}
	loader.before = func() {
		require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a", "b")))
		require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	}
	b, err := NewBridge(hub, loader, nil)
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), "t1", rec.fn)
	require.NoError(t, err)
	require.Len(t, recv(t, rec.ch).Messages, 2)
	require.Equal(t, 1, rec.count())
}

func TestBridge_OneSubscriptionPerThread(t *testing.T) {
	hub := NewHub()
	b, err := NewBridge(hub, nil, nil)
	require.NoError(t, err)

	first, err := b.Subscribe(context.Background(), "t1", func(domain.Thread) {})
	require.NoError(t, err)
	second, err := b.Subscribe(context.Background(), "t1", func(domain.Thread) {})
	require.NoError(t, err)

	require.False(t, first.Active())
	require.True(t, second.Active())
	require.Equal(t, 1, b.ActiveCount())
	require.Equal(t, 1, hub.ListenerCount("t1"))
}

func TestBridge_ViewsKeepSeparateSubscriptions(t *testing.T) {
	hub := NewHub()
	b, err := NewBridge(hub, nil, nil)
	require.NoError(t, err)
	left, right := b.View(), b.View()
	recLeft, recRight := newRecorder(), newRecorder()

	first, err := left.Subscribe(context.Background(), "t1", recLeft.fn)
	require.NoError(t, err)
	second, err := right.Subscribe(context.Background(), "t1", recRight.fn)
	require.NoError(t, err)

	require.True(t, first.Active())
	require.True(t, second.Active())
	require.Equal(t, 2, hub.ListenerCount("t1"))
	require.Equal(t, 0, b.ActiveCount())

	require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a")))
	require.Len(t, recv(t, recLeft.ch).Messages, 1)
	require.Len(t, recv(t, recRight.ch).Messages, 1)

	left.Unsubscribe(first)
	require.True(t, second.Active())
	require.Equal(t, 1, hub.ListenerCount("t1"))
}

func TestBridge_UnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	hub := NewHub()
	b, err := NewBridge(hub, nil, nil)
	require.NoError(t, err)
	rec := newRecorder()
	sub, err := b.Subscribe(context.Background(), "t1", rec.fn)
	require.NoError(t, err)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	require.Equal(t, 0, b.ActiveCount())
	require.Equal(t, 0, hub.ListenerCount("t1"))

	require.NoError(t, hub.Publish(context.Background(), snapshot("t1", "a")))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, rec.count())
}

func TestBridge_InitialReadFailures(t *testing.T) {
	hub := NewHub()
	b, err := NewBridge(hub, &fakeLoader{err: domain.ErrNotFound}, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "t1", func(domain.Thread) {})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, 0, b.ActiveCount())
	require.Equal(t, 0, hub.ListenerCount("t1"))

	b, err = NewBridge(hub, &fakeLoader{err: errors.New("connection reset")}, nil)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "t1", func(domain.Thread) {})
	require.Equal(t, domain.ErrorTransport, domain.CodeOf(err))

	_, err = b.Subscribe(context.Background(), " ", func(domain.Thread) {})
	require.Equal(t, domain.ErrorValidation, domain.CodeOf(err))
}

func TestDecodeSnapshot(t *testing.T) {
	snap, err := decodeSnapshot([]byte(`{"id":"t1","messages":[{"id":"m1","role":"user","content":"hi","createdAt":1,"contentType":"text"}]}`), "t1")
	require.NoError(t, err)
	require.Equal(t, "hi", snap.Messages[0].Content)

	_, err = decodeSnapshot([]byte(`{"id":"t2","messages":[]}`), "t1")
	require.Error(t, err)
	_, err = decodeSnapshot([]byte(`{"id":"t1","messages":[{"id":"m1","role":"alien","createdAt":1,"contentType":"text"}]}`), "t1")
	require.Error(t, err)
	_, err = decodeSnapshot([]byte(`nope`), "t1")
	require.Error(t, err)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, domain.Thread) error {
	f.calls++
	return errors.New("redis down")
}

func TestPublishingStore_PublishesAfterWrites(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	require.NoError(t, mem.CreateThread(ctx, domain.Thread{ID: "t1", ChatbotID: "bot", UserID: "u", OwnerID: "o"}))

	hub := NewHub()
	rec := newRecorder()
	cancel, err := hub.Listen(ctx, "t1", rec.fn)
	require.NoError(t, err)
	defer cancel()

	store, err := NewPublishingStore(mem, hub, nil)
	require.NoError(t, err)
	msg := domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi", CreatedAt: 1, ContentType: domain.ContentText}
	require.NoError(t, store.AppendMessage(ctx, "t1", msg))
	got := recv(t, rec.ch)
	require.Len(t, got.Messages, 1)
	require.NotEmpty(t, got.Messages[0].Metadata[domain.MetaPersistedAt])

	require.NoError(t, store.MarkRead(ctx, "t1", "m1"))
	require.Equal(t, "m1", recv(t, rec.ch).ReadMessageID)

	require.Error(t, store.AppendMessage(ctx, "missing", msg))
	select {
	case <-rec.ch:
		t.Fatalf("failed write must not publish")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPublishingStore_PublishFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	require.NoError(t, mem.CreateThread(ctx, domain.Thread{ID: "t1", ChatbotID: "bot", UserID: "u", OwnerID: "o"}))
	pub := &failingPublisher{}
	store, err := NewPublishingStore(mem, pub, nil)
	require.NoError(t, err)

	msg := domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi", CreatedAt: 1, ContentType: domain.ContentText}
	require.NoError(t, store.AppendMessage(ctx, "t1", msg))
	require.Equal(t, 1, pub.calls)
}
