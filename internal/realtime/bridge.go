package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

// SnapshotLoader reads the current thread document.
type SnapshotLoader interface {
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
}

// Subscription is the handle returned by Bridge.Subscribe.
type Subscription struct {
	ThreadID string

	bridge     *Bridge
	onSnapshot func(domain.Thread)
	cancel     func()

	mu        sync.Mutex // serializes deliveries
	delivered bool
	closed    atomic.Bool
}

// Active reports whether the subscription has not been unsubscribed.
func (s *Subscription) Active() bool {
	return s != nil && !s.closed.Load()
}

func (s *Subscription) deliver(snap domain.Thread, pushed bool) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	if !pushed && s.delivered {
		// a pushed snapshot is at least as new as the initial read
		return
	}
	s.delivered = true
	s.onSnapshot(snap)
}

// Bridge owns the subscriptions of one consumer and guarantees at most one
// active subscription per thread. Consumers sharing a feed each take their
// own View; two consumers on one Bridge replace each other's subscriptions.
type Bridge struct {
	feed   Feed
	loader SnapshotLoader
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]*Subscription
}

// NewBridge creates a Bridge over feed. When loader is non-nil every
// subscription first receives the current document, like a value listener.
func NewBridge(feed Feed, loader SnapshotLoader, log *slog.Logger) (*Bridge, error) {
	if feed == nil {
		return nil, errors.New("realtime: feed must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		feed:   feed,
		loader: loader,
		log:    log.With("component", "realtime_bridge"),
		active: make(map[string]*Subscription),
	}, nil
}

// View returns a Bridge over the same feed and loader with its own, empty
// set of subscriptions.
func (b *Bridge) View() *Bridge {
	return &Bridge{
		feed:   b.feed,
		loader: b.loader,
		log:    b.log,
		active: make(map[string]*Subscription),
	}
}

// Subscribe starts delivering snapshots of threadID to onSnapshot in the
// order the backing store emits them. A previous subscription to the same
// thread is released first.
func (b *Bridge) Subscribe(ctx context.Context, threadID string, onSnapshot func(domain.Thread)) (*Subscription, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, domain.Validation("missing_thread_id")
	}
	if onSnapshot == nil {
		return nil, errors.New("realtime: onSnapshot must not be nil")
	}

	b.mu.Lock()
	prev := b.active[threadID]
	b.mu.Unlock()
	if prev != nil {
		b.Unsubscribe(prev)
	}

	sub := &Subscription{ThreadID: threadID, bridge: b, onSnapshot: onSnapshot}
	// listeners outlive the caller's request context; Unsubscribe ends them
	cancel, err := b.feed.Listen(context.WithoutCancel(ctx), threadID, func(snap domain.Thread) {
		sub.deliver(snap, true)
	})
	if err != nil {
		return nil, domain.Transport("subscribe_failed", fmt.Errorf("realtime: listen %q: %w", threadID, err))
	}
	sub.cancel = cancel

	b.mu.Lock()
	b.active[threadID] = sub
	b.mu.Unlock()

	if b.loader != nil {
		snap, err := b.loader.GetThread(ctx, threadID)
		if err != nil {
			b.Unsubscribe(sub)
			if domain.CodeOf(err) == domain.ErrorInternal {
				return nil, domain.Transport("initial_snapshot_failed", err)
			}
			return nil, err
		}
		sub.deliver(snap, false)
	}
	b.log.Debug("subscribed", "thread_id", threadID)
	return sub, nil
}

// Unsubscribe stops delivery. It is safe to call more than once and from any
// goroutine. A callback already running may still finish.
func (b *Bridge) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	if sub.cancel != nil {
		sub.cancel()
	}
	b.mu.Lock()
	if b.active[sub.ThreadID] == sub {
		delete(b.active, sub.ThreadID)
	}
	b.mu.Unlock()
	b.log.Debug("unsubscribed", "thread_id", sub.ThreadID)
}

// ActiveCount reports the number of live subscriptions.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}
