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

// HubOption configures a Hub.
type HubOption func(*hubConfig)

type hubConfig struct {
	bufferSize int
	logger     *slog.Logger
}

// WithBufferSize sets the per-listener snapshot queue size.
func WithBufferSize(size int) HubOption {
	return func(cfg *hubConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithHubLogger sets a structured logger for dropped snapshots.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(cfg *hubConfig) {
		cfg.logger = logger
	}
}

type listener struct {
	id       string
	threadID string
	fn       func(domain.Thread)

	mu    sync.Mutex // guards enqueue so drop-oldest stays ordered
	queue chan domain.Thread
	done  chan struct{}
	once  sync.Once
}

type listenerMap map[string]map[string]*listener

// Hub is an in-process Feed. Each listener receives snapshots in publish
// order on its own goroutine.
type Hub struct {
	listeners atomic.Pointer[listenerMap]
	nextID    atomic.Int64
	cfg       hubConfig
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	cfg := hubConfig{bufferSize: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	h := &Hub{cfg: cfg}
	empty := make(listenerMap)
	h.listeners.Store(&empty)
	return h
}

// Publish enqueues a copy of snapshot for every listener of its thread.
// When a listener is behind, its oldest queued snapshot is dropped: the
// newest full document supersedes it.
func (h *Hub) Publish(_ context.Context, snapshot domain.Thread) error {
	if strings.TrimSpace(snapshot.ID) == "" {
		return errors.New("realtime: snapshot thread id is required")
	}
	subs := h.listeners.Load()
	for _, l := range (*subs)[snapshot.ID] {
		l.enqueue(snapshot.Clone(), h.cfg.logger)
	}
	return nil
}

// Listen registers fn for snapshots of threadID until the returned cancel
// func is called or ctx is done.
func (h *Hub) Listen(ctx context.Context, threadID string, fn func(domain.Thread)) (func(), error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("realtime: thread id is required")
	}
	if fn == nil {
		return nil, errors.New("realtime: listener func is required")
	}

	l := &listener{
		id:       fmt.Sprintf("%s-%d", threadID, h.nextID.Add(1)),
		threadID: threadID,
		fn:       fn,
		queue:    make(chan domain.Thread, h.cfg.bufferSize),
		done:     make(chan struct{}),
	}
	h.add(l)
	go l.run()

	cancel := func() {
		l.once.Do(func() {
			h.remove(l)
			close(l.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-l.done:
		}
	}()
	return cancel, nil
}

// ListenerCount reports how many listeners are registered for threadID.
func (h *Hub) ListenerCount(threadID string) int {
	return len((*h.listeners.Load())[threadID])
}

func (l *listener) enqueue(snapshot domain.Thread, logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- snapshot:
		return
	default:
	}
	select {
	case <-l.queue:
		logger.Warn("realtime: listener behind, dropping oldest snapshot", "thread_id", l.threadID, "listener_id", l.id)
	default:
	}
	select {
	case l.queue <- snapshot:
	default:
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case snap := <-l.queue:
			select {
			case <-l.done:
				return
			default:
			}
			l.fn(snap)
		}
	}
}

// add registers a listener using copy-on-write.
func (h *Hub) add(l *listener) {
	for {
		old := h.listeners.Load()
		next := copyListeners(*old)
		if _, ok := next[l.threadID]; !ok {
			next[l.threadID] = make(map[string]*listener)
		}
		next[l.threadID][l.id] = l
		if h.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

// remove drops a listener using copy-on-write.
func (h *Hub) remove(l *listener) {
	for {
		old := h.listeners.Load()
		if _, ok := (*old)[l.threadID][l.id]; !ok {
			return
		}
		next := copyListeners(*old)
		delete(next[l.threadID], l.id)
		if len(next[l.threadID]) == 0 {
			delete(next, l.threadID)
		}
		if h.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

func copyListeners(original listenerMap) listenerMap {
	cp := make(listenerMap, len(original))
	for thread, ls := range original {
		cp[thread] = make(map[string]*listener, len(ls))
		for id, l := range ls {
			cp[thread][id] = l
		}
	}
	return cp
}
