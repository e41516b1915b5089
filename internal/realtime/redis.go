package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

// DialRedis connects and pings so a bad address fails at startup.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("realtime: redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("realtime: redis ping: %w", err)
	}
	return rdb, nil
}

// RedisFeed is a cross-process Feed: one pub/sub channel per thread,
// carrying the full thread document as JSON.
type RedisFeed struct {
	rdb    *goredis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisFeed wraps a connected client. Channels are named
// "<prefix>/<threadID>".
func NewRedisFeed(rdb *goredis.Client, prefix string, log *slog.Logger) (*RedisFeed, error) {
	if rdb == nil {
		return nil, errors.New("realtime: redis client must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "threads"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{rdb: rdb, prefix: prefix, log: log.With("component", "redis_feed")}, nil
}

func (f *RedisFeed) channel(threadID string) string {
	return f.prefix + "/" + threadID
}

func (f *RedisFeed) Publish(ctx context.Context, snapshot domain.Thread) error {
	if strings.TrimSpace(snapshot.ID) == "" {
		return errors.New("realtime: snapshot thread id is required")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("realtime: encode snapshot: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel(snapshot.ID), raw).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish: %w", err)
	}
	return nil
}

func (f *RedisFeed) Listen(ctx context.Context, threadID string, fn func(domain.Thread)) (func(), error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("realtime: thread id is required")
	}
	if fn == nil {
		return nil, errors.New("realtime: listener func is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := f.rdb.Subscribe(ctx, f.channel(threadID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("realtime: redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				snap, err := decodeSnapshot([]byte(m.Payload), threadID)
				if err != nil {
					f.log.Warn("bad snapshot payload", "thread_id", threadID, "error", err)
					continue
				}
				fn(snap)
			}
		}
	}()
	return cancel, nil
}

// decodeSnapshot parses a pushed document and checks it before anything
// downstream trusts it.
func decodeSnapshot(raw []byte, threadID string) (domain.Thread, error) {
	var snap domain.Thread
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Thread{}, fmt.Errorf("decode: %w", err)
	}
	if snap.ID != threadID {
		return domain.Thread{}, fmt.Errorf("snapshot for %q on channel of %q", snap.ID, threadID)
	}
	for _, m := range snap.Messages {
		if err := m.Validate(); err != nil {
			return domain.Thread{}, err
		}
	}
	return snap, nil
}
