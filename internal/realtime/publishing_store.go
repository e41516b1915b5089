package realtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/repository"
)

// PublishingStore is a ThreadStore whose writes are followed by a full
// snapshot push, so every writer converges every open view.
type PublishingStore struct {
	repository.ThreadStore
	pub Publisher
	log *slog.Logger
}

func NewPublishingStore(store repository.ThreadStore, pub Publisher, log *slog.Logger) (*PublishingStore, error) {
	if store == nil {
		return nil, errors.New("realtime: store must not be nil")
	}
	if pub == nil {
		return nil, errors.New("realtime: publisher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &PublishingStore{ThreadStore: store, pub: pub, log: log.With("component", "publishing_store")}, nil
}

func (p *PublishingStore) AppendMessage(ctx context.Context, threadID string, msg domain.Message) error {
	if err := p.ThreadStore.AppendMessage(ctx, threadID, msg); err != nil {
		return err
	}
	p.publish(ctx, threadID)
	return nil
}

func (p *PublishingStore) MarkRead(ctx context.Context, threadID, messageID string) error {
	if err := p.ThreadStore.MarkRead(ctx, threadID, messageID); err != nil {
		return err
	}
	p.publish(ctx, threadID)
	return nil
}

// publish never fails the write that triggered it; the next write or the
// next subscribe converges listeners.
func (p *PublishingStore) publish(ctx context.Context, threadID string) {
	snap, err := p.ThreadStore.GetThread(ctx, threadID)
	if err != nil {
		p.log.Warn("snapshot read failed", "thread_id", threadID, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, snap); err != nil {
		p.log.Warn("snapshot publish failed", "thread_id", threadID, "error", err)
	}
}
