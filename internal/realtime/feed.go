// Package realtime turns a push-based backing store into whole-snapshot
// callbacks for one thread at a time.
package realtime

import (
	"context"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

// Publisher pushes a full thread document to every listener of that thread.
type Publisher interface {
	Publish(ctx context.Context, snapshot domain.Thread) error
}

// Feed is the backing service behind the Bridge. Snapshots are full
// documents, never diffs. Listen returns a cancel func that stops delivery.
type Feed interface {
	Publisher
	Listen(ctx context.Context, threadID string, fn func(domain.Thread)) (func(), error)
}
