// Package session resolves the thread a (user, chatbot) pair talks in.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

type ThreadStore interface {
	FindThreads(ctx context.Context, ownerID, userID, chatbotID string) ([]domain.Thread, error)
	CreateThread(ctx context.Context, thread domain.Thread) error
}

type ChatbotReader interface {
	GetChatbot(ctx context.Context, chatbotID string) (domain.Chatbot, error)
}

type Option func(*Directory)

func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) {
		if log != nil {
			d.log = log
		}
	}
}

// Directory scopes every lookup by the (owner, user, chatbot) triple; the
// owner always comes from the chatbot record, never from the caller. It keeps
// no per-caller state and is safe to share between requests.
type Directory struct {
	threads ThreadStore
	bots    ChatbotReader
	log     *slog.Logger
	now     func() time.Time
	newID   func() string
}

func NewDirectory(threads ThreadStore, bots ChatbotReader, opts ...Option) (*Directory, error) {
	if threads == nil {
		return nil, errors.New("session: thread store must not be nil")
	}
	if bots == nil {
		return nil, errors.New("session: chatbot reader must not be nil")
	}
	d := &Directory{
		threads: threads,
		bots:    bots,
		log:     slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Resolve returns the newest thread of the pair, creating one when none
// exists.
func (d *Directory) Resolve(ctx context.Context, userID, chatbotID string) (domain.Thread, error) {
	bot, threads, err := d.list(ctx, userID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	if len(threads) > 0 {
		return threads[0], nil
	}
	return d.create(ctx, userID, bot)
}

// Create starts a new thread for the pair.
func (d *Directory) Create(ctx context.Context, userID, chatbotID string) (domain.Thread, error) {
	bot, err := d.chatbot(ctx, userID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	return d.create(ctx, userID, bot)
}

// List returns the pair's threads, newest first, without messages.
func (d *Directory) List(ctx context.Context, userID, chatbotID string) ([]domain.Thread, error) {
	_, threads, err := d.list(ctx, userID, chatbotID)
	return threads, err
}

// Lookup returns threadID if it belongs to the pair. Threads outside the
// pair are reported as not found.
func (d *Directory) Lookup(ctx context.Context, userID, chatbotID, threadID string) (domain.Thread, error) {
	_, threads, err := d.list(ctx, userID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	for _, t := range threads {
		if t.ID == threadID {
			return t, nil
		}
	}
	return domain.Thread{}, domain.NewError(domain.ErrorNotFound, "thread_not_in_scope", domain.ErrNotFound)
}

// Binder is the session of one view: a Directory plus the one thread that
// is current. Calls are serialized so a view never races itself into two
// new threads.
type Binder struct {
	*Directory

	mu      sync.Mutex
	current string
}

func New(threads ThreadStore, bots ChatbotReader, opts ...Option) (*Binder, error) {
	d, err := NewDirectory(threads, bots, opts...)
	if err != nil {
		return nil, err
	}
	return &Binder{Directory: d}, nil
}

// Resolve is Directory.Resolve that also makes the thread current.
func (b *Binder) Resolve(ctx context.Context, userID, chatbotID string) (domain.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	thread, err := b.Directory.Resolve(ctx, userID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	b.current = thread.ID
	return thread, nil
}

// Create starts a new thread for the pair and makes it current.
func (b *Binder) Create(ctx context.Context, userID, chatbotID string) (domain.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	thread, err := b.Directory.Create(ctx, userID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	b.current = thread.ID
	return thread, nil
}

// Select makes threadID current if it belongs to the pair.
func (b *Binder) Select(ctx context.Context, userID, chatbotID, threadID string) (domain.Thread, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	thread, err := b.Lookup(ctx, userID, chatbotID, threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	b.current = thread.ID
	return thread, nil
}

// Current returns the current thread id, or "" before the first resolve.
func (b *Binder) Current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (d *Directory) chatbot(ctx context.Context, userID, chatbotID string) (domain.Chatbot, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Chatbot{}, domain.Validation("unauthenticated")
	}
	if strings.TrimSpace(chatbotID) == "" {
		return domain.Chatbot{}, domain.Validation("missing_chatbot_id")
	}
	bot, err := d.bots.GetChatbot(ctx, chatbotID)
	if err != nil {
		return domain.Chatbot{}, domain.StoreError("chatbot_read_failed", err)
	}
	if strings.TrimSpace(bot.OwnerID) == "" {
		return domain.Chatbot{}, domain.NewError(domain.ErrorInternal, "chatbot_without_owner", nil)
	}
	return bot, nil
}

func (d *Directory) list(ctx context.Context, userID, chatbotID string) (domain.Chatbot, []domain.Thread, error) {
	bot, err := d.chatbot(ctx, userID, chatbotID)
	if err != nil {
		return domain.Chatbot{}, nil, err
	}
	found, err := d.threads.FindThreads(ctx, bot.OwnerID, userID, bot.ID)
	if err != nil {
		return domain.Chatbot{}, nil, domain.StoreError("thread_lookup_failed", err)
	}
	threads := make([]domain.Thread, 0, len(found))
	for _, t := range found {
		if !t.Matches(bot.OwnerID, userID, bot.ID) {
			d.log.Warn("store returned thread outside scope", "thread_id", t.ID, "chatbot_id", bot.ID)
			continue
		}
		threads = append(threads, t)
	}
	return bot, threads, nil
}

func (d *Directory) create(ctx context.Context, userID string, bot domain.Chatbot) (domain.Thread, error) {
	thread := domain.Thread{
		ID:        d.newID(),
		ChatbotID: bot.ID,
		UserID:    userID,
		OwnerID:   bot.OwnerID,
		CreatedAt: d.now().UnixMilli(),
		Messages:  []domain.Message{},
	}
	if err := d.threads.CreateThread(ctx, thread); err != nil {
		return domain.Thread{}, domain.StoreError("thread_create_failed", err)
	}
	d.log.Info("thread created", "thread_id", thread.ID, "chatbot_id", bot.ID)
	return thread, nil
}
