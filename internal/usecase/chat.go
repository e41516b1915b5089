package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/orchestrator"
)

const defaultMaxMessageLength = 4000

type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (domain.Thread, error)
	AppendMessage(ctx context.Context, threadID string, msg domain.Message) error
	MarkRead(ctx context.Context, threadID, messageID string) error
}

type ChatbotReader interface {
	GetChatbot(ctx context.Context, chatbotID string) (domain.Chatbot, error)
}

type ThreadResolver interface {
	Resolve(ctx context.Context, userID, chatbotID string) (domain.Thread, error)
}

type RunStarter interface {
	StartRun(ctx context.Context, threadID, assistantID, callerID string) (*orchestrator.Run, error)
}

// ChatService is the server side of the widget: every call is made on
// behalf of CallerID and only touches that caller's threads.
type ChatService struct {
	threads    ThreadStore
	bots       ChatbotReader
	resolver   ThreadResolver
	runs       RunStarter
	maxMessage int
	now        func() time.Time
}

type PostMessageInput struct {
	CallerID  string
	ThreadID  string
	MessageID string
	Content   string
}

type RunInput struct {
	CallerID  string
	ThreadID  string
	ChatbotID string
}

func NewChatService(threads ThreadStore, bots ChatbotReader, resolver ThreadResolver, runs RunStarter, maxMessageLength int) (*ChatService, error) {
	if threads == nil {
		return nil, errors.New("usecase: thread store must not be nil")
	}
	if bots == nil {
		return nil, errors.New("usecase: chatbot reader must not be nil")
	}
	if resolver == nil {
		return nil, errors.New("usecase: thread resolver must not be nil")
	}
	if runs == nil {
		return nil, errors.New("usecase: run starter must not be nil")
	}
	if maxMessageLength <= 0 {
		maxMessageLength = defaultMaxMessageLength
	}
	return &ChatService{
		threads:    threads,
		bots:       bots,
		resolver:   resolver,
		runs:       runs,
		maxMessage: maxMessageLength,
		now:        time.Now,
	}, nil
}

// ResolveThread returns the caller's thread with chatbotID, with messages.
func (s *ChatService) ResolveThread(ctx context.Context, callerID, chatbotID string) (domain.Thread, error) {
	if strings.TrimSpace(callerID) == "" {
		return domain.Thread{}, domain.Validation("unauthenticated")
	}
	thread, err := s.resolver.Resolve(ctx, callerID, chatbotID)
	if err != nil {
		return domain.Thread{}, err
	}
	return s.GetThread(ctx, callerID, thread.ID)
}

func (s *ChatService) GetThread(ctx context.Context, callerID, threadID string) (domain.Thread, error) {
	if strings.TrimSpace(callerID) == "" {
		return domain.Thread{}, domain.Validation("unauthenticated")
	}
	if strings.TrimSpace(threadID) == "" {
		return domain.Thread{}, domain.Validation("missing_thread_id")
	}
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return domain.Thread{}, domain.StoreError("thread_read_failed", err)
	}
	if thread.UserID != callerID {
		return domain.Thread{}, domain.NewError(domain.ErrorPermissionDenied, "not_thread_user", domain.ErrPermissionDenied)
	}
	return thread, nil
}

// PostMessage appends a user message. A client supplied MessageID makes
// retries idempotent.
func (s *ChatService) PostMessage(ctx context.Context, in PostMessageInput) (domain.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.Message{}, domain.Validation("empty_content")
	}
	if utf8.RuneCountInString(content) > s.maxMessage {
		return domain.Message{}, domain.Validation("content_too_long")
	}
	thread, err := s.GetThread(ctx, in.CallerID, in.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}

	id := strings.TrimSpace(in.MessageID)
	if id == "" {
		id = uuid.NewString()
	}
	for _, m := range thread.Messages {
		if m.ID == id {
			if m.Role != domain.RoleUser {
				return domain.Message{}, domain.Validation("message_id_taken")
			}
			return m, nil
		}
	}

	createdAt := s.now().UnixMilli()
	if last, ok := thread.LastMessage(); ok && last.CreatedAt >= createdAt {
		createdAt = last.CreatedAt + 1
	}
	msg := domain.Message{
		ID:          id,
		Role:        domain.RoleUser,
		Content:     content,
		CreatedAt:   createdAt,
		ContentType: domain.ContentText,
	}
	if err := s.threads.AppendMessage(ctx, thread.ID, msg); err != nil {
		return domain.Message{}, domain.StoreError("persist_failed", err)
	}
	return msg, nil
}

// Run invokes the chatbot's agent on the thread and waits for the terminal
// event. Failures are returned as is and nothing is retried.
func (s *ChatService) Run(ctx context.Context, in RunInput) (domain.Message, error) {
	thread, err := s.GetThread(ctx, in.CallerID, in.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(in.ChatbotID) == "" {
		return domain.Message{}, domain.Validation("missing_chatbot_id")
	}
	if in.ChatbotID != thread.ChatbotID {
		return domain.Message{}, domain.NewError(domain.ErrorPermissionDenied, "chatbot_mismatch", domain.ErrPermissionDenied)
	}
	bot, err := s.bots.GetChatbot(ctx, in.ChatbotID)
	if err != nil {
		return domain.Message{}, domain.StoreError("chatbot_read_failed", err)
	}

	run, err := s.runs.StartRun(ctx, thread.ID, bot.AgentID, in.CallerID)
	if err != nil {
		return domain.Message{}, err
	}
	final := run.Wait()
	if final.Type != orchestrator.EventCompleted || final.Message == nil {
		if final.Err != nil {
			return domain.Message{}, final.Err
		}
		return domain.Message{}, domain.NewError(domain.ErrorInternal, "run_ended_without_result", nil)
	}
	return *final.Message, nil
}

func (s *ChatService) MarkRead(ctx context.Context, callerID, threadID, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return domain.Validation("missing_message_id")
	}
	thread, err := s.GetThread(ctx, callerID, threadID)
	if err != nil {
		return err
	}
	found := false
	for _, m := range thread.Messages {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return domain.NewError(domain.ErrorNotFound, "message_not_found", domain.ErrNotFound)
	}
	if err := s.threads.MarkRead(ctx, thread.ID, messageID); err != nil {
		return domain.StoreError("mark_read_failed", err)
	}
	return nil
}
