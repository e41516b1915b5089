package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

// Memory is an in-process store with the same semantics as Client. It backs
// the widget's local mode and the tests of the packages above this one.
type Memory struct {
	mu       sync.RWMutex
	threads  map[string]*domain.Thread
	chatbots map[string]domain.Chatbot
	agents   map[string]domain.Agent
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[string]*domain.Thread),
		chatbots: make(map[string]domain.Chatbot),
		agents:   make(map[string]domain.Agent),
		now:      time.Now,
	}
}

// PutChatbot seeds a chatbot definition.
func (m *Memory) PutChatbot(bot domain.Chatbot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatbots[bot.ID] = bot
}

// PutAgent seeds an agent definition.
func (m *Memory) PutAgent(agent domain.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
}

func (m *Memory) GetThread(_ context.Context, threadID string) (domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[threadID]
	if !ok {
		return domain.Thread{}, fmt.Errorf("repository: GetThread %q: %w", threadID, domain.ErrNotFound)
	}
	out := t.Clone()
	if out.Messages == nil {
		out.Messages = []domain.Message{}
	}
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, threadID string, msg domain.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("repository: AppendMessage: thread %q: %w", threadID, domain.ErrNotFound)
	}
	for _, existing := range t.Messages {
		if existing.ID == msg.ID {
			return nil
		}
	}
	stored := msg.Clone()
	if stored.Metadata == nil {
		stored.Metadata = map[string]string{}
	}
	stored.Metadata[domain.MetaPersistedAt] = m.now().UTC().Format(time.RFC3339Nano)
	t.Messages = append(t.Messages, stored)
	sort.SliceStable(t.Messages, func(i, j int) bool {
		return t.Messages[i].CreatedAt < t.Messages[j].CreatedAt
	})
	return nil
}

func (m *Memory) CreateThread(_ context.Context, thread domain.Thread) error {
	if strings.TrimSpace(thread.ID) == "" {
		return errors.New("repository: CreateThread: thread id is required")
	}
	if strings.TrimSpace(thread.UserID) == "" || strings.TrimSpace(thread.ChatbotID) == "" || strings.TrimSpace(thread.OwnerID) == "" {
		return errors.New("repository: CreateThread: user, chatbot and owner are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[thread.ID]; ok {
		return fmt.Errorf("repository: CreateThread: thread %q already exists", thread.ID)
	}
	if thread.CreatedAt <= 0 {
		thread.CreatedAt = m.now().UnixMilli()
	}
	cp := thread.Clone()
	m.threads[thread.ID] = &cp
	return nil
}

func (m *Memory) FindThreads(_ context.Context, ownerID, userID, chatbotID string) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Thread
	for _, t := range m.threads {
		if !t.Matches(ownerID, userID, chatbotID) {
			continue
		}
		meta := *t
		meta.Messages = nil
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, threadID, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("repository: MarkRead: message id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("repository: MarkRead %q: %w", threadID, domain.ErrNotFound)
	}
	t.ReadMessageID = messageID
	return nil
}

func (m *Memory) GetChatbot(_ context.Context, chatbotID string) (domain.Chatbot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, ok := m.chatbots[chatbotID]
	if !ok {
		return domain.Chatbot{}, fmt.Errorf("repository: GetChatbot %q: %w", chatbotID, domain.ErrNotFound)
	}
	return bot, nil
}

func (m *Memory) GetAgent(_ context.Context, agentID string) (domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return domain.Agent{}, fmt.Errorf("repository: GetAgent %q: %w", agentID, domain.ErrNotFound)
	}
	return agent, nil
}
