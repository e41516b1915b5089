package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/config"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/integrations/openai"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/integrations/paramstore"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/orchestrator"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/realtime"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/repository"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/session"
)

const (
	localUserID    = "local-user"
	localChatbotID = "local-bot"
	localOwnerID   = "local-owner"
	localAgentID   = "local-agent"
)

type chatbotReader interface {
	GetChatbot(ctx context.Context, chatbotID string) (domain.Chatbot, error)
}

// dependencies is everything one widget view needs.
type dependencies struct {
	bridge *realtime.Bridge
	store  *realtime.PublishingStore
	bots   chatbotReader
	binder *session.Binder
	runs   *orchestrator.Orchestrator
}

func wire(threads repository.ThreadStore, catalog interface {
	chatbotReader
	orchestrator.AgentReader
}, feed realtime.Feed, backend orchestrator.Backend, runOpts []orchestrator.Option, log *slog.Logger) (*dependencies, error) {
	store, err := realtime.NewPublishingStore(threads, feed, log)
	if err != nil {
		return nil, err
	}
	bridge, err := realtime.NewBridge(feed, threads, log)
	if err != nil {
		return nil, err
	}
	runs, err := orchestrator.New(store, catalog, backend, append([]orchestrator.Option{orchestrator.WithLogger(log)}, runOpts...)...)
	if err != nil {
		return nil, err
	}
	binder, err := session.New(threads, catalog, session.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &dependencies{bridge: bridge, store: store, bots: catalog, binder: binder, runs: runs}, nil
}

// remoteDependencies talks to the shared table and, when REDIS_ADDR is set,
// sees writes made by other processes.
func remoteDependencies(ctx context.Context, log *slog.Logger) (*dependencies, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("widget: load AWS config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	state, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, err
	}

	var feed realtime.Feed
	if cfg.RedisAddr != "" {
		rdb, err := realtime.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		if feed, err = realtime.NewRedisFeed(rdb, cfg.RedisChannelPrefix, log); err != nil {
			return nil, err
		}
	} else {
		log.Warn("REDIS_ADDR not set, only local writes reach the view")
		feed = realtime.NewHub(realtime.WithHubLogger(log))
	}

	var clientOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	backend, err := openai.NewClient(params, cfg.ParamPrefix, clientOpts...)
	if err != nil {
		return nil, err
	}
	return wire(state, state, feed, backend, []orchestrator.Option{
		orchestrator.WithTimeout(cfg.RunTimeout),
		orchestrator.WithHistoryLimit(cfg.HistoryLimit),
	}, log)
}

// localDependencies seeds an in-memory store with one chatbot and answers
// with an echo assistant, so the widget runs without any cloud access.
func localDependencies(log *slog.Logger) (*dependencies, error) {
	mem := repository.NewMemory()
	mem.PutAgent(domain.Agent{ID: localAgentID, OwnerID: localOwnerID, Name: "Echo", Instructions: "Repeat the user."})
	mem.PutChatbot(domain.Chatbot{
		ID:         localChatbotID,
		Name:       "Echo",
		OwnerID:    localOwnerID,
		AgentID:    localAgentID,
		Appearance: domain.Appearance{Color: "#7aa2f7"},
	})
	return wire(mem, mem, realtime.NewHub(realtime.WithHubLogger(log)), echoBackend{delay: 40 * time.Millisecond}, nil, log)
}

// echoBackend streams the last user message back word by word.
type echoBackend struct {
	delay time.Duration
}

func (b echoBackend) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == string(domain.RoleUser) {
			prompt = req.Messages[i].Content
			break
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("echo: no user message")
	}

	out := make(chan domain.StreamEvent)
	go func() {
		defer close(out)
		words := strings.Fields("You said: " + prompt)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.delay):
			}
			select {
			case out <- domain.StreamEvent{Type: domain.StreamEventText, Text: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- domain.StreamEvent{Type: domain.StreamEventDone}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
