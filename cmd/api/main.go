package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/mpadronm90/simple-chatbot-platoform/handler"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/config"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/integrations/openai"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/integrations/paramstore"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/orchestrator"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/realtime"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/repository"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/session"
	"github.com/mpadronm90/simple-chatbot-platoform/internal/usecase"
)

func main() {
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}

	var pub realtime.Publisher
	if cfg.RedisAddr != "" {
		rdb, err := realtime.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			fatal("failed to connect to redis", err)
		}
		if pub, err = realtime.NewRedisFeed(rdb, cfg.RedisChannelPrefix, log); err != nil {
			fatal("failed to create redis feed", err)
		}
	} else {
		// no cross-process listeners; writes are still published in-process
		pub = realtime.NewHub(realtime.WithHubLogger(log))
	}
	store, err := realtime.NewPublishingStore(stateClient, pub, log)
	if err != nil {
		fatal("failed to create publishing store", err)
	}

	var clientOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, clientOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Services ----
	runs, err := orchestrator.New(store, stateClient, openaiClient,
		orchestrator.WithLogger(log),
		orchestrator.WithTimeout(cfg.RunTimeout),
		orchestrator.WithHistoryLimit(cfg.HistoryLimit),
	)
	if err != nil {
		fatal("failed to create orchestrator", err)
	}
	// one Directory serves every request; it holds no per-caller state
	threads, err := session.NewDirectory(stateClient, stateClient, session.WithLogger(log))
	if err != nil {
		fatal("failed to create thread directory", err)
	}
	chat, err := usecase.NewChatService(store, stateClient, threads, runs, cfg.MaxMessageLength)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(chat)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
