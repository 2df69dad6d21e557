package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsapigw "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/di4nekim/more-than-just-strangers-sub001/handler"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/delivery"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/apigateway"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/identity"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/paramstore"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/matchmaking"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/registry"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/repository"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/turns"
)

type appConfig struct {
	UsersTable         string `env:"USERS_TABLE,required=true"`
	ConversationsTable string `env:"CONVERSATIONS_TABLE,required=true"`
	MessagesTable      string `env:"MESSAGES_TABLE,required=true"`
	MatchQueueTable    string `env:"MATCH_QUEUE_TABLE,required=true"`
	TokenSecretParam   string `env:"TOKEN_SECRET_PARAM,required=true"`
	ManagementEndpoint string `env:"WEBSOCKET_MANAGEMENT_ENDPOINT,required=true"`
	PushTimeoutMS      int    `env:"PUSH_TIMEOUT_MS,default=2000"`
	RetryAttempts      int    `env:"RETRY_ATTEMPTS,default=3"`
	RetryBackoffMS     int    `env:"RETRY_BACKOFF_MS,default=100"`
}

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	var cfg appConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		slog.Error("failed to read configuration", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Integrations ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	verifier, err := identity.New(ssmClient, cfg.TokenSecretParam)
	if err != nil {
		slog.Error("failed to create token verifier", "err", err)
		os.Exit(1)
	}
	pusher, err := apigateway.New(
		awsapigw.NewFromConfig(awsCfg, func(o *awsapigw.Options) {
			o.BaseEndpoint = aws.String(cfg.ManagementEndpoint)
		}),
		apigateway.WithTimeout(time.Duration(cfg.PushTimeoutMS)*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create connection pusher", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), repository.Tables{
		Users:         cfg.UsersTable,
		Conversations: cfg.ConversationsTable,
		Messages:      cfg.MessagesTable,
		MatchQueue:    cfg.MatchQueueTable,
	})
	if err != nil {
		slog.Error("failed to create store", "err", err)
		os.Exit(1)
	}

	// ---- Components ----
	reg, err := registry.New(store)
	if err != nil {
		slog.Error("failed to create connection registry", "err", err)
		os.Exit(1)
	}
	engine, err := matchmaking.New(store, pusher)
	if err != nil {
		slog.Error("failed to create matchmaking engine", "err", err)
		os.Exit(1)
	}
	machine, err := turns.New(store, pusher)
	if err != nil {
		slog.Error("failed to create turn machine", "err", err)
		os.Exit(1)
	}
	pipeline, err := delivery.New(store, pusher)
	if err != nil {
		slog.Error("failed to create delivery pipeline", "err", err)
		os.Exit(1)
	}

	// ---- Gateway ----
	gw, err := handler.New(verifier, reg, engine, machine, pipeline, store, pusher,
		handler.WithRetry(cfg.RetryAttempts, time.Duration(cfg.RetryBackoffMS)*time.Millisecond))
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewLambdaHandler(gw)
	if err != nil {
		slog.Error("failed to create lambda handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
