// Command localgateway runs the session gateway as a plain HTTP server with
// an in-process WebSocket hub, against a local DynamoDB endpoint. It exists
// for development: the same components, none of the cloud.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/di4nekim/more-than-just-strangers-sub001/handler"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/delivery"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/integrations/identity"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/localws"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/matchmaking"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/registry"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/repository"
	"github.com/di4nekim/more-than-just-strangers-sub001/internal/turns"
)

type appConfig struct {
	Addr               string `env:"LOCAL_ADDR,default=:8080"`
	AWSRegion          string `env:"AWS_REGION,default=us-east-1"`
	DynamoEndpoint     string `env:"DYNAMODB_ENDPOINT,default=http://localhost:8000"`
	TokenSecret        string `env:"TOKEN_SECRET,default=local-dev-secret"`
	TokenTTLMinutes    int    `env:"TOKEN_TTL_MINUTES,default=720"`
	UsersTable         string `env:"USERS_TABLE,default=mtjs-users"`
	ConversationsTable string `env:"CONVERSATIONS_TABLE,default=mtjs-conversations"`
	MessagesTable      string `env:"MESSAGES_TABLE,default=mtjs-messages"`
	MatchQueueTable    string `env:"MATCH_QUEUE_TABLE,default=mtjs-match-queue"`
}

func main() {
	// ---- Configuration (read only here) ----
	_ = godotenv.Load()
	var cfg appConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		slog.Error("failed to read configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.AWSRegion),
		// DynamoDB local accepts any signature.
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
	)
	if err != nil {
		logger.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}
	dynamo := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
	})
	store, err := repository.New(dynamo, repository.Tables{
		Users:         cfg.UsersTable,
		Conversations: cfg.ConversationsTable,
		Messages:      cfg.MessagesTable,
		MatchQueue:    cfg.MatchQueueTable,
	})
	if err != nil {
		logger.Error("failed to create store", "err", err)
		os.Exit(1)
	}

	// ---- Identity ----
	verifier, err := identity.New(nil, "", identity.WithStaticSecret([]byte(cfg.TokenSecret)))
	if err != nil {
		logger.Error("failed to create token verifier", "err", err)
		os.Exit(1)
	}

	// ---- Transport and components ----
	hub := localws.NewHub(localws.WithLogger(logger))
	reg, err := registry.New(store)
	if err != nil {
		logger.Error("failed to create connection registry", "err", err)
		os.Exit(1)
	}
	engine, err := matchmaking.New(store, hub)
	if err != nil {
		logger.Error("failed to create matchmaking engine", "err", err)
		os.Exit(1)
	}
	machine, err := turns.New(store, hub)
	if err != nil {
		logger.Error("failed to create turn machine", "err", err)
		os.Exit(1)
	}
	pipeline, err := delivery.New(store, hub)
	if err != nil {
		logger.Error("failed to create delivery pipeline", "err", err)
		os.Exit(1)
	}
	gw, err := handler.New(verifier, reg, engine, machine, pipeline, store, hub,
		handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create gateway", "err", err)
		os.Exit(1)
	}
	hub.SetSession(gw)

	// ---- Routes ----
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/token", mintToken(verifier, time.Duration(cfg.TokenTTLMinutes)*time.Minute))
	r.Get("/ws", hub.ServeHTTP)

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		logger.Info("local gateway listening", "addr", cfg.Addr, "dynamo", cfg.DynamoEndpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	// ---- Shutdown ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	hub.CloseAll()
	logger.Info("local gateway stopped")
}

// mintToken issues development session tokens so local clients can connect
// without the hosted identity provider.
func mintToken(v *identity.Verifier, ttl time.Duration) http.HandlerFunc {
	type request struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
		Name   string `json:"name"`
	}
	type response struct {
		Token string `json:"token"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "body must be {userId, email?, name?}", http.StatusBadRequest)
			return
		}
		token, err := v.Mint(r.Context(), identity.Identity{
			UserID:        req.UserID,
			Email:         req.Email,
			Name:          req.Name,
			EmailVerified: true,
		}, ttl)
		if err != nil {
			http.Error(w, "token mint failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{Token: token})
	}
}
