package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"marketplace-chat/handler"
	"marketplace-chat/internal/integrations/clerk"
	"marketplace-chat/internal/integrations/paramstore"
	"marketplace-chat/internal/repository"
	"marketplace-chat/internal/usecase"
)

type settings struct {
	chatTable      string
	paramPrefix    string
	pageLimit      int
	requestTimeout time.Duration
	location       *time.Location
	clerkURL       string
	logLevel       slog.Level
}

func main() {
	cfg, err := loadSettings(os.LookupEnv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	h, err := build(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
	lambda.Start(h.Handle)
}

// loadSettings reads the environment. Configuration is read only here.
func loadSettings(lookup func(string) (string, bool)) (settings, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	s := settings{
		chatTable:   get("CHAT_TABLE"),
		paramPrefix: get("PARAM_PREFIX"),
		clerkURL:    get("CLERK_API_URL"),
	}
	for key, v := range map[string]string{"CHAT_TABLE": s.chatTable, "PARAM_PREFIX": s.paramPrefix} {
		if v == "" {
			return settings{}, fmt.Errorf("%s is not set", key)
		}
	}

	s.pageLimit = envInt(get("MESSAGE_PAGE_LIMIT"), 50)
	s.requestTimeout = time.Duration(envInt(get("REQUEST_TIMEOUT_MS"), 3000)) * time.Millisecond

	tz := get("DISPLAY_TIMEZONE")
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return settings{}, fmt.Errorf("DISPLAY_TIMEZONE: %w", err)
	}
	s.location = loc

	s.logLevel = slog.LevelInfo
	if lvl := get("LOG_LEVEL"); lvl != "" {
		if err := s.logLevel.UnmarshalText([]byte(lvl)); err != nil {
			return settings{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return s, nil
}

// build wires the AWS clients, the identity provider and the chat service
// into the Lambda handler.
func build(ctx context.Context, s settings) (*handler.Handler, error) {
	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	// ---- Clients ----
	secrets, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), s.chatTable)
	if err != nil {
		return nil, err
	}
	users, err := clerk.NewClient(secrets, s.paramPrefix, clerk.WithBaseURL(s.clerkURL))
	if err != nil {
		return nil, err
	}

	// ---- Handler ----
	chat, err := usecase.NewChatService(store, users, s.pageLimit, s.location)
	if err != nil {
		return nil, err
	}
	return handler.NewHandler(chat, s.requestTimeout)
}

// envInt parses v, falling back to def when it is blank or malformed.
func envInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
