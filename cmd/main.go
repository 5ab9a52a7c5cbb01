package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"ehr-out-service/handler"
	"ehr-out-service/internal/integrations/ehrrepo"
	"ehr-out-service/internal/integrations/messenger"
	"ehr-out-service/internal/integrations/paramstore"
	"ehr-out-service/internal/integrations/pds"
	"ehr-out-service/internal/repository"
	"ehr-out-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	transferTable := mustEnv("TRANSFER_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	ehrRepoBaseURL := mustEnv("EHR_REPO_BASE_URL")
	messengerBaseURL := mustEnv("GP2GP_MESSENGER_BASE_URL")
	pdsBaseURL := mustEnv("PDS_BASE_URL")
	maxTransactItems := envInt("MAX_TRANSACT_ITEMS", 100)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), transferTable,
		repository.WithMaxTransactItems(maxTransactItems))
	if err != nil {
		slog.Error("failed to create transfer store", "err", err)
		os.Exit(1)
	}

	ehrRepoClient, err := ehrrepo.NewClient(ssmClient, paramPrefix, ehrRepoBaseURL)
	if err != nil {
		slog.Error("failed to create EHR repo client", "err", err)
		os.Exit(1)
	}
	messengerClient, err := messenger.NewClient(ssmClient, paramPrefix, messengerBaseURL)
	if err != nil {
		slog.Error("failed to create messenger client", "err", err)
		os.Exit(1)
	}
	pdsClient, err := pds.NewClient(ssmClient, paramPrefix, pdsBaseURL)
	if err != nil {
		slog.Error("failed to create PDS client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	registry, err := usecase.NewMessageIDRegistry(store)
	if err != nil {
		slog.Error("failed to create message id registry", "err", err)
		os.Exit(1)
	}
	transfers, err := usecase.NewTransferOutService(store, registry, ehrRepoClient, messengerClient, pdsClient)
	if err != nil {
		slog.Error("failed to create transfer service", "err", err)
		os.Exit(1)
	}
	fragments, err := usecase.NewFragmentTransferService(store, ehrRepoClient, messengerClient)
	if err != nil {
		slog.Error("failed to create fragment service", "err", err)
		os.Exit(1)
	}
	acks, err := usecase.NewAcknowledgementService(store, ehrRepoClient)
	if err != nil {
		slog.Error("failed to create acknowledgement service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(transfers, fragments, acks)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
