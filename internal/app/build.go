// Package app wires the relay's collaborators from Config.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"line-chat-relay/handler"
	"line-chat-relay/internal/config"
	"line-chat-relay/internal/integrations/credentials"
	"line-chat-relay/internal/integrations/line"
	"line-chat-relay/internal/integrations/openai"
	"line-chat-relay/internal/integrations/paramstore"
	"line-chat-relay/internal/observability"
	"line-chat-relay/internal/repository"
	"line-chat-relay/internal/usecase"
)

// Parameter names, relative to Config.ParamPrefix.
const (
	paramPersonaPrompt       = "persona_prompt"
	paramFallbackReply       = "fallback_reply"
	paramUnknownStickerReply = "unknown_sticker_reply"
	paramChannelSecret       = "line/channel_secret"
	paramChannelAccessToken  = "line/channel_access_token"
	paramChannelID           = "line/channel_id"
	paramOpenAIToken         = "open-ai-token"
)

type BuildResult struct {
	Config  config.Config
	Handler *handler.Handler
	Relay   *usecase.RelayService
	Metrics *observability.Metrics

	// Cleanup releases the history store connection.
	Cleanup func() error
}

// Build loads AWS configuration and constructs every client.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("paramstore init failed: %w", err)
	}
	params := ssmClient.WithPrefix(cfg.ParamPrefix)

	store, err := buildStore(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	res, err := wire(ctx, cfg, params, store, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return res, nil
}

func buildStore(ctx context.Context, cfg config.Config, awsCfg aws.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.HistoryTTL,
			repository.WithWindowIndex(cfg.StateWindowIndex))
		if err != nil {
			return nil, fmt.Errorf("dynamodb store init failed: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		s, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s, err := repository.NewRedisStore(rdb, cfg.HistoryTTL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis store init failed: %w", err)
		}
		return s, nil
	case config.BackendMemory:
		return repository.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// parameterReader is the subset of paramstore.Client used for wiring.
type parameterReader interface {
	GetParameter(ctx context.Context, name string) (string, error)
	Lookup(ctx context.Context, name, def string) (string, error)
	Name(name string) string
}

// wire builds everything above the store. reg may be nil for the default
// Prometheus registry.
func wire(ctx context.Context, cfg config.Config, params parameterReader, store repository.Store, reg prometheus.Registerer) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	settings, err := loadSettings(ctx, cfg, params)
	if err != nil {
		return nil, err
	}
	channelSecret, err := params.GetParameter(ctx, paramChannelSecret)
	if err != nil {
		return nil, fmt.Errorf("load channel secret: %w", err)
	}

	lineTokens, err := lineTokenCache(ctx, cfg, params, httpClient)
	if err != nil {
		return nil, err
	}
	lineClient, err := line.NewClient(lineTokens, line.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("line client init failed: %w", err)
	}

	openaiFetcher, err := credentials.NewParamFetcher(params, params.Name(paramOpenAIToken))
	if err != nil {
		return nil, err
	}
	openaiTokens, err := credentials.NewCache(openaiFetcher, credentials.DefaultRefreshThreshold)
	if err != nil {
		return nil, err
	}
	openaiOpts := []openai.Option{openai.WithHTTPClient(httpClient)}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.OpenAIAPIType == config.APITypeAzure {
		openaiOpts = append(openaiOpts, openai.WithAzure(cfg.OpenAIAPIVersion))
	}
	openaiClient, err := openai.NewClient(openaiTokens, openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("openai client init failed: %w", err)
	}

	relay, err := usecase.NewRelayService(openaiClient, store, lineClient, settings, metrics)
	if err != nil {
		return nil, fmt.Errorf("relay init failed: %w", err)
	}
	h, err := handler.NewHandler(relay, lineClient, channelSecret,
		handler.WithConcurrency(cfg.EventConcurrency),
		handler.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("handler init failed: %w", err)
	}

	return &BuildResult{
		Config:  cfg,
		Handler: h,
		Relay:   relay,
		Metrics: metrics,
		Cleanup: store.Close,
	}, nil
}

func loadSettings(ctx context.Context, cfg config.Config, params parameterReader) (usecase.Settings, error) {
	persona, err := params.GetParameter(ctx, paramPersonaPrompt)
	if err != nil {
		return usecase.Settings{}, fmt.Errorf("load persona prompt: %w", err)
	}
	fallback, err := params.Lookup(ctx, paramFallbackReply, usecase.DefaultFallbackReply)
	if err != nil {
		return usecase.Settings{}, fmt.Errorf("load fallback reply: %w", err)
	}
	unknownSticker, err := params.Lookup(ctx, paramUnknownStickerReply, usecase.DefaultUnknownStickerReply)
	if err != nil {
		return usecase.Settings{}, fmt.Errorf("load unknown sticker reply: %w", err)
	}
	return usecase.Settings{
		PersonaPrompt:       persona,
		FallbackReply:       fallback,
		UnknownStickerReply: unknownSticker,
		HistoryWindow:       cfg.HistoryWindow,
		Decoding:            decodingConfig(cfg),
	}, nil
}

// decodingConfig applies the configured overrides to the relay defaults.
func decodingConfig(cfg config.Config) usecase.DecodingConfig {
	d := usecase.DefaultDecodingConfig(cfg.OpenAIModel)
	if cfg.OpenAITemperature != nil {
		d.Temperature = *cfg.OpenAITemperature
	}
	if cfg.OpenAIMaxTokens != nil {
		d.MaxOutputTokens = *cfg.OpenAIMaxTokens
	}
	if cfg.OpenAITopP != nil {
		d.TopP = *cfg.OpenAITopP
	}
	return d
}

func lineTokenCache(ctx context.Context, cfg config.Config, params parameterReader, httpClient *http.Client) (*credentials.Cache, error) {
	var fetcher credentials.Fetcher
	switch cfg.LineTokenMode {
	case config.TokenModeStateless:
		channelID, err := params.GetParameter(ctx, paramChannelID)
		if err != nil {
			return nil, fmt.Errorf("load channel id: %w", err)
		}
		channelSecret, err := params.GetParameter(ctx, paramChannelSecret)
		if err != nil {
			return nil, fmt.Errorf("load channel secret: %w", err)
		}
		issuer, err := line.NewStatelessTokenIssuer(channelID, channelSecret, line.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}
		fetcher = issuer
	default:
		pf, err := credentials.NewParamFetcher(params, params.Name(paramChannelAccessToken))
		if err != nil {
			return nil, err
		}
		fetcher = pf
	}
	return credentials.NewCache(fetcher, credentials.DefaultRefreshThreshold)
}
