package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/aroproduction/embot-server/internal/service/ai/workersai"
)

// Providers selectable via AI_PROVIDER.
const (
	ProviderWorkersAI = "workersai"
	ProviderArk       = "ark"
)

// Config aggregates every runtime setting of the service.
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Dictation DictationConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	dictation, err := loadDictationConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Dictation: dictation}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Allow passing ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the inference backend. Two providers are supported:
// Cloudflare Workers AI (the default) and Volcengine Ark.
type AIConfig struct {
	Provider string

	// Workers AI
	AccountID string
	APIToken  string
	CFModel   string
	CFBaseURL string

	// Ark
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	StreamResponse bool
	HistoryLimit   int
}

// Enabled reports whether credentials for the selected provider are present.
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderWorkersAI:
		return c.AccountID != "" && c.APIToken != ""
	case ProviderArk:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	default:
		return false
	}
}

// NewChatModel builds the chat model instance for the selected provider.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	switch c.Provider {
	case ProviderWorkersAI:
		return workersai.NewChatModel(workersai.Config{
			AccountID: c.AccountID,
			APIToken:  c.APIToken,
			Model:     c.CFModel,
			BaseURL:   c.CFBaseURL,
		})
	case ProviderArk:
		return c.newArkChatModel(ctx)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", c.Provider)
	}
}

func (c AIConfig) newArkChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing, provide ARK_API_KEY + Model or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("AI_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if historyOverride, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		if *historyOverride < 1 {
			historyLimit = 1
		} else {
			historyLimit = *historyOverride
		}
	}

	cfg := AIConfig{
		Provider:       strings.ToLower(strings.TrimSpace(os.Getenv("AI_PROVIDER"))),
		AccountID:      strings.TrimSpace(os.Getenv("CF_ACCOUNT_ID")),
		APIToken:       strings.TrimSpace(os.Getenv("CF_API_TOKEN")),
		CFModel:        getEnvOrDefault("CF_MODEL", "@cf/meta/llama-3-8b-instruct"),
		CFBaseURL:      getEnvOrDefault("CF_BASE_URL", workersai.DefaultBaseURL),
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
	}

	if cfg.Provider == "" {
		// Pick whichever provider has credentials, preferring Workers AI.
		if cfg.AccountID != "" && cfg.APIToken != "" {
			cfg.Provider = ProviderWorkersAI
		} else {
			cfg.Provider = ProviderArk
		}
	}
	if cfg.Provider != ProviderWorkersAI && cfg.Provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value: %q", cfg.Provider)
	}

	return cfg, nil
}

// DictationConfig tunes the recognizer supervisor.
type DictationConfig struct {
	RestartDelay time.Duration
}

func loadDictationConfig() (DictationConfig, error) {
	delayMS, err := parseOptionalIntEnv("DICTATION_RESTART_DELAY_MS")
	if err != nil {
		return DictationConfig{}, err
	}

	delay := 500 * time.Millisecond
	if delayMS != nil && *delayMS > 0 {
		delay = time.Duration(*delayMS) * time.Millisecond
	}

	return DictationConfig{RestartDelay: delay}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
