package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultModel              = "gpt-4o-mini"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultMaxTokens          = 1024
	DefaultTemperature        = 0.7
	DefaultLLMTimeoutSec      = 60
	DefaultEmbeddingCacheSize = 10000
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 18790
	DefaultBufSize            = 100
	DefaultAgent              = "assistant"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultRatePerMinute      = 20
)

// ErrConfigLoad marks a missing or invalid configuration resource. It is
// fatal at startup.
var ErrConfigLoad = errors.New("config load failure")

type Config struct {
	Provider ProviderConfig `json:"provider"`
	LLM      LLMConfig      `json:"llm"`
	Storage  StorageConfig  `json:"storage"`
	Agents   AgentsConfig   `json:"agents"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Log      LogConfig      `json:"log"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type LLMConfig struct {
	Model              string  `json:"model"`
	EmbeddingModel     string  `json:"embeddingModel"`
	MaxTokens          int     `json:"maxTokens"`
	Temperature        float64 `json:"temperature"`
	TimeoutSec         int     `json:"timeoutSec"`
	EmbeddingCacheSize int     `json:"embeddingCacheSize"`
}

type StorageConfig struct {
	DataDir string `json:"dataDir,omitempty"`
}

// DBPath is the SQLite file holding conversation logs.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.dir(), "conversations.db")
}

// VectorDir is the chromem persistence directory.
func (s StorageConfig) VectorDir() string {
	return filepath.Join(s.dir(), "vectors")
}

// CatalogDir is the badger directory for vector collection metadata.
func (s StorageConfig) CatalogDir() string {
	return filepath.Join(s.dir(), "catalog")
}

// CronPath is the JSON file holding scheduled jobs.
func (s StorageConfig) CronPath() string {
	return filepath.Join(s.dir(), "cron", "jobs.json")
}

func (s StorageConfig) dir() string {
	if d := strings.TrimSpace(s.DataDir); d != "" {
		return d
	}
	return filepath.Join(ConfigDir(), "data")
}

type AgentsConfig struct {
	Dir     string `json:"dir"`
	Default string `json:"default"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled       bool     `json:"enabled"`
	Token         string   `json:"token"`
	AllowFrom     []string `json:"allowFrom"`
	Proxy         string   `json:"proxy,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	RatePerMinute int      `json:"ratePerMinute,omitempty"`
}

type WebUIConfig struct {
	Enabled       bool     `json:"enabled"`
	AllowFrom     []string `json:"allowFrom"`
	// APIToken guards POST /api/v1/messages. The API is closed while empty.
	APIToken      string   `json:"apiToken,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	RatePerMinute int      `json:"ratePerMinute,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:              DefaultModel,
			EmbeddingModel:     DefaultEmbeddingModel,
			MaxTokens:          DefaultMaxTokens,
			Temperature:        DefaultTemperature,
			TimeoutSec:         DefaultLLMTimeoutSec,
			EmbeddingCacheSize: DefaultEmbeddingCacheSize,
		},
		Agents: AgentsConfig{
			Dir:     filepath.Join(ConfigDir(), "agents"),
			Default: DefaultAgent,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".ragclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w: %w", ErrConfigLoad, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w: %w", ErrConfigLoad, err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("RAGCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("RAGCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("RAGCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := os.Getenv("RAGCLAW_WEBUI_TOKEN"); token != "" {
		cfg.Channels.WebUI.APIToken = token
	}
	if model := os.Getenv("RAGCLAW_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if model := os.Getenv("RAGCLAW_EMBEDDING_MODEL"); model != "" {
		cfg.LLM.EmbeddingModel = model
	}
	if maxTokens := os.Getenv("RAGCLAW_MAX_TOKENS"); maxTokens != "" {
		if parsed, err := strconv.Atoi(maxTokens); err == nil {
			cfg.LLM.MaxTokens = parsed
		}
	}
	if dir := os.Getenv("RAGCLAW_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if dir := os.Getenv("RAGCLAW_AGENTS_DIR"); dir != "" {
		cfg.Agents.Dir = dir
	}
	if agent := os.Getenv("RAGCLAW_AGENT"); agent != "" {
		cfg.Agents.Default = agent
	}
	if level := os.Getenv("RAGCLAW_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.LLM.TimeoutSec <= 0 {
		cfg.LLM.TimeoutSec = DefaultLLMTimeoutSec
	}
	if cfg.LLM.EmbeddingCacheSize < 0 {
		cfg.LLM.EmbeddingCacheSize = 0
	}
	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = DefaultConfig().Agents.Dir
	}
	if cfg.Agents.Default == "" {
		cfg.Agents.Default = DefaultAgent
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// AgentFor returns the agent configured for a channel, falling back to the
// default agent.
func (c *Config) AgentFor(channel string) string {
	var agent string
	switch channel {
	case "telegram":
		agent = c.Channels.Telegram.Agent
	case "webui":
		agent = c.Channels.WebUI.Agent
	}
	if strings.TrimSpace(agent) != "" {
		return strings.TrimSpace(agent)
	}
	return c.Agents.Default
}
