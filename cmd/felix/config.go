package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/huanz1234/felix-lml-chat/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	configDirName = "felix"
	apiKeyEnv     = "FELIX_API_KEY"

	defaultPort                 = "8080"
	defaultTitleGeneratorPrompt = "Generate a short title of at most six words for a conversation " +
		"that starts with the following message. Reply with the title only."
)

type config struct {
	Port                 string       `yaml:"port" toml:"port"`
	LogLevel             string       `yaml:"logLevel" toml:"logLevel"`
	SystemPrompt         string       `yaml:"systemPrompt" toml:"systemPrompt"`
	TitleGeneratorPrompt string       `yaml:"titleGeneratorPrompt" toml:"titleGeneratorPrompt"`
	LLM                  llmConfig    `yaml:"llm" toml:"llm"`
	Stream               streamConfig `yaml:"stream" toml:"stream"`
	DBPath               string       `yaml:"dbPath" toml:"dbPath"`
}

type llmConfig struct {
	APIKey      string        `yaml:"apiKey" toml:"apiKey"`
	BaseURL     string        `yaml:"baseURL" toml:"baseURL"`
	Model       string        `yaml:"model" toml:"model"`
	Stream      *bool         `yaml:"stream" toml:"stream"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	MaxTokens   int           `yaml:"maxTokens" toml:"maxTokens"`
	Temperature *float32      `yaml:"temperature" toml:"temperature"`
}

type streamConfig struct {
	// Interval is the minimum spacing between two published updates of a streamed reply.
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(dir, configDirName), nil
}

// loadConfig reads the configuration file at path, or config.yaml in the user config directory when
// path is empty. Files ending in .toml are decoded as TOML, everything else as YAML.
func loadConfig(path string) (config, error) {
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return config{}, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	var cfg config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	} else {
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.setDefaults(); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) setDefaults() error {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.TitleGeneratorPrompt == "" {
		c.TitleGeneratorPrompt = defaultTitleGeneratorPrompt
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(apiKeyEnv)
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = services.DefaultBaseURL
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = services.DefaultTimeout
	}
	if c.LLM.Stream == nil {
		streaming := true
		c.LLM.Stream = &streaming
	}
	if c.DBPath == "" {
		dir, err := configDir()
		if err != nil {
			return err
		}
		c.DBPath = filepath.Join(dir, "store.db")
	}
	return nil
}

func (c config) validate() error {
	var errs []error
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.apiKey is required, set it in the config file or %s", apiKeyEnv))
	}
	if c.LLM.Timeout < 0 {
		errs = append(errs, errors.New("llm.timeout must not be negative"))
	}
	if c.Stream.Interval < 0 {
		errs = append(errs, errors.New("stream.interval must not be negative"))
	}
	if _, err := c.logLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c config) clientConfig() services.ClientConfig {
	return services.ClientConfig{
		APIKey:               c.LLM.APIKey,
		BaseURL:              c.LLM.BaseURL,
		Model:                c.LLM.Model,
		Timeout:              c.LLM.Timeout,
		SystemPrompt:         c.SystemPrompt,
		TitleGeneratorPrompt: c.TitleGeneratorPrompt,
		MaxTokens:            c.LLM.MaxTokens,
		Temperature:          c.LLM.Temperature,
	}
}

func (c config) streaming() bool {
	return c.LLM.Stream == nil || *c.LLM.Stream
}
