// Package config defines the server configuration, loaded from YAML or
// JSON. Provider API keys are never part of the file; they come from the
// environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY).
package config

import (
	"fmt"
	"time"
)

// Config is the full option set. Zero values are replaced by defaults in
// ApplyDefaults.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	AI        AIConfig        `yaml:"ai" json:"ai"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Documents DocumentsConfig `yaml:"documents" json:"documents"`
	Sessions  SessionsConfig  `yaml:"sessions" json:"sessions"`
	Assist    AssistConfig    `yaml:"assist" json:"assist"`
}

type ServerConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
}

// RedisConfig selects the shared store. An empty addr runs memory-only.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type AIConfig struct {
	Provider  string `yaml:"provider" json:"provider"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int    `yaml:"maxTokens" json:"maxTokens"`
}

type QueueConfig struct {
	MaxConcurrentRequests      int   `yaml:"maxConcurrentRequests" json:"maxConcurrentRequests"`
	RequestTimeoutMs           int   `yaml:"requestTimeoutMs" json:"requestTimeoutMs"`
	RateLimitPerUserPerMinute  int   `yaml:"rateLimitPerUserPerMinute" json:"rateLimitPerUserPerMinute"`
	RetryDelayMs               int   `yaml:"retryDelayMs" json:"retryDelayMs"`
	MaxRetries                 int   `yaml:"maxRetries" json:"maxRetries"`
	EnableRequestDeduplication *bool `yaml:"enableRequestDeduplication" json:"enableRequestDeduplication"`
	EnableResponseCaching      *bool `yaml:"enableResponseCaching" json:"enableResponseCaching"`
	CacheTTLSeconds            int   `yaml:"cacheTTLSeconds" json:"cacheTTLSeconds"`
}

type DocumentsConfig struct {
	WelcomeContent      string `yaml:"welcomeContent" json:"welcomeContent"`
	CacheTTLSeconds     int    `yaml:"cacheTTLSeconds" json:"cacheTTLSeconds"`
	MaxOperationHistory int    `yaml:"maxOperationHistory" json:"maxOperationHistory"`
}

type SessionsConfig struct {
	TimeoutSeconds       int `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds" json:"sweepIntervalSeconds"`
}

type AssistConfig struct {
	MaxProcessingTimeMs     int   `yaml:"maxProcessingTimeMs" json:"maxProcessingTimeMs"`
	PollIntervalMs          int   `yaml:"pollIntervalMs" json:"pollIntervalMs"`
	EnableStatusTracking    *bool `yaml:"enableStatusTracking" json:"enableStatusTracking"`
	EnableUserNotifications *bool `yaml:"enableUserNotifications" json:"enableUserNotifications"`
}

// Default returns a fully-populated configuration.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func boolPtr(v bool) *bool { return &v }

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "anthropic"
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 4096
	}
	if c.Queue.MaxConcurrentRequests == 0 {
		c.Queue.MaxConcurrentRequests = 5
	}
	if c.Queue.RequestTimeoutMs == 0 {
		c.Queue.RequestTimeoutMs = 60000
	}
	if c.Queue.RateLimitPerUserPerMinute == 0 {
		c.Queue.RateLimitPerUserPerMinute = 10
	}
	if c.Queue.RetryDelayMs == 0 {
		c.Queue.RetryDelayMs = 5000
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.EnableRequestDeduplication == nil {
		c.Queue.EnableRequestDeduplication = boolPtr(true)
	}
	if c.Queue.EnableResponseCaching == nil {
		c.Queue.EnableResponseCaching = boolPtr(true)
	}
	if c.Queue.CacheTTLSeconds == 0 {
		c.Queue.CacheTTLSeconds = 3600
	}
	if c.Documents.CacheTTLSeconds == 0 {
		c.Documents.CacheTTLSeconds = 3600
	}
	if c.Documents.MaxOperationHistory == 0 {
		c.Documents.MaxOperationHistory = 1000
	}
	if c.Sessions.TimeoutSeconds == 0 {
		c.Sessions.TimeoutSeconds = 3600
	}
	if c.Sessions.SweepIntervalSeconds == 0 {
		c.Sessions.SweepIntervalSeconds = 60
	}
	if c.Assist.MaxProcessingTimeMs == 0 {
		c.Assist.MaxProcessingTimeMs = 60000
	}
	if c.Assist.PollIntervalMs == 0 {
		c.Assist.PollIntervalMs = 2000
	}
	if c.Assist.EnableStatusTracking == nil {
		c.Assist.EnableStatusTracking = boolPtr(true)
	}
	if c.Assist.EnableUserNotifications == nil {
		c.Assist.EnableUserNotifications = boolPtr(true)
	}
}

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("invalid AI provider: %q (must be anthropic, openai, or google)", c.AI.Provider)
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Queue.MaxConcurrentRequests < 1 {
		return fmt.Errorf("maxConcurrentRequests must be positive")
	}
	if c.Queue.RateLimitPerUserPerMinute < 1 {
		return fmt.Errorf("rateLimitPerUserPerMinute must be positive")
	}
	return nil
}

// Duration accessors.

func (c *QueueConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *QueueConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *QueueConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *DocumentsConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *SessionsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *AssistConfig) MaxProcessingTime() time.Duration {
	return time.Duration(c.MaxProcessingTimeMs) * time.Millisecond
}

func (c *AssistConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
