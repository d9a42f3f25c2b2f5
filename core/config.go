/*
Package core wires the console together: configuration and logging, the
Console coordinator that owns the live turn, the conversation history store,
and the echo server that exposes intents and snapshots over HTTP and
websocket.

This file handles:
  - Loading configuration from defaults, an optional TOML file and environment
    variables, in that order of precedence
  - Structured logging setup with configurable levels
  - Resolving the phase template and source policy for new task runs

The configuration system follows the twelve-factor app methodology:
environment variables win so deployments can override a checked-in file.
*/
package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"skyconsole/agentrelay"
	"skyconsole/phase"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// ConfigFileEnv names the environment variable pointing at the TOML config file.
const ConfigFileEnv = "CONSOLE_CONFIG_FILE"

// Agent modes.
const (
	AgentModeBackend = "backend"
	AgentModeLocal   = "local"
)

// Config holds all configurable values for the console.
type Config struct {
	// Server configuration
	Port string // HTTP server port number (default: "8090")

	// Agent backend configuration
	BackendURL     string        // Base URL of the agent server (default: "http://localhost:8080")
	StreamPath     string        // Streaming chat endpoint (default: "/chat/stream")
	StopPath       string        // Execution stop endpoint (default: "/stop")
	ConfirmPath    string        // Confirmation endpoint (default: "/confirm")
	RequestTimeout time.Duration // Upper bound for one turn's stream (default: 300s)

	// In-process agent configuration, used when AgentMode is "local"
	AgentMode      string // "backend" streams from BackendURL, "local" runs a langchaingo agent (default: "backend")
	LLMProvider    string // Local agent model provider: "ollama" or "gemini" (default: "ollama")
	OllamaEndpoint string // Base URL for the Ollama API service (default: "http://localhost:11434")
	OllamaModel    string // Ollama model used for inference (default: "qwen3")
	GeminiAPIKey   string // API key for Google Gemini (required when using gemini provider)
	GeminiModel    string // Gemini model used for inference (default: "gemini-2.0-flash")
	MaxIterations  int    // Maximum agent reasoning iterations per turn (default: 10)

	// Task run configuration
	AutoCollapseDelay time.Duration      // Delay before a completed block folds (default: 800ms)
	PhaseTemplatePath string             // YAML phase template; empty uses the built-in research template
	SourcePolicy      phase.SourcePolicy // Where unattributed sources land

	// Conversation history configuration
	HistoryMaxAge   time.Duration // How long idle conversations are kept (default: 24h)
	CleanupInterval time.Duration // How often expired conversations are purged (default: 1h)

	// Logging and debugging configuration
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of payload text in log fields (default: 500)
	DebugMode         bool   // Ask the backend for debug frames (default: false)
}

// fileConfig mirrors the TOML layout. Pointer and zero values mean "not set".
type fileConfig struct {
	Server struct {
		Port string `toml:"port"`
	} `toml:"server"`

	Backend struct {
		URL            string `toml:"url"`
		StreamPath     string `toml:"stream_path"`
		StopPath       string `toml:"stop_path"`
		ConfirmPath    string `toml:"confirm_path"`
		TimeoutSeconds int    `toml:"timeout_seconds"`
	} `toml:"backend"`

	Agent struct {
		Mode           string `toml:"mode"`
		Provider       string `toml:"provider"`
		OllamaEndpoint string `toml:"ollama_endpoint"`
		OllamaModel    string `toml:"ollama_model"`
		GeminiModel    string `toml:"gemini_model"`
		MaxIterations  int    `toml:"max_iterations"`
	} `toml:"agent"`

	Task struct {
		Template       string              `toml:"template"`
		AutoCollapseMS int                 `toml:"auto_collapse_ms"`
		Sources        *phase.SourcePolicy `toml:"sources"`
	} `toml:"task"`

	History struct {
		MaxAgeHours            int `toml:"max_age_hours"`
		CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
	} `toml:"history"`

	Log struct {
		Level          string `toml:"level"`
		TruncateLength int    `toml:"truncate_length"`
		Debug          *bool  `toml:"debug"`
	} `toml:"log"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: "8090",

		BackendURL:     "http://localhost:8080",
		StreamPath:     "/chat/stream",
		StopPath:       "/stop",
		ConfirmPath:    "/confirm",
		RequestTimeout: 300 * time.Second, // 5 minutes, as the agent server

		AgentMode:      AgentModeBackend,
		LLMProvider:    "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen3",
		GeminiModel:    "gemini-2.0-flash",
		MaxIterations:  10,

		AutoCollapseDelay: phase.DefaultCollapseDelay,
		SourcePolicy:      phase.DefaultSourcePolicy(),

		HistoryMaxAge:   24 * time.Hour,
		CleanupInterval: 1 * time.Hour,

		LogLevel:          "info",
		LogTruncateLength: 500,
	}
}

// LoadConfig loads configuration with the precedence defaults < TOML file <
// environment. Invalid numeric environment values are ignored and the
// previous value is kept.
//
// Environment Variables:
//   - CONSOLE_CONFIG_FILE: Path of an optional TOML config file (string)
//   - PORT: Server port (string)
//   - BACKEND_URL: Agent server base URL (string)
//   - STREAM_PATH, STOP_PATH, CONFIRM_PATH: Agent server endpoints (string)
//   - REQUEST_TIMEOUT: Turn timeout in seconds (integer)
//   - AGENT_MODE: "backend" or "local" (string)
//   - LLM_PROVIDER: Local agent provider, "ollama" or "gemini" (string)
//   - OLLAMA_ENDPOINT, OLLAMA_MODEL: Ollama connection (string)
//   - GEMINI_API_KEY, GEMINI_MODEL: Gemini connection (string)
//   - MAX_ITERATIONS: Local agent iteration limit (integer)
//   - AUTO_COLLAPSE_MS: Auto-collapse delay in milliseconds (integer)
//   - PHASE_TEMPLATE: Path of a YAML phase template (string)
//   - SOURCE_PHASES: Comma separated attach phases, optionally ending in
//     "->fallback", e.g. "reading,analyzing->searching" (string)
//   - HISTORY_MAX_AGE_HOURS: Conversation expiry in hours (integer)
//   - CLEANUP_INTERVAL_MINUTES: Cleanup frequency in minutes (integer)
//   - LOG_LEVEL: Logging level (string)
//   - LOG_TRUNCATE_LENGTH: Log truncation length (integer)
//   - DEBUG_MODE: Ask the backend for debug frames (boolean: "true"/"1")
//
// Returns:
//   - *Config: Resolved configuration
//   - error: The config file could not be read or parsed
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Server.Port)
	setString(&c.BackendURL, fc.Backend.URL)
	setString(&c.StreamPath, fc.Backend.StreamPath)
	setString(&c.StopPath, fc.Backend.StopPath)
	setString(&c.ConfirmPath, fc.Backend.ConfirmPath)
	if fc.Backend.TimeoutSeconds > 0 {
		c.RequestTimeout = time.Duration(fc.Backend.TimeoutSeconds) * time.Second
	}

	c.setAgentMode(fc.Agent.Mode)
	c.setProvider(fc.Agent.Provider)
	setString(&c.OllamaEndpoint, fc.Agent.OllamaEndpoint)
	setString(&c.OllamaModel, fc.Agent.OllamaModel)
	setString(&c.GeminiModel, fc.Agent.GeminiModel)
	if fc.Agent.MaxIterations > 0 {
		c.MaxIterations = fc.Agent.MaxIterations
	}

	setString(&c.PhaseTemplatePath, fc.Task.Template)
	if fc.Task.AutoCollapseMS > 0 {
		c.AutoCollapseDelay = time.Duration(fc.Task.AutoCollapseMS) * time.Millisecond
	}
	if fc.Task.Sources != nil {
		c.SourcePolicy = *fc.Task.Sources
	}

	if fc.History.MaxAgeHours > 0 {
		c.HistoryMaxAge = time.Duration(fc.History.MaxAgeHours) * time.Hour
	}
	if fc.History.CleanupIntervalMinutes > 0 {
		c.CleanupInterval = time.Duration(fc.History.CleanupIntervalMinutes) * time.Minute
	}

	setString(&c.LogLevel, fc.Log.Level)
	if fc.Log.TruncateLength > 0 {
		c.LogTruncateLength = fc.Log.TruncateLength
	}
	if fc.Log.Debug != nil {
		c.DebugMode = *fc.Log.Debug
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, os.Getenv("PORT"))
	setString(&c.BackendURL, os.Getenv("BACKEND_URL"))
	setString(&c.StreamPath, os.Getenv("STREAM_PATH"))
	setString(&c.StopPath, os.Getenv("STOP_PATH"))
	setString(&c.ConfirmPath, os.Getenv("CONFIRM_PATH"))

	if val, ok := positiveEnv("REQUEST_TIMEOUT"); ok {
		c.RequestTimeout = time.Duration(val) * time.Second
	}

	c.setAgentMode(os.Getenv("AGENT_MODE"))
	c.setProvider(os.Getenv("LLM_PROVIDER"))
	setString(&c.OllamaEndpoint, os.Getenv("OLLAMA_ENDPOINT"))
	setString(&c.OllamaModel, os.Getenv("OLLAMA_MODEL"))
	setString(&c.GeminiAPIKey, os.Getenv("GEMINI_API_KEY"))
	setString(&c.GeminiModel, os.Getenv("GEMINI_MODEL"))
	if val, ok := positiveEnv("MAX_ITERATIONS"); ok {
		c.MaxIterations = val
	}
	if val, ok := positiveEnv("AUTO_COLLAPSE_MS"); ok {
		c.AutoCollapseDelay = time.Duration(val) * time.Millisecond
	}
	setString(&c.PhaseTemplatePath, os.Getenv("PHASE_TEMPLATE"))
	if phases := os.Getenv("SOURCE_PHASES"); phases != "" {
		c.SourcePolicy = parseSourcePolicy(phases)
	}

	if val, ok := positiveEnv("HISTORY_MAX_AGE_HOURS"); ok {
		c.HistoryMaxAge = time.Duration(val) * time.Hour
	}
	if val, ok := positiveEnv("CLEANUP_INTERVAL_MINUTES"); ok {
		c.CleanupInterval = time.Duration(val) * time.Minute
	}

	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	if val, ok := positiveEnv("LOG_TRUNCATE_LENGTH"); ok {
		c.LogTruncateLength = val
	}
	// Debug mode parsing (accepts "true", "1", or case variations)
	if debug := os.Getenv("DEBUG_MODE"); debug != "" {
		c.DebugMode = strings.ToLower(debug) == "true" || debug == "1"
	}
}

// PhaseTemplate resolves the template new task runs are built from.
func (c *Config) PhaseTemplate() (phase.Template, error) {
	if c.PhaseTemplatePath == "" {
		return phase.DefaultTemplate(), nil
	}
	tmpl, err := phase.LoadTemplate(c.PhaseTemplatePath)
	if err != nil {
		return phase.Template{}, fmt.Errorf("failed to load phase template: %w", err)
	}
	return tmpl, nil
}

// parseSourcePolicy reads "a,b->fallback". The fallback part is optional.
func parseSourcePolicy(value string) phase.SourcePolicy {
	var policy phase.SourcePolicy
	attach, fallback, _ := strings.Cut(value, "->")
	for _, p := range strings.Split(attach, ",") {
		if p = strings.TrimSpace(p); p != "" {
			policy.AttachPhases = append(policy.AttachPhases, p)
		}
	}
	policy.FallbackPhase = strings.TrimSpace(fallback)
	return policy
}

// setAgentMode accepts only known modes; anything else keeps the current one.
func (c *Config) setAgentMode(value string) {
	switch mode := strings.ToLower(strings.TrimSpace(value)); mode {
	case AgentModeBackend, AgentModeLocal:
		c.AgentMode = mode
	}
}

// setProvider validates the provider, only "ollama" and "gemini" are supported.
func (c *Config) setProvider(value string) {
	switch provider := strings.ToLower(strings.TrimSpace(value)); provider {
	case "ollama", "gemini":
		c.LLMProvider = provider
	}
}

// ModelConfig returns the local agent's model settings.
func (c *Config) ModelConfig() agentrelay.ModelConfig {
	return agentrelay.ModelConfig{
		Provider:       c.LLMProvider,
		OllamaEndpoint: c.OllamaEndpoint,
		OllamaModel:    c.OllamaModel,
		GeminiAPIKey:   c.GeminiAPIKey,
		GeminiModel:    c.GeminiModel,
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func positiveEnv(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, false
	}
	return val, true
}

// InitializeLogger configures and returns a structured logger based on the
// provided configuration. Output is JSON on stdout with RFC3339 timestamps,
// which suits log aggregation in container environments.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetOutput(os.Stdout)

	logger.WithFields(logrus.Fields{
		"backendUrl":        config.BackendURL,
		"streamPath":        config.StreamPath,
		"requestTimeout":    config.RequestTimeout,
		"autoCollapseDelay": config.AutoCollapseDelay,
		"phaseTemplate":     config.PhaseTemplatePath,
		"sourcePhases":      config.SourcePolicy.AttachPhases,
		"fallbackPhase":     config.SourcePolicy.FallbackPhase,
		"historyMaxAge":     config.HistoryMaxAge,
		"cleanupInterval":   config.CleanupInterval,
		"logTruncateLength": config.LogTruncateLength,
		"debugMode":         config.DebugMode,
	}).Info("Configuration loaded")

	return logger
}
