// Package config provides the configuration schema and loader for the liftd
// daemon.
package config

import "time"

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for liftd. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Speech    SpeechConfig    `yaml:"speech"`
	Providers ProvidersConfig `yaml:"providers"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Capture   CaptureConfig   `yaml:"capture"`
	History   HistoryConfig   `yaml:"history"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Prompt    PromptConfig    `yaml:"prompt"`
}

// ServerConfig holds network and logging settings for the local control
// server the UI attaches to.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on.
	// Default "127.0.0.1:8790".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SpeechConfig configures the Google Speech-to-Text recognizer.
type SpeechConfig struct {
	// CredentialsFile is the path to the service-account JSON key. May also
	// be supplied via GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string `yaml:"credentials_file"`

	// Language is the BCP-47 recognition language. Default "en-US".
	Language string `yaml:"language"`

	// Model selects the recognition model. Default "latest_long".
	Model string `yaml:"model"`

	// SampleRate is the PCM sample rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// BridgeChunks is how many recent audio chunks are replayed into a
	// restarted stream. Default 10.
	BridgeChunks int `yaml:"bridge_chunks"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig tunes the recognizer restart/backoff behaviour.
type RestartConfig struct {
	// BaseDelayMS is the near-immediate restart delay in milliseconds.
	// Default 100.
	BaseDelayMS int `yaml:"base_delay_ms"`

	// MaxDelayMS caps backoff during sustained instability. Default 5000.
	MaxDelayMS int `yaml:"max_delay_ms"`

	// GraceRestarts is how many consecutive restarts run at the base delay
	// before backoff doubles. Default 3.
	GraceRestarts int `yaml:"grace_restarts"`

	// StabilityWindowSeconds is how long without a restart before the
	// counter resets. Default 120.
	StabilityWindowSeconds int `yaml:"stability_window_seconds"`

	// SessionMaxAgeMinutes is the forced session rollover age. Default 120.
	SessionMaxAgeMinutes int `yaml:"session_max_age_minutes"`
}

// BaseDelay returns the base delay as a duration.
func (r RestartConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the delay cap as a duration.
func (r RestartConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// StabilityWindow returns the stability window as a duration.
func (r RestartConfig) StabilityWindow() time.Duration {
	return time.Duration(r.StabilityWindowSeconds) * time.Second
}

// SessionMaxAge returns the rollover age as a duration.
func (r RestartConfig) SessionMaxAge() time.Duration {
	return time.Duration(r.SessionMaxAgeMinutes) * time.Minute
}

// ProvidersConfig declares the LLM backends entered into each suggestion
// race. A provider with an empty API key is skipped at startup.
type ProvidersConfig struct {
	Gemini   ProviderEntry `yaml:"gemini"`
	OpenAI   ProviderEntry `yaml:"openai"`
	Cerebras ProviderEntry `yaml:"cerebras"`
}

// ProviderEntry is the configuration block shared by all LLM providers.
type ProviderEntry struct {
	// APIKey authenticates against the provider. Falls back to the
	// provider's conventional environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model (e.g., "gemini-2.0-flash",
	// "gpt-4o-mini", "llama-3.3-70b").
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint. Used for
	// OpenAI-compatible backends.
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the entry has an API key and can be used.
func (p ProviderEntry) Configured() bool {
	return p.APIKey != ""
}

// SegmenterConfig tunes utterance boundary detection.
type SegmenterConfig struct {
	// MinImmediateLen gates immediate dispatch of punctuated speech.
	// Default 10.
	MinImmediateLen int `yaml:"min_immediate_len"`

	// MinTimedLen gates dispatch when the quiet timer fires. Default 25.
	MinTimedLen int `yaml:"min_timed_len"`

	// FlushDelayMS is the quiet period in milliseconds. Default 5000.
	FlushDelayMS int `yaml:"flush_delay_ms"`

	// DedupThreshold is the Jaro-Winkler similarity above which a final is
	// discarded as a replay duplicate. Default 0.92.
	DedupThreshold float64 `yaml:"dedup_threshold"`
}

// FlushDelay returns the quiet period as a duration.
func (s SegmenterConfig) FlushDelay() time.Duration {
	return time.Duration(s.FlushDelayMS) * time.Millisecond
}

// CaptureConfig configures the platform audio recorder subprocess.
type CaptureConfig struct {
	// Binary is the recorder executable. Required for live capture.
	Binary string `yaml:"binary"`

	// Args are passed to the recorder verbatim.
	Args []string `yaml:"args"`

	// ChunkSize is the PCM slice size in bytes. Default 3200.
	ChunkSize int `yaml:"chunk_size"`
}

// HistoryConfig bounds the conversation history.
type HistoryConfig struct {
	// MaxPairs is the retained exchange count. Default 10.
	MaxPairs int `yaml:"max_pairs"`
}

// ArchiveConfig configures optional transcript persistence.
type ArchiveConfig struct {
	// PostgresDSN enables archiving when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// PromptConfig overrides prompt construction.
type PromptConfig struct {
	// Template is the system prompt template. Must contain exactly one %s
	// verb, which receives the job context. Empty uses the built-in default.
	Template string `yaml:"template"`
}
