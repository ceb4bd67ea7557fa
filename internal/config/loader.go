package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment fallbacks applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// fallbacks and defaults, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills secrets left empty in the file from the conventional
// environment variables. File values always win.
func applyEnv(cfg *Config) {
	fallback := func(target *string, envKey string) {
		if *target == "" {
			*target = os.Getenv(envKey)
		}
	}
	fallback(&cfg.Speech.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	fallback(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	fallback(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	fallback(&cfg.Providers.Cerebras.APIKey, "CEREBRAS_API_KEY")
	fallback(&cfg.Archive.PostgresDSN, "LIFTD_POSTGRES_DSN")
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:8790"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "en-US"
	}
	if cfg.Speech.Model == "" {
		cfg.Speech.Model = "latest_long"
	}
	if cfg.Speech.SampleRate <= 0 {
		cfg.Speech.SampleRate = 16000
	}
	if cfg.Speech.BridgeChunks <= 0 {
		cfg.Speech.BridgeChunks = 10
	}
	if cfg.Speech.Restart.BaseDelayMS <= 0 {
		cfg.Speech.Restart.BaseDelayMS = 100
	}
	if cfg.Speech.Restart.MaxDelayMS <= 0 {
		cfg.Speech.Restart.MaxDelayMS = 5000
	}
	if cfg.Speech.Restart.GraceRestarts <= 0 {
		cfg.Speech.Restart.GraceRestarts = 3
	}
	if cfg.Speech.Restart.StabilityWindowSeconds <= 0 {
		cfg.Speech.Restart.StabilityWindowSeconds = 120
	}
	if cfg.Speech.Restart.SessionMaxAgeMinutes <= 0 {
		cfg.Speech.Restart.SessionMaxAgeMinutes = 120
	}

	if cfg.Providers.Gemini.Model == "" {
		cfg.Providers.Gemini.Model = "gemini-2.0-flash"
	}
	if cfg.Providers.OpenAI.Model == "" {
		cfg.Providers.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.Providers.Cerebras.Model == "" {
		cfg.Providers.Cerebras.Model = "llama-3.3-70b"
	}
	if cfg.Providers.Cerebras.BaseURL == "" {
		cfg.Providers.Cerebras.BaseURL = "https://api.cerebras.ai/v1"
	}

	if cfg.Segmenter.MinImmediateLen <= 0 {
		cfg.Segmenter.MinImmediateLen = 10
	}
	if cfg.Segmenter.MinTimedLen <= 0 {
		cfg.Segmenter.MinTimedLen = 25
	}
	if cfg.Segmenter.FlushDelayMS <= 0 {
		cfg.Segmenter.FlushDelayMS = 5000
	}
	if cfg.Segmenter.DedupThreshold <= 0 {
		cfg.Segmenter.DedupThreshold = 0.92
	}

	if cfg.Capture.ChunkSize <= 0 {
		cfg.Capture.ChunkSize = 3200
	}
	if cfg.History.MaxPairs <= 0 {
		cfg.History.MaxPairs = 10
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Speech.CredentialsFile == "" {
		errs = append(errs, errors.New("speech.credentials_file is required (or set GOOGLE_APPLICATION_CREDENTIALS)"))
	}

	if !cfg.Providers.Gemini.Configured() &&
		!cfg.Providers.OpenAI.Configured() &&
		!cfg.Providers.Cerebras.Configured() {
		errs = append(errs, errors.New("no llm provider configured; set at least one providers.*.api_key"))
	}

	if cfg.Segmenter.MinTimedLen < cfg.Segmenter.MinImmediateLen {
		errs = append(errs, fmt.Errorf("segmenter.min_timed_len (%d) must not be below min_immediate_len (%d)",
			cfg.Segmenter.MinTimedLen, cfg.Segmenter.MinImmediateLen))
	}
	if cfg.Segmenter.DedupThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.dedup_threshold %.2f must be in (0, 1]", cfg.Segmenter.DedupThreshold))
	}

	if cfg.Speech.Restart.MaxDelayMS < cfg.Speech.Restart.BaseDelayMS {
		errs = append(errs, fmt.Errorf("speech.restart.max_delay_ms (%d) must not be below base_delay_ms (%d)",
			cfg.Speech.Restart.MaxDelayMS, cfg.Speech.Restart.BaseDelayMS))
	}

	if cfg.Prompt.Template != "" && strings.Count(cfg.Prompt.Template, "%s") != 1 {
		errs = append(errs, errors.New("prompt.template must contain exactly one %s verb"))
	}

	return errors.Join(errs...)
}
