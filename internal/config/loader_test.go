package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
speech:
  credentials_file: /etc/liftd/google.json
providers:
  gemini:
    api_key: test-key
`

func load(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestMinimalConfigAppliesDefaults(t *testing.T) {
	cfg := load(t, minimalYAML)

	if cfg.Server.ListenAddr != "127.0.0.1:8790" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Speech.Language != "en-US" || cfg.Speech.SampleRate != 16000 {
		t.Errorf("speech defaults = %+v", cfg.Speech)
	}
	if cfg.Speech.Restart.BaseDelay() != 100*time.Millisecond ||
		cfg.Speech.Restart.MaxDelay() != 5*time.Second ||
		cfg.Speech.Restart.GraceRestarts != 3 ||
		cfg.Speech.Restart.StabilityWindow() != 2*time.Minute ||
		cfg.Speech.Restart.SessionMaxAge() != 2*time.Hour {
		t.Errorf("restart defaults = %+v", cfg.Speech.Restart)
	}
	if cfg.Segmenter.MinImmediateLen != 10 ||
		cfg.Segmenter.MinTimedLen != 25 ||
		cfg.Segmenter.FlushDelay() != 5*time.Second ||
		cfg.Segmenter.DedupThreshold != 0.92 {
		t.Errorf("segmenter defaults = %+v", cfg.Segmenter)
	}
	if cfg.History.MaxPairs != 10 || cfg.Capture.ChunkSize != 3200 {
		t.Errorf("history/capture defaults = %+v / %+v", cfg.History, cfg.Capture)
	}
	if cfg.Providers.Cerebras.BaseURL != "https://api.cerebras.ai/v1" {
		t.Errorf("cerebras base url = %q", cfg.Providers.Cerebras.BaseURL)
	}
}

func TestExplicitValuesAreKept(t *testing.T) {
	cfg := load(t, `
server:
  listen_addr: "127.0.0.1:9999"
  log_level: debug
speech:
  credentials_file: /etc/liftd/google.json
  restart:
    base_delay_ms: 50
    max_delay_ms: 2000
segmenter:
  min_immediate_len: 12
  min_timed_len: 40
  flush_delay_ms: 3000
providers:
  openai:
    api_key: sk-test
    model: gpt-4.1-mini
`)
	if cfg.Server.ListenAddr != "127.0.0.1:9999" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Speech.Restart.BaseDelay() != 50*time.Millisecond ||
		cfg.Speech.Restart.MaxDelay() != 2*time.Second {
		t.Errorf("restart = %+v", cfg.Speech.Restart)
	}
	if cfg.Segmenter.MinImmediateLen != 12 || cfg.Segmenter.MinTimedLen != 40 ||
		cfg.Segmenter.FlushDelay() != 3*time.Second {
		t.Errorf("segmenter = %+v", cfg.Segmenter)
	}
	if cfg.Providers.OpenAI.Model != "gpt-4.1-mini" {
		t.Errorf("openai model = %q", cfg.Providers.OpenAI.Model)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
speech:
  credentials_file: /x
  no_such_field: true
providers:
  gemini:
    api_key: k
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestEnvFallbacksFillSecrets(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/env/google.json")
	t.Setenv("CEREBRAS_API_KEY", "csk-env")

	cfg := load(t, ``)
	if cfg.Speech.CredentialsFile != "/env/google.json" {
		t.Errorf("credentials = %q", cfg.Speech.CredentialsFile)
	}
	if cfg.Providers.Cerebras.APIKey != "csk-env" {
		t.Errorf("cerebras key = %q", cfg.Providers.Cerebras.APIKey)
	}
}

func TestFileValuesWinOverEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	cfg := load(t, minimalYAML)
	if cfg.Providers.Gemini.APIKey != "test-key" {
		t.Errorf("gemini key = %q, env overrode file", cfg.Providers.Gemini.APIKey)
	}
}

func TestValidationFailures(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CEREBRAS_API_KEY", "")

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing credentials", `
providers:
  gemini:
    api_key: k
`, "speech.credentials_file"},
		{"no providers", `
speech:
  credentials_file: /x
`, "no llm provider"},
		{"bad log level", `
server:
  log_level: verbose
speech:
  credentials_file: /x
providers:
  gemini:
    api_key: k
`, "log_level"},
		{"timed threshold below immediate", `
speech:
  credentials_file: /x
segmenter:
  min_immediate_len: 30
  min_timed_len: 20
providers:
  gemini:
    api_key: k
`, "min_timed_len"},
		{"prompt without verb", `
speech:
  credentials_file: /x
prompt:
  template: "no placeholder here"
providers:
  gemini:
    api_key: k
`, "prompt.template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
