package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return *Default()
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:   "http disabled ignores port",
			mutate: func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Port = 0 },
		},
		{
			name:        "unknown capture source",
			mutate:      func(c *Config) { c.Capture.Source = "alsa" },
			expectError: true,
			errorMsg:    "source must be",
		},
		{
			name: "portaudio requires float32",
			mutate: func(c *Config) {
				c.Capture.Source = SourcePortAudio
				c.Capture.Encoding = "int16"
			},
			expectError: true,
			errorMsg:    "float32",
		},
		{
			name: "portaudio stereo float32",
			mutate: func(c *Config) {
				c.Capture.Source = SourcePortAudio
				c.Capture.Encoding = "float32"
				c.Capture.Channels = 2
				c.Capture.SampleRate = 48000
			},
		},
		{
			name:        "unsupported encoding",
			mutate:      func(c *Config) { c.Capture.Encoding = "int24" },
			expectError: true,
			errorMsg:    "unsupported sample encoding",
		},
		{
			name:        "zero channels",
			mutate:      func(c *Config) { c.Capture.Channels = 0 },
			expectError: true,
			errorMsg:    "channel count",
		},
		{
			name:        "empty backend url",
			mutate:      func(c *Config) { c.Backend.BaseURL = "" },
			expectError: true,
			errorMsg:    "base_url cannot be empty",
		},
		{
			name:        "backend url without scheme",
			mutate:      func(c *Config) { c.Backend.BaseURL = "localhost:5001" },
			expectError: true,
			errorMsg:    "http or https",
		},
		{
			name:        "negative retries",
			mutate:      func(c *Config) { c.Backend.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries cannot be negative",
		},
		{
			name:        "chunk max not above min",
			mutate:      func(c *Config) { c.Streaming.ChunkMaxDuration = 0.1 },
			expectError: true,
			errorMsg:    "chunk_max_duration",
		},
		{
			name:        "vad threshold out of range",
			mutate:      func(c *Config) { c.Streaming.VADThreshold = 1.5 },
			expectError: true,
			errorMsg:    "vad_threshold",
		},
		{
			name:        "events enabled without url",
			mutate:      func(c *Config) { c.Events.Enabled = true; c.Events.NATSURL = "" },
			expectError: true,
			errorMsg:    "nats_url cannot be empty",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvBackendURL, EnvBackendAPIKey, EnvNATSURL} {
		t.Setenv(key, "")
	}
}

func TestConfigLoad(t *testing.T) {
	clearEnv(t)
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 9090
  address: "127.0.0.1"
  enabled: true
capture:
  source: "portaudio"
  sample_rate: 48000
  channels: 2
  encoding: "float32"
  frames_per_buffer: 960
  max_buffer_bytes: 10485760
backend:
  base_url: "http://backend:5001"
  api_key: "test-key"
  timeout: 10
  max_retries: 2
  max_concurrent: 8
streaming:
  vad_threshold: 0.1
  window_duration: 0.03
  chunk_min_duration: 0.5
  chunk_max_duration: 20
  min_speech_duration: 0.25
  min_silence_duration: 0.8
  queue_size: 128
  extract_items: true
  idle_timeout: 60
events:
  enabled: false
logging:
  level: "debug"
  format: "json"
  output: "stdout"
`,
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
backend:
  base_url: "https://orders.example.com"
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid section",
			configYAML: `
capture:
  source: "push"
  sample_rate: 0
`,
			expectError: true,
			errorMsg:    "capture config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config == nil {
				t.Fatalf("Expected config to be loaded but got nil")
			}
		})
	}
}

func TestConfigLoadValues(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
capture:
  encoding: "float32"
  channels: 2
backend:
  timeout: 5
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	format := config.Capture.NativeFormat()
	if format.Channels != 2 || format.SampleRate != 16000 || string(format.Encoding) != "float32" {
		t.Errorf("Unexpected native format %s", format)
	}
	if config.Backend.GetTimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", config.Backend.GetTimeoutDuration())
	}
	if config.Backend.MaxRetries != 0 {
		t.Errorf("Expected retries to default to 0, got %d", config.Backend.MaxRetries)
	}
	if config.Events.Enabled {
		t.Errorf("Expected events disabled by default")
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvBackendURL, "https://override.example.com")
	t.Setenv(EnvBackendAPIKey, "from-env")
	t.Setenv(EnvNATSURL, "nats://bus:4222")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
backend:
  base_url: "http://file:5001"
  api_key: "from-file"
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Backend.BaseURL != "https://override.example.com" {
		t.Errorf("Expected BACKEND_URL override, got %s", config.Backend.BaseURL)
	}
	if config.Backend.APIKey != "from-env" {
		t.Errorf("Expected BACKEND_API_KEY override, got %s", config.Backend.APIKey)
	}
	if !config.Events.Enabled || config.Events.NATSURL != "nats://bus:4222" {
		t.Errorf("Expected NATS_URL to enable events, got %+v", config.Events)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	streaming := StreamingConfig{
		WindowDuration:     0.02,
		ChunkMinDuration:   1.5,
		ChunkMaxDuration:   10.0,
		MinSpeechDuration:  0.5,
		MinSilenceDuration: 0.3,
		IdleTimeout:        90,
	}

	if streaming.GetIdleTimeout() != 90*time.Second {
		t.Errorf("Expected 90 seconds, got %v", streaming.GetIdleTimeout())
	}

	if streaming.GetWindowDuration() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", streaming.GetWindowDuration())
	}

	if streaming.GetChunkMinDuration() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", streaming.GetChunkMinDuration())
	}

	if streaming.GetChunkMaxDuration() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", streaming.GetChunkMaxDuration())
	}

	if streaming.GetMinSpeechDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", streaming.GetMinSpeechDuration())
	}

	if streaming.GetMinSilenceDuration() != 300*time.Millisecond {
		t.Errorf("Expected 0.3 seconds, got %v", streaming.GetMinSilenceDuration())
	}

	backend := BackendConfig{Timeout: 30, RetryBackoff: 0.25}

	if backend.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", backend.GetTimeoutDuration())
	}

	if backend.GetRetryBackoff() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", backend.GetRetryBackoff())
	}

	events := EventsConfig{ReconnectWait: 2}
	if events.GetReconnectWait() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", events.GetReconnectWait())
	}
}

func TestRedacted(t *testing.T) {
	config := validConfig()
	config.Backend.APIKey = "super-secret"

	redacted := config.Redacted()
	if strings.Contains(redacted.Backend.APIKey, "super-secret") {
		t.Errorf("API key leaked: %s", redacted.Backend.APIKey)
	}
	if config.Backend.APIKey != "super-secret" {
		t.Errorf("Redacted must not modify the original")
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/orders.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
