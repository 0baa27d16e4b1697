package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sjawhar/ghost-voice/internal/llm"
)

// EnvPrefix is the namespace prefix for all Ghost Voice environment variables.
const EnvPrefix = "GHOST_VOICE_"

const DefaultSystemPrompt = "You are a helpful AI assistant. Respond concisely to voice messages."

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr         string   `yaml:"listen_addr"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	LogLevel           string   `yaml:"log_level"`
	LogFormat          string   `yaml:"log_format"`
	StaticDir          string   `yaml:"static_dir"`

	DBPath             string `yaml:"db_path"`
	AudioDir           string `yaml:"audio_dir"`
	ConversationLogDir string `yaml:"conversation_log_dir"`

	MicrophoneEnabled bool  `yaml:"microphone_enabled"`
	MicSampleRate     int   `yaml:"mic_sample_rate"`
	MicSampleRates    []int `yaml:"mic_sample_rates"`

	Locale            string `yaml:"locale"`
	SystemPrompt      string `yaml:"system_prompt"`
	GenerationTimeout string `yaml:"generation_timeout"`

	LLMModel       string  `yaml:"llm_model"`
	LLMBaseURL     string  `yaml:"llm_base_url"`
	LLMTemperature float32 `yaml:"llm_temperature"`
	LLMMaxTokens   int     `yaml:"llm_max_tokens"`
	LLMAttempts    int     `yaml:"llm_attempts"`

	RecognizerModel  string `yaml:"recognizer_model"`
	RecognizerSettle string `yaml:"recognizer_settle"`

	SpeechProvider string  `yaml:"speech_provider"`
	SpeechVoice    string  `yaml:"speech_voice"`
	SpeechModel    string  `yaml:"speech_model"`
	SpeechRate     float64 `yaml:"speech_rate"`

	ArchiveEndpoint string `yaml:"archive_endpoint"`
	ArchiveBucket   string `yaml:"archive_bucket"`
	ArchiveUseSSL   bool   `yaml:"archive_use_ssl"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets, env vars only, never serialized to YAML.
	DeepgramAPIKey   string `yaml:"-"`
	OpenAIAPIKey     string `yaml:"-"`
	AnthropicAPIKey  string `yaml:"-"`
	GeminiAPIKey     string `yaml:"-"`
	ElevenLabsAPIKey string `yaml:"-"`
	S3AccessKey      string `yaml:"-"`
	S3SecretKey      string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            "127.0.0.1:8080",
		RateLimitPerMinute:    120,
		LogLevel:              "info",
		LogFormat:             "text",
		DBPath:                "data/ghost-voice.db",
		AudioDir:              "data/audio",
		ConversationLogDir:    "data/conversations",
		MicrophoneEnabled:     true,
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		Locale:                "en-US",
		SystemPrompt:          DefaultSystemPrompt,
		LLMModel:              "openai/gpt-4o",
		LLMTemperature:        0.7,
		LLMMaxTokens:          1000,
		LLMAttempts:           3,
		RecognizerModel:       "nova-2",
		RecognizerSettle:      "500ms",
		SpeechProvider:        "openai",
		SpeechVoice:           "alloy",
		SpeechModel:           "tts-1",
		SpeechRate:            0.8,
		ArchiveUseSSL:         true,
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedGenerationTimeout returns the reply generation deadline. Zero means
// no deadline; invalid values are treated as zero.
func (c *Config) ParsedGenerationTimeout() time.Duration {
	if strings.TrimSpace(c.GenerationTimeout) == "" {
		return 0
	}
	d, err := time.ParseDuration(c.GenerationTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ParsedRecognizerSettle returns how long the recognizer waits for trailing
// results after capture stops, falling back to 500ms.
func (c *Config) ParsedRecognizerSettle() time.Duration {
	d, err := time.ParseDuration(c.RecognizerSettle)
	if err != nil || d < 0 {
		return 500 * time.Millisecond
	}
	return d
}

// LLMAPIKey returns the secret matching the configured LLM provider.
func (c *Config) LLMAPIKey() string {
	provider, _, err := llm.ParseModel(c.LLMModel)
	if err != nil {
		return ""
	}
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

// SpeechAPIKey returns the secret matching the configured speech provider.
func (c *Config) SpeechAPIKey() string {
	if c.SpeechProvider == "elevenlabs" {
		return c.ElevenLabsAPIKey
	}
	return c.OpenAIAPIKey
}

func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveEndpoint != "" && c.ArchiveBucket != ""
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	return dedupeRates(combined)
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	if v := os.Getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	setInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.StaticDir, "STATIC_DIR")
	setString(&cfg.DBPath, "DB_PATH")
	setString(&cfg.AudioDir, "AUDIO_DIR")
	setString(&cfg.ConversationLogDir, "CONVERSATION_LOG_DIR")
	setBool(&cfg.MicrophoneEnabled, "MICROPHONE_ENABLED")
	setInt(&cfg.MicSampleRate, "MIC_SAMPLE_RATE")
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	setString(&cfg.Locale, "LOCALE")
	setString(&cfg.SystemPrompt, "SYSTEM_PROMPT")
	setString(&cfg.GenerationTimeout, "GENERATION_TIMEOUT")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	if v := os.Getenv(EnvPrefix + "LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 32); err == nil && f >= 0 {
			cfg.LLMTemperature = float32(f)
		}
	}
	setInt(&cfg.LLMMaxTokens, "LLM_MAX_TOKENS")
	setInt(&cfg.LLMAttempts, "LLM_ATTEMPTS")
	setString(&cfg.RecognizerModel, "RECOGNIZER_MODEL")
	setString(&cfg.RecognizerSettle, "RECOGNIZER_SETTLE")
	setString(&cfg.SpeechProvider, "SPEECH_PROVIDER")
	setString(&cfg.SpeechVoice, "SPEECH_VOICE")
	setString(&cfg.SpeechModel, "SPEECH_MODEL")
	if v := os.Getenv(EnvPrefix + "SPEECH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.SpeechRate = f
		}
	}
	setString(&cfg.ArchiveEndpoint, "ARCHIVE_ENDPOINT")
	setString(&cfg.ArchiveBucket, "ARCHIVE_BUCKET")
	setBool(&cfg.ArchiveUseSSL, "ARCHIVE_USE_SSL")
	setString(&cfg.GDriveFolderID, "GDRIVE_FOLDER_ID")
	setString(&cfg.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.ElevenLabsAPIKey = os.Getenv(EnvPrefix + "ELEVENLABS_API_KEY")
	cfg.S3AccessKey = os.Getenv(EnvPrefix + "S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv(EnvPrefix + "S3_SECRET_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured: speech recognition is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}

	provider, _, err := llm.ParseModel(cfg.LLMModel)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid llm_model %q: replies will use the offline fallback.", cfg.LLMModel))
	} else if cfg.LLMAPIKey() == "" {
		warnings = append(warnings, fmt.Sprintf("API key for LLM provider %q not configured: replies will use the offline fallback. Set %s%s_API_KEY.", provider, EnvPrefix, strings.ToUpper(provider)))
	}

	switch cfg.SpeechProvider {
	case "openai", "elevenlabs":
		if cfg.SpeechAPIKey() == "" {
			warnings = append(warnings, fmt.Sprintf("API key for speech provider %q not configured: replies will not be spoken. Set %s%s_API_KEY.", cfg.SpeechProvider, EnvPrefix, strings.ToUpper(cfg.SpeechProvider)))
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown speech_provider %q: replies will not be spoken.", cfg.SpeechProvider))
	}

	if cfg.GenerationTimeout != "" {
		if d, err := time.ParseDuration(cfg.GenerationTimeout); err != nil || d < 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid generation_timeout %q: generation has no deadline.", cfg.GenerationTimeout))
		}
	}
	if _, err := time.ParseDuration(cfg.RecognizerSettle); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid recognizer_settle %q: using default 500ms.", cfg.RecognizerSettle))
	}
	if cfg.ArchiveEnabled() && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		warnings = append(warnings, "Recording archive configured without credentials: archiving is disabled. Set "+EnvPrefix+"S3_ACCESS_KEY and "+EnvPrefix+"S3_SECRET_KEY.")
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	rates := make([]int, 0, len(parts))
	for _, part := range parts {
		rate, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		rates = append(rates, rate)
	}
	return dedupeRates(rates)
}

func dedupeRates(rates []int) []int {
	seen := make(map[int]struct{}, len(rates))
	result := make([]int, 0, len(rates))
	for _, rate := range rates {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
