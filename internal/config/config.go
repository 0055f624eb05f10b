package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Adapter scopes accepted by ADAPTER_SCOPE.
const (
	ScopeConnection = "connection"
	ScopeShared     = "shared"
	ScopePool       = "pool"
)

// Cache backends accepted by CACHE_BACKEND.
const (
	CacheFS  = "fs"
	CacheS3  = "s3"
	CacheOff = "off"
)

// Config contains all runtime settings for the STT and TTS gateways.
type Config struct {
	BindAddr            string
	ShutdownTimeout     time.Duration
	MetricsNamespace    string
	AllowAnyOrigin      bool
	WSRateLimitRPS      float64
	WSRateLimitBurst    int
	ConnectionRetention time.Duration
	LogLevel            string
	LogFormat           string

	AdapterScope    string
	AdapterPoolSize int

	STTProvider            string
	STTLanguage            string
	NoSpeechThreshold      float64
	STTReconnectBackoff    time.Duration
	STTReconnectMaxBackoff time.Duration

	WhisperCommand   string
	WhisperModelPath string
	WhisperThreads   int
	WhisperWorkers   int

	DeepgramAPIKey      string
	DeepgramSTTModel    string
	DeepgramSTTLanguage string
	DeepgramWSBaseURL   string
	DeepgramBaseURL     string
	DeepgramTTSVoice    string

	GroqAPIKey   string
	GroqBaseURL  string
	GroqSTTModel string

	TTSProvider   string
	TTSSampleRate int
	TTSMaxChars   int

	CartesiaAPIKey  string
	CartesiaVoiceID string
	CartesiaModelID string
	CartesiaVersion string
	CartesiaWSURL   string

	ElevenLabsAPIKey     string
	ElevenLabsVoiceID    string
	ElevenLabsModelID    string
	ElevenLabsStability  float64
	ElevenLabsSimilarity float64
	ElevenLabsWSBaseURL  string

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAITTSModel string
	OpenAITTSVoice string

	CacheBackend       string
	CacheDir           string
	CacheBlockSize     int
	CacheS3Bucket      string
	CacheS3Prefix      string
	CacheS3Region      string
	CacheS3Endpoint    string
	CacheS3AccessKeyID string
	CacheS3SecretKey   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:     15 * time.Second,
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voicegate"),
		WSRateLimitRPS:      5,
		WSRateLimitBurst:    10,
		ConnectionRetention: time.Minute,
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("LOG_FORMAT", "json")),

		AdapterScope:    strings.ToLower(envOrDefault("ADAPTER_SCOPE", ScopeConnection)),
		AdapterPoolSize: 4,

		STTProvider:            strings.ToLower(envOrDefault("STT_PROVIDER", "faster_whisper")),
		STTLanguage:            envOrDefault("STT_LANGUAGE_CODE", "en"),
		NoSpeechThreshold:      0.7,
		STTReconnectBackoff:    500 * time.Millisecond,
		STTReconnectMaxBackoff: 10 * time.Second,

		WhisperCommand:   envOrDefault("WHISPER_COMMAND", "whisper-cli"),
		WhisperModelPath: envOrDefault("WHISPER_MODEL_PATH", ".models/whisper/ggml-tiny.bin"),
		// 0 lets the runner pick based on CPU count.
		WhisperThreads: 0,
		WhisperWorkers: 2,

		DeepgramAPIKey:      stringsTrimSpace("DG_API_KEY"),
		DeepgramSTTModel:    envOrDefault("DG_STT_MODEL", "nova-2"),
		DeepgramSTTLanguage: envOrDefault("DG_STT_LANGUAGE", "en-US"),
		DeepgramWSBaseURL:   envOrDefault("DG_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramBaseURL:     envOrDefault("DG_BASE_URL", "https://api.deepgram.com"),
		DeepgramTTSVoice:    envOrDefault("DG_TTS_MODEL_VOICE", "aura-asteria-en"),

		GroqAPIKey:   stringsTrimSpace("GROQ_STT_API_KEY"),
		GroqBaseURL:  envOrDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqSTTModel: envOrDefault("GROQ_STT_MODEL", "whisper-large-v3"),

		TTSProvider:   strings.ToLower(envOrDefault("TTS_PROVIDER", "elevenlabs")),
		TTSSampleRate: 16000,
		TTSMaxChars:   4000,

		CartesiaAPIKey:  stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaVoiceID: envOrDefault("CARTESIA_VOICE_ID", "b7d50908-b17c-442d-ad8d-810c63997ed9"),
		CartesiaModelID: envOrDefault("CARTESIA_MODEL_ID", "sonic-english"),
		CartesiaVersion: envOrDefault("CARTESIA_VERSION", "2024-06-10"),
		CartesiaWSURL:   envOrDefault("CARTESIA_WS_URL", "wss://api.cartesia.ai/tts/websocket"),

		ElevenLabsAPIKey:     stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:    envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID:    envOrDefault("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		ElevenLabsStability:  0.9,
		ElevenLabsSimilarity: 0.9,
		ElevenLabsWSBaseURL:  envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),

		OpenAIAPIKey:   stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:  stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAITTSModel: envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice: envOrDefault("OPENAI_TTS_VOICE", "alloy"),

		CacheBackend:       strings.ToLower(envOrDefault("CACHE_BACKEND", CacheFS)),
		CacheDir:           envOrDefault("CACHE_DIR", "cache"),
		CacheBlockSize:     4096,
		CacheS3Bucket:      stringsTrimSpace("CACHE_S3_BUCKET"),
		CacheS3Prefix:      stringsTrimSpace("CACHE_S3_PREFIX"),
		CacheS3Region:      envOrDefault("CACHE_S3_REGION", "us-east-1"),
		CacheS3Endpoint:    stringsTrimSpace("CACHE_S3_ENDPOINT"),
		CacheS3AccessKeyID: stringsTrimSpace("CACHE_S3_ACCESS_KEY_ID"),
		CacheS3SecretKey:   stringsTrimSpace("CACHE_S3_SECRET_ACCESS_KEY"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConnectionRetention, err = durationFromEnv("APP_CONNECTION_RETENTION", cfg.ConnectionRetention); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.WSRateLimitRPS, err = floatFromEnv("APP_WS_RATE_LIMIT_RPS", cfg.WSRateLimitRPS); err != nil {
		return Config{}, err
	}
	if cfg.WSRateLimitBurst, err = intFromEnv("APP_WS_RATE_LIMIT_BURST", cfg.WSRateLimitBurst); err != nil {
		return Config{}, err
	}
	if cfg.AdapterPoolSize, err = intFromEnv("ADAPTER_POOL_SIZE", cfg.AdapterPoolSize); err != nil {
		return Config{}, err
	}
	if cfg.NoSpeechThreshold, err = floatFromEnv("NO_SPEECH_THRESHOLD", cfg.NoSpeechThreshold); err != nil {
		return Config{}, err
	}
	if cfg.STTReconnectBackoff, err = durationFromEnv("STT_RECONNECT_BACKOFF", cfg.STTReconnectBackoff); err != nil {
		return Config{}, err
	}
	if cfg.STTReconnectMaxBackoff, err = durationFromEnv("STT_RECONNECT_MAX_BACKOFF", cfg.STTReconnectMaxBackoff); err != nil {
		return Config{}, err
	}
	if cfg.WhisperThreads, err = intFromEnv("WHISPER_THREADS", cfg.WhisperThreads); err != nil {
		return Config{}, err
	}
	if cfg.WhisperWorkers, err = intFromEnv("WHISPER_WORKERS", cfg.WhisperWorkers); err != nil {
		return Config{}, err
	}
	if cfg.TTSSampleRate, err = intFromEnv("TTS_SAMPLE_RATE", cfg.TTSSampleRate); err != nil {
		return Config{}, err
	}
	if cfg.TTSMaxChars, err = intFromEnv("TTS_MAX_CHARS", cfg.TTSMaxChars); err != nil {
		return Config{}, err
	}
	if cfg.ElevenLabsStability, err = floatFromEnv("ELEVENLABS_VOICE_STABILITY", cfg.ElevenLabsStability); err != nil {
		return Config{}, err
	}
	if cfg.ElevenLabsSimilarity, err = floatFromEnv("ELEVENLABS_VOICE_SIMILARITY", cfg.ElevenLabsSimilarity); err != nil {
		return Config{}, err
	}
	if cfg.CacheBlockSize, err = intFromEnv("CACHE_BLOCK_SIZE", cfg.CacheBlockSize); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.AdapterScope {
	case ScopeConnection, ScopeShared, ScopePool:
	default:
		return fmt.Errorf("ADAPTER_SCOPE must be one of connection, shared, pool (got %q)", c.AdapterScope)
	}
	switch c.CacheBackend {
	case CacheFS, CacheS3, CacheOff:
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of fs, s3, off (got %q)", c.CacheBackend)
	}
	if c.CacheBackend == CacheS3 && c.CacheS3Bucket == "" {
		return fmt.Errorf("CACHE_S3_BUCKET is required when CACHE_BACKEND=s3")
	}
	if c.AdapterPoolSize <= 0 {
		return fmt.Errorf("ADAPTER_POOL_SIZE must be positive")
	}
	if c.NoSpeechThreshold < 0 || c.NoSpeechThreshold > 1 {
		return fmt.Errorf("NO_SPEECH_THRESHOLD must be within [0, 1]")
	}
	if c.STTReconnectBackoff <= 0 || c.STTReconnectMaxBackoff < c.STTReconnectBackoff {
		return fmt.Errorf("STT_RECONNECT_MAX_BACKOFF must be >= STT_RECONNECT_BACKOFF > 0")
	}
	if c.WhisperThreads < 0 {
		return fmt.Errorf("WHISPER_THREADS must be >= 0")
	}
	if c.WhisperWorkers <= 0 {
		return fmt.Errorf("WHISPER_WORKERS must be positive")
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive")
	}
	if c.TTSMaxChars <= 0 {
		return fmt.Errorf("TTS_MAX_CHARS must be positive")
	}
	if c.CacheBlockSize <= 0 {
		return fmt.Errorf("CACHE_BLOCK_SIZE must be positive")
	}
	if c.WSRateLimitRPS < 0 || c.WSRateLimitBurst < 0 {
		return fmt.Errorf("APP_WS_RATE_LIMIT_RPS and APP_WS_RATE_LIMIT_BURST must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
