package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, ScopeConnection, cfg.AdapterScope)
	assert.Equal(t, "faster_whisper", cfg.STTProvider)
	assert.Equal(t, "elevenlabs", cfg.TTSProvider)
	assert.Equal(t, 16000, cfg.TTSSampleRate)
	assert.Equal(t, 4000, cfg.TTSMaxChars)
	assert.Equal(t, 0.7, cfg.NoSpeechThreshold)
	assert.Equal(t, CacheFS, cfg.CacheBackend)
	assert.Equal(t, "cache", cfg.CacheDir)
	assert.Equal(t, 4096, cfg.CacheBlockSize)
	assert.Equal(t, "sonic-english", cfg.CartesiaModelID)
	assert.Equal(t, "tts-1", cfg.OpenAITTSModel)
	assert.Equal(t, "alloy", cfg.OpenAITTSVoice)
}

func TestLoadReadsOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STT_PROVIDER", " Groq ")
	t.Setenv("NO_SPEECH_THRESHOLD", "0.4")
	t.Setenv("ADAPTER_SCOPE", "pool")
	t.Setenv("ADAPTER_POOL_SIZE", "8")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "groq", cfg.STTProvider)
	assert.Equal(t, 0.4, cfg.NoSpeechThreshold)
	assert.Equal(t, ScopePool, cfg.AdapterScope)
	assert.Equal(t, 8, cfg.AdapterPoolSize)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"scope":         {"ADAPTER_SCOPE": "global"},
		"cache backend": {"CACHE_BACKEND": "redis"},
		"s3 bucket":     {"CACHE_BACKEND": "s3"},
		"threshold":     {"NO_SPEECH_THRESHOLD": "1.5"},
		"max chars":     {"TTS_MAX_CHARS": "0"},
		"duration":      {"APP_SHUTDOWN_TIMEOUT": "soon"},
		"bool":          {"APP_ALLOW_ANY_ORIGIN": "maybe"},
		"backoff order": {"STT_RECONNECT_BACKOFF": "5s", "STT_RECONNECT_MAX_BACKOFF": "1s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_WS_RATE_LIMIT_RPS",
		"APP_WS_RATE_LIMIT_BURST",
		"APP_CONNECTION_RETENTION",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"ADAPTER_SCOPE",
		"ADAPTER_POOL_SIZE",
		"STT_PROVIDER",
		"STT_LANGUAGE_CODE",
		"NO_SPEECH_THRESHOLD",
		"STT_RECONNECT_BACKOFF",
		"STT_RECONNECT_MAX_BACKOFF",
		"WHISPER_COMMAND",
		"WHISPER_MODEL_PATH",
		"WHISPER_THREADS",
		"WHISPER_WORKERS",
		"DG_API_KEY",
		"DG_STT_MODEL",
		"DG_STT_LANGUAGE",
		"DG_WS_BASE_URL",
		"DG_BASE_URL",
		"DG_TTS_MODEL_VOICE",
		"GROQ_STT_API_KEY",
		"GROQ_BASE_URL",
		"GROQ_STT_MODEL",
		"TTS_PROVIDER",
		"TTS_SAMPLE_RATE",
		"TTS_MAX_CHARS",
		"CARTESIA_API_KEY",
		"CARTESIA_VOICE_ID",
		"CARTESIA_MODEL_ID",
		"CARTESIA_VERSION",
		"CARTESIA_WS_URL",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_VOICE_ID",
		"ELEVENLABS_MODEL_ID",
		"ELEVENLABS_VOICE_STABILITY",
		"ELEVENLABS_VOICE_SIMILARITY",
		"ELEVENLABS_WS_BASE_URL",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_TTS_MODEL",
		"OPENAI_TTS_VOICE",
		"CACHE_BACKEND",
		"CACHE_DIR",
		"CACHE_BLOCK_SIZE",
		"CACHE_S3_BUCKET",
		"CACHE_S3_PREFIX",
		"CACHE_S3_REGION",
		"CACHE_S3_ENDPOINT",
		"CACHE_S3_ACCESS_KEY_ID",
		"CACHE_S3_SECRET_ACCESS_KEY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
