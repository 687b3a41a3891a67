package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:7655", cfg.PulseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 100, cfg.WriterBatchSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PULSE_URL", "https://pulse.example.com")
	t.Setenv("PULSE_API_TOKEN", "secret")
	t.Setenv("STREAM_IDLE_TIMEOUT", "250ms")
	t.Setenv("WRITER_BATCH_SIZE", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://pulse.example.com", cfg.PulseURL)
	assert.Equal(t, "secret", cfg.APIToken)
	assert.Equal(t, 250*time.Millisecond, cfg.IdleTimeout)
	assert.Equal(t, 7, cfg.WriterBatchSize)
}
