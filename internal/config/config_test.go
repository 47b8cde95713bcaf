package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadConfigDefaults(t *testing.T) {
	noEnvFile(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "faceauth-service", cfg.ServiceName)
	assert.Equal(t, 90.0, cfg.Biometric.LivenessThreshold)
	assert.Equal(t, 95.0, cfg.Biometric.MatchThreshold)
	assert.Equal(t, 15*time.Second, cfg.Deadline.Overall)
	assert.Equal(t, 10*time.Second, cfg.Deadline.Directory)
	assert.Equal(t, 10*time.Minute, cfg.Session.Lifetime)
	assert.Equal(t, 5, cfg.RateLimit.EmergencyMaxAttempts)
	assert.Equal(t, []string{"localhost:9042"}, cfg.Scylla.Nodes)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"BIOMETRIC_MATCH_THRESHOLD=97.5\nKAFKA_BROKERS=k1:9092,k2:9092\nDEADLINE_DIRECTORY=4s\n"), 0600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 97.5, cfg.Biometric.MatchThreshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4*time.Second, cfg.Deadline.Directory)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"liveness threshold":  func(c *Config) { c.Biometric.LivenessThreshold = 101 },
		"match threshold":     func(c *Config) { c.Biometric.MatchThreshold = -1 },
		"directory > overall": func(c *Config) { c.Deadline.Directory = c.Deadline.Overall + time.Second },
		"no session lifetime": func(c *Config) { c.Session.Lifetime = 0 },
		"production secret":   func(c *Config) { c.Environment = "production" },
		"kms without key":     func(c *Config) { c.KMS.Enabled = true },
		"no publish timeout":  func(c *Config) { c.Events.PublishTimeout = 0 },
		"no overall deadline": func(c *Config) { c.Deadline.Overall = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			require.NoError(t, cfg.Validate())
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidEnvironmentFailsLoad(t *testing.T) {
	noEnvFile(t)
	t.Setenv("DEADLINE_DIRECTORY", "20s")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "directory deadline")
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Biometric:   BiometricConfig{LivenessThreshold: 90, MatchThreshold: 95},
		Deadline:    DeadlineConfig{Overall: 15 * time.Second, Directory: 10 * time.Second},
		Session:     SessionConfig{Lifetime: 10 * time.Minute},
		JWT:         JWTConfig{Secret: "devsecret"},
		Events:      EventsConfig{PublishTimeout: 2 * time.Second},
	}
}
