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

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Admission.Enabled)
	assert.Equal(t, 5, cfg.Admission.DefaultLimit)
	assert.Equal(t, "reject", cfg.Admission.OverflowAction)
	assert.False(t, cfg.Admission.FailOpen)
	assert.Equal(t, 2*time.Second, cfg.Admission.Timeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLGATE_SERVER_PORT", "9090")
	t.Setenv("CALLGATE_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CALLGATE_ADMISSION_DEFAULT_LIMIT", "2")
	t.Setenv("CALLGATE_ADMISSION_OVERFLOW_ACTION", "terminate_oldest")
	t.Setenv("CALLGATE_ADMISSION_FAIL_OPEN", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Admission.DefaultLimit)
	assert.Equal(t, "terminate_oldest", cfg.Admission.OverflowAction)
	assert.True(t, cfg.Admission.FailOpen)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("CALLGATE_ADMISSION_OVERFLOW_ACTION", "explode")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Server:    ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Redis:     RedisConfig{Enabled: true, Addr: "localhost:6379"},
		Admission: AdmissionConfig{Enabled: true, DefaultLimit: 5, OverflowAction: "reject", Timeout: time.Second},
	}
	require.NoError(t, valid.Validate())

	negative := valid
	negative.Admission.DefaultLimit = -1
	assert.Error(t, negative.Validate())

	unlimited := valid
	unlimited.Admission.DefaultLimit = 0
	assert.NoError(t, unlimited.Validate(), "zero means unlimited and is valid")

	badAction := valid
	badAction.Admission.OverflowAction = "drop"
	assert.Error(t, badAction.Validate())

	noTimeout := valid
	noTimeout.Admission.Timeout = 0
	assert.Error(t, noTimeout.Validate())

	noAddr := valid
	noAddr.Redis.Addr = ""
	assert.Error(t, noAddr.Validate())
}
