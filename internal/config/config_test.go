package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 4097, cfg.Port)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 2.0, cfg.RetryFactor)
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("STORE", "memory")
	t.Setenv("WORKER_QUEUES", "agent:shell,agent:claude")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, []string{"agent:shell", "agent:claude"}, cfg.WorkerQueues)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("STORE", "etcd")
	_, err := config.Load()
	require.Error(t, err)

	t.Setenv("STORE", "memory")
	t.Setenv("RETRY_FACTOR", "0.5")
	_, err = config.Load()
	require.Error(t, err)
}
