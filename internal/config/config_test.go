package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DH_ROTATION_INTERVAL", "CACHE_WINDOW", "SESSION_TTL",
		"LOCK_TIMEOUT", "OPK_COUNT", "PBKDF2_ITERATIONS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.EqualValues(t, DefaultDHRotationInterval, cfg.DHRotationInterval)
	require.Equal(t, DefaultCacheWindow, cfg.CacheWindow)
	require.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	require.Equal(t, DefaultLockTimeout, cfg.LockTimeout)
	require.Equal(t, DefaultOPKCount, cfg.OPKCount)
	require.Equal(t, DefaultPBKDF2Iterations, cfg.PBKDF2Iterations)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DH_ROTATION_INTERVAL", "20")
	t.Setenv("CACHE_WINDOW", "500")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("LOCK_TIMEOUT", "2s")
	t.Setenv("OPK_COUNT", "50")
	t.Setenv("PBKDF2_ITERATIONS", "200000")

	cfg := Load()
	require.EqualValues(t, 20, cfg.DHRotationInterval)
	require.Equal(t, 500, cfg.CacheWindow)
	require.Equal(t, time.Hour, cfg.SessionTTL)
	require.Equal(t, 2*time.Second, cfg.LockTimeout)
	require.Equal(t, 50, cfg.OPKCount)
	require.Equal(t, 200000, cfg.PBKDF2Iterations)
}

func TestValidateRejectsBadPBKDF2Iterations(t *testing.T) {
	err := validate(&Config{
		DHRotationInterval: 10,
		CacheWindow:        1000,
		SessionTTL:         time.Hour,
		LockTimeout:        time.Second,
		OPKCount:           10,
		PBKDF2Iterations:   10,
	})
	require.Error(t, err)
}
