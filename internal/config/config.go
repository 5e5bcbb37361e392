// Package config loads the tunables that govern ratchet cadence, message
// key caching, session lifetime, and OPAQUE password stretching, narrowing
// internal/config/config.go's loadEnvFiles/getEnv/getEnvInt64 cascading
// .env loader (there: server/Redis/Postgres/Minio endpoints) to the core's
// own small tunable set.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the protocol core reads at startup. Values
// are taken from the environment, falling back to the defaults below.
type Config struct {
	// DHRotationInterval is how many prepare_send calls occur between
	// sender-side DH ratchet steps.
	DHRotationInterval uint32

	// CacheWindow bounds how many skipped message keys a chain retains
	// for out-of-order delivery before the oldest are pruned.
	CacheWindow int

	// SessionTTL is how long a session survives after its creation
	// before it expires and the reaper may remove it.
	SessionTTL time.Duration

	// LockTimeout bounds how long a session's timed mutex waits to
	// acquire before returning ErrLockTimeout.
	LockTimeout time.Duration

	// OPKCount is the one-time pre-key count for a fresh identity bundle.
	// identity.Generate takes its count as a parameter and does not read
	// this field.
	OPKCount int

	// PBKDF2Iterations is the OPAQUE password-stretching work factor.
	PBKDF2Iterations int
}

// Defaults mirror spec.md's stated constants.
const (
	DefaultDHRotationInterval = 10
	DefaultCacheWindow        = 1000
	DefaultSessionTTL         = 24 * time.Hour
	DefaultLockTimeout        = 5 * time.Second
	DefaultOPKCount           = 100
	DefaultPBKDF2Iterations   = 100_000
)

// loadEnvFiles loads environment files in the order .env, .env.{NODE_ENV},
// .env.local; a missing file is not an error. A variable that is already
// set, in the process environment or by an earlier file, is never replaced,
// so the first source to set a variable wins.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads the core's tunables from the environment, falling back to
// spec defaults. A value that does not parse also falls back to its
// default; a parsed value that fails validation stops the process via
// log.Fatalf.
func Load() *Config {
	loadEnvFiles()

	cfg := &Config{
		DHRotationInterval: uint32(getEnvInt64("DH_ROTATION_INTERVAL", DefaultDHRotationInterval)),
		CacheWindow:        int(getEnvInt64("CACHE_WINDOW", DefaultCacheWindow)),
		SessionTTL:         getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		LockTimeout:        getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		OPKCount:           int(getEnvInt64("OPK_COUNT", DefaultOPKCount)),
		PBKDF2Iterations:   int(getEnvInt64("PBKDF2_ITERATIONS", DefaultPBKDF2Iterations)),
	}

	if err := validate(cfg); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}
	return cfg
}

func validate(cfg *Config) error {
	if cfg.DHRotationInterval == 0 {
		return fmt.Errorf("DH_ROTATION_INTERVAL must be positive")
	}
	if cfg.CacheWindow <= 0 {
		return fmt.Errorf("CACHE_WINDOW must be positive")
	}
	if cfg.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if cfg.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if cfg.OPKCount <= 0 {
		return fmt.Errorf("OPK_COUNT must be positive")
	}
	if cfg.PBKDF2Iterations < 1000 {
		return fmt.Errorf("PBKDF2_ITERATIONS must be at least 1000")
	}
	return nil
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
