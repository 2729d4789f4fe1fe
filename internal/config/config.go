// Package config decodes the gateway's environment-variable configuration,
// following the same envdecode-struct idiom the teacher backend uses for
// its own service configuration.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// ServiceMode selects which role this process instance plays.
type ServiceMode string

// The three recognised service modes.
const (
	ServiceModeAPI          ServiceMode = "API"
	ServiceModeControlPlane ServiceMode = "CONTROL_PLANE"
	ServiceModeWorker       ServiceMode = "WORKER"
)

// Config holds every environment variable the gateway recognises.
type Config struct {
	Port        int         `env:"PORT,default=8080"`
	ServiceMode ServiceMode `env:"SERVICE_MODE,default=API"`

	DBDirectHost string `env:"DB_DIRECT_HOST,default=localhost"`
	DBDirectPort int    `env:"DB_DIRECT_PORT,default=5432"`
	DBPoolHost   string `env:"DB_POOL_HOST,default=localhost"`
	DBPoolPort   int    `env:"DB_POOL_PORT,default=6543"`
	DBUser       string `env:"DB_USER,default=postgres"`
	DBPass       string `env:"DB_PASS"`

	RedisHost string `env:"REDIS_HOST,default=localhost"`
	RedisPort int    `env:"REDIS_PORT,default=6379"`

	QdrantHost string `env:"QDRANT_HOST"`
	QdrantPort int    `env:"QDRANT_PORT"`

	StorageRoot string `env:"STORAGE_ROOT,default=/var/cascata/storage"`

	SystemJWTSecret string `env:"SYSTEM_JWT_SECRET,required"`
	SysSecret       string `env:"SYS_SECRET,required"`

	MaxActivePools int `env:"MAX_ACTIVE_POOLS,default=500"`
}

// Load decodes the configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch cfg.ServiceMode {
	case ServiceModeAPI, ServiceModeControlPlane, ServiceModeWorker:
	default:
		return nil, fmt.Errorf("config: unknown SERVICE_MODE %q", cfg.ServiceMode)
	}
	return cfg, nil
}

// RedisAddr returns the "host:port" address for the Redis backing store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// DirectDSN returns a connection string for the internal "direct" database
// route (bypassing the external pooler) for the given database name.
func (c *Config) DirectDSN(dbName string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBDirectHost, c.DBDirectPort, c.DBUser, c.DBPass, dbName)
}

// PooledDSN returns a connection string for the internal "pooled" database
// route (through the transaction-mode pooler) for the given database name.
func (c *Config) PooledDSN(dbName string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBPoolHost, c.DBPoolPort, c.DBUser, c.DBPass, dbName)
}
