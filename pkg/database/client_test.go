package database

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	}

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "defaults",
			envVars: map[string]string{"DB_PASSWORD": "test"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 5432, cfg.Port)
				assert.Equal(t, "vespid", cfg.User)
				assert.Equal(t, "vespid", cfg.Database)
				assert.Equal(t, "disable", cfg.SSLMode)
				assert.Equal(t, 10, cfg.MaxOpenConns)
				assert.Equal(t, 5, cfg.MaxIdleConns)
				assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"DB_HOST":           "db.example.com",
				"DB_PORT":           "5433",
				"DB_USER":           "admin",
				"DB_PASSWORD":       "secret",
				"DB_NAME":           "production",
				"DB_SSLMODE":        "require",
				"DB_MAX_OPEN_CONNS": "50",
				"DB_MAX_IDLE_CONNS": "20",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "db.example.com", cfg.Host)
				assert.Equal(t, 5433, cfg.Port)
				assert.Equal(t, "admin", cfg.User)
				assert.Equal(t, "production", cfg.Database)
				assert.Equal(t, "require", cfg.SSLMode)
				assert.Equal(t, 50, cfg.MaxOpenConns)
				assert.Equal(t, 20, cfg.MaxIdleConns)
			},
		},
		{
			name:    "invalid port",
			envVars: map[string]string{"DB_PORT": "invalid", "DB_PASSWORD": "test"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				os.Unsetenv(key)
			}
			for key, val := range tt.envVars {
				os.Setenv(key, val)
			}
			t.Cleanup(func() {
				for _, key := range envKeys {
					os.Unsetenv(key)
				}
			})

			cfg, err := LoadConfigFromEnv()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host:     "localhost",
		Port:     5432,
		User:     "vespid",
		Password: "pw",
		Database: "vespid",
		SSLMode:  "disable",
	}

	dsn := cfg.DSN()
	assert.Equal(t, "host=localhost port=5432 user=vespid password=pw dbname=vespid sslmode=disable", dsn)
}
