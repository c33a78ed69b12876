package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, ":8080", cfg.ServerAddr)
	require.Equal(t, 15*time.Second, cfg.ReadTimeout)
	require.Equal(t, 60*time.Second, cfg.IdleTimeout)
	require.Equal(t, 10000, cfg.MaxWSConnections)
	require.Equal(t, 256, cfg.WSSendBufferSize)
	require.Equal(t, 20, cfg.DBMaxConnections())
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("MAX_WS_CONNECTIONS", "42")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/portal")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://portal.hospital.local")

	cfg := Load()
	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, 42, cfg.MaxWSConnections)
	require.Equal(t, "postgres://u:p@db:5432/portal", cfg.DatabaseURL())
	require.Equal(t, "https://portal.hospital.local", cfg.CORSAllowedOrigins)
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("READ_TIMEOUT", "not-a-number")
	cfg := Load()
	require.Equal(t, 15*time.Second, cfg.ReadTimeout)
}
