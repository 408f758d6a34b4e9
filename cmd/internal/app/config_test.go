package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	req := require.New(t)

	cfg, err := LoadConfig()
	req.NoError(err)

	req.Equal("0.0.0.0:8080", cfg.HTTPAddr)
	req.Equal("info", cfg.LogLevel)
	req.Equal("json", cfg.LogFormat)
	req.Equal(StoreMemory, cfg.Store)
	req.Equal("murmur", cfg.DBSchema)
	req.Equal(int32(10), cfg.DBMaxConns)
	req.Equal(5*time.Second, cfg.TypingTTL)
	req.Equal([]string{"http://localhost", "http://127.0.0.1"}, cfg.WSAllowedOrigins)
	req.True(cfg.WSOriginRequired)
	req.Empty(cfg.JWTSecret)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	req := require.New(t)

	t.Setenv("MURMUR_HTTP_ADDR", "127.0.0.1:9090")
	t.Setenv("MURMUR_LOG_FORMAT", "PRETTY")
	t.Setenv("MURMUR_STORE", "badger")
	t.Setenv("MURMUR_BADGER_PATH", " /var/lib/murmur ")
	t.Setenv("MURMUR_TYPING_TTL", "3s")
	t.Setenv("MURMUR_WS_ALLOWED_ORIGINS", "https://chat.example.com, https://chat.example.com,")
	t.Setenv("MURMUR_CORS_ORIGINS", "https://chat.example.com")
	t.Setenv("MURMUR_WS_RATE_PER_SECOND", "2.5")

	cfg, err := LoadConfig()
	req.NoError(err)

	req.Equal("127.0.0.1:9090", cfg.HTTPAddr)
	req.Equal("pretty", cfg.LogFormat)
	req.Equal(StoreBadger, cfg.Store)
	req.Equal("/var/lib/murmur", cfg.BadgerPath)
	req.Equal(3*time.Second, cfg.TypingTTL)
	req.Equal([]string{"https://chat.example.com"}, cfg.WSAllowedOrigins)
	req.Equal([]string{"https://chat.example.com"}, cfg.CORSAllowedOrigins)

	ws := cfg.WSConfig()
	req.Equal(2.5, ws.RatePerSecond)
	req.Equal(cfg.WSSendQueueSize, ws.SendQueueSize)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]struct {
		env  map[string]string
		want string
	}{
		"postgres without url": {
			env:  map[string]string{"MURMUR_STORE": "postgres"},
			want: "MURMUR_DATABASE_URL",
		},
		"badger without path": {
			env:  map[string]string{"MURMUR_STORE": "badger"},
			want: "MURMUR_BADGER_PATH",
		},
		"unknown store": {
			env:  map[string]string{"MURMUR_STORE": "mongo"},
			want: "MURMUR_STORE",
		},
		"short jwt secret": {
			env:  map[string]string{"MURMUR_JWT_SECRET": "short"},
			want: "MURMUR_JWT_SECRET",
		},
		"heartbeat timeout beyond interval": {
			env:  map[string]string{"MURMUR_WS_HEARTBEAT_INTERVAL": "2s", "MURMUR_WS_HEARTBEAT_TIMEOUT": "5s"},
			want: "MURMUR_WS_HEARTBEAT_TIMEOUT",
		},
		"min conns above max": {
			env:  map[string]string{"MURMUR_DB_MAX_CONNS": "2", "MURMUR_DB_MIN_CONNS": "4"},
			want: "MURMUR_DB_MIN_CONNS",
		},
		"unparsable duration": {
			env:  map[string]string{"MURMUR_TYPING_TTL": "soon"},
			want: "TYPING_TTL",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
