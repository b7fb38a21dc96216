package app

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config defines how the chat backend runs. Values come from defaults, an
// optional carechat.yaml in the working directory, and CARECHAT_* environment
// variables, in increasing precedence.
type Config struct {
	Server struct {
		Addr   string `mapstructure:"addr"`
		WSPath string `mapstructure:"ws_path"`
	} `mapstructure:"server"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		TokenTTL  time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Limits struct {
		SendBuffer    int           `mapstructure:"send_buffer"`
		AuthPerMinute int           `mapstructure:"auth_per_minute"`
		MsgsPerWindow int           `mapstructure:"msgs_per_window"`
		MsgWindow     time.Duration `mapstructure:"msg_window"`
	} `mapstructure:"limits"`
	Push struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"push"`
}

// Load reads configuration from defaults, file and environment.
func Load(log *zap.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws/chat")
	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("db.path", DefaultDBPath())
	v.SetDefault("limits.send_buffer", 256)
	v.SetDefault("limits.auth_per_minute", 10)
	v.SetDefault("limits.msgs_per_window", 30)
	v.SetDefault("limits.msg_window", "10s")
	v.SetDefault("push.enabled", true)

	if fileName == "" {
		fileName = "carechat"
	}
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CARECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Warn("config file not found, using defaults and environment",
			zap.String("name", fileName))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Server.WSPath = NormalizeWSPath(cfg.Server.WSPath)
	return &cfg, nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CARECHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("CARECHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "carechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "carechat", "carechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Carechat", "carechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Carechat", "carechat.db")
		}
		return filepath.Join(home, ".local", "share", "carechat", "carechat.db")
	}
	return filepath.Join(".", ".carechat", "carechat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws/chat when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws/chat"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return strings.TrimSuffix(path, "/")
}
