// Package wsconfig loads the listen address, resource limits, and log
// level shared by wsreactor's cmd/ binaries through viper, the way
// tokmz-qi/pkg/config loads its own service configuration.
package wsconfig

import (
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coregx/wsreactor/websocket"
)

// Config is the subset of wsreactor.Options a deployment is expected to
// tune, plus the transport and logging settings the library itself has no
// opinion on.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Backlog    int    `mapstructure:"backlog"`
	LogLevel   string `mapstructure:"log_level"`

	MaxHandshakeBytes int `mapstructure:"max_handshake_bytes"`
	MaxFramePayload   int `mapstructure:"max_frame_payload"`
	MaxMessageBytes   int `mapstructure:"max_message_bytes"`
	FragmentSize      int `mapstructure:"fragment_size"`
}

// Options translates Config into a websocket.Options.
func (c Config) Options() websocket.Options {
	return websocket.Options{
		MaxHandshakeBytes: c.MaxHandshakeBytes,
		MaxFramePayload:   c.MaxFramePayload,
		MaxMessageBytes:   c.MaxMessageBytes,
		FragmentSize:      c.FragmentSize,
	}
}

// Load reads configuration from configFile if it is non-empty, otherwise
// from a wsreactor.{yaml,json,toml} in the working directory (if present),
// with WSREACTOR_-prefixed environment variables taking priority over the
// file, all layered over defaults matching websocket.DefaultOptions.
func Load(configFile string) (Config, error) {
	v := viper.New()

	def := websocket.DefaultOptions()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("backlog", 128)
	v.SetDefault("log_level", "info")
	v.SetDefault("max_handshake_bytes", def.MaxHandshakeBytes)
	v.SetDefault("max_frame_payload", def.MaxFramePayload)
	v.SetDefault("max_message_bytes", def.MaxMessageBytes)
	v.SetDefault("fragment_size", def.FragmentSize)

	v.SetEnvPrefix("wsreactor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("wsreactor")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds a zap.Logger at the given level name
// ("debug"/"info"/"warn"/"error"; an unknown name falls back to info),
// using zap's JSON-encoded production config, which logs to stderr, with
// ISO8601 timestamps.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
