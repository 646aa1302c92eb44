package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/blobcache/codec"
	"github.com/unkn0wn-root/blobcache/protocol"
)

// config is the resolved view of flags, BLOBCACHE_* env vars and the
// optional YAML file, in that order of precedence.
type config struct {
	Dir            string
	Network        string
	Listen         string
	HTTPListen     string
	URLPrefix      string
	Codec          string
	RedisAddr      string
	RedisNamespace string
	Workers        int
	SendTimeout    time.Duration
	LogLevel       string
	Dev            bool
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (YAML)")
	f.String("dir", ".blobcache", "directory holding persisted blobs")
	f.String("url-prefix", "/__blobcache", "prefix of locations returned to caches")
	f.String("redis-addr", "", "use Redis (store and pub/sub transport) at this address instead of --dir")
	f.String("redis-namespace", "blobcache", "key and topic namespace in Redis")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("dev", false, "human-readable logs")

	for _, name := range []string{"dir", "url-prefix", "redis-addr", "redis-namespace", "log-level", "dev"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	v.SetEnvPrefix("blobcache")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := config{
		Dir:            v.GetString("dir"),
		Network:        v.GetString("network"),
		Listen:         v.GetString("listen"),
		HTTPListen:     v.GetString("http-listen"),
		URLPrefix:      v.GetString("url-prefix"),
		Codec:          v.GetString("codec"),
		RedisAddr:      v.GetString("redis-addr"),
		RedisNamespace: v.GetString("redis-namespace"),
		Workers:        v.GetInt("workers"),
		SendTimeout:    v.GetDuration("send-timeout"),
		LogLevel:       v.GetString("log-level"),
		Dev:            v.GetBool("dev"),
	}
	return c, c.validate()
}

func (c config) validate() error {
	if c.RedisAddr == "" && c.Dir == "" {
		return errors.New("one of --dir or --redis-addr is required")
	}
	switch c.Network {
	case "", "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("unsupported --network %q", c.Network)
	}
	if c.Codec != "" {
		if _, err := codec.ByName[protocol.Message](c.Codec); err != nil {
			return err
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	return nil
}

func (c config) logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
