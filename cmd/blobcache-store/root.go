package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/blobcache/durable"
	zaplog "github.com/unkn0wn-root/blobcache/log/zap"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "blobcache-store",
		Short:         "Durable store for blobcache sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindFlags(root, v)
	root.AddCommand(newServeCmd(v), newResetCmd(v), newStatsCmd(v))
	return root
}

// env is what every subcommand needs once config is resolved.
type env struct {
	cfg   config
	zl    *zap.Logger
	log   zaplog.Logger
	store durable.Store
	rdb   *goredis.Client // nil unless --redis-addr
}

func setup(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (*env, error) {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return nil, err
	}
	zl, err := cfg.logger()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, zl: zl, log: zaplog.New(zl)}

	if cfg.RedisAddr != "" {
		e.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := e.rdb.Ping(ctx).Err(); err != nil {
			_ = e.rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		e.store, err = durable.NewRedisStore(durable.RedisConfig{
			Client:    e.rdb,
			Namespace: cfg.RedisNamespace,
			URLPrefix: cfg.URLPrefix,
		})
	} else {
		e.store, err = durable.NewFileStore(cfg.Dir, cfg.URLPrefix)
	}
	if err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	_ = e.zl.Sync()
}
