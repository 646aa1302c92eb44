package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/blobcache"
	"github.com/unkn0wn-root/blobcache/codec"
	"github.com/unkn0wn-root/blobcache/durable"
	"github.com/unkn0wn-root/blobcache/protocol"
	"github.com/unkn0wn-root/blobcache/transport/conn"
	redistransport "github.com/unkn0wn-root/blobcache/transport/redis"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept cache connections and persist their uploads",
		Example: "  blobcache-store serve --dir .blobcache --listen 127.0.0.1:7355\n" +
			"  blobcache-store serve --network unix --listen /tmp/blobcache.sock --http-listen :8081\n" +
			"  blobcache-store serve --redis-addr localhost:6379",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := setup(ctx, cmd, v)
			if err != nil {
				return err
			}
			defer e.close()
			return serve(ctx, e)
		},
	}
	f := cmd.Flags()
	f.String("network", "tcp", "tcp, tcp4, tcp6 or unix")
	f.String("listen", "127.0.0.1:7355", "address (or socket path) caches connect to")
	f.String("http-listen", "", "also serve stored blobs over HTTP at --url-prefix")
	f.String("codec", "msgpack", "message codec: msgpack, json, cbor or protostruct")
	f.Int("workers", 4, "concurrent requests per connection")
	f.Duration("send-timeout", 5*time.Second, "bound on each reply write")
	for _, name := range []string{"network", "listen", "http-listen", "codec", "workers", "send-timeout"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func serve(ctx context.Context, e *env) error {
	c, err := codec.ByName[protocol.Message](e.cfg.Codec)
	if err != nil {
		return err
	}
	srv := durable.NewServer(e.store, durable.ServerOptions{
		Logger:      e.log,
		Workers:     e.cfg.Workers,
		SendTimeout: e.cfg.SendTimeout,
	})

	g, ctx := errgroup.WithContext(ctx)
	if e.rdb != nil {
		ch, err := redistransport.New(ctx, redistransport.Options{
			Client:    e.rdb,
			Namespace: e.cfg.RedisNamespace,
			Role:      redistransport.RoleStore,
			Codec:     c,
			Logger:    e.log,
		})
		if err != nil {
			return err
		}
		defer ch.Close()
		e.log.Info("serving over redis pub/sub", blobcache.Fields{"addr": e.cfg.RedisAddr, "namespace": e.cfg.RedisNamespace})
		g.Go(func() error { return ignoreCanceled(srv.Serve(ctx, ch)) })
	} else {
		ln, err := listen(e.cfg.Network, e.cfg.Listen)
		if err != nil {
			return err
		}
		e.log.Info("listening", blobcache.Fields{"network": e.cfg.Network, "addr": ln.Addr().String(), "dir": e.cfg.Dir})
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error { return accept(ctx, ln, srv, c, e.log) })
	}

	if e.cfg.HTTPListen != "" {
		var h http.Handler
		switch s := e.store.(type) {
		case *durable.FileStore:
			h = blobHandler(e.cfg.URLPrefix, s.Dir())
		case *durable.RedisStore:
			h = redisBlobHandler(e.cfg.URLPrefix, s)
		default:
			return fmt.Errorf("--http-listen: cannot serve blobs from %T", e.store)
		}
		hs := &http.Server{
			Addr:              e.cfg.HTTPListen,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			e.log.Info("serving blobs over http", blobcache.Fields{"addr": e.cfg.HTTPListen, "prefix": e.cfg.URLPrefix})
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		// a stale socket from a crashed run blocks bind
		if _, err := os.Stat(addr); err == nil {
			_ = os.Remove(addr)
		}
	}
	return net.Listen(network, addr)
}

// accept serves each connection on its own goroutine until ctx ends.
func accept(ctx context.Context, ln net.Listener, srv *durable.Server, c codec.Codec[protocol.Message], log blobcache.Logger) error {
	var conns errgroup.Group
	defer conns.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		ch, err := conn.New(nc, conn.Options{Codec: c, Logger: log})
		if err != nil {
			_ = nc.Close()
			log.Warn("connection setup failed", blobcache.Fields{"remote": nc.RemoteAddr().String(), "err": err})
			continue
		}
		remote := nc.RemoteAddr().String()
		log.Debug("cache connected", blobcache.Fields{"remote": remote})
		conns.Go(func() error {
			defer ch.Close()
			err := srv.Serve(ctx, ch)
			log.Debug("cache disconnected", blobcache.Fields{"remote": remote})
			return ignoreCanceled(err)
		})
	}
}

// blobHandler serves <prefix>/<file> from dir; sidecars and dotfiles are
// hidden.
func blobHandler(prefix, dir string) http.Handler {
	prefix = strings.TrimRight(prefix, "/")
	files := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, prefix+"/")
		if name == r.URL.Path || name == "" || strings.Contains(name, "/") ||
			strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".meta.json") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// redisBlobHandler serves <prefix>/<key>.<ext> from a RedisStore. Only the
// exact file name recorded for key resolves.
func redisBlobHandler(prefix string, s *durable.RedisStore) http.Handler {
	prefix = strings.TrimRight(prefix, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, prefix+"/")
		if name == r.URL.Path || name == "" || strings.Contains(name, "/") {
			http.NotFound(w, r)
			return
		}
		key, _, _ := strings.Cut(name, ".")
		rec, ok, err := s.Lookup(r.Context(), key)
		switch {
		case errors.Is(err, durable.ErrInvalidKey), err == nil && !ok:
			http.NotFound(w, r)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if path.Base(rec.Location) != name {
			http.NotFound(w, r)
			return
		}
		b, ok, err := s.Content(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if mt, _ := rec.Metadata[durable.FieldMimeType].(string); mt != "" {
			w.Header().Set("Content-Type", mt)
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(b))
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
