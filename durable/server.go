package durable

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/blobcache"
	"github.com/unkn0wn-root/blobcache/protocol"
)

type ServerOptions struct {
	Logger  blobcache.Logger // nil => NopLogger
	Workers int              // concurrent requests per channel; 0 => 4
	// SendTimeout bounds each reply. 0 => 5s.
	SendTimeout time.Duration
}

// Server answers the side-channel protocol on behalf of a Store.
type Server struct {
	store       Store
	log         blobcache.Logger
	workers     int
	sendTimeout time.Duration
}

func NewServer(store Store, opts ServerOptions) *Server {
	s := &Server{
		store:       store,
		log:         opts.Logger,
		workers:     opts.Workers,
		sendTimeout: opts.SendTimeout,
	}
	if s.log == nil {
		s.log = blobcache.NopLogger{}
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = 5 * time.Second
	}
	return s
}

// Serve handles messages from ch until ch closes or ctx ends. Requests are
// handled concurrently; replies carry the request key for correlation.
// Serve does not close ch.
func (s *Server) Serve(ctx context.Context, ch protocol.Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	var err error
loop:
	for {
		select {
		case m, ok := <-ch.Receive():
			if !ok {
				break loop
			}
			g.Go(func() error {
				reply, ok := s.Handle(gctx, m)
				if !ok {
					return nil
				}
				sctx, cancel := context.WithTimeout(gctx, s.sendTimeout)
				defer cancel()
				if err := ch.Send(sctx, reply); err != nil && !errors.Is(err, protocol.ErrClosed) {
					s.log.Warn("reply failed", blobcache.Fields{"msg": reply.String(), "err": err})
				}
				return nil
			})
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}
	_ = g.Wait()
	return err
}

// Handle answers one message. ok is false for messages that get no reply.
func (s *Server) Handle(ctx context.Context, m protocol.Message) (reply protocol.Message, ok bool) {
	switch m.Type {
	case protocol.TypeAvailabilityCheck:
		return protocol.Message{Type: protocol.TypeAvailabilityAck}, true

	case protocol.TypeLookup:
		rec, found, err := s.store.Lookup(ctx, m.Key)
		switch {
		case err != nil:
			s.log.Warn("lookup failed", blobcache.Fields{"key": m.Key, "err": err})
			reply = m.Reply(protocol.TypeLookupError)
			reply.Error = err.Error()
		case !found:
			reply = m.Reply(protocol.TypeNotFound)
		default:
			reply = m.Reply(protocol.TypeFound)
			reply.Location = rec.Location
			reply.Metadata = rec.Metadata
		}
		return reply, true

	case protocol.TypeUpload:
		start := time.Now()
		rec, err := s.store.Put(ctx, Upload{Key: m.Key, Content: m.Content, MimeType: m.MimeType, Metadata: m.Metadata})
		if err != nil {
			s.log.Error("upload failed", blobcache.Fields{"key": m.Key, "err": err})
			reply = m.Reply(protocol.TypeUploadError)
			reply.Error = err.Error()
			return reply, true
		}
		s.log.Info("blob stored", blobcache.Fields{
			"key":      m.Key,
			"location": rec.Location,
			"size":     humanize.Bytes(uint64(len(m.Content))),
			"took":     time.Since(start).Round(time.Microsecond),
		})
		reply = m.Reply(protocol.TypeUploadOK)
		reply.Location = rec.Location
		reply.Metadata = rec.Metadata
		return reply, true

	case protocol.TypeReset:
		if err := s.store.Reset(ctx); err != nil {
			s.log.Error("reset failed", blobcache.Fields{"err": err})
			return protocol.Message{Type: protocol.TypeResetError, Error: err.Error()}, true
		}
		s.log.Info("store reset", nil)
		return protocol.Message{Type: protocol.TypeResetOK}, true

	default:
		s.log.Debug("ignoring message", blobcache.Fields{"msg": m.String()})
		return protocol.Message{}, false
	}
}
