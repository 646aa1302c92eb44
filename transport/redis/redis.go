// Package redis carries side-channel messages over Redis pub/sub.
//
// Two topics are used per namespace: "<ns>:to-store" and "<ns>:to-cache".
// Caches publish to the first and subscribe to the second; the store does
// the opposite. Several caches may share one store: each sees every reply
// and ignores keys it is not waiting for.
//
// Pub/sub is fire-and-forget. A message published while the peer is not
// subscribed is lost, which the cache already treats as a timeout.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/blobcache"
	"github.com/unkn0wn-root/blobcache/codec"
	"github.com/unkn0wn-root/blobcache/protocol"
)

var ErrNilClient = errors.New("redis transport: nil client")

// Role selects which side of the exchange a Channel plays.
type Role int

const (
	RoleCache Role = iota
	RoleStore
)

const defaultNamespace = "blobcache"

type Options struct {
	Client     goredis.UniversalClient
	Namespace  string                        // "" => "blobcache"
	Role       Role                          // default RoleCache
	Codec      codec.Codec[protocol.Message] // nil => msgpack
	RecvBuffer int                           // 0 => 64
	Logger     blobcache.Logger              // nil => NopLogger
}

// Topics returns the (publish, subscribe) topic names for role in ns.
func Topics(ns string, role Role) (pub, sub string) {
	if ns == "" {
		ns = defaultNamespace
	}
	toStore, toCache := ns+":to-store", ns+":to-cache"
	if role == RoleStore {
		return toCache, toStore
	}
	return toStore, toCache
}

type Channel struct {
	rdb   goredis.UniversalClient
	pub   string
	ps    *goredis.PubSub
	codec codec.Codec[protocol.Message]
	log   blobcache.Logger

	in       chan protocol.Message
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	closeErr error
}

var _ protocol.Channel = (*Channel)(nil)

// New subscribes and waits for Redis to confirm the subscription, so no
// reply published after New returns can be missed.
func New(ctx context.Context, opts Options) (*Channel, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	pub, sub := Topics(opts.Namespace, opts.Role)
	c := &Channel{
		rdb:      opts.Client,
		pub:      pub,
		codec:    opts.Codec,
		log:      opts.Logger,
		in:       make(chan protocol.Message, max(opts.RecvBuffer, 0)),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if opts.RecvBuffer == 0 {
		c.in = make(chan protocol.Message, 64)
	}
	if c.codec == nil {
		c.codec = codec.Msgpack[protocol.Message]{}
	}
	if c.log == nil {
		c.log = blobcache.NopLogger{}
	}

	c.ps = opts.Client.Subscribe(ctx, sub)
	if _, err := c.ps.Receive(ctx); err != nil {
		_ = c.ps.Close()
		return nil, fmt.Errorf("redis transport: subscribe %s: %w", sub, err)
	}
	go c.readLoop(c.ps.Channel())
	return c, nil
}

func (c *Channel) Receive() <-chan protocol.Message { return c.in }

func (c *Channel) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-c.done:
		return protocol.ErrClosed
	default:
	}
	b, err := c.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("redis transport: encode %s: %w", m.Type, err)
	}
	if err := c.rdb.Publish(ctx, c.pub, b).Err(); err != nil {
		return fmt.Errorf("redis transport: publish %s: %w", m.Type, err)
	}
	return nil
}

// Close unsubscribes. The client is left open.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.closeErr = c.ps.Close()
		<-c.readDone
	})
	return c.closeErr
}

func (c *Channel) readLoop(src <-chan *goredis.Message) {
	defer close(c.readDone)
	defer close(c.in)
	for {
		select {
		case rm, ok := <-src:
			if !ok {
				return
			}
			m, err := c.codec.Decode([]byte(rm.Payload))
			if err != nil || !m.Type.Valid() {
				c.log.Warn("dropping undecodable pub/sub message", blobcache.Fields{"topic": rm.Channel, "err": err})
				continue
			}
			select {
			case c.in <- m:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}
