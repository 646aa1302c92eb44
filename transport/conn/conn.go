// Package conn carries side-channel messages over a net.Conn (TCP or unix
// socket) using the blobcache frame format.
//
// Each message is one frame whose kind byte is the message type code and
// whose payload is the codec-encoded message. Payloads at or above
// CompressAbove bytes are zstd-compressed.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/unkn0wn-root/blobcache"
	"github.com/unkn0wn-root/blobcache/codec"
	"github.com/unkn0wn-root/blobcache/internal/wire"
	"github.com/unkn0wn-root/blobcache/protocol"
)

const (
	defaultCompressAbove = 64 << 10
	defaultMaxFrame      = 256 << 20
	defaultRecvBuffer    = 64
)

type Options struct {
	Codec         codec.Codec[protocol.Message] // nil => msgpack
	CompressAbove int                           // 0 => 64 KiB; < 0 disables compression
	MaxFrame      int                           // 0 => 256 MiB; bounds decoded payloads too
	RecvBuffer    int                           // 0 => 64
	Logger        blobcache.Logger              // nil => NopLogger
}

// Channel implements protocol.Channel over a net.Conn. Send is safe for
// concurrent use; frames are never interleaved.
type Channel struct {
	conn          net.Conn
	codec         codec.Codec[protocol.Message]
	enc           *zstd.Encoder
	dec           *zstd.Decoder
	compressAbove int
	maxFrame      int
	log           blobcache.Logger

	wmu      sync.Mutex
	in       chan protocol.Message
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	closeErr error
}

var _ protocol.Channel = (*Channel)(nil)

// Dial connects to a collaborator listening on network/addr.
func Dial(ctx context.Context, network, addr string, opts Options) (*Channel, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s %s: %w", network, addr, err)
	}
	ch, err := New(c, opts)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return ch, nil
}

// New wraps c and starts reading. The Channel owns c.
func New(c net.Conn, opts Options) (*Channel, error) {
	ch := &Channel{
		conn:          c,
		compressAbove: opts.CompressAbove,
		maxFrame:      opts.MaxFrame,
		log:           opts.Logger,
		in:            make(chan protocol.Message, max(opts.RecvBuffer, 0)),
		done:          make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	if ch.compressAbove == 0 {
		ch.compressAbove = defaultCompressAbove
	}
	if ch.maxFrame <= 0 {
		ch.maxFrame = defaultMaxFrame
	}
	if opts.RecvBuffer == 0 {
		ch.in = make(chan protocol.Message, defaultRecvBuffer)
	}
	if ch.log == nil {
		ch.log = blobcache.NopLogger{}
	}

	inner := opts.Codec
	if inner == nil {
		inner = codec.Msgpack[protocol.Message]{}
	}
	ch.codec = codec.LimitCodec[protocol.Message]{Inner: inner, MaxDecode: ch.maxFrame}

	var err error
	ch.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("conn: zstd encoder: %w", err)
	}
	ch.dec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(ch.maxFrame)))
	if err != nil {
		ch.enc.Close()
		return nil, fmt.Errorf("conn: zstd decoder: %w", err)
	}

	go ch.readLoop()
	return ch, nil
}

func (ch *Channel) Receive() <-chan protocol.Message { return ch.in }

// Send writes m as one frame. ctx's deadline, if any, bounds the write.
func (ch *Channel) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-ch.done:
		return protocol.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := m.Type.Code()
	if kind == 0 {
		return fmt.Errorf("conn: unknown message type %q", m.Type)
	}
	payload, err := ch.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("conn: encode %s: %w", m.Type, err)
	}
	f := wire.Frame{Kind: kind, Payload: payload}
	if ch.compressAbove > 0 && len(payload) >= ch.compressAbove {
		f.Payload = ch.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		f.Flags |= wire.FlagZstd
	}
	if len(f.Payload) > ch.maxFrame {
		return fmt.Errorf("conn: send %s: %w", m.Type, wire.ErrTooLarge)
	}

	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = ch.conn.SetWriteDeadline(dl)
		defer ch.conn.SetWriteDeadline(time.Time{})
	}
	if err := wire.Write(ch.conn, f); err != nil {
		if ch.isClosed() {
			return protocol.ErrClosed
		}
		return fmt.Errorf("conn: send %s: %w", m.Type, err)
	}
	return nil
}

func (ch *Channel) Close() error {
	ch.once.Do(func() {
		close(ch.done)
		ch.closeErr = ch.conn.Close()
		<-ch.readDone
		ch.enc.Close()
		ch.dec.Close()
	})
	return ch.closeErr
}

func (ch *Channel) isClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// readLoop delivers inbound messages until the peer hangs up or a frame
// is corrupt. A payload that fails to decode is skipped.
func (ch *Channel) readLoop() {
	defer close(ch.readDone)
	defer close(ch.in)
	// a peer hangup closes the channel too
	defer func() { go ch.Close() }()

	for {
		f, err := wire.Read(ch.conn, ch.maxFrame)
		if err != nil {
			if !ch.isClosed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				ch.log.Warn("side channel read failed", blobcache.Fields{"remote": ch.remote(), "err": err})
			}
			return
		}
		m, err := ch.decode(f)
		if err != nil {
			ch.log.Warn("dropping undecodable frame", blobcache.Fields{"remote": ch.remote(), "kind": f.Kind, "err": err})
			continue
		}
		select {
		case ch.in <- m:
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) decode(f wire.Frame) (protocol.Message, error) {
	payload := f.Payload
	if f.Compressed() {
		var err error
		payload, err = ch.dec.DecodeAll(payload, nil)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("zstd: %w", err)
		}
	}
	m, err := ch.codec.Decode(payload)
	if err != nil {
		return protocol.Message{}, err
	}
	if m.Type.Code() != f.Kind {
		return protocol.Message{}, fmt.Errorf("frame kind %d does not match message type %q", f.Kind, m.Type)
	}
	return m, nil
}

func (ch *Channel) remote() string {
	if a := ch.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
