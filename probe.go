package blobcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// probe answers "is the durable store reachable" once per cache.
//
// The first wait sends an availability check and races the ack against the
// timeout. Every caller, concurrent or later, shares that single result.
// Acks arriving before the probe started or after it settled are ignored.
type probe struct {
	timeout   time.Duration
	send      func(context.Context) error // nil => standalone, always unavailable
	onResolve func(available bool, elapsed time.Duration)
	stop      <-chan struct{}

	once    sync.Once
	started atomic.Bool
	ackOnce sync.Once
	ack     chan struct{}

	done      chan struct{}
	available bool // written once before done is closed
}

func newProbe(timeout time.Duration, send func(context.Context) error, stop <-chan struct{},
	onResolve func(bool, time.Duration)) *probe {
	return &probe{
		timeout:   timeout,
		send:      send,
		stop:      stop,
		onResolve: onResolve,
		ack:       make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// wait starts the probe if needed and blocks until it settles or ctx ends.
// A cancelled ctx yields false for this caller only.
func (p *probe) wait(ctx context.Context) bool {
	p.once.Do(p.start)
	select {
	case <-p.done:
		return p.available
	case <-ctx.Done():
		return false
	}
}

// settled reports the result without starting the probe.
func (p *probe) settled() (available, ok bool) {
	select {
	case <-p.done:
		return p.available, true
	default:
		return false, false
	}
}

func (p *probe) acknowledge() {
	if !p.started.Load() {
		return
	}
	p.ackOnce.Do(func() { close(p.ack) })
}

func (p *probe) start() {
	if p.send == nil {
		p.resolve(false, 0)
		return
	}
	p.started.Store(true)
	go p.run()
}

func (p *probe) run() {
	begin := time.Now()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	err := p.send(ctx)
	cancel()
	if err != nil {
		p.resolve(false, time.Since(begin))
		return
	}

	select {
	case <-p.ack:
		p.resolve(true, time.Since(begin))
	case <-timer.C:
		p.resolve(false, time.Since(begin))
	case <-p.stop:
		p.resolve(false, time.Since(begin))
	}
}

func (p *probe) resolve(available bool, elapsed time.Duration) {
	p.available = available
	close(p.done)
	if p.onResolve != nil {
		p.onResolve(available, elapsed)
	}
}
