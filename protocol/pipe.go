package protocol

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process channels. Messages sent on one end
// are received on the other, in order. Closing either end closes both.
//
// buf is the per-direction queue length; Send blocks when the queue is full.
func Pipe(buf int) (Channel, Channel) {
	if buf < 0 {
		buf = 0
	}
	ab := make(chan Message, buf)
	ba := make(chan Message, buf)
	p := &pipeShared{done: make(chan struct{})}
	a := &pipeEnd{shared: p, out: ab, in: make(chan Message)}
	b := &pipeEnd{shared: p, out: ba, in: make(chan Message)}
	go a.pump(ba)
	go b.pump(ab)
	return a, b
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	shared *pipeShared
	out    chan Message
	in     chan Message
}

// pump forwards src to the end's receive channel until the pipe closes.
func (e *pipeEnd) pump(src <-chan Message) {
	defer close(e.in)
	for {
		select {
		case m := <-src:
			select {
			case e.in <- m:
			case <-e.shared.done:
				return
			}
		case <-e.shared.done:
			return
		}
	}
}

func (e *pipeEnd) Send(ctx context.Context, m Message) error {
	select {
	case <-e.shared.done:
		return ErrClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd) Receive() <-chan Message { return e.in }

func (e *pipeEnd) Close() error {
	e.shared.once.Do(func() { close(e.shared.done) })
	return nil
}
