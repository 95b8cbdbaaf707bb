package transport

import (
	"context"
	"io"
	"sync"
)

// Pipe returns two connected in-memory channel ends. Delivery is ordered and
// unbounded; Send never blocks.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab, ba := newFrameQueue(), newFrameQueue()
	return &PipeEnd{in: ba, out: ab}, &PipeEnd{in: ab, out: ba}
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	in, out *frameQueue
}

var _ Channel = (*PipeEnd)(nil)

// Send queues a copy of frame for the other end.
func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.out.push(append([]byte(nil), frame...))
}

func (p *PipeEnd) Recv(ctx context.Context) ([]byte, error) {
	return p.in.pop(ctx)
}

// Close ends both directions: the other end reads the remaining frames and
// then io.EOF, and its sends fail with io.ErrClosedPipe.
func (p *PipeEnd) Close() error {
	p.out.closeWrite()
	p.in.closeRead()
	return nil
}

type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	eof    bool // writer closed
	dead   bool // reader closed
	signal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{signal: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame []byte) error {
	q.mu.Lock()
	if q.eof || q.dead {
		q.mu.Unlock()
		return io.ErrClosedPipe
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *frameQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		switch {
		case q.dead:
			q.mu.Unlock()
			return nil, ErrClosed
		case len(q.frames) > 0:
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, nil
		case q.eof:
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *frameQueue) closeWrite() {
	q.mu.Lock()
	q.eof = true
	q.mu.Unlock()
	q.notify()
}

func (q *frameQueue) closeRead() {
	q.mu.Lock()
	q.dead = true
	q.frames = nil
	q.mu.Unlock()
	q.notify()
}

func (q *frameQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
