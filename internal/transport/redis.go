package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisPrefix = "trickle:"
	DefaultRedisTTL    = 10 * time.Minute

	redisBlock     = time.Second
	redisBatch     = 64
	fieldFrame     = "frame"
	fieldEOF       = "eof"
	closeWriteTime = 2 * time.Second
)

// RedisOptions configures a RedisStream.
type RedisOptions struct {
	// Prefix is prepended to every stream key.
	Prefix string
	// TTL is refreshed on the outbound stream at every write.
	TTL time.Duration
}

// RedisStream is a Channel over two Redis streams, one per direction:
// <prefix><session>:<role>. Each side appends to the peer's stream and reads
// its own from the beginning, so frames sent before this side joined are
// not lost.
type RedisStream struct {
	client redis.UniversalClient
	ttl    time.Duration

	sendKey string
	recvKey string

	// Recv state; Recv is single-reader.
	lastID  string
	pending [][]byte
	eof     bool

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Channel = (*RedisStream)(nil)

// StreamKey returns the key of the stream read by role in session.
func StreamKey(prefix, session, role string) string {
	return prefix + session + ":" + role
}

// NewRedisStream joins session as self; peer names the other role.
func NewRedisStream(client redis.UniversalClient, session, self, peer string, opts RedisOptions) *RedisStream {
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultRedisTTL
	}

	return &RedisStream{
		client:  client,
		ttl:     opts.TTL,
		sendKey: StreamKey(opts.Prefix, session, peer),
		recvKey: StreamKey(opts.Prefix, session, self),
		lastID:  "0",
		closed:  make(chan struct{}),
	}
}

// Send appends frame to the peer's stream.
func (r *RedisStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	return r.append(ctx, fieldFrame, string(frame))
}

func (r *RedisStream) append(ctx context.Context, field, value string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: r.sendKey,
			Values: map[string]interface{}{field: value},
		})
		p.Expire(ctx, r.sendKey, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.sendKey, err)
	}
	return nil
}

// Recv returns the next frame from our stream, polling with a blocking
// XREAD until one arrives, the peer closes or ctx ends.
func (r *RedisStream) Recv(ctx context.Context) ([]byte, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return nil, io.EOF
		}
		select {
		case <-r.closed:
			return nil, ErrClosed
		default:
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.recvKey, r.lastID},
			Count:   redisBatch,
			Block:   redisBlock,
		}).Result()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("xread %s: %w", r.recvKey, err)
		}

		for _, s := range streams {
			frames, eof, lastID, err := decodeEntries(s.Messages)
			if err != nil {
				return nil, fmt.Errorf("stream %s: %w", r.recvKey, err)
			}
			if lastID != "" {
				r.lastID = lastID
			}
			r.pending = append(r.pending, frames...)
			r.eof = r.eof || eof
		}
	}

	frame := r.pending[0]
	r.pending = r.pending[1:]
	return frame, nil
}

// Close appends an end-of-stream marker for the peer.
func (r *RedisStream) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)

		ctx, cancel := context.WithTimeout(context.Background(), closeWriteTime)
		defer cancel()
		err = r.append(ctx, fieldEOF, "1")
	})
	return err
}

// decodeEntries extracts frames in stream order up to the first end marker.
// Entries after the marker are ignored.
func decodeEntries(msgs []redis.XMessage) (frames [][]byte, eof bool, lastID string, err error) {
	for _, m := range msgs {
		lastID = m.ID
		if _, ok := m.Values[fieldEOF]; ok {
			return frames, true, lastID, nil
		}

		v, ok := m.Values[fieldFrame]
		if !ok {
			return frames, false, lastID, fmt.Errorf("entry %s has no %q field", m.ID, fieldFrame)
		}
		s, ok := v.(string)
		if !ok {
			return frames, false, lastID, fmt.Errorf("entry %s: unexpected %T frame", m.ID, v)
		}
		frames = append(frames, []byte(s))
	}
	return frames, false, lastID, nil
}
