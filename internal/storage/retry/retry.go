// Package retry decorates a storage.Backend so transient failures are retried
// with capped exponential backoff. Conditional-write outcomes such as
// storage.ErrCASMismatch are never retried.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/storage"
)

// Config controls retry behaviour. Zero values pick the defaults below; a
// MaxAttempts of one disables retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

const (
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	defaultMultiplier = 2.0
)

func (c Config) withDefaults() Config {
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
	}
	return c
}

// delay returns the wait before the given retry (1-based).
func (c Config) delay(retry int) time.Duration {
	d := float64(c.BaseDelay)
	for range retry - 1 {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return min(time.Duration(d), c.MaxDelay)
}

// Wrap returns a backend that retries transient errors according to cfg.
// The result also implements storage.Copier.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{inner: inner, logger: logger, clock: clk, cfg: cfg.withDefaults()}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (res *storage.ListResult, err error) {
	err = b.do(ctx, "list_objects", namespace, opts.Prefix, func(ctx context.Context) error {
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (res storage.GetObjectResult, err error) {
	err = b.do(ctx, "get_object", namespace, key, func(ctx context.Context) error {
		res, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return res, err
}

// PutObject replays body on every attempt. Seekable bodies are rewound;
// others are buffered once up front.
func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (info *storage.ObjectInfo, err error) {
	next, err := replayable(body, b.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}
	err = b.do(ctx, "put_object", namespace, key, func(ctx context.Context) error {
		r, err := next()
		if err != nil {
			return err
		}
		info, err = b.inner.PutObject(ctx, namespace, key, r, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.do(ctx, "delete_object", namespace, key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

// CopyObject retries the inner backend's copy, or its Get+Put fallback.
func (b *backend) CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (info *storage.ObjectInfo, err error) {
	err = b.do(ctx, "copy_object", namespace, dstKey, func(ctx context.Context) error {
		info, err = storage.CopyObject(ctx, b.inner, namespace, srcKey, dstKey, opts)
		return err
	})
	return info, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func replayable(body io.Reader, attempts int) (func() (io.Reader, error), error) {
	if attempts <= 1 {
		return func() (io.Reader, error) { return body, nil }, nil
	}
	if seeker, ok := body.(io.ReadSeeker); ok {
		start, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("retry: body position: %w", err)
		}
		return func() (io.Reader, error) {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", err)
			}
			return seeker, nil
		}, nil
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: buffer body: %w", err)
	}
	return func() (io.Reader, error) { return bytes.NewReader(payload), nil }, nil
}

func (b *backend) do(ctx context.Context, op, namespace, key string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !storage.IsTransient(err) || attempt >= b.cfg.MaxAttempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		wait := b.cfg.delay(attempt)
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}
