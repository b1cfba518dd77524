package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/correlation"
	"pkt.systems/xacoord/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging. The result also
// implements storage.Copier so server-side copies survive the wrapping.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/xacoord/storage"),
		sys:    sys,
	}
}

type call struct {
	span   trace.Span
	logger pslog.Logger
	begin  time.Time
	op     string
}

func (b *backend) start(ctx context.Context, op, namespace string) (context.Context, *call) {
	ctx, span := b.tracer.Start(ctx, "xacoord.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("xacoord.storage.operation", op),
		attribute.String("xacoord.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("xacoord.correlation_id", corr))
	}
	if namespace != "" {
		logger = logger.With("namespace", namespace)
		span.SetAttributes(attribute.String("xacoord.storage.namespace", namespace))
	}
	return ctx, &call{span: span, logger: logger, begin: time.Now(), op: op}
}

func (c *call) end(err error, kv ...any) {
	defer c.span.End()
	elapsed := time.Since(c.begin)
	c.span.SetAttributes(attribute.Int64("xacoord.storage.duration_ms", elapsed.Milliseconds()))
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, "storage_error")
		c.logger.Debug("storage."+c.op+".error", append(kv, "error", err, "elapsed", elapsed)...)
		return
	}
	c.span.SetStatus(codes.Ok, "")
	c.logger.Debug("storage."+c.op+".success", append(kv, "elapsed", elapsed)...)
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, c := b.start(ctx, "list_objects", namespace)
	c.span.SetAttributes(
		attribute.String("xacoord.storage.prefix", opts.Prefix),
		attribute.Int("xacoord.storage.limit", opts.Limit),
	)
	c.logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, namespace, opts)
	count := 0
	truncated := false
	if result != nil {
		count = len(result.Objects)
		truncated = result.Truncated
	}
	c.end(err, "prefix", opts.Prefix, "count", count, "truncated", truncated)
	return result, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, c := b.start(ctx, "get_object", namespace)
	c.logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, namespace, key)
	etag := ""
	var size int64
	if result.Info != nil {
		etag = result.Info.ETag
		size = result.Info.Size
	}
	c.span.SetAttributes(attribute.Int64("xacoord.storage.object_size", size))
	c.end(err, "key", key, "etag", etag, "size", size)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, c := b.start(ctx, "put_object", namespace)
	c.span.SetAttributes(
		attribute.Bool("xacoord.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("xacoord.storage.if_not_exists", opts.IfNotExists),
	)
	c.logger.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	etag := ""
	if info != nil {
		etag = info.ETag
	}
	c.end(err, "key", key, "etag", etag)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, c := b.start(ctx, "delete_object", namespace)
	c.span.SetAttributes(attribute.Bool("xacoord.storage.ignore_not_found", opts.IgnoreNotFound))
	c.logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	c.end(err, "key", key)
	return err
}

// CopyObject traces the inner backend's copy, or its Get+Put fallback.
func (b *backend) CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	ctx, c := b.start(ctx, "copy_object", namespace)
	c.logger.Trace("storage.copy_object.begin", "src_key", srcKey, "dst_key", dstKey)
	info, err := storage.CopyObject(ctx, b.inner, namespace, srcKey, dstKey, opts)
	c.end(err, "src_key", srcKey, "dst_key", dstKey)
	return info, err
}

func (b *backend) Close() error {
	_, c := b.start(context.Background(), "close", "")
	err := b.inner.Close()
	c.end(err)
	return err
}
