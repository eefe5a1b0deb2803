package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flashdeck/objstore"

// GCS stores card images as objects in a single GCS bucket.
type GCS struct {
	gcs       *storage.Client
	bucket    string
	keyPrefix string
}

type GCSOpt func(*GCS)

// WithKeyPrefix places every object under prefix inside the bucket.
func WithKeyPrefix(prefix string) GCSOpt {
	return func(g *GCS) {
		g.keyPrefix = prefix
	}
}

func NewGCS(gcs *storage.Client, bucket string, opts ...GCSOpt) *GCS {
	g := &GCS{
		gcs:    gcs,
		bucket: bucket,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GCS) objectName(key string) string {
	if g.keyPrefix == "" {
		return key
	}
	return path.Join(g.keyPrefix, key)
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) bool {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "GCS.Put")
	defer span.End()

	span.SetAttributes(attribute.String("key", key), attribute.Int("size", len(data)))

	if err := g.put(ctx, key, data, contentType); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "Error while storing object", slog.String("bucket", g.bucket), slog.String("key", key), slog.Any("err", err))
		return false
	}

	span.SetStatus(codes.Ok, "")
	return true
}

func (g *GCS) put(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.gcs.Bucket(g.bucket).Object(g.objectName(key)).NewWriter(ctx)
	w.ContentType = contentType

	// Card images are small enough to send in one request.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("while writing to object writer: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("while closing object writer: %w", err)
	}

	return nil
}

func (g *GCS) GetStream(ctx context.Context, key string) *Object {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "GCS.GetStream")
	defer span.End()

	span.SetAttributes(attribute.String("key", key))

	r, err := g.gcs.Bucket(g.bucket).Object(g.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "Object does not exist", slog.String("bucket", g.bucket), slog.String("key", key))
		return nil
	}
	if err != nil {
		err := fmt.Errorf("while opening reader for object: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "Error while reading object", slog.String("bucket", g.bucket), slog.String("key", key), slog.Any("err", err))
		return nil
	}

	span.SetStatus(codes.Ok, "")
	return &Object{
		Body:          r,
		ContentType:   r.Attrs.ContentType,
		ContentLength: r.Attrs.Size,
	}
}

func (g *GCS) DeleteMany(ctx context.Context, keys []string) bool {
	tracer := otel.Tracer(tracerName)
	var span trace.Span
	ctx, span = tracer.Start(ctx, "GCS.DeleteMany")
	defer span.End()

	span.SetAttributes(attribute.Int("count", len(keys)))

	ok := deleteEach(ctx, keys, g.deleteOne)
	if !ok {
		span.SetStatus(codes.Error, "one or more deletes failed")
		return false
	}

	span.SetStatus(codes.Ok, "")
	return true
}

func (g *GCS) deleteOne(ctx context.Context, key string) bool {
	err := g.gcs.Bucket(g.bucket).Object(g.objectName(key)).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	slog.ErrorContext(ctx, "Error while deleting object", slog.String("bucket", g.bucket), slog.String("key", key), slog.Any("err", err))
	return false
}
