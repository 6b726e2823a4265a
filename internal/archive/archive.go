// Package archive stores raw source pages in object storage before they are
// turned into change messages.
package archive

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// PageKey addresses one archived page.
type PageKey struct {
	Source        string
	EntityType    string
	CorrelationID string
	Skip          int
}

// Path returns the object key for k under prefix.
func (k PageKey) Path(prefix string) string {
	return path.Join(prefix, k.Source, k.EntityType, k.CorrelationID, strconv.Itoa(k.Skip)+".json.zst")
}

// Sink stores raw pages.
type Sink interface {
	Store(ctx context.Context, key PageKey, body []byte) error
	Close() error
}

// Open returns a blob-backed sink for bucketURL, or a no-op sink when bucketURL is empty.
func Open(ctx context.Context, bucketURL, prefix string, logger *zap.Logger) (Sink, error) {
	if bucketURL == "" {
		logger.Info("Page archive disabled")
		return Noop{}, nil
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("archive: open bucket %s: %w", bucketURL, err)
	}
	sink, err := NewBlobSink(bucket, prefix)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	logger.Info("Page archive enabled", zap.String("bucket", bucketURL), zap.String("prefix", prefix))
	return sink, nil
}

// BlobSink writes zstd-compressed pages to a bucket.
type BlobSink struct {
	bucket  *blob.Bucket
	prefix  string
	encoder *zstd.Encoder
}

// NewBlobSink wraps an open bucket. The sink owns the bucket and closes it on Close.
func NewBlobSink(bucket *blob.Bucket, prefix string) (*BlobSink, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("archive: create zstd encoder: %w", err)
	}
	return &BlobSink{bucket: bucket, prefix: prefix, encoder: enc}, nil
}

func (s *BlobSink) Store(ctx context.Context, key PageKey, body []byte) error {
	p := key.Path(s.prefix)
	compressed := s.encoder.EncodeAll(body, nil)
	err := s.bucket.WriteAll(ctx, p, compressed, &blob.WriterOptions{
		ContentType:     "application/json",
		ContentEncoding: "zstd",
	})
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", p, err)
	}
	return nil
}

func (s *BlobSink) Close() error {
	s.encoder.Close()
	return s.bucket.Close()
}

// Noop discards pages.
type Noop struct{}

func (Noop) Store(context.Context, PageKey, []byte) error { return nil }
func (Noop) Close() error                                 { return nil }
