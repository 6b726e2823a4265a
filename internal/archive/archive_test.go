package archive_test

import (
	"context"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob/memblob"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/archive"
)

func TestPageKeyPath(t *testing.T) {
	t.Parallel()

	key := archive.PageKey{Source: "sam", EntityType: "holdings", CorrelationID: "run-1", Skip: 10}
	assert.Equal(t, "bronze/sam/holdings/run-1/10.json.zst", key.Path("bronze"))
}

func TestBlobSink_StoresCompressedPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	bucket := memblob.OpenBucket(nil)
	sink, err := archive.NewBlobSink(bucket, "bronze")
	require.NoError(t, err)

	body := []byte(`[{"cph":"12/345/6789"},{"cph":"12/345/0001"}]`)
	key := archive.PageKey{Source: "sam", EntityType: "holdings", CorrelationID: "run-1", Skip: 0}
	require.NoError(t, sink.Store(ctx, key, body))

	stored, err := bucket.ReadAll(ctx, key.Path("bronze"))
	require.NoError(t, err)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(stored, nil)
	require.NoError(t, err)
	assert.Equal(t, body, raw)

	require.NoError(t, sink.Close())
}

func TestOpen_EmptyURLIsNoop(t *testing.T) {
	t.Parallel()

	sink, err := archive.Open(context.Background(), "", "", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, archive.Noop{}, sink)
	assert.NoError(t, sink.Store(context.Background(), archive.PageKey{}, []byte("x")))
}

func TestOpen_MemBucket(t *testing.T) {
	t.Parallel()

	sink, err := archive.Open(context.Background(), "mem://", "bronze", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &archive.BlobSink{}, sink)
	require.NoError(t, sink.Close())
}
