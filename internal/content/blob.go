package content

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/contentid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"
)

// BlobStore reads modules mirrored into a gocloud.dev bucket.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBlobStore opens the bucket at cfg.URL.
func OpenBlobStore(ctx context.Context, cfg config.BlobConfig) (*BlobStore, error) {
	b, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("content: open bucket: %w", err)
	}
	return NewBlobStore(b, cfg.Prefix), nil
}

// NewBlobStore wraps an open bucket.
func NewBlobStore(b *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: b, prefix: prefix}
}

// Key returns the object key an identifier is stored under. Identifiers that
// are not valid UTF-8 are hex encoded.
func (s *BlobStore) Key(id contentid.Identifier) string {
	if utf8.ValidString(id.String()) {
		return s.prefix + id.String()
	}
	return s.prefix + "hex/" + hex.EncodeToString(id.Bytes())
}

// Fetch implements Store.
func (s *BlobStore) Fetch(ctx context.Context, id contentid.Identifier) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, s.Key(id), nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.Key(id))
		}
		return nil, err
	}
	return r, nil
}

// Put stores module bytes under id.
func (s *BlobStore) Put(ctx context.Context, id contentid.Identifier, data []byte) error {
	return s.bucket.WriteAll(ctx, s.Key(id), data, &blob.WriterOptions{ContentType: "application/wasm"})
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
