// Package content fetches module bytes from a content-addressed store.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/contentid"
)

// ErrNotFound is returned when the store has no object for an identifier.
var ErrNotFound = errors.New("content not found")

// Store streams the bytes stored under an identifier. Callers close the
// returned reader.
type Store interface {
	Fetch(ctx context.Context, id contentid.Identifier) (io.ReadCloser, error)
}

// New builds the store selected by cfg.
func New(ctx context.Context, cfg config.ContentConfig, client *http.Client) (Store, error) {
	switch cfg.Backend {
	case "ipfs":
		return NewIPFSStore(cfg.IPFS, client)
	case "blob":
		return OpenBlobStore(ctx, cfg.Blob)
	default:
		return nil, fmt.Errorf("content: unknown backend %q", cfg.Backend)
	}
}
