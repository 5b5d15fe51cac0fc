// Package naming maps request hostnames to decentralized names and resolves
// those names into address and content-hash records.
package naming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wudi/dwebgate/internal/config"
)

// ErrNameNotFound is returned when a name has no resolver or an empty record.
var ErrNameNotFound = errors.New("name not found")

// Resolver looks up the two records a name must carry to be served. The
// calls are independent and may fail independently.
type Resolver interface {
	ResolveAddress(ctx context.Context, name string) ([]byte, error)
	ResolveContentHash(ctx context.Context, name string) ([]byte, error)
}

// New builds the resolver selected by cfg.
func New(cfg config.NamingConfig, client *http.Client) (Resolver, error) {
	switch cfg.Resolver {
	case "ens":
		return NewENSClient(cfg.ENS, client, cfg.Timeout)
	case "static":
		return NewStatic(cfg.Static)
	default:
		return nil, fmt.Errorf("naming: unknown resolver %q", cfg.Resolver)
	}
}

// Static serves records from configuration.
type Static struct {
	records map[string]staticRecord
}

type staticRecord struct {
	address     []byte
	contentHash []byte
}

// NewStatic decodes hex records keyed by name. Names are matched
// case-insensitively.
func NewStatic(records map[string]config.StaticRecord) (*Static, error) {
	s := &Static{records: make(map[string]staticRecord, len(records))}
	for name, rec := range records {
		addr, err := config.DecodeHex(rec.Address)
		if err != nil {
			return nil, fmt.Errorf("naming: static %s address: %w", name, err)
		}
		hash, err := config.DecodeHex(rec.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("naming: static %s content hash: %w", name, err)
		}
		s.records[strings.ToLower(name)] = staticRecord{address: addr, contentHash: hash}
	}
	return s, nil
}

func (s *Static) lookup(ctx context.Context, name string) (staticRecord, error) {
	if err := ctx.Err(); err != nil {
		return staticRecord{}, err
	}
	rec, ok := s.records[strings.ToLower(name)]
	if !ok {
		return staticRecord{}, fmt.Errorf("%w: %s", ErrNameNotFound, name)
	}
	return rec, nil
}

// ResolveAddress implements Resolver.
func (s *Static) ResolveAddress(ctx context.Context, name string) ([]byte, error) {
	rec, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.address...), nil
}

// ResolveContentHash implements Resolver.
func (s *Static) ResolveContentHash(ctx context.Context, name string) ([]byte, error) {
	rec, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.contentHash...), nil
}
