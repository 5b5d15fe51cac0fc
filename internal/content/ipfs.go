package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/tidwall/gjson"
	"github.com/wudi/dwebgate/internal/circuitbreaker"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/contentid"
	"github.com/wudi/dwebgate/internal/retry"
)

// IPFSStore reads objects through the Kubo HTTP RPC API.
type IPFSStore struct {
	catURL  string
	client  *http.Client
	retry   *retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewIPFSStore builds a store for the API at cfg.APIURL.
func NewIPFSStore(cfg config.IPFSConfig, client *http.Client) (*IPFSStore, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.APIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("content: invalid ipfs api url %q", cfg.APIURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPFSStore{
		catURL: base.String() + "/api/v0/cat",
		client: client,
		retry:  retry.NewPolicy(cfg.Retry),
		breaker: circuitbreaker.New("ipfs", cfg.CircuitBreaker, func(err error) bool {
			return errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		}),
	}, nil
}

// Fetch implements Store. Identifiers that are not valid CIDs fail without
// a network call.
func (s *IPFSStore) Fetch(ctx context.Context, id contentid.Identifier) (io.ReadCloser, error) {
	c, err := cid.Decode(id.String())
	if err != nil {
		return nil, fmt.Errorf("content: identifier is not a CID: %w", err)
	}
	target := s.catURL + "?arg=" + url.QueryEscape(c.String())

	return retry.Do(ctx, s.retry, func(ctx context.Context) (io.ReadCloser, error) {
		body, err := circuitbreaker.Execute(s.breaker, func() (io.ReadCloser, error) {
			return s.cat(ctx, target)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, retry.Permanent(err)
		}
		return body, err
	})
}

func (s *IPFSStore) cat(ctx context.Context, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := gjson.GetBytes(raw, "Message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err = fmt.Errorf("ipfs cat: %d %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusNotFound || strings.Contains(msg, "not found"):
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrNotFound, err))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.Permanent(err)
	default:
		return nil, err
	}
}

// Stats returns retry and breaker counters for the admin API.
func (s *IPFSStore) Stats() map[string]any {
	return map[string]any{
		"retry":           s.retry.Metrics.Snapshot(),
		"circuit_breaker": s.breaker.Snapshot(),
	}
}
