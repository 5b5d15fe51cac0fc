package naming

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/wudi/dwebgate/internal/circuitbreaker"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/retry"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"
)

var (
	selResolver = selector("resolver(bytes32)")
	selAddr     = selector("addr(bytes32)")
	selContent  = selector("content(bytes32)")
)

const ethCallTemplate = `{"jsonrpc":"2.0","method":"eth_call","params":[{},"latest"]}`

// ENSClient resolves names against an ENS registry over Ethereum JSON-RPC.
type ENSClient struct {
	rpcURL   string
	registry string
	client   *http.Client
	timeout  time.Duration
	retry    *retry.Policy
	breaker  *circuitbreaker.Breaker
	group    singleflight.Group
	nextID   atomic.Uint64
}

// NewENSClient builds a client for cfg. timeout bounds the shared resolver
// lookup, which outlives any single caller's context.
func NewENSClient(cfg config.ENSConfig, client *http.Client, timeout time.Duration) (*ENSClient, error) {
	reg, err := config.DecodeHex(cfg.Registry)
	if err != nil || len(reg) != 20 {
		return nil, fmt.Errorf("naming: invalid registry address %q", cfg.Registry)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ENSClient{
		rpcURL:   cfg.RPCURL,
		registry: "0x" + hex.EncodeToString(reg),
		client:   client,
		timeout:  timeout,
		retry:    retry.NewPolicy(cfg.Retry),
		breaker: circuitbreaker.New("ens", cfg.CircuitBreaker, func(err error) bool {
			return errors.Is(err, ErrNameNotFound) || errors.Is(err, context.Canceled)
		}),
	}, nil
}

// ResolveAddress implements Resolver.
func (c *ENSClient) ResolveAddress(ctx context.Context, name string) ([]byte, error) {
	node := Namehash(name)
	resolver, err := c.resolverFor(ctx, name, node)
	if err != nil {
		return nil, err
	}
	word, err := c.call(ctx, resolver, selAddr, node)
	if err != nil {
		return nil, err
	}
	addr := word[12:]
	if isZero(addr) {
		return nil, fmt.Errorf("%w: %s has no address record", ErrNameNotFound, name)
	}
	return addr, nil
}

// ResolveContentHash implements Resolver.
func (c *ENSClient) ResolveContentHash(ctx context.Context, name string) ([]byte, error) {
	node := Namehash(name)
	resolver, err := c.resolverFor(ctx, name, node)
	if err != nil {
		return nil, err
	}
	word, err := c.call(ctx, resolver, selContent, node)
	if err != nil {
		return nil, err
	}
	if isZero(word) {
		return nil, fmt.Errorf("%w: %s has no content record", ErrNameNotFound, name)
	}
	return word, nil
}

// Stats returns retry and breaker counters for the admin API.
func (c *ENSClient) Stats() map[string]any {
	return map[string]any{
		"retry":           c.retry.Metrics.Snapshot(),
		"circuit_breaker": c.breaker.Snapshot(),
	}
}

// resolverFor looks up the resolver contract once per name across
// concurrent callers.
func (c *ENSClient) resolverFor(ctx context.Context, name string, node [32]byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ch := c.group.DoChan(name, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		word, err := c.call(sctx, c.registry, selResolver, node)
		if err != nil {
			return "", err
		}
		addr := word[12:]
		if isZero(addr) {
			return "", fmt.Errorf("%w: %s has no resolver", ErrNameNotFound, name)
		}
		return "0x" + hex.EncodeToString(addr), nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// call runs eth_call(to, selector ++ node) and returns the 32-byte result.
func (c *ENSClient) call(ctx context.Context, to string, sel [4]byte, node [32]byte) ([]byte, error) {
	data := make([]byte, 0, 36)
	data = append(data, sel[:]...)
	data = append(data, node[:]...)

	return retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		word, err := circuitbreaker.Execute(c.breaker, func() ([]byte, error) {
			return c.ethCall(ctx, to, data)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, retry.Permanent(err)
		}
		return word, err
	})
}

func (c *ENSClient) ethCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	body, _ := sjson.SetBytes([]byte(ethCallTemplate), "id", c.nextID.Add(1))
	body, _ = sjson.SetBytes(body, "params.0.to", to)
	body, _ = sjson.SetBytes(body, "params.0.data", "0x"+hex.EncodeToString(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("eth_call: rpc status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("eth_call: invalid JSON-RPC response")
	}

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		// Reverts are answers, not outages.
		return nil, retry.Permanent(fmt.Errorf("eth_call: %s", msg.String()))
	}

	result := strings.TrimPrefix(gjson.GetBytes(raw, "result").String(), "0x")
	if result == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: empty call result from %s", ErrNameNotFound, to))
	}
	word, err := hex.DecodeString(result)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("eth_call: malformed result: %w", err))
	}
	if len(word) < 32 {
		return nil, retry.Permanent(fmt.Errorf("eth_call: short result (%d bytes)", len(word)))
	}
	return word[:32], nil
}

// Namehash computes the EIP-137 node for name.
func Namehash(name string) [32]byte {
	var node [32]byte
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := keccak([]byte(labels[i]))
		node = keccak(node[:], labelHash[:])
	}
	return node
}

func keccak(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func selector(signature string) [4]byte {
	h := keccak([]byte(signature))
	var sel [4]byte
	copy(sel[:], h[:4])
	return sel
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
