package naming

import (
	"net"
	"strings"
)

// Rewriter turns a request host into the name to resolve, e.g.
// foo.eth-gw.uk.to becomes foo.eth.
type Rewriter struct {
	GatewaySuffix string
	DomainSuffix  string
}

// Rewrite strips any port, lowercases, and swaps GatewaySuffix for
// DomainSuffix. Hosts without the gateway suffix pass through. ok is false
// when nothing is left to resolve.
func (rw Rewriter) Rewrite(host string) (name string, ok bool) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", false
	}

	if gw := strings.ToLower(rw.GatewaySuffix); gw != "" && strings.HasSuffix(host, gw) {
		label := strings.TrimSuffix(host, gw)
		if label == "" {
			return "", false
		}
		return label + strings.ToLower(rw.DomainSuffix), true
	}
	return host, true
}
