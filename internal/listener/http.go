package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/wudi/dwebgate/internal/config"
	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
)

// HTTPListener serves a handler over HTTP/1.1 and HTTP/2, optionally with
// TLS and HTTP/3 on the same port.
type HTTPListener struct {
	id          string
	address     string
	server      *http.Server
	tlsCfg      *tls.Config
	certPtr     atomic.Pointer[tls.Certificate]
	http3Server *http3.Server

	mu      sync.Mutex
	bound   net.Addr
	udpConn net.PacketConn
	altSvc  atomic.Value // string
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID      string
	Address string
	Handler http.Handler
	TLS     config.TLSConfig
	HTTP    config.HTTPListenerConfig
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
	}

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.certPtr.Store(&cert)
		h.tlsCfg = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return h.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		}
	}

	handler := cfg.Handler
	if cfg.HTTP.EnableHTTP3 && h.tlsCfg != nil {
		h.http3Server = &http3.Server{
			Handler:   cfg.Handler,
			TLSConfig: http3.ConfigureTLSConfig(h.tlsCfg),
		}
		handler = h.advertiseHTTP3(cfg.Handler)
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       orDefault(cfg.HTTP.ReadTimeout, 30*time.Second),
		WriteTimeout:      orDefault(cfg.HTTP.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(cfg.HTTP.IdleTimeout, 60*time.Second),
		ReadHeaderTimeout: orDefault(cfg.HTTP.ReadHeaderTimeout, 10*time.Second),
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
		TLSConfig:         h.tlsCfg,
		ErrorLog:          zap.NewStdLog(logging.Global().Named("http").WithOptions(zap.AddCallerSkip(1))),
	}
	if h.server.MaxHeaderBytes == 0 {
		h.server.MaxHeaderBytes = 1 << 20
	}
	return h, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// advertiseHTTP3 adds Alt-Svc to TCP responses so clients can upgrade.
func (h *HTTPListener) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v, _ := h.altSvc.Load().(string); v != "" {
			w.Header().Set("Alt-Svc", v)
		}
		next.ServeHTTP(w, r)
	})
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "http"
func (h *HTTPListener) Protocol() string {
	return "http"
}

// Addr returns the bound address once started, the configured one before.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound != nil {
		return h.bound.String()
	}
	return h.address
}

// Start binds the TCP (and, with HTTP/3, UDP) sockets and serves in the
// background. Bind failures are returned; later serve errors are logged.
func (h *HTTPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}

	var udpConn net.PacketConn
	if h.http3Server != nil {
		// Same port as TCP, so ":0" still lines up.
		udpConn, err = net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen UDP for HTTP/3 on %s: %w", h.address, err)
		}
	}

	h.mu.Lock()
	h.bound = ln.Addr()
	h.udpConn = udpConn
	h.mu.Unlock()
	if udpConn != nil {
		port := udpConn.LocalAddr().(*net.UDPAddr).Port
		h.altSvc.Store(fmt.Sprintf(`h3=":%d"; ma=2592000`, port))
	}

	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("listener stopped", zap.String("id", h.id), zap.Error(err))
		}
	}()
	if udpConn != nil {
		go func() {
			if err := h.http3Server.Serve(udpConn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("HTTP/3 listener stopped", zap.String("id", h.id), zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop stops the HTTP listener, letting in-flight requests finish until
// ctx expires.
func (h *HTTPListener) Stop(ctx context.Context) error {
	if h.http3Server != nil {
		h.http3Server.Close()
	}
	h.mu.Lock()
	if h.udpConn != nil {
		h.udpConn.Close()
	}
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	if h.tlsCfg == nil {
		return fmt.Errorf("listener %s: TLS not enabled", h.id)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}

// HTTP3Enabled returns whether HTTP/3 is enabled on this listener.
func (h *HTTPListener) HTTP3Enabled() bool {
	return h.http3Server != nil
}

// Certificate returns the certificate currently served.
func (h *HTTPListener) Certificate() *tls.Certificate {
	return h.certPtr.Load()
}
