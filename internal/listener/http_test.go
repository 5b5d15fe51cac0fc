package listener

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/wudi/dwebgate/internal/config"
)

// generateTestCert creates a temporary self-signed certificate for testing.
func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatal(err)
	}
	return
}

func startListener(t *testing.T, cfg HTTPListenerConfig) *HTTPListener {
	t.Helper()
	l, err := NewHTTPListener(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Stop(ctx)
	})
	return l
}

func TestHTTPListenerStartStop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hi")
	})
	l := startListener(t, HTTPListenerConfig{ID: "test", Address: "127.0.0.1:0", Handler: handler})

	if l.Addr() == "127.0.0.1:0" {
		t.Fatal("Addr should report the bound port")
	}
	resp, err := http.Get("http://" + l.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hi" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if l.ID() != "test" || l.Protocol() != "http" {
		t.Errorf("ID/Protocol = %s/%s", l.ID(), l.Protocol())
	}

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := http.Get("http://" + l.Addr() + "/"); err == nil {
		t.Error("expected connection failure after Stop")
	}
}

func TestHTTPListenerBindConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	l, err := NewHTTPListener(HTTPListenerConfig{ID: "dup", Address: ln.Addr().String(), Handler: http.NotFoundHandler()})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		l.Stop(context.Background())
		t.Fatal("expected bind error")
	}
}

func TestHTTPListenerTLS(t *testing.T) {
	certFile, keyFile := generateTestCert(t)
	l := startListener(t, HTTPListenerConfig{
		ID:      "tls",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		TLS:     config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + l.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.TLS == nil {
		t.Error("expected a TLS connection")
	}
}

func TestHTTPListenerReloadTLSCert(t *testing.T) {
	certFile, keyFile := generateTestCert(t)
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "tls",
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		TLS:     config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	before := l.Certificate()

	newCert, newKey := generateTestCert(t)
	if err := l.ReloadTLSCert(newCert, newKey); err != nil {
		t.Fatalf("ReloadTLSCert: %v", err)
	}
	if l.Certificate() == before {
		t.Error("certificate was not swapped")
	}
	if err := l.ReloadTLSCert("missing.pem", "missing.key"); err == nil {
		t.Error("expected error for missing files")
	}

	plain, _ := NewHTTPListener(HTTPListenerConfig{ID: "plain", Address: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	if err := plain.ReloadTLSCert(newCert, newKey); err == nil {
		t.Error("expected error reloading a plain listener")
	}
}

func TestHTTPListenerHTTP3(t *testing.T) {
	certFile, keyFile := generateTestCert(t)
	l := startListener(t, HTTPListenerConfig{
		ID:      "h3",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		TLS:     config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
		HTTP:    config.HTTPListenerConfig{EnableHTTP3: true},
	})
	if !l.HTTP3Enabled() {
		t.Fatal("expected HTTP/3 enabled")
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + l.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Alt-Svc") == "" {
		t.Error("expected Alt-Svc advertising HTTP/3")
	}
}

func TestHTTPListenerHTTP3RequiresTLS(t *testing.T) {
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "plain",
		Address: "127.0.0.1:0",
		Handler: http.NotFoundHandler(),
		HTTP:    config.HTTPListenerConfig{EnableHTTP3: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.HTTP3Enabled() {
		t.Error("HTTP/3 needs TLS and should stay off")
	}
}
