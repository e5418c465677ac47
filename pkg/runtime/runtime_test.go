package runtime

import (
	"context"
	"crypto/x509"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testConfig = `
http_addr: "127.0.0.1:0"
tls_disable: true
log:
  level: error
tts:
  mode: tone
journal:
  enabled: true
  path: "data/sessions.db"
bus:
  enabled: true
  embedded: true
  port: -1
`

func TestServerRunsAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := New(path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if s.bridge == nil || s.embedded == nil {
		t.Fatal("bus bridge not started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "127.0.0.1:0" {
		if time.Now().After(deadline) {
			t.Fatal("server never listened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown error: %v", err)
	}
}

func TestNewRejectsUnknownRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	cfg := "log:\n  level: error\nregistry:\n  backend: etcd\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("New error=nil, want unknown backend")
	}
}

func TestSelfSignedCert(t *testing.T) {
	cert, err := generateSelfSignedCert("speaker.lan")
	if err != nil {
		t.Fatalf("generateSelfSignedCert error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate error: %v", err)
	}
	if err := leaf.VerifyHostname("speaker.lan"); err != nil {
		t.Fatalf("VerifyHostname(speaker.lan): %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("VerifyHostname(127.0.0.1): %v", err)
	}
}
