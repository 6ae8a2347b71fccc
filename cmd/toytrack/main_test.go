package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaz8081/toytrack/internal/backend"
	"github.com/chaz8081/toytrack/internal/config"
	"github.com/chaz8081/toytrack/internal/provision"
)

func TestProvisionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.URL = "https://abc.supabase.co"
	cfg.Backend.AnonKey = "anon"
	cfg.Provision.APNotFound = "retry"
	cfg.Provision.WifiTimeout = 30 * time.Second
	cfg.Provision.TLSInsecure = true

	pc, err := provisionConfig(cfg)
	if err != nil {
		t.Fatalf("provisionConfig() error = %v", err)
	}
	if pc.Policy.APNotFound != provision.APNotFoundRetry {
		t.Errorf("APNotFound = %q", pc.Policy.APNotFound)
	}
	if pc.Policy.WifiTimeout != 30*time.Second {
		t.Errorf("WifiTimeout = %v", pc.Policy.WifiTimeout)
	}
	if pc.Backend.URL != "https://abc.supabase.co" || pc.Backend.Anon != "anon" {
		t.Errorf("Backend = %+v", pc.Backend)
	}
	if !pc.TLSInsecure || pc.CABundle != "" {
		t.Errorf("TLSInsecure = %v, CABundle = %q", pc.TLSInsecure, pc.CABundle)
	}
	if pc.ChunkSize != cfg.BLE.ChunkSize {
		t.Errorf("ChunkSize = %d", pc.ChunkSize)
	}
}

func TestProvisionConfigBadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(path, []byte("not pem"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Provision.CABundlePath = path
	if _, err := provisionConfig(cfg); err == nil {
		t.Error("provisionConfig() should fail for an invalid bundle")
	}
}

func TestProvisionDeps(t *testing.T) {
	cfg := config.Default()
	if deps := provisionDeps(cfg, nil); deps.Tokens != nil || deps.Status != nil {
		t.Errorf("deps without a client = %+v, want empty", deps)
	}

	client, err := backend.NewClient(backend.Options{URL: "https://abc.supabase.co", AnonKey: "anon"})
	if err != nil {
		t.Fatal(err)
	}
	deps := provisionDeps(cfg, client)
	if deps.Tokens == nil || deps.DebugTokens == nil || deps.CheckToken == nil || deps.Status == nil {
		t.Errorf("deps = %+v, want tokens, debug tokens, check and status", deps)
	}
	if deps.Registry != nil {
		t.Error("registration needs a signed-in user")
	}

	cfg.Backend.DebugTokenFunction = ""
	cfg.Backend.AccessToken = "user-token"
	deps = provisionDeps(cfg, client)
	if deps.DebugTokens != nil {
		t.Error("an empty debug_token_function disables the fallback")
	}
	if deps.Registry == nil {
		t.Error("Registry should be set with an access token")
	}
}

func TestConnectSimulatedReader(t *testing.T) {
	cfg := config.Default()
	cfg.BLE.ScanTimeout = 20 * time.Millisecond
	a := &application{cfg: cfg, adapter: simulatedAdapter()}

	link, id, err := a.connect(context.Background(), readerOptions{})
	if err != nil {
		t.Fatalf("connect() error = %v", err)
	}
	defer link.Close()
	if id != "ESP32_A1B2C3" {
		t.Errorf("device id = %q, want ESP32_A1B2C3", id)
	}
	if link.MAC() != "24:0A:C4:A1:B2:C3" {
		t.Errorf("MAC() = %q", link.MAC())
	}
}

func TestConnectUnknownMAC(t *testing.T) {
	cfg := config.Default()
	cfg.BLE.ConnectAttempts = 1
	a := &application{cfg: cfg, adapter: simulatedAdapter()}

	_, _, err := a.connect(context.Background(), readerOptions{MAC: "00:00:00:00:00:00"})
	if err == nil {
		t.Fatal("connect() should fail for an unknown MAC")
	}
	if errors.Is(err, errNoReaders) {
		t.Errorf("connect() error = %v, want a connect failure", err)
	}
}
