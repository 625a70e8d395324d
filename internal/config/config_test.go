package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestParseHostFlags(t *testing.T) {
	cfg, err := ParseHostFlags([]string{
		"-router", "wss://router.example:8060/v1/peer",
		"-attach-timeout-ms", "1500",
		"-password-rotation", "per_connection",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RouterEndpoint != "wss://router.example:8060/v1/peer" {
		t.Fatalf("unexpected router endpoint %q", cfg.RouterEndpoint)
	}
	if cfg.AttachTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected attach timeout %v", cfg.AttachTimeout)
	}
	if cfg.PasswordRotation != "per_connection" {
		t.Fatalf("unexpected rotation %q", cfg.PasswordRotation)
	}
}

func TestParseHostFlagsRequiresRouter(t *testing.T) {
	if _, err := ParseHostFlags(nil); err == nil {
		t.Fatal("expected missing router error")
	}
}

func TestParseHostFlagsRejectsBadRotation(t *testing.T) {
	_, err := ParseHostFlags([]string{
		"-router", "wss://r.example/v1/peer",
		"-password-rotation", "hourly",
	})
	if err == nil {
		t.Fatal("expected rotation validation error")
	}
}

func TestParseRouterFlagsTLSPairing(t *testing.T) {
	_, err := ParseRouterFlags([]string{"-tls-cert-file", "cert.pem"})
	if err == nil {
		t.Fatal("expected error for cert without key")
	}

	cfg, err := ParseRouterFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen == "" || cfg.DBPath == "" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestConfigFileSeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aspia.yml")
	err := SaveFile(path, File{
		Host: HostFile{
			RouterEndpoint:  "wss://from-file.example/v1/peer",
			AttachTimeoutMS: 2500,
		},
		Router: RouterFile{
			Listen: ":9999",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	hostCfg, err := ParseHostFlags([]string{"-config", path})
	if err != nil {
		t.Fatal(err)
	}
	if hostCfg.RouterEndpoint != "wss://from-file.example/v1/peer" {
		t.Fatalf("file value not applied: %q", hostCfg.RouterEndpoint)
	}
	if hostCfg.AttachTimeout != 2500*time.Millisecond {
		t.Fatalf("file attach timeout not applied: %v", hostCfg.AttachTimeout)
	}

	// Flags still win over the file.
	hostCfg, err = ParseHostFlags([]string{"-config", path, "-router", "wss://flag.example/v1/peer"})
	if err != nil {
		t.Fatal(err)
	}
	if hostCfg.RouterEndpoint != "wss://flag.example/v1/peer" {
		t.Fatalf("flag should override file: %q", hostCfg.RouterEndpoint)
	}

	routerCfg, err := ParseRouterFlags([]string{"-config", path})
	if err != nil {
		t.Fatal(err)
	}
	if routerCfg.Listen != ":9999" {
		t.Fatalf("router file value not applied: %q", routerCfg.Listen)
	}
}
