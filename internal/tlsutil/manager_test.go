package tlsutil_test

import (
	"context"
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"

	"github.com/luxbot/vipgate/internal/config"
	"github.com/luxbot/vipgate/internal/tlsutil"
)

func TestConfigOffMode(t *testing.T) {
	m := tlsutil.NewManager(&config.TLSConfig{Mode: "off"}, nil)
	cfg, err := m.Config("example.com", nil)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil tls.Config for off mode")
	}
}

func TestConfigInvalidMode(t *testing.T) {
	m := tlsutil.NewManager(&config.TLSConfig{Mode: "auto"}, nil)
	_, err := m.Config("example.com", nil)
	if !errors.Is(err, tlsutil.ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}
}

func TestConfigStaticMissingFiles(t *testing.T) {
	m := tlsutil.NewManager(&config.TLSConfig{Mode: "static"}, nil)
	_, err := m.Config("example.com", nil)
	if !errors.Is(err, tlsutil.ErrMissingCert) {
		t.Errorf("err = %v, want ErrMissingCert", err)
	}
}

func TestConfigSelfSignedGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	m := tlsutil.NewManager(&config.TLSConfig{
		Mode:          "selfsigned",
		SelfSignedDir: dir,
	}, nil)

	cfg, err := m.Config("vip.example.com", nil)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x", cfg.MinVersion)
	}

	// Generated material lands on disk, so a static mode pointing at the
	// files can load them.
	static := tlsutil.NewManager(&config.TLSConfig{
		Mode:     "static",
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
	}, nil)
	if _, err := static.Config("vip.example.com", nil); err != nil {
		t.Fatalf("static reload: %v", err)
	}

	// A second selfsigned call reuses the existing files.
	cfg2, err := m.Config("vip.example.com", nil)
	if err != nil {
		t.Fatalf("Config (reload): %v", err)
	}
	if len(cfg2.Certificates) != 1 {
		t.Fatalf("got %d certificates on reload", len(cfg2.Certificates))
	}
}

func TestConfigACMEWithoutManager(t *testing.T) {
	m := tlsutil.NewManager(&config.TLSConfig{Mode: "acme"}, nil)
	if _, err := m.Config("example.com", nil); err == nil {
		t.Error("expected error for acme mode without manager")
	}
}

func TestACMEInitRequiresDomainAndEmail(t *testing.T) {
	am := tlsutil.NewACMEManager(&config.ACMEConfig{StorageDir: t.TempDir()}, nil)
	if err := am.Init(context.Background()); err == nil {
		t.Error("expected error with no domain")
	}

	am = tlsutil.NewACMEManager(&config.ACMEConfig{
		Domain:     "vip.example.com",
		StorageDir: t.TempDir(),
	}, nil)
	if err := am.Init(context.Background()); err == nil {
		t.Error("expected error with no email")
	}
}

func TestACMEGetCertificateBeforeInit(t *testing.T) {
	am := tlsutil.NewACMEManager(&config.ACMEConfig{}, nil)
	if _, err := am.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Error("expected error with no certificate loaded")
	}
}
