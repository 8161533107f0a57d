package config

import (
	"testing"
	"time"
)

func TestLoadClientUsesDefaults(t *testing.T) {
	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GatewayURL != defaultGatewayURL {
		t.Fatalf("unexpected gateway url %q", cfg.GatewayURL)
	}
	if cfg.ProfileTimeout != 5*time.Second {
		t.Fatalf("expected 5s profile timeout, got %s", cfg.ProfileTimeout)
	}
	if cfg.SessionFile != defaultSessionFile {
		t.Fatalf("unexpected session file %q", cfg.SessionFile)
	}
}

func TestLoadClientRejectsRelativeGatewayURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("gateway.url", "localhost:8080/api")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected error for relative gateway url")
	}
}

func TestLoadEmulatorRequiresSigningSecret(t *testing.T) {
	if _, err := LoadEmulator(NewViper()); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadEmulatorParsesOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("emulator.signing_secret", "secret")
	configViper.Set("emulator.database.driver", "Postgres")
	configViper.Set("emulator.database.dsn", "host=localhost dbname=events")
	configViper.Set("emulator.token_ttl_minutes", 15)
	configViper.Set("emulator.allowed_origins", "https://a.example.com, https://b.example.com,")

	cfg, err := LoadEmulator(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("expected normalized driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.TokenTTL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
}

func TestLoadEmulatorRejectsUnknownDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("emulator.signing_secret", "secret")
	configViper.Set("emulator.database.driver", "mysql")
	if _, err := LoadEmulator(configViper); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
