package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakSecretDefaults(t *testing.T) {
	t.Setenv("LEDGER_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LedgerSecret != "" {
		t.Fatalf("expected empty LEDGER_SECRET when unset, got %q", cfg.LedgerSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address() != ":8090" {
		t.Fatalf("expected default port 8090, got %s", cfg.Address())
	}
	if cfg.StoreBackend != BackendFile {
		t.Fatalf("expected file backend by default, got %s", cfg.StoreBackend)
	}
	if cfg.RetryInterval() != 30*time.Second || cfg.MaxBackoff() != 10*time.Minute {
		t.Fatalf("unexpected sync timings %s %s", cfg.RetryInterval(), cfg.MaxBackoff())
	}
	if cfg.SyncMaxAttempts != 10 {
		t.Fatalf("expected 10 attempts, got %d", cfg.SyncMaxAttempts)
	}
}

func TestEnvironmentOverridesDotEnv(t *testing.T) {
	dir := t.TempDir()
	dotEnv := "STORE_ID=from-file\nTERMINAL_ID=till-file\nDEFAULT_TAX_RATE=11\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotEnv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("TERMINAL_ID", "till-env")
	t.Setenv("SYNC_RETRY_INTERVAL_SECONDS", "7")

	cfg, err := load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreID != "from-file" {
		t.Fatalf("expected STORE_ID from .env, got %q", cfg.StoreID)
	}
	if cfg.TerminalID != "till-env" {
		t.Fatalf("expected env to win, got %q", cfg.TerminalID)
	}
	if cfg.RetryInterval() != 7*time.Second {
		t.Fatalf("expected 7s retry interval, got %s", cfg.RetryInterval())
	}
	rate, err := cfg.TaxRate()
	if err != nil || rate.String() != "11" {
		t.Fatalf("expected tax rate 11, got %s (%v)", rate, err)
	}
}

func TestLoadRejectsBackendWithoutConnection(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := load(t.TempDir()); err == nil {
		t.Fatalf("expected postgres backend without DATABASE_URL to be rejected")
	}

	t.Setenv("STORE_BACKEND", "sqlite")
	if _, err := load(t.TempDir()); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
}

func TestLoadRejectsBadTaxRate(t *testing.T) {
	t.Setenv("DEFAULT_TAX_RATE", "150")
	if _, err := load(t.TempDir()); err == nil {
		t.Fatalf("expected out of range tax rate to be rejected")
	}
}
