package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTempXDG(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	return dir
}

func TestGetPathsUsesAgentdSubdirectory(t *testing.T) {
	withTempXDG(t)

	paths, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths returned error: %v", err)
	}
	if filepath.Base(paths.ConfigDir) != "agentd" {
		t.Fatalf("expected config dir to end in agentd, got %s", paths.ConfigDir)
	}
	if filepath.Base(paths.DataDir) != "agentd" {
		t.Fatalf("expected data dir to end in agentd, got %s", paths.DataDir)
	}
}

func TestLoadReturnsDefaultsWhenNoConfigFileExists(t *testing.T) {
	withTempXDG(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.Encryption.RequireEncryption {
		t.Fatalf("expected RequireEncryption to default true")
	}
	if cfg.General.DataDir == "" {
		t.Fatalf("expected DataDir to be populated from XDG paths")
	}
}

func TestSaveAndLoadAccountsRoundTrip(t *testing.T) {
	withTempXDG(t)

	// Load creates the XDG config directory as a side effect; SaveAccounts
	// does not create it itself.
	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	accounts := &AccountsConfig{Accounts: []Account{
		{JID: "alice@example.com", Password: "secret", Server: "example.com", Port: 5222, Resource: "agentd"},
	}}
	if err := SaveAccounts(accounts); err != nil {
		t.Fatalf("SaveAccounts returned error: %v", err)
	}

	loaded, err := LoadAccounts()
	if err != nil {
		t.Fatalf("LoadAccounts returned error: %v", err)
	}
	if len(loaded.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(loaded.Accounts))
	}
	if loaded.Accounts[0].JID != "alice@example.com" {
		t.Fatalf("unexpected JID: %s", loaded.Accounts[0].JID)
	}
}

func TestExpandPathExpandsHomeTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := expandPath("~/foo")
	want := filepath.Join(home, "foo")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
