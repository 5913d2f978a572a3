package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		Relay:          Relay{URL: "https://relay.example.com", Token: "tok", TimeoutSeconds: 20},
		ICE:            ICE{URLs: []string{"stun:stun.example.com:3478"}},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Relay.URL != "https://relay.example.com" {
		t.Errorf("Relay.URL = %q, want https://relay.example.com", loaded.Relay.URL)
	}
	if loaded.Relay.TimeoutSeconds != 20 {
		t.Errorf("Relay.TimeoutSeconds = %d, want 20", loaded.Relay.TimeoutSeconds)
	}
	if len(loaded.ICE.URLs) != 1 || loaded.ICE.URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("ICE.URLs = %v, want [stun:stun.example.com:3478]", loaded.ICE.URLs)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
