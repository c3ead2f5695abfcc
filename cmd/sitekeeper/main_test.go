package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"sitekeeper/admin-service/internal/config"
	"sitekeeper/admin-service/internal/store/jsonfile"
)

func TestResolveConfigPath(t *testing.T) {
	configPath = "/etc/sitekeeper.yaml"
	if got := resolveConfigPath(); got != "/etc/sitekeeper.yaml" {
		t.Errorf("expected flag to win, got %q", got)
	}
	configPath = ""

	t.Setenv("SITEKEEPER_CONFIG", "/tmp/env.yaml")
	if got := resolveConfigPath(); got != "/tmp/env.yaml" {
		t.Errorf("expected env path, got %q", got)
	}
}

func TestPromptPassword_Piped(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.WriteString("s3cret\n")
	w.Close()

	var prompt bytes.Buffer
	pw, err := promptPassword(&prompt, r)
	if err != nil {
		t.Fatalf("promptPassword failed: %v", err)
	}
	if pw != "s3cret" {
		t.Errorf("expected s3cret, got %q", pw)
	}
	if prompt.Len() != 0 {
		t.Errorf("expected no prompt for piped input, got %q", prompt.String())
	}
}

func TestPromptPassword_Empty(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	w.Close()

	if _, err := promptPassword(&bytes.Buffer{}, r); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestSeedAdmin(t *testing.T) {
	users, err := jsonfile.Open(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Auth.SeedAdmin.Username = "admin"
	ctx := context.Background()

	if err := seedAdmin(ctx, cfg, users); err != nil {
		t.Fatalf("seedAdmin failed: %v", err)
	}
	u, err := users.FindByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("expected seeded admin, got %v", err)
	}
	if u.PasswordHash != "" || len(u.Credentials) != 0 {
		t.Errorf("expected passkey-only admin, got %+v", u)
	}

	// A second start leaves the existing user alone.
	if err := seedAdmin(ctx, cfg, users); err != nil {
		t.Fatalf("second seedAdmin failed: %v", err)
	}
	again, err := users.FindByUsername(ctx, "admin")
	if err != nil || again.ID != u.ID {
		t.Errorf("expected same admin id %s, got %v (%v)", u.ID, again, err)
	}
}
