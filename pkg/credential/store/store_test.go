package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
)

func sampleCred(id string) *credential.Credential {
	return &credential.Credential{
		ID:         id,
		ProviderID: "kiro",
		Status:     credential.StatusHealthy,
		Models:     []string{"claude-*"},
		Extra:      map[string]string{"region": "us-east-1"},
		Auth: credential.Auth{
			Kind: credential.AuthOAuth,
			OAuth: &credential.OAuthToken{
				AccessToken:  "at-" + id,
				RefreshToken: "rt-" + id,
				ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
			},
		},
	}
}

// roundTrip exercises the Store contract against any implementation.
func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	creds, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(creds) != 0 {
		t.Fatalf("fresh store holds %d credentials", len(creds))
	}

	a := sampleCred("a")
	if err := s.SaveCredential(a); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCredential(sampleCred("b")); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Second save of the same id is an update, not a duplicate.
	a.UsageCount = 7
	a.LastError = "throttled"
	a.Status = credential.StatusCooldown
	a.CooldownUntil = time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	if err := s.SaveCredential(a); err != nil {
		t.Fatalf("update: %v", err)
	}

	creds, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("loaded %d credentials, want 2", len(creds))
	}

	var got *credential.Credential
	for _, c := range creds {
		if c.ID == "a" {
			got = c
		}
	}
	if got == nil {
		t.Fatal("credential a missing after reload")
	}
	if got.UsageCount != 7 || got.LastError != "throttled" {
		t.Fatalf("counters lost: usage=%d last=%q", got.UsageCount, got.LastError)
	}
	if got.Status != credential.StatusCooldown {
		t.Fatalf("status = %q", got.Status)
	}
	if got.Auth.OAuth == nil || got.Auth.OAuth.RefreshToken != "rt-a" {
		t.Fatalf("auth payload lost: %+v", got.Auth)
	}
	if len(got.Models) != 1 || got.Models[0] != "claude-*" {
		t.Fatalf("models lost: %v", got.Models)
	}
	if got.Extra["region"] != "us-east-1" {
		t.Fatalf("extra lost: %v", got.Extra)
	}

	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	creds, _ = s.Load(ctx)
	if len(creds) != 1 || creds[0].ID != "a" {
		t.Fatalf("after delete: %+v", creds)
	}

	// Deleting an unknown id is not an error.
	if err := s.Delete(ctx, "ghost"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

// ============================================================
// Memory store
// ============================================================

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	roundTrip(t, s)
}

func TestMemoryStoreClonesOnSave(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	c := sampleCred("a")
	if err := s.SaveCredential(c); err != nil {
		t.Fatalf("save: %v", err)
	}
	c.Auth.OAuth.AccessToken = "mutated"

	creds, _ := s.Load(context.Background())
	if creds[0].Auth.OAuth.AccessToken != "at-a" {
		t.Fatal("store aliased the caller's credential")
	}
}

// ============================================================
// SQLite store
// ============================================================

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	roundTrip(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveCredential(sampleCred("a")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	creds, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(creds) != 1 || creds[0].ID != "a" {
		t.Fatalf("persisted set = %+v", creds)
	}
	if creds[0].Auth.OAuth.RefreshToken != "rt-a" {
		t.Fatalf("auth lost across reopen: %+v", creds[0].Auth)
	}
}

func TestSQLiteStoreRejectsEmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
