package keystore

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"tenderd/internal/apperrors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys", "apikeys.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestIssueValidate(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	issued, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if !strings.HasPrefix(issued.Secret, SecretPrefix) {
		t.Errorf("Expected secret prefix %q, got %q", SecretPrefix, issued.Secret)
	}
	if issued.Prefix != issued.Secret[:len(issued.Prefix)] {
		t.Errorf("Display prefix %q does not match secret", issued.Prefix)
	}

	rec, err := s.Validate(issued.Secret)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected a record for a freshly issued secret")
	}
	if rec.Label != "alice" {
		t.Errorf("Expected label alice, got %q", rec.Label)
	}
	if rec.Hash != "" {
		t.Error("Validate must not expose the hash")
	}
	if rec.LastUsedAt == nil {
		t.Error("Expected last_used_at to be set on validation")
	}
}

func TestValidate_UnknownSecret(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	rec, err := s.Validate("tnd_bogus")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected no record, got %+v", rec)
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	issued, err := s.Issue("bob")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	ok, err := s.Revoke(issued.ID)
	if err != nil || !ok {
		t.Fatalf("Revoke = (%v, %v), want (true, nil)", ok, err)
	}

	rec, err := s.Validate(issued.Secret)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if rec != nil {
		t.Error("Revoked secret must not validate")
	}

	// Idempotent
	ok, err = s.Revoke(issued.ID)
	if err != nil || !ok {
		t.Errorf("Second Revoke = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.Revoke("no-such-id")
	if err != nil || ok {
		t.Errorf("Revoke unknown = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRotate(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	old, err := s.Issue("carol")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	fresh, err := s.Rotate(old.ID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if fresh.Label != "carol" {
		t.Errorf("Expected rotated key to keep label carol, got %q", fresh.Label)
	}
	if fresh.Secret == old.Secret {
		t.Error("Rotate must mint a new secret")
	}

	if rec, _ := s.Validate(old.Secret); rec != nil {
		t.Error("Old secret must stop validating after rotation")
	}
	if rec, _ := s.Validate(fresh.Secret); rec == nil {
		t.Error("New secret must validate after rotation")
	}
}

func TestRotate_Unknown(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.Rotate("no-such-id")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	if _, err := s.Issue("first"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("second"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Hash != "" {
			t.Error("List must not expose hashes")
		}
	}
	if recs[0].CreatedAt.Before(recs[1].CreatedAt) {
		t.Error("Expected newest-first ordering")
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	added, err := s.Seed([]string{"tnd_seed_one", "tnd_seed_two", "tnd_seed_one", ""})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 seeded keys, got %d", added)
	}

	rec, err := s.Validate("tnd_seed_one")
	if err != nil || rec == nil {
		t.Fatalf("Seeded secret must validate, got (%v, %v)", rec, err)
	}
	if rec.Label != "seeded" {
		t.Errorf("Expected label seeded, got %q", rec.Label)
	}

	// Seeding again is a no-op.
	added, err = s.Seed([]string{"tnd_seed_one"})
	if err != nil || added != 0 {
		t.Errorf("Re-seed = (%d, %v), want (0, nil)", added, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "apikeys.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	issued, err := s1.Issue("durable")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	rec, err := s2.Validate(issued.Secret)
	if err != nil || rec == nil {
		t.Fatalf("Expected secret to survive reopen, got (%v, %v)", rec, err)
	}
}
