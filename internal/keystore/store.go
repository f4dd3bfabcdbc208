// Package keystore persists hashed API keys in a single JSON document.
//
// Plaintext secrets are returned exactly once, at issuance, and never
// stored; validation hashes the presented secret and scans non-revoked
// records. All mutations serialize on a process-local lock around a full
// read-mutate-write cycle - the document is small (tens of keys) and the
// simplicity beats a database here.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenderd/internal/apperrors"
)

// SecretPrefix tags every issued secret so leaked keys are recognizable in
// scanners and support tickets.
const SecretPrefix = "tnd_"

// displayPrefixLen is how much of the plaintext is kept for display.
const displayPrefixLen = 12

// Record is one stored API key. Hash is omitted from JSON responses by the
// redact step, never by accident.
type Record struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Prefix     string     `json:"prefix"`
	Hash       string     `json:"hash,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the record has been revoked.
func (r *Record) Revoked() bool {
	return r.RevokedAt != nil
}

// Issued is the one-time response to Issue/Rotate carrying the plaintext.
type Issued struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prefix string `json:"prefix"`
	Secret string `json:"secret"`
}

type document struct {
	Keys []Record `json:"keys"`
}

// Store is a JSON-file-backed API key store.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open creates a store at path, ensuring the parent directory exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Internal("keystore.open", err)
	}
	return &Store{path: path}, nil
}

// Issue creates a new key under label and returns its plaintext once.
func (s *Store) Issue(label string) (*Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(label)
}

func (s *Store) issueLocked(label string) (*Issued, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	rec := Record{
		ID:        uuid.NewString(),
		Label:     label,
		Prefix:    secret[:displayPrefixLen],
		Hash:      hashSecret(secret),
		CreatedAt: time.Now().UTC(),
	}
	doc.Keys = append(doc.Keys, rec)

	if err := s.save(doc); err != nil {
		return nil, err
	}
	return &Issued{ID: rec.ID, Label: rec.Label, Prefix: rec.Prefix, Secret: secret}, nil
}

// Validate checks a presented secret against non-revoked records. On a hit
// it updates last_used_at and returns a redacted record; on a miss it
// returns (nil, nil).
func (s *Store) Validate(secret string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	h := hashSecret(secret)
	for i := range doc.Keys {
		rec := &doc.Keys[i]
		if rec.Revoked() || rec.Hash != h {
			continue
		}
		now := time.Now().UTC()
		rec.LastUsedAt = &now
		if err := s.save(doc); err != nil {
			return nil, err
		}
		return redact(rec), nil
	}
	return nil, nil
}

// Revoke marks a key revoked. Idempotent; reports whether the id exists.
func (s *Store) Revoke(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}

	for i := range doc.Keys {
		if doc.Keys[i].ID != id {
			continue
		}
		if !doc.Keys[i].Revoked() {
			now := time.Now().UTC()
			doc.Keys[i].RevokedAt = &now
			if err := s.save(doc); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// Rotate revokes the key and issues a fresh secret under the same label.
func (s *Store) Rotate(id string) (*Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	var label string
	found := false
	for i := range doc.Keys {
		if doc.Keys[i].ID != id {
			continue
		}
		found = true
		label = doc.Keys[i].Label
		if !doc.Keys[i].Revoked() {
			now := time.Now().UTC()
			doc.Keys[i].RevokedAt = &now
		}
		break
	}
	if !found {
		return nil, apperrors.NotFound("key", id)
	}

	if err := s.save(doc); err != nil {
		return nil, err
	}
	return s.issueLocked(label)
}

// List returns redacted records, newest first.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(doc.Keys))
	for i := range doc.Keys {
		out = append(out, *redact(&doc.Keys[i]))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Seed imports plaintext secrets (typically from the environment at first
// run). Each is hashed and stored under the "seeded" label; secrets whose
// hash already exists are skipped. Returns how many were added.
func (s *Store) Seed(secrets []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}

	existing := make(map[string]bool, len(doc.Keys))
	for i := range doc.Keys {
		existing[doc.Keys[i].Hash] = true
	}

	added := 0
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		h := hashSecret(secret)
		if existing[h] {
			continue
		}
		existing[h] = true

		prefix := secret
		if len(prefix) > displayPrefixLen {
			prefix = prefix[:displayPrefixLen]
		}
		doc.Keys = append(doc.Keys, Record{
			ID:        uuid.NewString(),
			Label:     "seeded",
			Prefix:    prefix,
			Hash:      h,
			CreatedAt: time.Now().UTC(),
		})
		added++
	}

	if added > 0 {
		if err := s.save(doc); err != nil {
			return 0, err
		}
	}
	return added, nil
}

// Writable verifies the backing file can be persisted; used by readiness.
func (s *Store) Writable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	return s.save(doc)
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &document{}, nil
	}
	if err != nil {
		return nil, apperrors.Internal("keystore.load", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Internal("keystore.load", err)
	}
	return &doc, nil
}

func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Internal("keystore.save", err)
	}

	// Write-then-rename so a crash never leaves a truncated document.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Internal("keystore.save", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return apperrors.Internal("keystore.save", err)
	}
	return nil
}

func redact(rec *Record) *Record {
	out := *rec
	out.Hash = ""
	return &out
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
