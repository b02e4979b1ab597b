// Package credentials holds the two secrets surfaces of the daemon: the Resy
// session credentials the sniper books with, and the API keys callers of the
// HTTP trigger present. Platform credentials are encrypted at rest.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/resy-sniper/internal/db"
)

// DefaultName keys the single credential set a typical deployment runs with.
const DefaultName = "default"

// Platform is what the API client needs to act as the diner.
type Platform struct {
	APIKey          string
	AuthToken       string
	PaymentMethodID int64
}

// FromEnv reads platform credentials from the environment, the path the
// one-shot CLI uses when no database is configured.
func FromEnv() (Platform, error) {
	p := Platform{
		APIKey:    os.Getenv("RESY_API_KEY"),
		AuthToken: os.Getenv("RESY_AUTH_TOKEN"),
	}
	if p.APIKey == "" || p.AuthToken == "" {
		return Platform{}, fmt.Errorf("RESY_API_KEY and RESY_AUTH_TOKEN are required")
	}
	if v := os.Getenv("RESY_PAYMENT_METHOD_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Platform{}, fmt.Errorf("invalid RESY_PAYMENT_METHOD_ID: %w", err)
		}
		p.PaymentMethodID = id
	}
	return p, nil
}

// Store is the postgres-backed credential store.
type Store struct {
	db  *db.DB
	enc *aead
}

// NewStore wants a 32-byte key for AES-256-GCM.
func NewStore(d *db.DB, encKey []byte) (*Store, error) {
	if len(encKey) != 32 {
		return nil, fmt.Errorf("credential encryption key must be 32 bytes, got %d", len(encKey))
	}
	enc, err := newAEAD(encKey)
	if err != nil {
		return nil, err
	}
	return &Store{db: d, enc: enc}, nil
}

func (s *Store) PutPlatform(ctx context.Context, name string, p Platform) error {
	apiKeyEnc, err := s.enc.seal(p.APIKey)
	if err != nil {
		return err
	}
	tokenEnc, err := s.enc.seal(p.AuthToken)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `
INSERT INTO platform_credentials(name, api_key_enc, auth_token_enc, payment_method_id)
VALUES ($1,$2,$3,$4)
ON CONFLICT (name) DO UPDATE
SET api_key_enc=EXCLUDED.api_key_enc, auth_token_enc=EXCLUDED.auth_token_enc,
    payment_method_id=EXCLUDED.payment_method_id, updated_at=now()`,
		name, apiKeyEnc, tokenEnc, p.PaymentMethodID)
}

func (s *Store) GetPlatform(ctx context.Context, name string) (Platform, error) {
	var apiKeyEnc, tokenEnc string
	var paymentID int64
	err := s.db.QueryRow(ctx, `
SELECT api_key_enc, auth_token_enc, payment_method_id
FROM platform_credentials WHERE name=$1`, name).Scan(&apiKeyEnc, &tokenEnc, &paymentID)
	if err != nil {
		return Platform{}, db.WrapNotFound(err)
	}

	apiKey, err := s.enc.open(apiKeyEnc)
	if err != nil {
		return Platform{}, fmt.Errorf("decrypt api key: %w", err)
	}
	token, err := s.enc.open(tokenEnc)
	if err != nil {
		return Platform{}, fmt.Errorf("decrypt auth token: %w", err)
	}
	return Platform{APIKey: apiKey, AuthToken: token, PaymentMethodID: paymentID}, nil
}

// --- HTTP API keys ---

const keyPrefixLen = 8

// APIKey is the stored form; the raw key is shown once at mint time and only
// its bcrypt hash persists.
type APIKey struct {
	ID         string
	Name       string
	KeyPrefix  string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// MintAPIKey generates and stores a new key, returning the raw value.
func (s *Store) MintAPIKey(ctx context.Context, name string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := "rsk_" + base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := s.db.Exec(ctx, `
INSERT INTO api_keys(name, key_prefix, key_hash) VALUES ($1,$2,$3)`,
		name, key[:keyPrefixLen], string(hash)); err != nil {
		return "", err
	}
	return key, nil
}

// VerifyAPIKey checks a presented key against stored hashes sharing its
// prefix. The prefix index keeps the bcrypt comparisons to a handful.
func (s *Store) VerifyAPIKey(ctx context.Context, raw string) (bool, error) {
	if len(raw) < keyPrefixLen {
		return false, nil
	}
	rows, err := s.db.Query(ctx, `SELECT id, key_hash FROM api_keys WHERE key_prefix=$1`, raw[:keyPrefixLen])
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return false, err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil {
			_ = s.db.Exec(ctx, `UPDATE api_keys SET last_used_at=now() WHERE id=$1`, id)
			return true, nil
		}
	}
	return false, rows.Err()
}
