package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
)

// signingKeyFile is the name of the HS256 signing key persisted under the
// host's data directory.
const signingKeyFile = "api-token-signing.key"

// signingKeyBytes is the length of a freshly generated signing key.
const signingKeyBytes = 32

// tokenClaims is embedded in every bearer token issued for /api/tokens.
// The signature alone proves the token was issued by this host; the Subject
// is then used to look up the ApiToken row so revocation takes effect
// without needing a denylist.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// TokenManager issues and verifies bearer API tokens. Every
// token is a signed JWT whose raw string is additionally hashed with Argon2id
// and stored on the ApiToken row, so a leaked signing key alone cannot forge
// a token that passes the database-backed revocation check.
type TokenManager struct {
	repo       repositories.ApiTokenRepository
	signingKey []byte
	issuer     string
}

// NewTokenManager loads the signing key from <dataDir>/api-token-signing.key,
// generating and persisting one on first run.
func NewTokenManager(repo repositories.ApiTokenRepository, dataDir, issuer string) (*TokenManager, error) {
	key, err := loadOrGenerateSigningKey(filepath.Join(dataDir, signingKeyFile))
	if err != nil {
		return nil, err
	}
	return &TokenManager{repo: repo, signingKey: key, issuer: issuer}, nil
}

func loadOrGenerateSigningKey(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("auth: parsing signing key: %w", err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: reading signing key: %w", err)
	}

	key := make([]byte, signingKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generating signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("auth: creating data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("auth: persisting signing key: %w", err)
	}
	return key, nil
}

// IssueToken creates a new ApiToken row and returns the raw bearer string the
// caller must present on every subsequent request; it is never recoverable
// once this call returns.
func (m *TokenManager) IssueToken(ctx context.Context, name string, scopes []string) (*repositories.ApiToken, string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generating token id: %w", err)
	}

	raw, err := m.sign(id.String(), scopes)
	if err != nil {
		return nil, "", err
	}
	hash, err := HashSecret(raw)
	if err != nil {
		return nil, "", err
	}

	token := &repositories.ApiToken{ID: id.String(), Name: name, Scopes: scopes, SecretHash: hash}
	if err := m.repo.Create(ctx, token); err != nil {
		return nil, "", fmt.Errorf("auth: creating token: %w", err)
	}
	return token, raw, nil
}

func (m *TokenManager) sign(tokenID string, scopes []string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scopes: scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token's signature, looks up its ApiToken row, and
// confirms the raw string matches the stored hash and has not been revoked.
// On success it touches LastUsedAt.
func (m *TokenManager) Verify(ctx context.Context, raw string) (*repositories.ApiToken, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}

	token, err := m.repo.GetByID(ctx, claims.Subject)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if !token.RevokedAt.IsZero() {
		return nil, ErrTokenRevoked
	}
	if !VerifySecret(raw, token.SecretHash) {
		return nil, ErrTokenInvalid
	}

	_ = m.repo.TouchLastUsed(ctx, token.ID, time.Now())
	return token, nil
}
