package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
)

func TestHashSecretVerifiesOnlyTheOriginal(t *testing.T) {
	hash, err := HashSecret("correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySecret("correct-horse", hash) {
		t.Fatal("expected matching secret to verify")
	}
	if VerifySecret("wrong-password", hash) {
		t.Fatal("expected mismatched secret to fail verification")
	}
}

func TestHashSecretProducesUniqueSaltPerCall(t *testing.T) {
	a, err := HashSecret("same-input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashSecret("same-input")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct salts to produce distinct hash strings")
	}
	if !VerifySecret("same-input", a) || !VerifySecret("same-input", b) {
		t.Fatal("both hashes should verify the same input")
	}
}

func TestVerifySecretRejectsMalformedHash(t *testing.T) {
	if VerifySecret("anything", "not-a-valid-hash") {
		t.Fatal("expected malformed stored hash to fail verification")
	}
	if VerifySecret("anything", "zz:zz") {
		t.Fatal("expected non-hex salt/hash to fail verification")
	}
}

func TestGenerateSecretProducesDistinctValues(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected two generated secrets to differ")
	}
	if len(a) != secretBytes*2 {
		t.Fatalf("secret length = %d, want %d hex chars", len(a), secretBytes*2)
	}
}

func TestAdminAuthenticatorRejectsWhenUnconfigured(t *testing.T) {
	a := NewAdminAuthenticator("")
	if err := a.Check("anything"); !errors.Is(err, ErrAdminPasswordNotConfigured) {
		t.Fatalf("err = %v, want ErrAdminPasswordNotConfigured", err)
	}
}

func TestAdminAuthenticatorAcceptsMatchingPassword(t *testing.T) {
	a := NewAdminAuthenticator("hunter2")
	if err := a.Check("hunter2"); err != nil {
		t.Fatalf("expected match to succeed, got %v", err)
	}
	if err := a.Check("wrong"); !errors.Is(err, ErrInvalidAdminPassword) {
		t.Fatalf("err = %v, want ErrInvalidAdminPassword", err)
	}
}

type fakeApiTokenRepo struct {
	mu   sync.Mutex
	rows map[string]*repositories.ApiToken
}

func newFakeApiTokenRepo() *fakeApiTokenRepo {
	return &fakeApiTokenRepo{rows: make(map[string]*repositories.ApiToken)}
}

func (r *fakeApiTokenRepo) Create(ctx context.Context, t *repositories.ApiToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.CreatedAt = time.Now()
	r.rows[t.ID] = &cp
	return nil
}

func (r *fakeApiTokenRepo) GetByID(ctx context.Context, id string) (*repositories.ApiToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeApiTokenRepo) List(ctx context.Context) ([]repositories.ApiToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repositories.ApiToken, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (r *fakeApiTokenRepo) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	row.RevokedAt = time.Now()
	return nil
}

func (r *fakeApiTokenRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrNotFound
	}
	row.LastUsedAt = at
	return nil
}

func newTestTokenManager(t *testing.T) (*TokenManager, *fakeApiTokenRepo) {
	t.Helper()
	repo := newFakeApiTokenRepo()
	mgr, err := NewTokenManager(repo, t.TempDir(), "orbitmesh-test")
	if err != nil {
		t.Fatal(err)
	}
	return mgr, repo
}

func TestIssueThenVerifyTokenSucceeds(t *testing.T) {
	mgr, _ := newTestTokenManager(t)
	_, raw, err := mgr.IssueToken(context.Background(), "ci", []string{"jobs:write"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := mgr.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if got.Name != "ci" {
		t.Fatalf("name = %q, want ci", got.Name)
	}
	if got.LastUsedAt.IsZero() {
		t.Fatal("expected LastUsedAt to be touched on verify")
	}
}

func TestVerifyRevokedTokenFails(t *testing.T) {
	mgr, repo := newTestTokenManager(t)
	token, raw, err := mgr.IssueToken(context.Background(), "ci", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Revoke(context.Background(), token.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Verify(context.Background(), raw); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
}

func TestVerifyTamperedTokenFails(t *testing.T) {
	mgr, _ := newTestTokenManager(t)
	_, raw, err := mgr.IssueToken(context.Background(), "ci", nil)
	if err != nil {
		t.Fatal(err)
	}

	tampered := raw[:len(raw)-1] + "x"
	if _, err := mgr.Verify(context.Background(), tampered); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

func TestVerifyUnknownSubjectFails(t *testing.T) {
	mgr, _ := newTestTokenManager(t)
	if _, err := mgr.Verify(context.Background(), "not-a-jwt-at-all"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestSigningKeyPersistsAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeApiTokenRepo()
	mgrA, err := NewTokenManager(repo, dir, "orbitmesh-test")
	if err != nil {
		t.Fatal(err)
	}
	_, raw, err := mgrA.IssueToken(context.Background(), "ci", nil)
	if err != nil {
		t.Fatal(err)
	}

	mgrB, err := NewTokenManager(repo, dir, "orbitmesh-test")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgrB.Verify(context.Background(), raw); err != nil {
		t.Fatalf("expected second manager sharing the signing key file to verify the token, got %v", err)
	}
}
