package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/termlink/schema"
)

func mustHash(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	return string(hash)
}

func TestTokenVerifierAcceptsMatchingToken(t *testing.T) {
	v, err := NewTokenVerifier(mustHash(t, "s3cret"), nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if !v.Enabled() {
		t.Fatalf("expected verifier enabled")
	}
	for i := 0; i < 2; i++ {
		if err := v.Verify("s3cret"); err != nil {
			t.Fatalf("verify attempt %d: %v", i, err)
		}
	}
	if len(v.verified) != 1 {
		t.Fatalf("expected one cached digest, got %d", len(v.verified))
	}
}

func TestTokenVerifierRejectsWrongToken(t *testing.T) {
	v, err := NewTokenVerifier(mustHash(t, "s3cret"), nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for _, token := range []string{"", "nope"} {
		if err := v.Verify(token); !errors.Is(err, schema.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized for %q, got %v", token, err)
		}
	}
}

func TestTokenVerifierDisabledWithoutHash(t *testing.T) {
	v, err := NewTokenVerifier("", nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if v.Enabled() || v.Verify("") != nil {
		t.Fatalf("expected disabled verifier to accept requests")
	}
}

func TestNewTokenVerifierRejectsInvalidHash(t *testing.T) {
	if _, err := NewTokenVerifier("not-a-hash", nil); err == nil {
		t.Fatalf("expected invalid hash error")
	}
}

func TestHashTokenRoundTrip(t *testing.T) {
	hash, err := HashToken("abc")
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("abc")); err != nil {
		t.Fatalf("expected hash to match: %v", err)
	}
	if _, err := HashToken(" "); err == nil {
		t.Fatalf("expected empty token error")
	}
}
