// Package auth verifies the host bearer token against a stored bcrypt hash.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/pslog"
	"pkt.systems/termlink/schema"
)

// TokenVerifier checks bearer tokens. Tokens that passed bcrypt once are
// remembered by digest and later compared in constant time.
type TokenVerifier struct {
	hash []byte
	log  pslog.Logger

	mu       sync.RWMutex
	verified [][sha256.Size]byte
}

// maxCachedTokens bounds the verified-digest cache.
const maxCachedTokens = 16

// NewTokenVerifier returns a verifier for a bcrypt hash. An empty hash
// yields a verifier that accepts every request.
func NewTokenVerifier(hash string, logger pslog.Logger) (*TokenVerifier, error) {
	hash = strings.TrimSpace(hash)
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if hash == "" {
		return &TokenVerifier{log: logger}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenVerifier{hash: []byte(hash), log: logger}, nil
}

// Enabled reports whether a token is required.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

// Verify returns schema.ErrUnauthorized unless token matches the hash.
func (v *TokenVerifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return schema.ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))
	if v.cached(digest) {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			v.log.Warn("auth token compare failed", "err", err)
		}
		return schema.ErrUnauthorized
	}
	v.mu.Lock()
	if len(v.verified) >= maxCachedTokens {
		v.verified = v.verified[1:]
	}
	v.verified = append(v.verified, digest)
	v.mu.Unlock()
	v.log.Debug("auth token verified")
	return nil
}

func (v *TokenVerifier) cached(digest [sha256.Size]byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	match := 0
	for _, known := range v.verified {
		match |= subtle.ConstantTimeCompare(known[:], digest[:])
	}
	return match == 1
}

// HashToken returns a bcrypt hash suitable for host.token_hash.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
