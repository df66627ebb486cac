// Package nonce provides single-use, TTL-bounded tokens for the login
// challenge and for x402 payment replay protection. The two concerns use
// separate namespaces with distinct TTLs so a login nonce can never be
// replayed as a payment nonce or vice versa.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Store issues and consumes single-use tokens. Consume is atomic: under
// concurrent attempts on the same token, exactly one caller sees true.
type Store interface {
	// Generate creates a fresh token and records it as pending.
	Generate(ctx context.Context) (string, error)
	// Consume transitions a pending token to used. Returns false if the token
	// is unknown, expired, or already consumed.
	Consume(ctx context.Context, token string) (bool, error)
	// Register records an externally chosen token. Returns false if the
	// token was already registered within the TTL, which signals a replay.
	Register(ctx context.Context, token string) (bool, error)
	// IsValid reports whether the token is pending and unexpired.
	IsValid(ctx context.Context, token string) (bool, error)
	// Invalidate removes a token without consuming it.
	Invalidate(ctx context.Context, token string) error
	// CountActive returns the number of pending tokens in this namespace.
	CountActive(ctx context.Context) (int, error)
}

const (
	// LoginTTL bounds SIWX login challenges.
	LoginTTL = 5 * time.Minute
	// PaymentTTL bounds x402 payment anti-replay nonces.
	PaymentTTL = time.Hour

	// NamespaceLogin and NamespacePayment key the two independent token spaces.
	NamespaceLogin   = "login"
	NamespacePayment = "payment"

	tokenBytes = 16 // 128 bits of entropy
)

// NewToken returns a cryptographically random token string.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
