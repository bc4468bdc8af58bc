// Package pow implements the proof-of-work admission gate for anonymous
// commenters. Challenges are HMAC-signed and time-bounded, so verification
// needs no database round trip; an optional nonce store makes each
// challenge single-use.
package pow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	// A proof is accepted while the embedded timestamp is at most maxAge in
	// the past and maxSkew in the future.
	maxAge  = 300 * time.Second
	maxSkew = 30 * time.Second

	// difficulty is the required number of leading zero hex digits of
	// sha256(challenge + nonce).
	difficultyPrefix = "0000"
)

// NonceStore tracks consumed challenges. Consume reports whether the
// challenge was seen for the first time.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type Guard struct {
	secret []byte
	nonces NonceStore
}

// New creates a guard. nonces may be nil, in which case a valid proof can be
// replayed within the challenge window.
func New(secret string, nonces NonceStore) *Guard {
	return &Guard{secret: []byte(secret), nonces: nonces}
}

// IssueChallenge returns a fresh signed challenge of the form
// "hex(unix).hex(random).sig".
func (g *Guard) IssueChallenge() string {
	return g.challengeAt(time.Now())
}

func (g *Guard) challengeAt(now time.Time) string {
	random := make([]byte, 8)
	_, _ = rand.Read(random)
	payload := strconv.FormatInt(now.Unix(), 16) + "." + hex.EncodeToString(random)
	return payload + "." + g.sign(payload)
}

// Verify checks the challenge signature, its time window, the arithmetic
// proof, and (when a nonce store is configured) that the challenge has not
// been consumed before.
func (g *Guard) Verify(ctx context.Context, challenge, nonce string) bool {
	parts := strings.Split(challenge, ".")
	if len(parts) != 3 {
		return false
	}

	issued, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return false
	}
	age := time.Since(time.Unix(issued, 0))
	if age > maxAge || age < -maxSkew {
		return false
	}

	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(g.sign(payload))) {
		return false
	}

	sum := sha256.Sum256([]byte(challenge + nonce))
	if !strings.HasPrefix(hex.EncodeToString(sum[:]), difficultyPrefix) {
		return false
	}

	if g.nonces != nil {
		first, err := g.nonces.Consume(ctx, parts[1], maxAge)
		if err != nil || !first {
			return false
		}
	}
	return true
}

func (g *Guard) sign(payload string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
