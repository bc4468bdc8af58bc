// Package identity validates tenant identifiers and derives guest
// fingerprints used to authorize self-service edits and deletions.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Underscore separates tenant from slug in room aliases, so tenant ids may
// never contain one.
const maxTenantLen = 64

var (
	ErrTenantUnderscore = errors.New("tenant id cannot contain underscores; use hyphens or dots")
	ErrTenantCharset    = errors.New("tenant id contains invalid characters")
	ErrTenantTooLong    = fmt.Errorf("tenant id is too long (max %d chars)", maxTenantLen)
)

// TenantID is a validated site identifier. The zero value is invalid; build
// one with ParseTenantID, or TrustedTenantID for values read back from the
// local cache.
type TenantID struct {
	s string
}

func ParseTenantID(s string) (TenantID, error) {
	if len(s) > maxTenantLen {
		return TenantID{}, ErrTenantTooLong
	}
	for _, c := range s {
		switch {
		case c == '_':
			return TenantID{}, ErrTenantUnderscore
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-':
		default:
			return TenantID{}, ErrTenantCharset
		}
	}
	return TenantID{s: s}, nil
}

// TrustedTenantID skips validation. Only for values already persisted by us.
func TrustedTenantID(s string) TenantID {
	return TenantID{s: s}
}

func (t TenantID) String() string {
	return t.s
}

// fingerprintLen is the hex length of a guest fingerprint. 16 bytes keeps
// ghost localparts comfortably under the protocol's identifier limits.
const fingerprintLen = 16

// Fingerprint derives the stable guest identity hash from an optional email
// and the client-held guest token. The salt keys the hash so fingerprints
// cannot be recomputed (or brute-forced from known emails) without it.
func Fingerprint(email, guestToken, salt string) string {
	h, err := blake2b.New(fingerprintLen, []byte(salt))
	if err != nil {
		// Only possible with a key longer than 64 bytes; fold it first.
		folded := blake2b.Sum256([]byte(salt))
		h, _ = blake2b.New(fingerprintLen, folded[:])
	}
	h.Write([]byte(email))
	h.Write([]byte{0})
	h.Write([]byte(guestToken))
	return hex.EncodeToString(h.Sum(nil))
}
