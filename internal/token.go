package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// Token purpose prefixes. Every composite token string starts with one of
// these, so a leaked token is identifiable without a store lookup.
const (
	PrefixRefresh           = "rt"
	PrefixPasswordReset     = "prt"
	PrefixEmailVerification = "evt"
)

const (
	idSize     = 16
	secretSize = 32
)

// ErrMalformedToken covers every composite-format violation. Callers map it
// to their "invalid" sentinel; the parse failure reason is never surfaced.
var ErrMalformedToken = errors.New("malformed token")

// ID is the public half of a composite token (session ID, one-time token ID).
type ID [idSize]byte

func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, ErrMalformedToken
	}
	if len(raw) != len(id) {
		return id, ErrMalformedToken
	}

	copy(id[:], raw)
	return id, nil
}

// Secret is the private half of a composite token. It is never persisted;
// only its SHA-256 hash is stored.
type Secret [secretSize]byte

func NewSecret() (Secret, error) {
	var secret Secret
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashSecret(secret Secret) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashesEqual compares two secret hashes in constant time.
func HashesEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// EncodeToken builds the composite wire format "<prefix>.<publicID>.<secret>".
func EncodeToken(prefix, publicID string, secret Secret) (string, error) {
	if prefix == "" || publicID == "" {
		return "", ErrMalformedToken
	}
	if strings.Contains(prefix, ".") || strings.Contains(publicID, ".") {
		return "", ErrMalformedToken
	}

	return prefix + "." + publicID + "." + base64.RawURLEncoding.EncodeToString(secret[:]), nil
}

// DecodeToken parses a composite token and checks its purpose prefix.
// Exactly two dots, all three segments non-empty, or ErrMalformedToken.
func DecodeToken(prefix, token string) (string, Secret, error) {
	var secret Secret

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", secret, ErrMalformedToken
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", secret, ErrMalformedToken
	}
	if parts[0] != prefix {
		return "", secret, ErrMalformedToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", secret, ErrMalformedToken
	}
	if len(raw) != secretSize {
		return "", secret, ErrMalformedToken
	}

	copy(secret[:], raw)
	return parts[1], secret, nil
}

// TruncateAudit bounds client-supplied strings (user agents, IPs) before
// they are stored for audit. Stored values are informational only.
func TruncateAudit(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
