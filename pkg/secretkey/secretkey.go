// Package secretkey generates account secret keys and their fingerprints.
//
// A secret key is 64 uppercase hex characters. It is derived by hashing 64
// bytes of operating-system entropy with SHA-256, so the key space is the
// SHA-256 output space rather than raw random bytes. The server only ever sees
// the fingerprint: the SHA-256 of the key's string form, also uppercase hex.
//
//	secret, fp, err := secretkey.Generate()
//	// send fp to the server, keep secret locally
package secretkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// Length is the number of hex characters in a Secret.
	Length = 64

	// entropyBytes is how much randomness is hashed into one Secret.
	entropyBytes = 64
)

// ErrEntropyUnavailable is returned when the entropy source cannot be read.
var ErrEntropyUnavailable = errors.New("secure random source unavailable")

var (
	// ErrInvalidLength is returned by Validate when the key is not 64 characters.
	ErrInvalidLength = errors.New("secret key must be exactly 64 characters long")

	// ErrInvalidCharacters is returned by Validate when the key is not uppercase hex.
	ErrInvalidCharacters = errors.New("secret key can only contain ABCDEF and the numbers 0-9")
)

var secretPattern = regexp.MustCompile(`^[A-F0-9]{64}$`)

// Secret is the plaintext credential held by the client.
type Secret string

// Fingerprint is the one-way digest of a Secret that is sent over the wire.
type Fingerprint string

// String returns the secret as a plain string.
func (s Secret) String() string { return string(s) }

// Redacted returns a short, log-safe form of the secret.
func (s Secret) Redacted() string {
	if len(s) < 8 {
		return "********"
	}
	return string(s[:4]) + strings.Repeat("*", 8) + string(s[len(s)-4:])
}

// String returns the fingerprint as a plain string.
func (f Fingerprint) String() string { return string(f) }

// Provisioner mints secrets from an entropy source.
type Provisioner struct {
	rand io.Reader
}

// NewProvisioner returns a Provisioner reading from r.
// A nil reader selects crypto/rand.
func NewProvisioner(r io.Reader) *Provisioner {
	if r == nil {
		r = rand.Reader
	}
	return &Provisioner{rand: r}
}

var defaultProvisioner = NewProvisioner(nil)

// Generate mints a fresh secret and its fingerprint using crypto/rand.
func Generate() (Secret, Fingerprint, error) {
	return defaultProvisioner.Generate()
}

// Generate mints a fresh secret and its fingerprint.
// It never substitutes a weaker source when the configured one fails.
func (p *Provisioner) Generate() (Secret, Fingerprint, error) {
	buf := make([]byte, entropyBytes)
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}
	sum := sha256.Sum256(buf)
	secret := Secret(strings.ToUpper(hex.EncodeToString(sum[:])))
	return secret, FingerprintOf(secret), nil
}

// FingerprintOf hashes the string form of s. The pre-image is case-sensitive.
func FingerprintOf(s Secret) Fingerprint {
	sum := sha256.Sum256([]byte(s))
	return Fingerprint(strings.ToUpper(hex.EncodeToString(sum[:])))
}

// Validate checks that key has the shape of a Secret.
func Validate(key string) error {
	if len(key) != Length {
		return ErrInvalidLength
	}
	if !secretPattern.MatchString(key) {
		return ErrInvalidCharacters
	}
	return nil
}
