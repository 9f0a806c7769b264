// ABOUTME: Extracts the embedded identity from an opaque session credential blob
// ABOUTME: Normalizes phone identities and fingerprints blobs for activity records

package credential

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/blake2b"
)

// ErrMalformed is returned when the blob is not JSON (raw or base64) or
// carries no identity field.
var ErrMalformed = errors.New("malformed credentials")

// ErrInvalidIdentity is returned when an identity does not normalize to a
// plausible phone number.
var ErrInvalidIdentity = errors.New("invalid identity")

// identityPaths are checked in order; the first non-empty string wins.
var identityPaths = []string{
	"me.id",
	"creds.me.id",
	"identity",
}

const (
	minDigits = 8
	maxDigits = 15
)

// Info describes a parsed credential blob.
type Info struct {
	Identity    string // normalized digits
	Fingerprint string // short blake2b digest of the raw blob
}

// Inspect decodes blob and returns the identity embedded in it.
func Inspect(blob []byte) (*Info, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}

	doc := blob
	if !gjson.ValidBytes(doc) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob)))
		if err != nil || !gjson.ValidBytes(decoded) {
			return nil, fmt.Errorf("%w: not JSON", ErrMalformed)
		}
		doc = decoded
	}

	var raw string
	for _, path := range identityPaths {
		if r := gjson.GetBytes(doc, path); r.Type == gjson.String && r.Str != "" {
			raw = r.Str
			break
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: no identity field", ErrMalformed)
	}

	identity, err := NormalizeIdentity(raw)
	if err != nil {
		return nil, err
	}

	return &Info{
		Identity:    identity,
		Fingerprint: Fingerprint(blob),
	}, nil
}

// NormalizeIdentity reduces a session id such as "15551234567:3@s.whatsapp.net"
// or "+1 (555) 123-4567" to its bare digits.
func NormalizeIdentity(raw string) (string, error) {
	s := raw
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
		}
	}

	digits := b.String()
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidIdentity, raw, len(digits))
	}
	return digits, nil
}

// Fingerprint returns a short stable digest of blob, safe to log.
func Fingerprint(blob []byte) string {
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:8])
}
