// ABOUTME: Tests for credential inspection and identity normalization
// ABOUTME: Covers raw and base64 JSON blobs, lookup paths and malformed input

package credential

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name     string
		blob     string
		identity string
	}{
		{"me.id with device suffix", `{"me":{"id":"15551234567:12@s.whatsapp.net"}}`, "15551234567"},
		{"nested creds", `{"creds":{"me":{"id":"447700900123@s.whatsapp.net"}}}`, "447700900123"},
		{"flat identity", `{"identity":"+1 (555) 987-6543"}`, "15559876543"},
		{"first path wins", `{"me":{"id":"15550000001"},"identity":"15550000002"}`, "15550000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Inspect([]byte(tt.blob))
			require.NoError(t, err)
			assert.Equal(t, tt.identity, info.Identity)
			assert.Len(t, info.Fingerprint, 16)
		})
	}
}

func TestInspect_Base64(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte(`{"me":{"id":"15551234567"}}`))

	info, err := Inspect([]byte(blob))
	require.NoError(t, err)
	assert.Equal(t, "15551234567", info.Identity)
}

func TestInspect_Malformed(t *testing.T) {
	for _, blob := range []string{"", "not json at all", `{"me":{}}`, `{"identity":42}`} {
		_, err := Inspect([]byte(blob))
		assert.ErrorIs(t, err, ErrMalformed, "blob %q", blob)
	}
}

func TestInspect_InvalidIdentity(t *testing.T) {
	_, err := Inspect([]byte(`{"identity":"123"}`))
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestNormalizeIdentity(t *testing.T) {
	got, err := NormalizeIdentity("+44 7700-900.123")
	require.NoError(t, err)
	assert.Equal(t, "447700900123", got)

	_, err = NormalizeIdentity("1555abc4567")
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = NormalizeIdentity("1234567890123456")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint([]byte("blob"))
	assert.Equal(t, a, Fingerprint([]byte("blob")))
	assert.NotEqual(t, a, Fingerprint([]byte("other")))
}
