package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthenticatorKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"TooShort", []byte("1234567"), true},
		{"Minimum", []byte("12345678"), false},
		{"Maximum", make([]byte, MaxKeyLen), false},
		{"TooLong", make([]byte, MaxKeyLen+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthenticator(HashHMACSHA1, tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrKeyLength)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAuthenticators(t *testing.T) {
	key := []byte("a shared key of some length")
	data := []byte("frame contents")

	sums := map[HashID][DigestSize]byte{}
	for _, id := range []HashID{HashHMACSHA1, HashBLAKE2b, HashBLAKE3} {
		t.Run(id.String(), func(t *testing.T) {
			a, err := NewAuthenticator(id, key)
			require.NoError(t, err)
			assert.Equal(t, id, a.ID())

			sum := a.Sum(data)
			assert.Equal(t, sum, a.Sum(data), "digest must be deterministic")
			assert.True(t, Verify(a, data, sum))

			tampered := append([]byte(nil), data...)
			tampered[0] ^= 1
			assert.False(t, Verify(a, tampered, sum))

			other, err := NewAuthenticator(id, []byte("a different shared key"))
			require.NoError(t, err)
			assert.False(t, Verify(other, data, sum))

			sums[id] = sum
		})
	}

	assert.NotEqual(t, sums[HashHMACSHA1], sums[HashBLAKE2b])
	assert.NotEqual(t, sums[HashBLAKE2b], sums[HashBLAKE3])
}

func TestHMACSHA1PadsDigest(t *testing.T) {
	a, err := NewAuthenticator(HashHMACSHA1, []byte("12345678"))
	require.NoError(t, err)
	sum := a.Sum([]byte("x"))
	assert.Equal(t, make([]byte, DigestSize-20), sum[20:])
}

func TestParseHash(t *testing.T) {
	id, err := ParseHash("")
	require.NoError(t, err)
	assert.Equal(t, HashHMACSHA1, id)

	id, err = ParseHash(" BLAKE3 ")
	require.NoError(t, err)
	assert.Equal(t, HashBLAKE3, id)

	_, err = ParseHash("md5")
	assert.ErrorIs(t, err, ErrUnknownHash)

	_, err = NewAuthenticator(HashID(9), []byte("12345678"))
	assert.ErrorIs(t, err, ErrUnknownHash)
}
