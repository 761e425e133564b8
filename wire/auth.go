package wire

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

const (
	MinKeyLen = 8
	MaxKeyLen = 64
)

// HashID identifies the keyed hash used for a frame's digest.
type HashID uint32

const (
	HashNone     HashID = 0
	HashHMACSHA1 HashID = 1
	HashBLAKE2b  HashID = 2
	HashBLAKE3   HashID = 3
)

var hashNames = map[HashID]string{
	HashNone:     "none",
	HashHMACSHA1: "hmac-sha1",
	HashBLAKE2b:  "blake2b",
	HashBLAKE3:   "blake3",
}

// ParseHash returns the hash id for a configuration name.
func ParseHash(name string) (HashID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return HashHMACSHA1, nil
	}
	for id, n := range hashNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHash, name)
}

func (h HashID) String() string {
	if n, ok := hashNames[h]; ok {
		return n
	}
	return fmt.Sprintf("hash(%d)", uint32(h))
}

// Authenticator computes frame digests with a shared site key.
type Authenticator interface {
	ID() HashID
	Sum(data []byte) [DigestSize]byte
}

// NewAuthenticator returns the authenticator for id keyed with key.
func NewAuthenticator(id HashID, key []byte) (Authenticator, error) {
	if len(key) < MinKeyLen || len(key) > MaxKeyLen {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	k := append([]byte(nil), key...)
	switch id {
	case HashHMACSHA1:
		return hmacSHA1{key: k}, nil
	case HashBLAKE2b:
		if _, err := blake2b.New(DigestSize, k); err != nil {
			return nil, fmt.Errorf("blake2b: %w", err)
		}
		return blake2bAuth{key: k}, nil
	case HashBLAKE3:
		a := blake3Auth{}
		blake3.DeriveKey("arbiter frame authentication v1", k, a.key[:])
		return a, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownHash, uint32(id))
}

// Verify recomputes the digest of data and compares it in constant time.
func Verify(a Authenticator, data []byte, digest [DigestSize]byte) bool {
	sum := a.Sum(data)
	return hmac.Equal(sum[:], digest[:])
}

type hmacSHA1 struct{ key []byte }

func (hmacSHA1) ID() HashID { return HashHMACSHA1 }

func (a hmacSHA1) Sum(data []byte) [DigestSize]byte {
	mac := hmac.New(sha1.New, a.key)
	mac.Write(data)
	var out [DigestSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

type blake2bAuth struct{ key []byte }

func (blake2bAuth) ID() HashID { return HashBLAKE2b }

func (a blake2bAuth) Sum(data []byte) [DigestSize]byte {
	h, err := blake2b.New(DigestSize, a.key)
	if err != nil {
		panic("wire: blake2b keyed hash initialization failed: " + err.Error())
	}
	h.Write(data)
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

type blake3Auth struct{ key [32]byte }

func (blake3Auth) ID() HashID { return HashBLAKE3 }

func (a blake3Auth) Sum(data []byte) [DigestSize]byte {
	h, err := blake3.NewKeyed(a.key[:])
	if err != nil {
		panic("wire: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(data)
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
