package wire

import (
	"testing"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Unix(1700000000, 0)

func stamped(at time.Time) *Message {
	m := ticketMsg()
	m.Header.Secs, m.Header.Usecs = clock.Stamp(at)
	return m
}

func TestVerifierAccepts(t *testing.T) {
	a := testAuth(t)
	c := clock.NewFake(now)
	v := NewVerifier(a, DefaultMaxSkew, 0, c)

	frame, err := Encode(stamped(now), a)
	require.NoError(t, err)

	m, err := v.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "ticket-A", m.Ticket.Name)
	assert.Equal(t, uint32(7), m.Ticket.Term)
}

func TestVerifierSkewWindow(t *testing.T) {
	a := testAuth(t)

	tests := []struct {
		name    string
		offset  time.Duration
		wantErr bool
	}{
		{"Fresh", 0, false},
		{"EdgeOld", -DefaultMaxSkew, false},
		{"EdgeNew", DefaultMaxSkew, false},
		{"TooOld", -DefaultMaxSkew - time.Second, true},
		{"TooNew", DefaultMaxSkew + time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(a, DefaultMaxSkew, 0, clock.NewFake(now))
			frame, err := Encode(stamped(now.Add(tt.offset)), a)
			require.NoError(t, err)

			_, err = v.Decode(frame)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStale)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerifierStartupGrace(t *testing.T) {
	a := testAuth(t)
	c := clock.NewFake(now)
	v := NewVerifier(a, DefaultMaxSkew, 30*time.Second, c)

	frame, err := Encode(stamped(now.Add(-time.Hour)), a)
	require.NoError(t, err)

	assert.True(t, v.InGrace())
	_, err = v.Decode(frame)
	assert.NoError(t, err, "stale frames are tolerated during startup")

	c.Advance(31 * time.Second)
	assert.False(t, v.InGrace())
	_, err = v.Decode(frame)
	assert.ErrorIs(t, err, ErrStale)
}

func TestVerifierAuthentication(t *testing.T) {
	a := testAuth(t)
	c := clock.NewFake(now)

	plain, err := Encode(stamped(now), nil)
	require.NoError(t, err)
	signedFrame, err := Encode(stamped(now), a)
	require.NoError(t, err)

	other, err := NewAuthenticator(HashBLAKE2b, []byte("shared-secret-key"))
	require.NoError(t, err)
	otherFrame, err := Encode(stamped(now), other)
	require.NoError(t, err)

	tampered := append([]byte(nil), signedFrame...)
	tampered[HeaderSize+2] ^= 0x20

	withKey := NewVerifier(a, DefaultMaxSkew, 0, c)
	noKey := NewVerifier(nil, DefaultMaxSkew, 0, c)

	_, err = withKey.Decode(plain)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = withKey.Decode(otherFrame)
	assert.ErrorIs(t, err, ErrHashMismatch)
	_, err = withKey.Decode(tampered)
	assert.ErrorIs(t, err, ErrBadDigest)

	_, err = noKey.Decode(plain)
	assert.NoError(t, err)
	_, err = noKey.Decode(signedFrame)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifierCheckOrder(t *testing.T) {
	a := testAuth(t)
	v := NewVerifier(a, DefaultMaxSkew, 0, clock.NewFake(now))

	// Stale and badly signed: the skew check runs first.
	frame, err := Encode(stamped(now.Add(-2*DefaultMaxSkew)), a)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 1
	_, err = v.Decode(frame)
	assert.ErrorIs(t, err, ErrStale)

	// Bad magic hides everything else.
	frame[12] ^= 0xff
	_, err = v.Decode(frame)
	assert.ErrorIs(t, err, ErrBadMagic)
}
