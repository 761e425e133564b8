package wire

import (
	"fmt"
	"time"

	"github.com/Mathew-Estafanous/arbiter/clock"
)

// Verifier decodes frames received from the network. It enforces the
// timestamp skew window and checks the authenticator.
type Verifier struct {
	auth    Authenticator
	maxSkew time.Duration
	clock   clock.Clock

	// lenientUntil ends the startup grace period during which the skew
	// check is skipped.
	lenientUntil time.Time
}

// NewVerifier returns a Verifier. A nil authenticator accepts only
// unauthenticated frames. A non-positive maxSkew disables the freshness
// check entirely.
func NewVerifier(a Authenticator, maxSkew, grace time.Duration, c clock.Clock) *Verifier {
	if c == nil {
		c = clock.Real()
	}
	v := &Verifier{auth: a, maxSkew: maxSkew, clock: c}
	if grace > 0 {
		v.lenientUntil = c.Now().Add(grace)
	}
	return v
}

// InGrace reports whether the startup grace period is still running.
func (v *Verifier) InGrace() bool {
	return !v.lenientUntil.IsZero() && v.clock.Now().Before(v.lenientUntil)
}

// Decode validates, in order: minimum length, magic, version, declared
// length, timestamp skew, digest and finally the command, result and
// reason codes. Any failure returns a *DecodeError and no message.
func (v *Verifier) Decode(frame []byte) (*Message, error) {
	m, err := parse(frame)
	if err != nil {
		return nil, err
	}
	from := m.Header.From

	if v.maxSkew > 0 && !v.InGrace() {
		skew := v.clock.Now().Sub(m.Header.Time())
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return nil, decodeErr(from, fmt.Errorf("%w: %v off", ErrStale, skew.Round(time.Second)))
		}
	}

	if err := v.checkAuth(m, frame); err != nil {
		return nil, decodeErr(from, err)
	}
	if err := m.checkCodes(); err != nil {
		return nil, decodeErr(from, err)
	}
	return m, nil
}

func (v *Verifier) checkAuth(m *Message, frame []byte) error {
	authed := m.Header.Opts&FlagAuth != 0
	if v.auth == nil {
		if authed || m.Auth.HashID != HashNone {
			return fmt.Errorf("%w: got %s, no key configured", ErrHashMismatch, m.Auth.HashID)
		}
		return nil
	}
	if !authed {
		return ErrUnauthenticated
	}
	if m.Auth.HashID != v.auth.ID() {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, m.Auth.HashID, v.auth.ID())
	}
	if !Verify(v.auth, signed(frame), m.Auth.Digest) {
		return ErrBadDigest
	}
	return nil
}
