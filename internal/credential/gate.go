// Package credential implements an email-ownership gate: a hashed one-time
// passcode with attempt lockout, and a short-lived opaque session issued once
// the passcode is verified. It operates on a Credential block embedded in
// whatever aggregate it protects, so the same gate serves any OTP-guarded
// resource.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Common errors
var (
	ErrSessionExpired = errors.New("session expired or invalid")
)

// LockedError is returned while a lockout window is active.
type LockedError struct {
	Until time.Time
	Now   time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, locked for %d more minute(s)", e.RemainingMinutes())
}

// RemainingMinutes reports how long the lockout has left, rounded up.
func (e *LockedError) RemainingMinutes() int {
	remaining := e.Until.Sub(e.Now)
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// TooManyAttemptsError is returned on the failure that triggers a lockout.
type TooManyAttemptsError struct {
	LockoutMinutes int
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many failed attempts, locked for %d minutes", e.LockoutMinutes)
}

// InvalidCodeError is returned on a wrong code while attempts remain.
type InvalidCodeError struct {
	AttemptsRemaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid code, %d attempt(s) remaining", e.AttemptsRemaining)
}

// Credential is the persisted gate state. The OTP is stored only as a bcrypt
// hash; the plaintext exists once, on the return value of IssueCode.
type Credential struct {
	OTPHash        string
	OTPAttempts    int
	OTPLockedUntil *time.Time
	OTPVerified    bool
	SessionToken   string
	SessionExpiry  *time.Time
}

// Gate verifies one-time passcodes and issues sessions against a Credential.
type Gate struct {
	MaxAttempts   int
	LockoutWindow time.Duration
	SessionTTL    time.Duration
	HashCost      int

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewGate returns a gate with the production policy: 6-digit codes, 5
// attempts, 30-minute lockout, 1-hour sessions.
func NewGate() *Gate {
	return &Gate{
		MaxAttempts:   5,
		LockoutWindow: 30 * time.Minute,
		SessionTTL:    time.Hour,
		HashCost:      bcrypt.DefaultCost,
		Now:           time.Now,
	}
}

// IssueCode generates a fresh 6-digit code, stores only its hash, and resets
// the attempt counter and any lockout. The returned plaintext is for delivery
// to the biller's email and is never persisted.
func (g *Gate) IssueCode(c *Credential) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.HashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}

	c.OTPHash = string(hash)
	c.OTPAttempts = 0
	c.OTPLockedUntil = nil
	c.OTPVerified = false
	return code, nil
}

// Verify checks a candidate code against the stored hash, enforcing the
// attempt lockout. On success the credential is marked verified and the
// counter resets. Lockouts expire lazily: an attempt after the window has
// passed is treated as a fresh first attempt.
func (g *Gate) Verify(c *Credential, candidate string) error {
	now := g.Now()

	if c.OTPLockedUntil != nil {
		if now.Before(*c.OTPLockedUntil) {
			return &LockedError{Until: *c.OTPLockedUntil, Now: now}
		}
		// Lockout elapsed
		c.OTPLockedUntil = nil
		c.OTPAttempts = 0
	}

	if bcrypt.CompareHashAndPassword([]byte(c.OTPHash), []byte(candidate)) != nil {
		c.OTPAttempts++
		if c.OTPAttempts >= g.MaxAttempts {
			until := now.Add(g.LockoutWindow)
			c.OTPLockedUntil = &until
			return &TooManyAttemptsError{LockoutMinutes: int(g.LockoutWindow / time.Minute)}
		}
		return &InvalidCodeError{AttemptsRemaining: g.MaxAttempts - c.OTPAttempts}
	}

	c.OTPVerified = true
	c.OTPAttempts = 0
	c.OTPLockedUntil = nil
	return nil
}

// IssueSession mints a new opaque session token, overwriting any prior one.
// Only one biller session is active per credential at a time.
func (g *Gate) IssueSession(c *Credential) (string, time.Time, error) {
	token, err := randomHex(16)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate session token: %w", err)
	}
	expiry := g.Now().Add(g.SessionTTL)
	c.SessionToken = token
	c.SessionExpiry = &expiry
	return token, expiry, nil
}

// ValidateSession checks a presented token. There is no refresh path: an
// expired or mismatched token sends the caller back through the OTP flow.
func (g *Gate) ValidateSession(c *Credential, token string) error {
	if token == "" || c.SessionToken == "" || token != c.SessionToken {
		return ErrSessionExpired
	}
	if c.SessionExpiry == nil || g.Now().After(*c.SessionExpiry) {
		return ErrSessionExpired
	}
	return nil
}

// NewAccessCode returns a high-entropy opaque code for embedding in emailed
// URLs. It is unguessable but is not a secret; the OTP is the secret.
func NewAccessCode() (string, error) {
	return randomHex(16)
}

func randomHex(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
