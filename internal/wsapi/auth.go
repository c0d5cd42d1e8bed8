// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wsapi exposes the worker-facing WebSocket transport that
// carries the Worker Session protocol (§4.6, §9): registration,
// StartAction/KillAction/KillAll dispatch, and the worker's KeepAlive /
// ExecuteResult / InternalError stream.
package wsapi

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthenticationFailed is returned when a worker's bearer token
	// fails validation.
	ErrAuthenticationFailed = errors.New("wsapi: authentication failed")

	// ErrRateLimitExceeded is returned when a remote address has failed
	// authentication too many times within the tracking window.
	ErrRateLimitExceeded = errors.New("wsapi: rate limit exceeded")
)

const (
	// MaxFailedAttempts is the number of failed auth attempts tolerated
	// per remote address before a lockout begins.
	MaxFailedAttempts = 5

	// RateLimitWindow is the span over which failed attempts accumulate.
	RateLimitWindow = time.Minute

	// RateLimitLockout is how long a remote address is locked out once
	// MaxFailedAttempts is reached within RateLimitWindow.
	RateLimitLockout = 60 * time.Second
)

// workerClaims is the JWT payload a worker session presents. Subject is
// the worker-chosen identity hint; the server still assigns the
// authoritative worker_id on registration (§4.6).
type workerClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer signs worker session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer signing HS256 tokens with secret,
// valid for ttl from issuance.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Issue mints a signed token for subject (typically a worker-advertised
// identity string).
func (i *TokenIssuer) Issue(subject string) (string, error) {
	now := time.Now()
	claims := workerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// TokenValidator validates worker session tokens and rate-limits
// repeated authentication failures per remote address.
type TokenValidator struct {
	secret []byte

	mu             sync.Mutex
	failedAttempts map[string]*rateLimitEntry
}

// NewTokenValidator creates a validator checking tokens signed with
// secret.
func NewTokenValidator(secret []byte) *TokenValidator {
	return &TokenValidator{
		secret:         secret,
		failedAttempts: make(map[string]*rateLimitEntry),
	}
}

// Validate parses and verifies token, enforcing the failed-attempt rate
// limit for remoteAddr. Returns the token subject on success.
func (v *TokenValidator) Validate(tokenStr, remoteAddr string) (string, error) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	v.mu.Lock()
	entry, locked := v.failedAttempts[ip]
	if locked && time.Now().Before(entry.lockedUntil) {
		v.mu.Unlock()
		return "", ErrRateLimitExceeded
	}
	v.mu.Unlock()

	claims := &workerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		v.recordFailedAttempt(ip)
		return "", ErrAuthenticationFailed
	}

	v.mu.Lock()
	delete(v.failedAttempts, ip)
	v.mu.Unlock()

	return claims.Subject, nil
}

func (v *TokenValidator) recordFailedAttempt(ip string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	entry, ok := v.failedAttempts[ip]
	if !ok || now.Sub(entry.firstFail) > RateLimitWindow {
		entry = &rateLimitEntry{firstFail: now}
		v.failedAttempts[ip] = entry
	}
	entry.count++
	if entry.count >= MaxFailedAttempts {
		entry.lockedUntil = now.Add(RateLimitLockout)
	}
}
