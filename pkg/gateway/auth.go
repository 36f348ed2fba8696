// Package gateway implements the Gateway (C10): the WebSocket
// transport terminator that authenticates a connection, spawns a Call
// FSM wired to a fresh Audio Frame Bus, and relays non-audio events as
// typed JSON messages, per spec.md §4.10 and §6.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"siprec-server/pkg/errors"
)

// TokenClaims is the bearer token payload spec.md §6 requires:
// {subject, call_id, issued_at, expires_at, nonce}.
type TokenClaims struct {
	Subject string `json:"subject"`
	CallID  string `json:"call_id"`
	Nonce   string `json:"nonce"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and rejects nonce replay,
// grounded on the teacher's pkg/auth.JWTAuthenticator: a signing key,
// ValidateToken, and a self-cleaning map guarding one-shot use — here
// a NonceStore rather than a token blacklist, since spec.md's tokens
// are single-use by nonce rather than revoked by logout.
type Authenticator struct {
	secretKey []byte
	issuer    string

	mu       sync.Mutex
	usedNonces map[string]time.Time
	nonceTTL   time.Duration

	logger *logrus.Logger

	stopCh chan struct{}
}

// NewAuthenticator builds an Authenticator with the given signing key
// and starts its hourly nonce-cleanup loop, matching the teacher's
// cleanupBlacklistedTokens cadence.
func NewAuthenticator(secretKey, issuer string, logger *logrus.Logger) *Authenticator {
	if logger == nil {
		logger = logrus.New()
	}
	a := &Authenticator{
		secretKey:  []byte(secretKey),
		issuer:     issuer,
		usedNonces: make(map[string]time.Time),
		nonceTTL:   24 * time.Hour,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	go a.cleanupLoop()
	return a
}

// Authenticate parses and validates a bearer token, rejecting expired
// tokens and replayed nonces. On success, the nonce is marked used.
func (a *Authenticator) Authenticate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.NewAuth("invalid token").WithField("error", fmt.Sprint(err))
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok {
		return nil, errors.NewAuth("invalid token claims")
	}
	if claims.Nonce == "" {
		return nil, errors.NewAuth("missing nonce")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, used := a.usedNonces[claims.Nonce]; used {
		return nil, errors.NewAuth("nonce already used").WithField("nonce", claims.Nonce)
	}
	expiry := time.Now().Add(a.nonceTTL)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	a.usedNonces[claims.Nonce] = expiry

	return claims, nil
}

// IssueToken builds and signs a token for the given subject/call,
// used by tests and any trusted internal caller that mints tokens
// rather than validating externally issued ones.
func (a *Authenticator) IssueToken(subject, callID, nonce string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		Subject: subject,
		CallID:  callID,
		Nonce:   nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

func (a *Authenticator) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			now := time.Now()
			for nonce, expiry := range a.usedNonces {
				if now.After(expiry) {
					delete(a.usedNonces, nonce)
				}
			}
			a.mu.Unlock()
		}
	}
}

// Shutdown stops the cleanup loop.
func (a *Authenticator) Shutdown() {
	close(a.stopCh)
}
