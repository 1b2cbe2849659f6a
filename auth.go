package realtime

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SecurityLevel controls how strictly socket-origin envelopes are
// authenticated before dispatch.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

func (self SecurityLevel) IsValid() bool {
	switch self {
	case SecurityLevelLow, SecurityLevelMedium, SecurityLevelHigh:
		return true
	default:
		return false
	}
}

func ParseSecurityLevel(level string) SecurityLevel {
	securityLevel := SecurityLevel(level)
	if securityLevel.IsValid() {
		return securityLevel
	}
	return SecurityLevelMedium
}

// TokenVerifier checks the auth token attached to an envelope.
type TokenVerifier interface {
	VerifyToken(token string, envelope *UpdateEnvelope) error
}

// HmacTokenVerifier verifies HS256-signed message tokens. A token is valid
// when the signature matches the shared secret, it has not expired, and any
// identity claim agrees with the envelope it arrived on.
type HmacTokenVerifier struct {
	secret []byte
}

func NewHmacTokenVerifier(secret []byte) *HmacTokenVerifier {
	return &HmacTokenVerifier{
		secret: secret,
	}
}

func (self *HmacTokenVerifier) VerifyToken(token string, envelope *UpdateEnvelope) error {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return ErrTokenInvalid
	}
	if identity, ok := claims["identity"]; ok {
		if identityStr, ok := identity.(string); !ok || identityStr != envelope.Identity {
			return fmt.Errorf("%w: identity mismatch", ErrTokenInvalid)
		}
	}
	return nil
}

// MintMessageToken signs a message token the way the platform does, for
// local emit tooling and tests.
func MintMessageToken(secret []byte, identity string, expiresIn time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"exp": time.Now().Add(expiresIn).Unix(),
	}
	if identity != "" {
		claims["identity"] = identity
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// MessageAuthenticator applies the configured security level to envelopes
// entering the dispatch pipeline. Only socket-origin envelopes are
// checked; the managed feed and local synthesis are trusted paths.
//
// low accepts everything. medium verifies a token when one is present and
// lets untokened envelopes through. high requires a valid token on every
// socket-origin envelope.
type MessageAuthenticator struct {
	level    SecurityLevel
	verifier TokenVerifier
}

func NewMessageAuthenticator(level SecurityLevel, verifier TokenVerifier) *MessageAuthenticator {
	if !level.IsValid() {
		level = SecurityLevelMedium
	}
	return &MessageAuthenticator{
		level:    level,
		verifier: verifier,
	}
}

func (self *MessageAuthenticator) Level() SecurityLevel {
	return self.level
}

func (self *MessageAuthenticator) Verify(envelope *UpdateEnvelope) error {
	if envelope.Origin != OriginSocket {
		return nil
	}

	switch self.level {
	case SecurityLevelLow:
		return nil
	case SecurityLevelMedium:
		if envelope.AuthToken == "" {
			return nil
		}
		return self.verifyToken(envelope)
	default:
		if envelope.AuthToken == "" {
			return ErrTokenMissing
		}
		return self.verifyToken(envelope)
	}
}

func (self *MessageAuthenticator) verifyToken(envelope *UpdateEnvelope) error {
	if self.verifier == nil {
		return ErrTokenInvalid
	}
	return self.verifier.VerifyToken(envelope.AuthToken, envelope)
}
