package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TokenSigner issues a session token for subject valid for ttl.
type TokenSigner func(subject string, ttl time.Duration) (string, error)

type AdminToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AdminAuthService gates admin operations behind a single shared secret.
type AdminAuthService struct {
	secretHash []byte
	signToken  TokenSigner
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewAdminAuthService accepts either a bcrypt hash of the secret or the
// plaintext secret, which is hashed once here.
func NewAdminAuthService(secret, secretHash string, signer TokenSigner, ttl time.Duration) (*AdminAuthService, error) {
	hash := []byte(strings.TrimSpace(secretHash))
	if len(hash) == 0 {
		if strings.TrimSpace(secret) == "" {
			return nil, NewInvalidError("admin secret required")
		}
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = h
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AdminAuthService{
		secretHash: hash,
		signToken:  signer,
		tokenTTL:   ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// CheckSecret compares candidate against the configured secret.
func (s *AdminAuthService) CheckSecret(candidate string) bool {
	if candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.secretHash, []byte(candidate)) == nil
}

func (s *AdminAuthService) Login(secret string) (*AdminToken, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, NewFieldError("validation failed", map[string]string{"secret": "is required"})
	}
	if !s.CheckSecret(secret) {
		return nil, NewUnauthorizedError(msgInvalidCredentials)
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken("admin", s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AdminToken{Token: token, ExpiresAt: s.now().Add(s.tokenTTL)}, nil
}

func (s *AdminAuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
