package security

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Config aggregates every security concern of the upload path.
type Config struct {
	Validator ValidatorConfig

	EncryptionEnabled bool
	// EncryptionKeySize is the AES key size in bits. Zero means 256.
	EncryptionKeySize int

	RateLimitEnabled bool
	RateLimit        RateLimiterConfig

	AccessControlEnabled bool
	Tokens               TokenConfig
}

// DefaultConfig admits files up to 2 GiB of any type, with encryption and
// access control off.
func DefaultConfig() Config {
	return Config{
		Validator: ValidatorConfig{
			MaxFileSize:       2 * 1024 * 1024 * 1024,
			AllowedMIMETypes:  []string{"*/*"},
			AllowedExtensions: []string{"*"},
		},
		RateLimit: RateLimiterConfig{
			MaxRequestsPerMinute: 60,
			MaxConcurrentUploads: 3,
		},
		Tokens: TokenConfig{
			Expiration:       defaultTokenExpiration,
			MaxTokensPerUser: 5,
		},
	}
}

// Gate owns the validator, cipher, rate limiter and token manager as one
// unit, so managers receive a single security collaborator.
type Gate struct {
	cfg       Config
	Validator *Validator
	Cipher    *Cipher
	Limiter   *RateLimiter
	Tokens    *TokenManager
	logger    log.Logger
}

// NewGate wires up the security components from one config.
func NewGate(cfg Config, logger log.Logger) (*Gate, error) {
	cipher, err := NewCipher(cfg.EncryptionKeySize)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Gate{
		cfg:       cfg,
		Validator: NewValidator(cfg.Validator, logger),
		Cipher:    cipher,
		Limiter:   NewRateLimiter(cfg.RateLimit),
		Tokens:    NewTokenManager(cfg.Tokens),
		logger:    logger,
	}, nil
}

// EncryptionEnabled ...
func (g *Gate) EncryptionEnabled() bool {
	return g.cfg.EncryptionEnabled
}

// Admit checks the access token (when access control is on) and the rate
// limit (when rate limiting is on) for one upload start. The caller must
// Release on upload end iff Admit succeeded.
func (g *Gate) Admit(userID, token string) error {
	if g.cfg.AccessControlEnabled && !g.Tokens.Validate(token) {
		return fmt.Errorf("invalid or expired access token for user %s", userID)
	}
	if g.cfg.RateLimitEnabled {
		if err := g.Limiter.Check(userID); err != nil {
			return err
		}
	}
	return nil
}

// Release ends one admitted upload.
func (g *Gate) Release(userID string) {
	if g.cfg.RateLimitEnabled {
		g.Limiter.Release(userID)
	}
}
