package security

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTokenExpiration = 15 * time.Minute

// TokenConfig ...
type TokenConfig struct {
	// Expiration bounds token validity. Non-positive values fall back to a
	// 15 minute default, never to an instant expiry.
	Expiration time.Duration
	// MaxTokensPerUser evicts the user's oldest token beyond this count.
	// Zero means 5.
	MaxTokensPerUser int
}

type tokenRecord struct {
	userID   string
	issuedAt time.Time
	timer    *time.Timer
}

// TokenManager issues and validates access tokens of the form
// "{userId}:{uuid}:{epochMs}". Expired tokens are rejected on validation and
// additionally reaped by a per-token timer.
type TokenManager struct {
	expiration time.Duration
	maxPerUser int
	now        func() time.Time

	mu     sync.Mutex
	tokens map[string]*tokenRecord
	byUser map[string][]string
}

// NewTokenManager ...
func NewTokenManager(cfg TokenConfig) *TokenManager {
	expiration := cfg.Expiration
	if expiration <= 0 {
		expiration = defaultTokenExpiration
	}
	maxPerUser := cfg.MaxTokensPerUser
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	return &TokenManager{
		expiration: expiration,
		maxPerUser: maxPerUser,
		now:        time.Now,
		tokens:     make(map[string]*tokenRecord),
		byUser:     make(map[string][]string),
	}
}

// Issue mints a token for the user, evicting their oldest token when the
// per-user cap is reached.
func (m *TokenManager) Issue(userID string) string {
	now := m.now()
	token := fmt.Sprintf("%s:%s:%d", userID, uuid.NewString(), now.UnixMilli())

	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.byUser[userID]) >= m.maxPerUser {
		oldest := m.byUser[userID][0]
		m.removeLocked(oldest)
	}

	m.tokens[token] = &tokenRecord{
		userID:   userID,
		issuedAt: now,
		timer: time.AfterFunc(m.expiration, func() {
			m.Revoke(token)
		}),
	}
	m.byUser[userID] = append(m.byUser[userID], token)
	return token
}

// Validate reports whether the token is active and unexpired.
func (m *TokenManager) Validate(token string) bool {
	m.mu.Lock()
	record, ok := m.tokens[token]
	m.mu.Unlock()
	if !ok {
		return false
	}

	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return false
	}
	issuedMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return false
	}
	if m.now().UnixMilli()-issuedMs >= m.expiration.Milliseconds() {
		m.Revoke(token)
		return false
	}
	return record.userID == parts[0]
}

// Revoke deletes the token.
func (m *TokenManager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(token)
}

// ActiveTokens returns the user's live token count.
func (m *TokenManager) ActiveTokens(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

func (m *TokenManager) removeLocked(token string) {
	record, ok := m.tokens[token]
	if !ok {
		return
	}
	record.timer.Stop()
	delete(m.tokens, token)

	tokens := m.byUser[record.userID]
	for i, t := range tokens {
		if t == token {
			m.byUser[record.userID] = append(tokens[:i], tokens[i+1:]...)
			break
		}
	}
	if len(m.byUser[record.userID]) == 0 {
		delete(m.byUser, record.userID)
	}
}
