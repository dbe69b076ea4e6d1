package export

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

// Correlation token failures. All of them wrap types.ErrValidation.
var (
	ErrTokenUnknown  = fmt.Errorf("%w: unknown authorization token", types.ErrValidation)
	ErrTokenExpired  = fmt.Errorf("%w: authorization token expired", types.ErrValidation)
	ErrTokenConsumed = fmt.Errorf("%w: authorization token already used", types.ErrValidation)
)

// DefaultTokenTTL bounds how long an authorization may take to complete.
const DefaultTokenTTL = 10 * time.Minute

// Correlation ties an OAuth round trip to the principal and entity that
// started it.
type Correlation struct {
	Token       string
	OwnerID     string
	EntityID    string
	RedirectURI string
	ExpiresAt   time.Time
}

type correlationEntry struct {
	Correlation
	consumed bool
}

// CorrelationStore issues single-use, time-boxed correlation tokens.
// Consumed tokens are remembered until they expire so a replay is reported
// as such rather than as an unknown token.
type CorrelationStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*correlationEntry
}

// NewCorrelationStore creates a store whose tokens live for ttl.
func NewCorrelationStore(ttl time.Duration) *CorrelationStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &CorrelationStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*correlationEntry),
	}
}

// Issue records a new correlation and returns it.
func (s *CorrelationStore) Issue(ownerID, entityID, redirectURI string) Correlation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Correlation{
		Token:       uuid.New().String(),
		OwnerID:     ownerID,
		EntityID:    entityID,
		RedirectURI: redirectURI,
		ExpiresAt:   s.now().Add(s.ttl),
	}
	s.entries[c.Token] = &correlationEntry{Correlation: c}
	return c
}

// Consume marks token used and returns its correlation. It fails if the
// token is unknown, expired or already consumed.
func (s *CorrelationStore) Consume(token string) (Correlation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Correlation{}, ErrTokenUnknown
	}
	if e.consumed {
		return Correlation{}, ErrTokenConsumed
	}
	if !s.now().Before(e.ExpiresAt) {
		delete(s.entries, token)
		return Correlation{}, ErrTokenExpired
	}
	e.consumed = true
	return e.Correlation, nil
}

// Sweep forgets expired tokens and reports how many were removed.
func (s *CorrelationStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed
}

// Len reports how many tokens are held, consumed ones included.
func (s *CorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IsTokenError reports whether err came from token validation.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenUnknown) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenConsumed)
}
