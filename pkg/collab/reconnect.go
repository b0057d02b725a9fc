package collab

import (
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/config"
	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/google/uuid"
)

const (
	reconnectBackoffBase = time.Second
	reconnectBackoffMax  = 60 * time.Second
	reconnectMaxAttempts = 5
)

// RecoveryRecord captures where a disconnected client left off so a
// reconnect can resume by history replay instead of a full reload
type RecoveryRecord struct {
	Token     string
	UserID    string
	Docs      map[string]uint64 // document id -> last delivered version
	CreatedAt time.Time
	ExpiresAt time.Time
}

type reconnectAttempts struct {
	count       int
	nextAllowed time.Time
}

// ReconnectManager issues one-shot recovery tokens and gates redemption
// attempts behind exponential backoff per user
type ReconnectManager struct {
	cfg config.CollabConfig

	mu       sync.Mutex
	records  map[string]*RecoveryRecord
	attempts map[string]*reconnectAttempts
	now      func() time.Time
}

// NewReconnectManager creates a reconnect manager
func NewReconnectManager(cfg config.CollabConfig) *ReconnectManager {
	return &ReconnectManager{
		cfg:      cfg,
		records:  make(map[string]*RecoveryRecord),
		attempts: make(map[string]*reconnectAttempts),
		now:      time.Now,
	}
}

// Issue creates a recovery token for a departing session
func (m *ReconnectManager) Issue(userID string, docs map[string]uint64) *RecoveryRecord {
	return m.IssueWithToken(uuid.New().String(), userID, docs)
}

// IssueWithToken binds a recovery record to a token handed to the
// client at connect time, so a dropped connection can still resume
func (m *ReconnectManager) IssueWithToken(token, userID string, docs map[string]uint64) *RecoveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec := &RecoveryRecord{
		Token:     token,
		UserID:    userID,
		Docs:      docs,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.ReconnectTokenTTL),
	}
	m.records[rec.Token] = rec

	// Opportunistic expiry sweep
	for token, r := range m.records {
		if now.After(r.ExpiresAt) {
			delete(m.records, token)
		}
	}
	return rec
}

// Redeem consumes a recovery token. Tokens are one-shot: a second
// redemption fails even inside the TTL. Every attempt, successful or
// not, passes through the per-user backoff gate first.
func (m *ReconnectManager) Redeem(token, userID string) (*RecoveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.gate(userID); err != nil {
		return nil, err
	}

	rec, ok := m.records[token]
	if !ok || rec.UserID != userID {
		return nil, errdefs.New(errdefs.KindNotFound, "unknown recovery token")
	}
	if m.now().After(rec.ExpiresAt) {
		delete(m.records, token)
		return nil, errdefs.New(errdefs.KindNotFound, "recovery token expired")
	}

	delete(m.records, token)
	delete(m.attempts, userID)
	return rec, nil
}

// gate must be called with the lock held. Delays double from the base
// up to the ceiling; after the attempt limit the user must wait for the
// ceiling delay to elapse before the counter resets.
func (m *ReconnectManager) gate(userID string) error {
	now := m.now()
	a, ok := m.attempts[userID]
	if !ok {
		a = &reconnectAttempts{}
		m.attempts[userID] = a
	}

	if now.Before(a.nextAllowed) {
		return errdefs.New(errdefs.KindRateLimited, "reconnecting too fast").
			WithRetryAfter(a.nextAllowed.Sub(now))
	}
	if a.count >= reconnectMaxAttempts {
		a.count = 0
	}

	a.count++
	delay := reconnectBackoffBase << (a.count - 1)
	if delay > reconnectBackoffMax {
		delay = reconnectBackoffMax
	}
	if a.count >= reconnectMaxAttempts {
		delay = reconnectBackoffMax
	}
	a.nextAllowed = now.Add(delay)
	return nil
}
