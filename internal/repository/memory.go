package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

// MemoryStore is an in-memory implementation of the user and refresh-token
// repositories.  Every method runs under one mutex, which gives the same
// atomicity the MySQL transactions provide.  It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]model.User
	phones map[string]string               // phone -> user id
	tokens map[string]map[string]time.Time // user id -> token hash -> expiry

	Now func() time.Time

	// TouchErr, when set, is returned by TouchActivity.
	TouchErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]model.User),
		phones: make(map[string]string),
		tokens: make(map[string]map[string]time.Time),
		Now:    time.Now,
	}
}

// Create inserts a user holding only a phone number.
func (m *MemoryStore) Create(ctx context.Context, phone string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phone = strings.TrimSpace(phone)
	if _, ok := m.phones[phone]; ok {
		return model.User{}, ErrPhoneExists
	}
	now := m.Now().UTC()
	u := model.User{
		ID:           uuid.NewString(),
		PhoneNumber:  phone,
		Role:         model.RoleUser,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.phones[phone] = u.ID
	return u, nil
}

// Put stores u as-is, replacing any user with the same id.  Tests use it to
// seed state such as roles, blocks and stale activity.
func (m *MemoryStore) Put(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.phones[u.PhoneNumber] = u.ID
}

// GetByID fetches a user by id.
func (m *MemoryStore) GetByID(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

// GetByPhone fetches a user by phone number.
func (m *MemoryStore) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.phones[strings.TrimSpace(phone)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return m.users[id], nil
}

// FindOrCreateByPhone returns the user with phone, creating it when absent.
func (m *MemoryStore) FindOrCreateByPhone(ctx context.Context, phone string) (model.User, bool, error) {
	if u, err := m.GetByPhone(ctx, phone); err == nil {
		return u, false, nil
	}
	u, err := m.Create(ctx, phone)
	if err == ErrPhoneExists {
		u, err = m.GetByPhone(ctx, phone)
		return u, false, err
	}
	return u, err == nil, err
}

// UpdateNames sets the non-nil name fields.
func (m *MemoryStore) UpdateNames(ctx context.Context, id string, first, last *string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	if first != nil {
		u.FirstName = strings.TrimSpace(*first)
	}
	if last != nil {
		u.LastName = strings.TrimSpace(*last)
	}
	u.UpdatedAt = m.Now().UTC()
	m.users[id] = u
	return u, nil
}

// TouchActivity sets LastActivity.
func (m *MemoryStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TouchErr != nil {
		return m.TouchErr
	}
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastActivity = at.UTC()
	m.users[id] = u
	return nil
}

// SetBlocked sets or clears the administrative block.
func (m *MemoryStore) SetBlocked(ctx context.Context, id string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsBlocked = blocked
	m.users[id] = u
	return nil
}

// UpdateLoginState applies fn to the user's login state atomically.
func (m *MemoryStore) UpdateLoginState(ctx context.Context, id string, fn func(model.LoginState) (model.LoginState, bool)) (model.LoginState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.LoginState{}, ErrNotFound
	}
	next, changed := fn(u.Login)
	if !changed {
		return u.Login, nil
	}
	u.Login = next
	m.users[id] = u
	return next, nil
}

// Add inserts a refresh token digest.
func (m *MemoryStore) Add(ctx context.Context, userID, tokenHash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.tokens[userID]
	if !ok {
		set = make(map[string]time.Time)
		m.tokens[userID] = set
	}
	set[tokenHash] = exp
	return nil
}

// Lookup loads a user and whether tokenHash is in its allow-list.
func (m *MemoryStore) Lookup(ctx context.Context, userID, tokenHash string) (model.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, false, ErrNotFound
	}
	_, present := m.tokens[userID][tokenHash]
	return u, present, nil
}

// Rotate has the same contract as TokenRepo.Rotate.
func (m *MemoryStore) Rotate(ctx context.Context, p RotateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[p.UserID]
	if !ok {
		return ErrNotFound
	}
	set := m.tokens[p.UserID]
	if _, ok := set[p.OldHash]; !ok {
		return ErrRefreshTokenNotFound
	}
	delete(set, p.OldHash)
	if p.Now.Sub(u.LastActivity) > p.IdleTimeout {
		return ErrSessionIdle
	}
	set[p.NewHash] = p.NewExpiresAt
	u.LastActivity = p.Now.UTC()
	m.users[p.UserID] = u
	return nil
}

// Remove deletes one digest.
func (m *MemoryStore) Remove(ctx context.Context, userID, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.tokens[userID]
	if _, ok := set[tokenHash]; !ok {
		return false, nil
	}
	delete(set, tokenHash)
	return true, nil
}

// RemoveAll deletes every digest of a user.
func (m *MemoryStore) RemoveAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

// PurgeExpired deletes digests expired at now.
func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, set := range m.tokens {
		for h, exp := range set {
			if !exp.After(now) {
				delete(set, h)
				n++
			}
		}
	}
	return n, nil
}

// TokenCount returns how many refresh tokens a user currently holds.
func (m *MemoryStore) TokenCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens[userID])
}
