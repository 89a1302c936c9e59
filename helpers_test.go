package trustkit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type recoveryRow struct {
	hash     string
	consumed bool
}

// memoryStorage is an in-memory Storage used by the root-package tests. It
// mirrors the conditional-update semantics of the SQL implementation.
type memoryStorage struct {
	mu       sync.Mutex
	users    map[string]*User
	byEmail  map[string]string
	creds    map[string]*TwoFactorCredential
	recovery map[string][]*recoveryRow
	sessions map[string]*Session
	tokens   map[string]*SecurityToken
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		users:    map[string]*User{},
		byEmail:  map[string]string{},
		creds:    map[string]*TwoFactorCredential{},
		recovery: map[string][]*recoveryRow{},
		sessions: map[string]*Session{},
		tokens:   map[string]*SecurityToken{},
	}
}

func (m *memoryStorage) UserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := *m.users[id]
	return &u, nil
}

func (m *memoryStorage) UserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *memoryStorage) CreateUser(_ context.Context, email string, passwordHash *string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	copied := *u
	return &copied, nil
}

func (m *memoryStorage) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = &hash
	return nil
}

func (m *memoryStorage) MarkEmailVerified(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.EmailVerifiedAt = &at
	return nil
}

func (m *memoryStorage) ScheduleDeletion(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.DeletionScheduledAt = &at
	return nil
}

func (m *memoryStorage) TwoFactor(_ context.Context, userID string) (*TwoFactorCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (m *memoryStorage) SavePendingSecret(_ context.Context, userID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[userID] = &TwoFactorCredential{
		UserID:    userID,
		Secret:    secret,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *memoryStorage) EnableTwoFactor(_ context.Context, userID string, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID]
	if !ok || cred.Enabled {
		return ErrNotFound
	}
	cred.Enabled = true
	cred.BackupCodesGenerated = true
	rows := make([]*recoveryRow, 0, len(codeHashes))
	for _, hash := range codeHashes {
		rows = append(rows, &recoveryRow{hash: hash})
	}
	m.recovery[userID] = rows
	return nil
}

func (m *memoryStorage) DisableTwoFactor(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[userID]; !ok {
		return ErrNotFound
	}
	delete(m.recovery, userID)
	delete(m.creds, userID)
	return nil
}

func (m *memoryStorage) UpdateTwoFactorCounter(_ context.Context, userID string, counter int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[userID]
	if !ok {
		return ErrNotFound
	}
	if counter > cred.LastUsedCounter {
		cred.LastUsedCounter = counter
	}
	return nil
}

func (m *memoryStorage) ConsumeRecoveryCode(_ context.Context, userID, codeHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.recovery[userID] {
		if row.hash == codeHash && !row.consumed {
			row.consumed = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStorage) UnconsumedRecoveryCodes(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.recovery[userID] {
		if !row.consumed {
			n++
		}
	}
	return n, nil
}

func (m *memoryStorage) CreateSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *sess
	m.sessions[sess.ID] = &copied
	for _, other := range m.sessions {
		if other.UserID == sess.UserID {
			other.IsCurrent = other.ID == sess.ID
		}
	}
	sess.IsCurrent = true
	return nil
}

func (m *memoryStorage) SessionByToken(_ context.Context, token string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.Token == token && sess.ExpiresAt.After(now) {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryStorage) ListSessions(_ context.Context, userID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

func (m *memoryStorage) TouchSession(_ context.Context, token string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		if sess.Token == token {
			sess.LastActiveAt = at
		}
	}
	return nil
}

func (m *memoryStorage) DeleteSession(_ context.Context, sessionID, userID string) (*RevokedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	return &RevokedSession{ID: sess.ID, Token: sess.Token, ExpiresAt: sess.ExpiresAt}, nil
}

func (m *memoryStorage) DeleteSessions(_ context.Context, userID, exceptSessionID string) ([]RevokedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked []RevokedSession
	for id, sess := range m.sessions {
		if sess.UserID == userID && id != exceptSessionID {
			revoked = append(revoked, RevokedSession{ID: sess.ID, Token: sess.Token, ExpiresAt: sess.ExpiresAt})
			delete(m.sessions, id)
		}
	}
	return revoked, nil
}

func (m *memoryStorage) InsertToken(_ context.Context, token *SecurityToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.tokens {
		if existing.Purpose == token.Purpose && existing.Identifier == token.Identifier && existing.ConsumedAt == nil {
			at := now
			existing.ConsumedAt = &at
		}
	}
	copied := *token
	m.tokens[token.ID] = &copied
	return nil
}

func (m *memoryStorage) RedeemToken(_ context.Context, purpose TokenPurpose, token string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.Purpose != purpose || existing.Token != token {
			continue
		}
		if existing.ConsumedAt != nil {
			return "", ErrTokenConsumed
		}
		if !existing.ExpiresAt.After(now) {
			return "", ErrTokenExpired
		}
		at := now
		existing.ConsumedAt = &at
		return existing.Identifier, nil
	}
	return "", ErrNotFound
}

func (m *memoryStorage) TokenByIdentifier(_ context.Context, purpose TokenPurpose, identifier string, now time.Time) (*SecurityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *SecurityToken
	for _, existing := range m.tokens {
		if existing.Purpose != purpose || existing.Identifier != identifier {
			continue
		}
		if existing.ConsumedAt != nil || !existing.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || existing.CreatedAt.After(newest.CreatedAt) {
			newest = existing
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	copied := *newest
	return &copied, nil
}

func (m *memoryStorage) TokenByToken(_ context.Context, purpose TokenPurpose, token string) (*SecurityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.Purpose == purpose && existing.Token == token {
			copied := *existing
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

var _ Storage = (*memoryStorage)(nil)

func fastTestConfig() Config {
	cfg := defaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestCore(t *testing.T, mutate func(*Config)) (*Core, *memoryStorage, *miniredis.Miniredis) {
	t.Helper()
	return newTestCoreWithSink(t, mutate, nil)
}

func newTestCoreWithSink(t *testing.T, mutate func(*Config), sink AuditSink) (*Core, *memoryStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := fastTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	storage := newMemoryStorage()
	builder := New().
		WithConfig(cfg).
		WithStorage(storage).
		WithRedis(client)
	if sink != nil {
		builder = builder.WithAuditSink(sink)
	}
	core, err := builder.Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core, storage, mr
}

// createTestUser registers a verified account with the given password.
func createTestUser(t *testing.T, core *Core, storage *memoryStorage, email, pass string) *User {
	t.Helper()
	hash, err := core.hasher.Hash(pass)
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	user, err := storage.CreateUser(context.Background(), email, &hash)
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	now := time.Now().UTC()
	if err := storage.MarkEmailVerified(context.Background(), user.ID, now); err != nil {
		t.Fatalf("MarkEmailVerified error: %v", err)
	}
	user.EmailVerifiedAt = &now
	return user
}

// enableTestTwoFactor walks the real enrollment flow and returns the secret
// and the plaintext recovery codes.
func enableTestTwoFactor(t *testing.T, core *Core, userID string) (string, []string) {
	t.Helper()
	enrollment, err := core.EnrollTwoFactor(context.Background(), userID)
	if err != nil {
		t.Fatalf("EnrollTwoFactor error: %v", err)
	}
	code := totpCodeAt(t, enrollment.Secret, core.config.TwoFactor, time.Now())
	codes, err := core.VerifyEnrollment(context.Background(), userID, code)
	if err != nil {
		t.Fatalf("VerifyEnrollment error: %v", err)
	}
	return enrollment.Secret, codes
}

// totpCodeAt computes the code a real authenticator would show.
func totpCodeAt(t *testing.T, secretBase32 string, cfg TwoFactorConfig, at time.Time) string {
	t.Helper()
	secret, err := decodeTOTPSecret(secretBase32)
	if err != nil {
		t.Fatalf("decode secret error: %v", err)
	}
	counter := at.Unix() / int64(cfg.Period)
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotp error: %v", err)
	}
	return code
}
