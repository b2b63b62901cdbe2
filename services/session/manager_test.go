package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/upstream"
	"go.uber.org/zap"
)

const testSecret = "JBSWY3DPEHPK3PXP"

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Login(ctx context.Context) (*upstream.AuthResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*upstream.AuthResponse)
	return resp, args.Error(1)
}

func (m *mockAuthenticator) VerifyTOTP(ctx context.Context, credential, code string) (*upstream.AuthResponse, error) {
	args := m.Called(ctx, credential, code)
	resp, _ := args.Get(0).(*upstream.AuthResponse)
	return resp, args.Error(1)
}

func (m *mockAuthenticator) CurrentUser(ctx context.Context, credential string) (*upstream.AuthResponse, error) {
	args := m.Called(ctx, credential)
	resp, _ := args.Get(0).(*upstream.AuthResponse)
	return resp, args.Error(1)
}

type memoryStore struct {
	mu       sync.Mutex
	snapshot *models.SessionSnapshot
	saves    int
	clears   int
	loadErr  error
}

func (s *memoryStore) Load(ctx context.Context) (*models.SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.snapshot, nil
}

func (s *memoryStore) Save(ctx context.Context, snapshot *models.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.saves++
	return nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	s.clears++
	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(auth *mockAuthenticator, store *memoryStore, clk *clock.Fake, cfg Config) *Manager {
	if store == nil {
		return NewManager(auth, nil, clk, cfg, zap.NewNop())
	}
	return NewManager(auth, store, clk, cfg, zap.NewNop())
}

func established(cred string) *upstream.AuthResponse {
	return &upstream.AuthResponse{Credential: cred, DisplayName: "Relay Bot"}
}

func TestManager_Acquire_CachesCredential(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(established("c1"), nil).Once()
	store := &memoryStore{}
	m := newTestManager(auth, store, clock.NewFake(t0), Config{Cooldown: time.Hour})

	assert.Equal(t, models.SessionUnauthenticated, m.State())

	cred, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "c1", cred)
	assert.Equal(t, models.SessionAuthenticated, m.State())

	cred, err = m.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "c1", cred)

	auth.AssertNumberOfCalls(t, "Login", 1)
	require.NotNil(t, store.snapshot)
	assert.Equal(t, "c1", store.snapshot.Credential)
	assert.Equal(t, t0, store.snapshot.SavedAt)
}

func TestManager_Acquire_TwoFactor(t *testing.T) {
	clk := clock.NewFake(t0)
	code, err := totp.GenerateCode(testSecret, t0)
	require.NoError(t, err)

	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).
		Return(&upstream.AuthResponse{Credential: "half", RequiresTwoFactor: []string{"totp"}}, nil)
	auth.On("VerifyTOTP", mock.Anything, "half", code).Return(&upstream.AuthResponse{}, nil)
	auth.On("CurrentUser", mock.Anything, "half").Return(established("full"), nil)

	m := newTestManager(auth, nil, clk, Config{TOTPSecret: testSecret, Cooldown: time.Hour})

	cred, err := m.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, "full", cred)
	auth.AssertExpectations(t)
}

func TestManager_Acquire_TwoFactorKeepsLoginCookie(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).
		Return(&upstream.AuthResponse{Credential: "half", RequiresTwoFactor: []string{"totp"}}, nil)
	auth.On("VerifyTOTP", mock.Anything, "half", mock.Anything).Return(&upstream.AuthResponse{}, nil)
	auth.On("CurrentUser", mock.Anything, "half").Return(&upstream.AuthResponse{DisplayName: "Relay Bot"}, nil)

	m := newTestManager(auth, nil, clock.NewFake(t0), Config{TOTPSecret: testSecret})

	cred, err := m.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, "half", cred)
}

func TestManager_Acquire_TwoFactorWithoutSecret(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).
		Return(&upstream.AuthResponse{Credential: "half", RequiresTwoFactor: []string{"totp"}}, nil)

	m := newTestManager(auth, nil, clock.NewFake(t0), Config{})

	_, err := m.Acquire(context.Background(), false)

	require.Error(t, err)
	assert.True(t, services.IsLoginError(err))
	assert.Equal(t, models.SessionUnauthenticated, m.State())
	auth.AssertNotCalled(t, "VerifyTOTP", mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_Acquire_TwoFactorRateLimitedFallsBack(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).
		Return(&upstream.AuthResponse{Credential: "half", RequiresTwoFactor: []string{"totp"}}, nil)
	auth.On("VerifyTOTP", mock.Anything, "half", mock.Anything).
		Return(nil, upstream.ClassifyStatus("verify 2fa", 429, nil))

	store := &memoryStore{snapshot: &models.SessionSnapshot{Credential: "cached", SavedAt: t0.Add(-time.Hour)}}
	m := newTestManager(auth, store, clock.NewFake(t0), Config{TOTPSecret: testSecret})

	cred, err := m.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, "cached", cred)
	auth.AssertNotCalled(t, "CurrentUser", mock.Anything, mock.Anything)
}

func TestManager_Acquire_TwoFactorRateLimitedWithoutCache(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).
		Return(&upstream.AuthResponse{Credential: "half", RequiresTwoFactor: []string{"totp"}}, nil)
	auth.On("VerifyTOTP", mock.Anything, "half", mock.Anything).
		Return(nil, upstream.ClassifyStatus("verify 2fa", 429, nil))

	m := newTestManager(auth, &memoryStore{}, clock.NewFake(t0), Config{TOTPSecret: testSecret})

	_, err := m.Acquire(context.Background(), false)

	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))
}

func TestManager_Acquire_FallsBackToSnapshotWhenNoCookie(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(&upstream.AuthResponse{DisplayName: "Relay Bot"}, nil)

	store := &memoryStore{snapshot: &models.SessionSnapshot{Credential: "cached"}}
	m := newTestManager(auth, store, clock.NewFake(t0), Config{})

	cred, err := m.Acquire(context.Background(), false)

	require.NoError(t, err)
	assert.Equal(t, "cached", cred)
}

func TestManager_Acquire_NoCredentialAnywhere(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(&upstream.AuthResponse{DisplayName: "Relay Bot"}, nil)

	store := &memoryStore{loadErr: errors.New("connection refused")}
	m := newTestManager(auth, store, clock.NewFake(t0), Config{})

	_, err := m.Acquire(context.Background(), false)

	require.Error(t, err)
	assert.True(t, services.IsLoginError(err))
	assert.ErrorIs(t, err, services.ErrLogin)
}

func TestManager_CooldownEnforcement(t *testing.T) {
	clk := clock.NewFake(t0)
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(established("c1"), nil)

	m := newTestManager(auth, nil, clk, Config{Cooldown: time.Hour})

	_, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)

	m.Invalidate(clk.Now())
	assert.Equal(t, models.SessionCooldownAfterFailure, m.State())

	for _, step := range []time.Duration{0, 30 * time.Minute, 29 * time.Minute} {
		clk.Advance(step)

		_, err := m.Acquire(context.Background(), false)
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrCooldown)

		cooldown, ok := services.IsCooldownError(err)
		require.True(t, ok)
		assert.Equal(t, t0, cooldown.FailedAt)
		assert.Equal(t, m.CooldownRemaining(), cooldown.Remaining)
	}
	auth.AssertNumberOfCalls(t, "Login", 1)

	clk.Advance(time.Minute)
	assert.Equal(t, models.SessionUnauthenticated, m.State())

	cred, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "c1", cred)
	assert.Equal(t, models.SessionAuthenticated, m.State())
	assert.Zero(t, m.CooldownRemaining())
	auth.AssertNumberOfCalls(t, "Login", 2)
}

func TestManager_ForceClearsSnapshotAndLogsIn(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(established("c1"), nil).Once()
	auth.On("Login", mock.Anything).Return(established("c2"), nil).Once()

	store := &memoryStore{}
	m := newTestManager(auth, store, clock.NewFake(t0), Config{})

	_, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)

	cred, err := m.Acquire(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, "c2", cred)
	assert.Equal(t, 1, store.clears)
	assert.Equal(t, 2, store.saves)
	assert.Equal(t, "c2", store.snapshot.Credential)
}

func TestManager_ForceFailureLeavesNoCredential(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(established("c1"), nil).Once()
	auth.On("Login", mock.Anything).Return(nil, upstream.ClassifyStatus("login", 502, nil)).Once()

	m := newTestManager(auth, &memoryStore{}, clock.NewFake(t0), Config{})

	_, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), true)
	require.Error(t, err)
	assert.True(t, services.IsTransientNetworkError(err))
	assert.Equal(t, models.SessionUnauthenticated, m.State())
}

func TestManager_RefreshDuringCooldown(t *testing.T) {
	clk := clock.NewFake(t0)
	auth := &mockAuthenticator{}

	m := newTestManager(auth, nil, clk, Config{Cooldown: time.Hour})
	m.Invalidate(clk.Now())

	assert.NoError(t, m.Refresh(context.Background()))
	auth.AssertNotCalled(t, "Login", mock.Anything)
}

func TestManager_RefreshFailure(t *testing.T) {
	clk := clock.NewFake(t0)
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(established("c1"), nil).Once()
	auth.On("Login", mock.Anything).Return(nil, upstream.ClassifyStatus("login", 401, nil)).Once()
	auth.On("Login", mock.Anything).Return(established("c2"), nil).Once()

	m := newTestManager(auth, nil, clk, Config{Cooldown: time.Hour})

	_, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)

	err = m.Refresh(context.Background())
	assert.True(t, services.IsAuthExpiredError(err))
	assert.Equal(t, models.SessionCooldownAfterFailure, m.State())
	assert.Equal(t, time.Hour, m.CooldownRemaining())

	_, err = m.Acquire(context.Background(), false)
	assert.ErrorIs(t, err, services.ErrCooldown)
	auth.AssertNumberOfCalls(t, "Login", 2)

	clk.Advance(time.Hour)
	cred, err := m.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "c2", cred)
	auth.AssertNumberOfCalls(t, "Login", 3)
}

func TestManager_RejectedLoginStartsCooldown(t *testing.T) {
	clk := clock.NewFake(t0)
	auth := &mockAuthenticator{}
	auth.On("Login", mock.Anything).Return(nil, upstream.ClassifyStatus("login", 403, nil)).Once()

	m := newTestManager(auth, nil, clk, Config{Cooldown: time.Hour})

	_, err := m.Acquire(context.Background(), false)
	assert.True(t, services.IsAuthExpiredError(err))
	assert.Equal(t, models.SessionCooldownAfterFailure, m.State())

	clk.Advance(10 * time.Minute)
	_, err = m.Acquire(context.Background(), false)
	cooldown, ok := services.IsCooldownError(err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Minute, cooldown.Remaining)
	auth.AssertNumberOfCalls(t, "Login", 1)
}

func TestManager_NewRefreshLoop(t *testing.T) {
	m := newTestManager(&mockAuthenticator{}, nil, clock.NewFake(t0), Config{})
	loop, err := m.NewRefreshLoop()
	require.NoError(t, err)
	assert.Nil(t, loop)

	m = newTestManager(&mockAuthenticator{}, nil, clock.NewFake(t0), Config{RefreshInterval: 3 * time.Hour})
	loop, err = m.NewRefreshLoop()
	require.NoError(t, err)
	require.NotNil(t, loop)
	assert.Equal(t, "session-refresh", loop.Name())
}
