// Package session owns the upstream credential: it performs the login
// exchange, caches the resulting cookie, and refuses to log in again for a
// cooldown window after the upstream rejects a session.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/internal/scheduler"
	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/services"
	"github.com/upb/audit-relay/services/upstream"
	"go.uber.org/zap"
)

// Config holds the session policy
type Config struct {
	// Username is only used to name the session in logs
	Username        string
	TOTPSecret      string
	Cooldown        time.Duration
	RefreshInterval time.Duration
}

// Manager produces a usable upstream credential
type Manager struct {
	auth   upstream.Authenticator
	store  repositories.CredentialRepository
	clock  clock.Clock
	config Config
	logger *zap.Logger

	// loginMu serializes Acquire so concurrent callers never log in twice
	loginMu sync.Mutex

	mu            sync.RWMutex
	state         models.SessionState
	credential    string
	fallback      string
	lastFailureAt *time.Time
	loaded        bool
}

// NewManager creates a session manager. store may be nil, in which case
// nothing is persisted across restarts.
func NewManager(auth upstream.Authenticator, store repositories.CredentialRepository, clk clock.Clock, config Config, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		auth:   auth,
		store:  store,
		clock:  clk,
		config: config,
		logger: logger,
		state:  models.SessionUnauthenticated,
	}
}

// Acquire returns the cached credential unless force is set or none is
// cached, in which case it logs in. While cooling down after a rejected
// session it fails fast with a *services.CooldownError.
func (m *Manager) Acquire(ctx context.Context, force bool) (string, error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.loadSnapshot(ctx)

	m.mu.Lock()
	if m.credential != "" && !force {
		cred := m.credential
		m.mu.Unlock()
		return cred, nil
	}

	if err := m.checkCooldownLocked(); err != nil {
		m.mu.Unlock()
		m.logger.Debug("login suppressed during cooldown",
			zap.Duration("remaining", err.Remaining.Round(time.Second)))
		return "", err
	}

	if force {
		m.credential = ""
		m.fallback = ""
	}
	m.state = models.SessionAuthenticating
	fallback := m.fallback
	m.mu.Unlock()

	if force {
		m.clearSnapshot(ctx)
	}

	cred, err := m.login(ctx, fallback)

	m.mu.Lock()
	if err != nil {
		switch {
		case services.IsAuthExpiredError(err):
			m.invalidateLocked(m.clock.Now())
		case m.state == models.SessionAuthenticating:
			m.state = models.SessionUnauthenticated
		}
		m.mu.Unlock()
		return "", err
	}
	m.credential = cred
	m.fallback = cred
	m.state = models.SessionAuthenticated
	m.mu.Unlock()

	m.saveSnapshot(ctx, cred)
	return cred, nil
}

// Invalidate drops the cached credential after the upstream rejected it and
// starts the cooldown window at now. The persisted snapshot is kept as a
// recovery hint.
func (m *Manager) Invalidate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(now)
}

// invalidateLocked requires m.mu held
func (m *Manager) invalidateLocked(now time.Time) {
	m.credential = ""
	m.lastFailureAt = &now
	m.state = models.SessionCooldownAfterFailure

	m.logger.Warn("upstream session rejected, cooling down",
		zap.Duration("cooldown", m.config.Cooldown))
}

// State returns the current lifecycle state. An elapsed cooldown reads as
// unauthenticated.
func (m *Manager) State() models.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state == models.SessionCooldownAfterFailure && m.cooldownRemainingLocked() <= 0 {
		return models.SessionUnauthenticated
	}
	return m.state
}

// CooldownRemaining returns how long logins stay suppressed, or 0
func (m *Manager) CooldownRemaining() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return max(m.cooldownRemainingLocked(), 0)
}

// Refresh forces a new login. It is the tick of the refresh loop.
func (m *Manager) Refresh(ctx context.Context) error {
	if _, err := m.Acquire(ctx, true); err != nil {
		if _, ok := services.IsCooldownError(err); ok {
			return nil
		}
		m.logger.Warn("periodic session refresh failed", zap.Error(err))
		return err
	}
	m.logger.Info("periodic session refresh complete")
	return nil
}

// NewRefreshLoop builds the loop that rotates the credential every
// RefreshInterval. It returns nil when proactive refresh is disabled.
func (m *Manager) NewRefreshLoop() (*scheduler.Loop, error) {
	if m.config.RefreshInterval <= 0 {
		return nil, nil
	}
	return scheduler.New(scheduler.Config{
		Name:     "session-refresh",
		Interval: m.config.RefreshInterval,
	}, m.Refresh, m.logger)
}

func (m *Manager) login(ctx context.Context, fallback string) (string, error) {
	initial, err := m.auth.Login(ctx)
	if err != nil {
		return "", err
	}

	cookie := initial.Credential
	displayName := initial.DisplayName

	if !initial.Established() {
		if m.config.TOTPSecret == "" {
			return "", services.WrapError(services.ErrorTypeLogin, "second factor required but no TOTP secret configured", nil)
		}

		code, err := totp.GenerateCode(m.config.TOTPSecret, m.clock.Now())
		if err != nil {
			return "", services.WrapError(services.ErrorTypeLogin, "failed to generate one-time code", err)
		}

		verified, err := m.auth.VerifyTOTP(ctx, cookie, code)
		if err != nil {
			if services.IsRateLimitError(err) && fallback != "" {
				m.logger.Warn("second factor verification rate limited, reusing cached credential")
				return fallback, nil
			}
			return "", err
		}
		if verified.Credential != "" {
			cookie = verified.Credential
		}

		retry, err := m.auth.CurrentUser(ctx, cookie)
		if err != nil {
			return "", err
		}
		if retry.Credential != "" {
			cookie = retry.Credential
		}
		if retry.DisplayName != "" {
			displayName = retry.DisplayName
		}
	}

	if cookie == "" {
		cookie = fallback
	}
	if cookie == "" {
		return "", services.WrapError(services.ErrorTypeLogin, "unable to obtain upstream credential", nil)
	}

	if displayName == "" {
		displayName = m.config.Username
	}
	m.logger.Info("authenticated to upstream", zap.String("display_name", displayName))
	return cookie, nil
}

func (m *Manager) checkCooldownLocked() *services.CooldownError {
	if m.lastFailureAt == nil {
		return nil
	}
	if remaining := m.cooldownRemainingLocked(); remaining > 0 {
		return &services.CooldownError{Remaining: remaining, FailedAt: *m.lastFailureAt}
	}
	m.lastFailureAt = nil
	m.state = models.SessionUnauthenticated
	return nil
}

func (m *Manager) cooldownRemainingLocked() time.Duration {
	if m.lastFailureAt == nil {
		return 0
	}
	return m.config.Cooldown - m.clock.Now().Sub(*m.lastFailureAt)
}

// loadSnapshot reads the persisted credential once, as a fallback only
func (m *Manager) loadSnapshot(ctx context.Context) {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return
	}

	var snapshot *models.SessionSnapshot
	if m.store != nil {
		var err error
		snapshot, err = m.store.Load(ctx)
		if err != nil {
			m.logger.Warn("failed to load session snapshot", zap.Error(err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	if !snapshot.Empty() {
		m.fallback = snapshot.Credential
		m.logger.Debug("loaded session snapshot", zap.Time("saved_at", snapshot.SavedAt))
	}
}

func (m *Manager) saveSnapshot(ctx context.Context, credential string) {
	if m.store == nil {
		return
	}
	snapshot := &models.SessionSnapshot{Credential: credential, SavedAt: m.clock.Now().UTC()}
	if err := m.store.Save(ctx, snapshot); err != nil {
		m.logger.Warn("failed to persist session snapshot", zap.Error(err))
	}
}

func (m *Manager) clearSnapshot(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("failed to clear session snapshot", zap.Error(err))
	}
}
