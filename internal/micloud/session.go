package micloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ilyakh/mispeaker/pkg/models"
)

// Store persists session credentials after a successful handshake.
type Store interface {
	Save(ctx context.Context, account *models.Account) error
}

// DeviceLister fetches the account's speaker list so the session can
// resolve its target device. Implementations must not re-enter the session.
type DeviceLister func(ctx context.Context, account models.Account) ([]models.Device, error)

// Session owns one account's credential lifecycle: login, expiry detection,
// re-authentication and device resolution. At most one handshake runs per
// account; concurrent callers that hit an expired session await it instead
// of triggering redundant logins.
type Session struct {
	mu      sync.Mutex
	account models.Account
	gen     uint64
	auth    *AuthClient
	store   Store
	devices DeviceLister
	logger  *slog.Logger
}

// NewSession wraps an account. Credentials loaded from the store, if any,
// are used as-is until a call reports them expired.
func NewSession(account models.Account, auth *AuthClient, logger *slog.Logger) *Session {
	return &Session{
		account: account,
		auth:    auth,
		logger:  logger.With("component", "session", "sid", account.SID),
	}
}

// SetStore sets where refreshed credentials are persisted.
func (s *Session) SetStore(store Store) {
	s.store = store
}

// SetDeviceLister sets the device-list call used to resolve the target
// speaker after each handshake.
func (s *Session) SetDeviceLister(fn DeviceLister) {
	s.devices = fn
}

// Snapshot returns a copy of the account plus the session generation. RPC
// clients pass the generation back to Refresh so a refresh that already
// happened is not repeated.
func (s *Session) Snapshot() (models.Account, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, s.gen
}

// Ensure makes the session usable: authenticates when no complete
// credential set is present and resolves the target device. Safe to call
// repeatedly.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.account.HasSession() {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}
		return nil
	}
	return s.resolveDeviceLocked(ctx)
}

// Refresh re-authenticates after an authorization-class failure. gen is the
// generation the caller observed; if another caller already refreshed past
// it, the handshake is skipped and the caller retries with the new
// credentials.
func (s *Session) Refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return nil
	}
	s.logger.Info("session expired, re-authenticating")
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	s.account.ServiceToken = ""
	if err := s.auth.Login(ctx, &s.account); err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) || errors.Is(err, ErrInvalidCredentials) {
			// A second probe cannot succeed without user action, so a
			// stale passToken must not mask the real failure next time.
			s.account.ClearSession()
		}
		return err
	}
	s.gen++

	if err := s.resolveDeviceLocked(ctx); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.Save(ctx, &s.account); err != nil {
			s.logger.Warn("failed to persist session credentials", "error", err)
		}
	}
	return nil
}

// resolveDeviceLocked matches the configured device identifier against the
// account's speaker list. Runs at most once per session refresh.
func (s *Session) resolveDeviceLocked(ctx context.Context) error {
	if s.devices == nil || s.account.Device != nil {
		return nil
	}

	devices, err := s.devices(ctx, s.account)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	if s.account.DID == "" {
		if len(devices) > 0 {
			s.account.Device = &devices[0]
			s.logger.Info("no device configured, using first",
				"device", s.account.Device.Name, "presence", s.account.Device.Presence)
		}
		return nil
	}

	for i := range devices {
		if devices[i].Matches(s.account.DID) {
			s.account.Device = &devices[i]
			s.logger.Info("resolved device",
				"device", devices[i].Name, "hardware", devices[i].Hardware,
				"presence", devices[i].Presence)
			return nil
		}
	}
	return fmt.Errorf("%q: %w", s.account.DID, ErrDeviceNotFound)
}
