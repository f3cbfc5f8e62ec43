package models

import "time"

// ServiceID selects which vendor sub-service a session is scoped to.
type ServiceID string

const (
	// SIDMiIO scopes a session to the device-control (MiIO/miot) service.
	SIDMiIO ServiceID = "xiaomiio"
	// SIDMiCo scopes a session to the voice-assistant (MiNA) service.
	SIDMiCo ServiceID = "micoapi"
)

// Account is one logical user+service pairing and its session credentials.
// Password is write-only: it is read from configuration and never persisted.
type Account struct {
	SID      ServiceID
	DeviceID string // client-generated passport device id, persisted
	UserID   string
	Password string

	// Session credentials. Either all three are set or the account is
	// treated as unauthenticated (see HasSession).
	PassToken    string
	SSecurity    string
	ServiceToken string

	// DID is the user-supplied target speaker identifier (id, name or
	// alias). Device is the profile resolved from it, at most once per
	// session refresh.
	DID    string
	Device *Device
}

// HasSession reports whether the account carries a complete credential set.
// Partial sets count as unauthenticated.
func (a *Account) HasSession() bool {
	return a.PassToken != "" && a.SSecurity != "" && a.ServiceToken != ""
}

// ClearSession drops the session credentials and the resolved device so the
// next call forces a full login handshake.
func (a *Account) ClearSession() {
	a.PassToken = ""
	a.SSecurity = ""
	a.ServiceToken = ""
	a.Device = nil
}

// StoredAccount is the persisted form of an account's session credentials,
// keyed by service scope. Passwords are never stored.
type StoredAccount struct {
	SID          string    `db:"sid"`
	DeviceID     string    `db:"device_id"`
	UserID       string    `db:"user_id"`
	PassToken    string    `db:"pass_token"`
	SSecurity    string    `db:"ssecurity"`
	ServiceToken string    `db:"service_token"`
	UpdatedAt    time.Time `db:"updated_at"`
}
