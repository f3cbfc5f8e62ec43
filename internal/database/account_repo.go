package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ilyakh/mispeaker/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// GetAccount returns the stored session credentials for a service scope.
func (db *DB) GetAccount(ctx context.Context, sid models.ServiceID) (*models.StoredAccount, error) {
	var account models.StoredAccount
	query := `SELECT * FROM mi_accounts WHERE sid = ?`
	err := db.GetContext(ctx, &account, query, string(sid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// SaveAccount upserts session credentials for a service scope. Written only
// after a successful handshake; passwords are never stored.
func (db *DB) SaveAccount(ctx context.Context, account *models.StoredAccount) error {
	query := `
		INSERT INTO mi_accounts (sid, device_id, user_id, pass_token, ssecurity, service_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sid) DO UPDATE SET
			device_id = excluded.device_id,
			user_id = excluded.user_id,
			pass_token = excluded.pass_token,
			ssecurity = excluded.ssecurity,
			service_token = excluded.service_token,
			updated_at = excluded.updated_at
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		account.SID,
		account.DeviceID,
		account.UserID,
		account.PassToken,
		account.SSecurity,
		account.ServiceToken,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	account.UpdatedAt = now
	return nil
}

// DeleteAccount drops stored credentials for a service scope.
func (db *DB) DeleteAccount(ctx context.Context, sid models.ServiceID) error {
	query := `DELETE FROM mi_accounts WHERE sid = ?`
	_, err := db.ExecContext(ctx, query, string(sid))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// AccountStore adapts the database to the session's persistence hook for
// one service scope.
type AccountStore struct {
	db *DB
}

// NewAccountStore creates a session credential store.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

// Save persists a refreshed session.
func (s *AccountStore) Save(ctx context.Context, account *models.Account) error {
	return s.db.SaveAccount(ctx, &models.StoredAccount{
		SID:          string(account.SID),
		DeviceID:     account.DeviceID,
		UserID:       account.UserID,
		PassToken:    account.PassToken,
		SSecurity:    account.SSecurity,
		ServiceToken: account.ServiceToken,
	})
}

// Load restores cached credentials into an account, if any exist for its
// scope. Missing rows are not an error.
func (s *AccountStore) Load(ctx context.Context, account *models.Account) error {
	stored, err := s.db.GetAccount(ctx, account.SID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if stored.DeviceID != "" {
		account.DeviceID = stored.DeviceID
	}
	account.UserID = stored.UserID
	account.PassToken = stored.PassToken
	account.SSecurity = stored.SSecurity
	account.ServiceToken = stored.ServiceToken
	return nil
}
