package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/classifier"
	"github.com/Martian-dev/mailbrain/internal/message"
)

// Status is the sync lifecycle state of an account.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusSyncing    Status = "SYNCING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Account is one connected mailbox.
type Account struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Provider  message.Provider `json:"provider"`
	Email     string           `json:"email"`
	Status    Status           `json:"status"`
	LastSync  *time.Time       `json:"last_sync"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type accountRow struct {
	ID        string        `db:"id"`
	UserID    string        `db:"user_id"`
	Provider  string        `db:"provider"`
	Email     string        `db:"email"`
	Status    string        `db:"status"`
	LastSync  sql.NullInt64 `db:"last_sync"`
	CreatedAt int64         `db:"created_at"`
	UpdatedAt int64         `db:"updated_at"`
}

func (r accountRow) account() Account {
	return Account{
		ID:        r.ID,
		UserID:    r.UserID,
		Provider:  message.Provider(r.Provider),
		Email:     r.Email,
		Status:    Status(r.Status),
		LastSync:  fromMillis(r.LastSync),
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

const accountColumns = `id, user_id, provider, email, status, last_sync, created_at, updated_at`

// GetOrCreateAccount returns the account for (userID, provider, email),
// creating it with empty settings when missing. A concurrent creator wins
// the unique constraint and both callers read back the same row.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID string, provider message.Provider, email string) (Account, bool, error) {
	if !provider.Valid() {
		return Account{}, false, fmt.Errorf("unsupported provider %q", provider)
	}
	id := uuid.NewString()
	now := s.nowMillis()
	var created bool

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO accounts (id, user_id, provider, email, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, provider, email) DO NOTHING
		`), id, userID, string(provider), email, string(StatusNotStarted), now, now)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if n == 0 {
			return nil
		}
		created = true
		return insertSettings(ctx, tx, id, classifier.Lists{}, now)
	})
	if err != nil {
		return Account{}, false, err
	}

	var row accountRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = ? AND provider = ? AND email = ?
	`), userID, string(provider), email)
	if err != nil {
		return Account{}, false, notFound(err, "account")
	}
	return row.account(), created, nil
}

// GetAccount returns the account with id.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if err != nil {
		return Account{}, notFound(err, "account "+id)
	}
	return row.account(), nil
}

// ListAccounts returns all accounts, or those of userID when it is set.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at, id`

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	accounts := make([]Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account())
	}
	return accounts, nil
}

// SetAccountStatus records a lifecycle transition.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status Status) error {
	return s.updateAccount(ctx, id, `status = ?`, string(status))
}

// SetLastSync advances the sync watermark.
func (s *Store) SetLastSync(ctx context.Context, id string, at time.Time) error {
	return s.updateAccount(ctx, id, `last_sync = ?`, at.UnixMilli())
}

func (s *Store) updateAccount(ctx context.Context, id, set string, value any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET `+set+`, updated_at = ? WHERE id = ?`),
		value, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAccount removes an account with its tokens, settings and emails.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

type tokenRow struct {
	AccessToken  string        `db:"access_token"`
	RefreshToken string        `db:"refresh_token"`
	TokenType    string        `db:"token_type"`
	Expiry       sql.NullInt64 `db:"expiry"`
}

// GetToken returns the OAuth token bound to an account.
func (s *Store) GetToken(ctx context.Context, accountID string) (*oauth2.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT access_token, refresh_token, token_type, expiry FROM tokens WHERE account_id = ?
	`), accountID)
	if err != nil {
		return nil, notFound(err, "token")
	}
	tok := &oauth2.Token{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    row.TokenType,
	}
	if exp := fromMillis(row.Expiry); exp != nil {
		tok.Expiry = *exp
	}
	return tok, nil
}

// SaveToken stores tok for an account, replacing any previous token.
// Providers may omit the refresh token on refresh; the stored one is kept.
func (s *Store) SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("save token: empty access token")
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		expiry = &tok.Expiry
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tokens (account_id, access_token, refresh_token, token_type, expiry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN tokens.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`), accountID, tok.AccessToken, tok.RefreshToken, tok.TokenType, millis(expiry), s.nowMillis())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return fmt.Errorf("save token for %s: %w", accountID, err)
	}
	return nil
}

// GetOrCreateSettings returns the sender lists of an account, creating
// empty ones when absent.
func (s *Store) GetOrCreateSettings(ctx context.Context, accountID string) (classifier.Lists, error) {
	var lists classifier.Lists
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var raw string
		err := tx.GetContext(ctx, &raw, tx.Rebind(`SELECT email_list FROM settings WHERE account_id = ?`), accountID)
		if errors.Is(err, sql.ErrNoRows) {
			return insertSettings(ctx, tx, accountID, lists, s.nowMillis())
		}
		if err != nil {
			return fmt.Errorf("get settings: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &lists); err != nil {
			return fmt.Errorf("decode settings: %w", err)
		}
		return nil
	})
	return lists, err
}

// UpdateSettings replaces the sender lists of an account.
func (s *Store) UpdateSettings(ctx context.Context, accountID string, lists classifier.Lists) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		raw, err := encodeLists(lists)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE settings SET email_list = ?, updated_at = ? WHERE account_id = ?`),
			raw, s.nowMillis(), accountID)
		if err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		return insertSettings(ctx, tx, accountID, lists, s.nowMillis())
	})
}

func insertSettings(ctx context.Context, tx *sqlx.Tx, accountID string, lists classifier.Lists, now int64) error {
	raw, err := encodeLists(lists)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO settings (account_id, email_list, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO NOTHING
	`), accountID, raw, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return fmt.Errorf("insert settings: %w", err)
	}
	return nil
}

func encodeLists(l classifier.Lists) (string, error) {
	if l.Inbox == nil {
		l.Inbox = []string{}
	}
	if l.Spam == nil {
		l.Spam = []string{}
	}
	if l.Trash == nil {
		l.Trash = []string{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(b), nil
}
