package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbrain/internal/message"
)

// Email is a persisted message. EmailID is the provider's id, unique
// within the owning account.
type Email struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	EmailID     string         `json:"email_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	From        []string       `json:"from"`
	FromName    []string       `json:"from_name"`
	To          []string       `json:"to"`
	Cc          []string       `json:"cc"`
	Subject     string         `json:"subject"`
	Content     string         `json:"content"`
	RawContent  string         `json:"raw_content,omitempty"`
	Snippet     string         `json:"snippet,omitempty"`
	Labels      []string       `json:"labels"`
	Date        *time.Time     `json:"date"`
	IsRead      bool           `json:"is_read"`
	Folder      message.Folder `json:"folder"`
	Processed   bool           `json:"processed"`
	Summary     string         `json:"summary,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Attachment is the persisted descriptor of a remote attachment.
type Attachment struct {
	ID           string `json:"id" db:"id"`
	EmailID      string `json:"email_id" db:"email_id"`
	AttachmentID string `json:"attachment_id" db:"attachment_id"`
	Name         string `json:"name" db:"name"`
	ContentType  string `json:"content_type" db:"content_type"`
	Size         int64  `json:"size" db:"size"`
	Processed    bool   `json:"processed" db:"processed"`
}

// NewEmail binds a canonical message to an account and folder. The id is
// allocated up front so attachments can reference it before commit.
func NewEmail(accountID string, m message.Email, folder message.Folder) Email {
	return Email{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		EmailID:    m.ID,
		ThreadID:   m.ThreadID,
		From:       m.From,
		FromName:   m.FromName,
		To:         m.To,
		Cc:         m.Cc,
		Subject:    m.Subject,
		Content:    m.Content,
		RawContent: m.RawContent,
		Snippet:    m.Snippet,
		Labels:     m.Labels,
		Date:       m.Date,
		IsRead:     m.IsRead,
		Folder:     folder,
	}
}

// AddAttachments links descriptors to e.
func (e *Email) AddAttachments(atts []message.Attachment) {
	for _, a := range atts {
		e.Attachments = append(e.Attachments, Attachment{
			ID:           uuid.NewString(),
			EmailID:      e.ID,
			AttachmentID: a.ID,
			Name:         a.Filename,
			ContentType:  a.ContentType,
			Size:         a.Size,
		})
	}
}

type emailRow struct {
	ID         string         `db:"id"`
	AccountID  string         `db:"account_id"`
	EmailID    string         `db:"email_id"`
	ThreadID   sql.NullString `db:"thread_id"`
	Sender     string         `db:"sender"`
	SenderName string         `db:"sender_name"`
	To         string         `db:"to_addrs"`
	Cc         string         `db:"cc_addrs"`
	Subject    sql.NullString `db:"subject"`
	Content    sql.NullString `db:"content"`
	RawContent sql.NullString `db:"raw_content"`
	Snippet    sql.NullString `db:"snippet"`
	Labels     string         `db:"labels"`
	Date       sql.NullInt64  `db:"date"`
	IsRead     bool           `db:"is_read"`
	Folder     string         `db:"folder"`
	Processed  bool           `db:"processed"`
	Summary    sql.NullString `db:"summary"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

const emailColumns = `id, account_id, email_id, thread_id, sender, sender_name, to_addrs, cc_addrs,
	subject, content, raw_content, snippet, labels, date, is_read, folder, processed, summary,
	created_at, updated_at`

func toEmailRow(e Email, now int64) (emailRow, error) {
	lists := make([]string, 5)
	for i, l := range [][]string{e.From, e.FromName, e.To, e.Cc, e.Labels} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return emailRow{}, fmt.Errorf("encode email %s: %w", e.EmailID, err)
		}
		lists[i] = string(b)
	}
	return emailRow{
		ID:         e.ID,
		AccountID:  e.AccountID,
		EmailID:    e.EmailID,
		ThreadID:   nullString(e.ThreadID),
		Sender:     lists[0],
		SenderName: lists[1],
		To:         lists[2],
		Cc:         lists[3],
		Subject:    nullString(e.Subject),
		Content:    nullString(e.Content),
		RawContent: nullString(e.RawContent),
		Snippet:    nullString(e.Snippet),
		Labels:     lists[4],
		Date:       millis(e.Date),
		IsRead:     e.IsRead,
		Folder:     string(e.Folder),
		Processed:  e.Processed,
		Summary:    nullString(e.Summary),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (r emailRow) email() (Email, error) {
	e := Email{
		ID:         r.ID,
		AccountID:  r.AccountID,
		EmailID:    r.EmailID,
		ThreadID:   r.ThreadID.String,
		Subject:    r.Subject.String,
		Content:    r.Content.String,
		RawContent: r.RawContent.String,
		Snippet:    r.Snippet.String,
		Date:       fromMillis(r.Date),
		IsRead:     r.IsRead,
		Folder:     message.Folder(r.Folder),
		Processed:  r.Processed,
		Summary:    r.Summary.String,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
	}
	lists := []struct {
		src string
		dst *[]string
	}{
		{r.Sender, &e.From},
		{r.SenderName, &e.FromName},
		{r.To, &e.To},
		{r.Cc, &e.Cc},
		{r.Labels, &e.Labels},
	}
	for _, l := range lists {
		if err := json.Unmarshal([]byte(l.src), l.dst); err != nil {
			return Email{}, fmt.Errorf("decode email %s: %w", r.ID, err)
		}
	}
	return e, nil
}

// existingChunk bounds the IN list of ExistingEmailIDs.
const existingChunk = 500

// ExistingEmailIDs returns the subset of provider ids already stored for
// an account.
func (s *Store) ExistingEmailIDs(ctx context.Context, accountID string, ids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += existingChunk {
		chunk := ids[start:min(start+existingChunk, len(ids))]
		q, args, err := sqlx.In(`SELECT email_id FROM emails WHERE account_id = ? AND email_id IN (?)`, accountID, chunk)
		if err != nil {
			return nil, fmt.Errorf("build existing ids query: %w", err)
		}
		var found []string
		if err := s.db.SelectContext(ctx, &found, s.db.Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("query existing ids: %w", err)
		}
		for _, id := range found {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

// InsertBatch stores emails and their attachments in one transaction.
// Nothing is written if any row fails; a duplicate provider id surfaces
// as ErrAlreadyExists.
func (s *Store) InsertBatch(ctx context.Context, emails []Email) error {
	if len(emails) == 0 {
		return nil
	}
	now := s.nowMillis()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range emails {
			row, err := toEmailRow(e, now)
			if err != nil {
				return err
			}
			_, err = tx.NamedExecContext(ctx, `
				INSERT INTO emails (`+emailColumns+`)
				VALUES (:id, :account_id, :email_id, :thread_id, :sender, :sender_name, :to_addrs, :cc_addrs,
					:subject, :content, :raw_content, :snippet, :labels, :date, :is_read, :folder, :processed,
					:summary, :created_at, :updated_at)
			`, row)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("insert email %s: %w: %w", e.EmailID, ErrAlreadyExists, err)
				}
				return fmt.Errorf("insert email %s: %w", e.EmailID, err)
			}
			for _, a := range e.Attachments {
				_, err = tx.NamedExecContext(ctx, `
					INSERT INTO email_attachments (id, email_id, attachment_id, name, content_type, size, processed)
					VALUES (:id, :email_id, :attachment_id, :name, :content_type, :size, :processed)
				`, a)
				if err != nil {
					return fmt.Errorf("insert attachment of %s: %w", e.EmailID, err)
				}
			}
		}
		return nil
	})
}

// GetEmail returns an email with its attachments.
func (s *Store) GetEmail(ctx context.Context, id string) (Email, error) {
	var row emailRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+emailColumns+` FROM emails WHERE id = ?`), id)
	if err != nil {
		return Email{}, notFound(err, "email "+id)
	}
	e, err := row.email()
	if err != nil {
		return Email{}, err
	}
	err = s.db.SelectContext(ctx, &e.Attachments, s.db.Rebind(`
		SELECT id, email_id, attachment_id, name, content_type, size, processed
		FROM email_attachments WHERE email_id = ? ORDER BY name
	`), id)
	if err != nil {
		return Email{}, fmt.Errorf("list attachments of %s: %w", id, err)
	}
	return e, nil
}

// ListEmails returns the newest emails of an account, optionally limited
// to one folder.
func (s *Store) ListEmails(ctx context.Context, accountID string, folder message.Folder, limit, offset int) ([]Email, error) {
	q := `SELECT ` + emailColumns + ` FROM emails WHERE account_id = ?`
	args := []any{accountID}
	if folder != "" {
		q += ` AND folder = ?`
		args = append(args, string(folder))
	}
	q += ` ORDER BY date DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	emails := make([]Email, 0, len(rows))
	for _, r := range rows {
		e, err := r.email()
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// CountEmails returns how many emails an account has stored.
func (s *Store) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM emails WHERE account_id = ?`), accountID); err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return n, nil
}

// SetEmailRead updates the read flag.
func (s *Store) SetEmailRead(ctx context.Context, id string, read bool) error {
	return s.updateEmail(ctx, id, `is_read = ?`, read)
}

// SetEmailFolder reassigns the folder. Deleting an email goes through here
// with the trash folder; rows are never removed.
func (s *Store) SetEmailFolder(ctx context.Context, id string, folder message.Folder) error {
	if !folder.Valid() {
		return fmt.Errorf("invalid folder %q", folder)
	}
	return s.updateEmail(ctx, id, `folder = ?`, string(folder))
}

func (s *Store) updateEmail(ctx context.Context, id, set string, value any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE emails SET `+set+`, updated_at = ? WHERE id = ?`),
		value, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("update email %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	return nil
}
