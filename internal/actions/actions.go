// Package actions applies user actions on stored emails and mirrors them
// on the provider mailbox.
package actions

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
)

// Action is a user action on one email.
type Action string

const (
	MarkRead    Action = "read"
	MarkUnread  Action = "unread"
	Archive     Action = "archive"
	Delete      Action = "trash"
	MoveToInbox Action = "inbox"
	MoveToSpam  Action = "spam"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case MarkRead, MarkUnread, Archive, Delete, MoveToInbox, MoveToSpam:
		return true
	}
	return false
}

// Mailbox is the provider side of the actions.
type Mailbox interface {
	SetRead(ctx context.Context, id string, read bool) error
	Archive(ctx context.Context, id string) error
	Move(ctx context.Context, id string, folder message.Folder) error
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// MailboxFactory opens the provider mailbox of acct.
type MailboxFactory func(ctx context.Context, acct store.Account, tok *oauth2.Token) (Mailbox, error)

// Service applies actions.
type Service struct {
	store     *store.Store
	mailboxes MailboxFactory
	logger    *slog.Logger
}

func NewService(st *store.Store, mailboxes MailboxFactory, logger *slog.Logger) *Service {
	return &Service{store: st, mailboxes: mailboxes, logger: logger.With("component", "actions")}
}

// Apply runs action on the email with id. When userID is set the email
// must belong to one of that user's accounts. The stored email is updated
// before the provider is called; archiving only touches the provider.
func (s *Service) Apply(ctx context.Context, userID, emailID string, action Action) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", action)
	}
	email, acct, err := s.load(ctx, userID, emailID)
	if err != nil {
		return err
	}

	switch action {
	case MarkRead, MarkUnread:
		err = s.store.SetEmailRead(ctx, email.ID, action == MarkRead)
	case Delete:
		err = s.store.SetEmailFolder(ctx, email.ID, message.FolderTrash)
	case MoveToInbox:
		err = s.store.SetEmailFolder(ctx, email.ID, message.FolderInbox)
	case MoveToSpam:
		err = s.store.SetEmailFolder(ctx, email.ID, message.FolderSpam)
	}
	if err != nil {
		return err
	}

	mb, err := s.mailbox(ctx, acct)
	if err != nil {
		return err
	}
	switch action {
	case MarkRead, MarkUnread:
		err = mb.SetRead(ctx, email.EmailID, action == MarkRead)
	case Archive:
		err = mb.Archive(ctx, email.EmailID)
	case Delete:
		err = mb.Move(ctx, email.EmailID, message.FolderTrash)
	case MoveToInbox:
		err = mb.Move(ctx, email.EmailID, message.FolderInbox)
	case MoveToSpam:
		err = mb.Move(ctx, email.EmailID, message.FolderSpam)
	}
	if err != nil {
		s.logger.Error("provider action failed",
			"action", action, "email_id", email.ID, "account_id", acct.ID, "err", err)
		return fmt.Errorf("%s on %s: %w", action, acct.Provider, err)
	}
	s.logger.Info("action applied", "action", action, "email_id", email.ID, "account_id", acct.ID)
	return nil
}

// Attachment downloads the content of a stored attachment.
func (s *Service) Attachment(ctx context.Context, userID, emailID, attachmentID string) (store.Attachment, []byte, error) {
	email, acct, err := s.load(ctx, userID, emailID)
	if err != nil {
		return store.Attachment{}, nil, err
	}
	for _, att := range email.Attachments {
		if att.ID != attachmentID {
			continue
		}
		mb, err := s.mailbox(ctx, acct)
		if err != nil {
			return store.Attachment{}, nil, err
		}
		data, err := mb.FetchAttachment(ctx, email.EmailID, att.AttachmentID)
		if err != nil {
			return store.Attachment{}, nil, err
		}
		return att, data, nil
	}
	return store.Attachment{}, nil, fmt.Errorf("attachment %s: %w", attachmentID, store.ErrNotFound)
}

func (s *Service) load(ctx context.Context, userID, emailID string) (store.Email, store.Account, error) {
	email, err := s.store.GetEmail(ctx, emailID)
	if err != nil {
		return store.Email{}, store.Account{}, err
	}
	acct, err := s.store.GetAccount(ctx, email.AccountID)
	if err != nil {
		return store.Email{}, store.Account{}, err
	}
	if userID != "" && acct.UserID != userID {
		return store.Email{}, store.Account{}, fmt.Errorf("email %s: %w", emailID, store.ErrNotFound)
	}
	return email, acct, nil
}

func (s *Service) mailbox(ctx context.Context, acct store.Account) (Mailbox, error) {
	tok, err := s.store.GetToken(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	mb, err := s.mailboxes(ctx, acct, tok)
	if err != nil {
		return nil, fmt.Errorf("open %s mailbox: %w", acct.Provider, err)
	}
	return mb, nil
}
