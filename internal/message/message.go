// Package message defines the provider-neutral email model and the accessor
// contract every provider payload implements.
package message

import (
	"errors"
	"fmt"
	"time"
)

// Provider identifies the mail service an account belongs to.
type Provider string

const (
	ProviderGmail   Provider = "GMAIL"
	ProviderOutlook Provider = "OUTLOOK"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// Folder is the canonical folder a stored email is filed under.
type Folder string

const (
	FolderInbox  Folder = "inbox"
	FolderSent   Folder = "sent"
	FolderDrafts Folder = "drafts"
	FolderSpam   Folder = "spam"
	FolderTrash  Folder = "trash"
)

// SyncFolders is the order in which a sync pass walks the remote folders.
var SyncFolders = []Folder{FolderInbox, FolderSent, FolderDrafts, FolderTrash, FolderSpam}

// Valid reports whether f is one of the canonical folders.
func (f Folder) Valid() bool {
	switch f {
	case FolderInbox, FolderSent, FolderDrafts, FolderSpam, FolderTrash:
		return true
	}
	return false
}

// Attachment describes a remote attachment. Content is never downloaded here.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
}

// Message is the read-only view over a provider payload. Implementations
// must tolerate missing or malformed fields and return zero values for them.
type Message interface {
	Provider() Provider
	ID() string
	ThreadID() string
	From() []string
	FromName() []string
	To() []string
	Cc() []string
	Subject() string
	// Date returns ErrEmptyDate when the payload carries no date at all.
	Date() (time.Time, error)
	Content() string
	RawContent() string
	Snippet() string
	Labels() []string
	IsRead() bool
	// Attachments lists attachments visible in the payload itself. Providers
	// that need a separate round-trip return nil and are resolved by the client.
	Attachments() []Attachment
}

// Email is the canonical, provider-neutral record built from a Message.
type Email struct {
	ID         string
	ThreadID   string
	From       []string
	FromName   []string
	To         []string
	Cc         []string
	Subject    string
	Content    string
	RawContent string
	Snippet    string
	Labels     []string
	Date       *time.Time
	IsRead     bool
	Provider   Provider
}

// Canonical projects m into an Email. A missing date leaves Email.Date nil;
// a date that is present but unparseable is returned as an error so the
// caller can skip the message.
func Canonical(m Message) (Email, error) {
	e := Email{
		ID:         m.ID(),
		ThreadID:   m.ThreadID(),
		From:       m.From(),
		FromName:   m.FromName(),
		To:         m.To(),
		Cc:         m.Cc(),
		Subject:    m.Subject(),
		Content:    m.Content(),
		RawContent: m.RawContent(),
		Snippet:    m.Snippet(),
		Labels:     m.Labels(),
		IsRead:     m.IsRead(),
		Provider:   m.Provider(),
	}

	date, err := m.Date()
	switch {
	case errors.Is(err, ErrEmptyDate):
	case err != nil:
		return Email{}, fmt.Errorf("message %s: %w", e.ID, err)
	default:
		e.Date = &date
	}
	return e, nil
}
