package sync

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
)

// Ref identifies a remote message found by a listing. Providers whose
// listings already carry the full payload set Message so no second
// round-trip is needed.
type Ref struct {
	ID      string
	Message message.Message
}

// MailClient is the provider surface a sync pass needs.
type MailClient interface {
	// ListMessages returns the messages of folder received after since.
	ListMessages(ctx context.Context, folder message.Folder, since time.Time) ([]Ref, error)
	// FetchMessage returns the full payload for ref.
	FetchMessage(ctx context.Context, ref Ref) (message.Message, error)
	// Attachments describes the attachments of m without downloading them.
	Attachments(ctx context.Context, m message.Message) ([]message.Attachment, error)
}

// ClientFactory opens a MailClient for acct authorised by tok.
type ClientFactory func(ctx context.Context, acct store.Account, tok *oauth2.Token) (MailClient, error)
