// Package outlook adapts Microsoft Graph mail to the provider-neutral mail model.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/sync"
)

// Scopes are the delegated Graph scopes the client needs.
var Scopes = []string{"offline_access", "https://graph.microsoft.com/Mail.ReadWrite"}

// Well-known Graph folder names.
var folderNames = map[message.Folder]string{
	message.FolderInbox:  "inbox",
	message.FolderSent:   "sentitems",
	message.FolderDrafts: "drafts",
	message.FolderTrash:  "deleteditems",
	message.FolderSpam:   "junkemail",
}

const archiveFolder = "archive"

var selectFields = []string{
	"id", "subject", "sender", "from", "toRecipients", "ccRecipients",
	"body", "receivedDateTime", "isRead", "categories", "hasAttachments",
}

const pageSize int32 = 100

// Client talks to Microsoft Graph on behalf of one account.
type Client struct {
	graph *msgraphsdk.GraphServiceClient
}

var _ sync.MailClient = (*Client)(nil)

// NewClient creates a Graph client authorised by ts.
func NewClient(ts oauth2.TokenSource) (*Client, error) {
	graph, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCredential{ts: ts}, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}
	return &Client{graph: graph}, nil
}

func newClientWithAdapter(adapter *msgraphsdk.GraphRequestAdapter) *Client {
	return &Client{graph: msgraphsdk.NewGraphServiceClient(adapter)}
}

// ListMessages returns full messages of folder received after since.
// Immutable ids are requested so a message keeps its id across folders.
func (c *Client) ListMessages(ctx context.Context, folder message.Folder, since time.Time) ([]sync.Ref, error) {
	name, ok := folderNames[folder]
	if !ok {
		return nil, fmt.Errorf("unknown folder %q", folder)
	}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `IdType="ImmutableId"`)
	filter := "receivedDateTime gt " + since.UTC().Format("2006-01-02T15:04:05Z")
	top := pageSize
	config := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: selectFields,
			Top:    &top,
		},
	}

	builder := c.graph.Me().MailFolders().ByMailFolderId(name).Messages()
	resp, err := builder.Get(ctx, config)
	var refs []sync.Ref
	for err == nil {
		for _, m := range resp.GetValue() {
			if m == nil || m.GetId() == nil {
				continue
			}
			refs = append(refs, sync.Ref{ID: *m.GetId(), Message: Wrap(m)})
		}
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return refs, nil
		}
		resp, err = builder.WithUrl(*next).Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{Headers: headers})
	}
	return nil, fmt.Errorf("list %s messages: %w", folder, err)
}

// FetchMessage returns the listed payload, or fetches it when absent.
func (c *Client) FetchMessage(ctx context.Context, ref sync.Ref) (message.Message, error) {
	if ref.Message != nil {
		return ref.Message, nil
	}
	m, err := c.graph.Me().Messages().ByMessageId(ref.ID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", ref.ID, err)
	}
	return Wrap(m), nil
}

// Attachments lists attachment metadata of m.
func (c *Client) Attachments(ctx context.Context, m message.Message) ([]message.Attachment, error) {
	if om, ok := m.(*Message); ok {
		if has := om.m.GetHasAttachments(); has != nil && !*has {
			return nil, nil
		}
	}
	resp, err := c.graph.Me().Messages().ByMessageId(m.ID()).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list attachments of %s: %w", m.ID(), err)
	}
	var out []message.Attachment
	for _, a := range resp.GetValue() {
		if a == nil || a.GetId() == nil {
			continue
		}
		att := message.Attachment{
			ID:          *a.GetId(),
			Filename:    deref(a.GetName()),
			ContentType: deref(a.GetContentType()),
		}
		if size := a.GetSize(); size != nil {
			att.Size = int64(*size)
		}
		out = append(out, att)
	}
	return out, nil
}

// FetchAttachment downloads a file attachment.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	a, err := c.graph.Me().Messages().ByMessageId(messageID).Attachments().ByAttachmentId(attachmentID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", attachmentID, err)
	}
	file, ok := a.(models.FileAttachmentable)
	if !ok {
		return nil, errors.New("attachment is not a file")
	}
	return file.GetContentBytes(), nil
}

// SetRead patches the isRead flag.
func (c *Client) SetRead(ctx context.Context, id string, read bool) error {
	patch := models.NewMessage()
	patch.SetIsRead(&read)
	if _, err := c.graph.Me().Messages().ByMessageId(id).Patch(ctx, patch, nil); err != nil {
		return fmt.Errorf("patch message %s: %w", id, err)
	}
	return nil
}

// Archive moves the message to the Archive folder.
func (c *Client) Archive(ctx context.Context, id string) error {
	return c.moveTo(ctx, id, archiveFolder)
}

// Move files the message under folder.
func (c *Client) Move(ctx context.Context, id string, folder message.Folder) error {
	name, ok := folderNames[folder]
	if !ok {
		return fmt.Errorf("cannot move message to %q", folder)
	}
	return c.moveTo(ctx, id, name)
}

func (c *Client) moveTo(ctx context.Context, id, destination string) error {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(&destination)
	if _, err := c.graph.Me().Messages().ByMessageId(id).Move().Post(ctx, body, nil); err != nil {
		return fmt.Errorf("move message %s to %s: %w", id, destination, err)
	}
	return nil
}
