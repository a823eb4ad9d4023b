// Package gmail adapts the Gmail API to the provider-neutral mail model.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/sync"
)

const user = "me"

// Scopes are the OAuth scopes the client needs.
var Scopes = []string{gmail.GmailModifyScope}

var folderLabels = map[message.Folder]string{
	message.FolderInbox:  "INBOX",
	message.FolderSent:   "SENT",
	message.FolderDrafts: "DRAFT",
	message.FolderTrash:  "TRASH",
	message.FolderSpam:   "SPAM",
}

// Client talks to the Gmail API on behalf of one account.
type Client struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
}

var _ sync.MailClient = (*Client)(nil)

// NewBreaker returns the circuit breaker shared by all Gmail clients of a process.
func NewBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			ratio := float64(c.TotalFailures) / float64(c.Requests)
			return c.ConsecutiveFailures > 5 || (c.Requests >= 10 && ratio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// NewClient creates a client authorised by ts. cb may be nil.
func NewClient(ctx context.Context, ts oauth2.TokenSource, cb *gobreaker.CircuitBreaker, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Client{svc: svc, cb: cb}, nil
}

// ListMessages lists ids in folder after the given day. Gmail only
// filters by calendar day, the id diff removes the overlap.
func (c *Client) ListMessages(ctx context.Context, folder message.Folder, since time.Time) ([]sync.Ref, error) {
	label, ok := folderLabels[folder]
	if !ok {
		return nil, fmt.Errorf("unknown folder %q", folder)
	}
	call := c.svc.Users.Messages.List(user).
		LabelIds(label).
		Q("after:" + since.UTC().Format("2006/01/02")).
		IncludeSpamTrash(true).
		MaxResults(500)

	var refs []sync.Ref
	err := c.guard(func() error {
		refs = refs[:0]
		return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				refs = append(refs, sync.Ref{ID: m.Id})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list %s messages: %w", folder, err)
	}
	return refs, nil
}

// FetchMessage gets the full payload of ref.
func (c *Client) FetchMessage(ctx context.Context, ref sync.Ref) (message.Message, error) {
	if ref.Message != nil {
		return ref.Message, nil
	}
	var m *gmail.Message
	err := c.guard(func() (err error) {
		m, err = c.svc.Users.Messages.Get(user, ref.ID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", ref.ID, err)
	}
	return Wrap(m), nil
}

// Attachments are part of the full payload.
func (c *Client) Attachments(_ context.Context, m message.Message) ([]message.Attachment, error) {
	return m.Attachments(), nil
}

// FetchAttachment downloads one attachment body.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := c.guard(func() (err error) {
		body, err = c.svc.Users.Messages.Attachments.Get(user, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", attachmentID, err)
	}
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(body.Data, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// SetRead toggles the UNREAD label.
func (c *Client) SetRead(ctx context.Context, id string, read bool) error {
	if read {
		return c.modify(ctx, id, nil, []string{"UNREAD"})
	}
	return c.modify(ctx, id, []string{"UNREAD"}, nil)
}

// Archive removes the message from the inbox without filing it elsewhere.
func (c *Client) Archive(ctx context.Context, id string) error {
	return c.modify(ctx, id, nil, []string{"INBOX"})
}

// Move files the message under folder.
func (c *Client) Move(ctx context.Context, id string, folder message.Folder) error {
	switch folder {
	case message.FolderTrash:
		return c.guard(func() error {
			_, err := c.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
			return err
		})
	case message.FolderInbox:
		return c.modify(ctx, id, []string{"INBOX"}, []string{"SPAM", "TRASH"})
	case message.FolderSpam:
		return c.modify(ctx, id, []string{"SPAM"}, []string{"INBOX"})
	}
	return fmt.Errorf("cannot move message to %q", folder)
}

func (c *Client) modify(ctx context.Context, id string, add, remove []string) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	err := c.guard(func() error {
		_, err := c.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("modify message %s: %w", id, err)
	}
	return nil
}

// guard runs fn through the circuit breaker. Client errors do not count
// as breaker failures.
func (c *Client) guard(fn func() error) error {
	if c.cb == nil {
		return fn()
	}
	var clientErr error
	_, err := c.cb.Execute(func() (any, error) {
		err := fn()
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code >= http.StatusBadRequest &&
			apiErr.Code < http.StatusInternalServerError && apiErr.Code != http.StatusTooManyRequests {
			clientErr = err
			return nil, nil
		}
		return nil, err
	})
	if clientErr != nil {
		return clientErr
	}
	return err
}
