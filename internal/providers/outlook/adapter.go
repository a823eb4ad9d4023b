package outlook

import (
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailbrain/internal/message"
)

// Message adapts a Graph message to message.Message. Graph hands back
// rendered fields, so most accessors are plain projections.
type Message struct {
	m models.Messageable
}

var _ message.Message = (*Message)(nil)

// Wrap returns the adapter for m.
func Wrap(m models.Messageable) *Message {
	if m == nil {
		m = models.NewMessage()
	}
	return &Message{m: m}
}

func (o *Message) Provider() message.Provider { return message.ProviderOutlook }
func (o *Message) ID() string                 { return deref(o.m.GetId()) }

// ThreadID and Snippet are not carried over from Graph.
func (o *Message) ThreadID() string { return "" }
func (o *Message) Snippet() string  { return "" }

func (o *Message) From() []string {
	if addr := o.sender(); addr != nil {
		if a := deref(addr.GetAddress()); a != "" {
			return []string{strings.ToLower(a)}
		}
	}
	return nil
}

func (o *Message) FromName() []string {
	if addr := o.sender(); addr != nil {
		if n := deref(addr.GetName()); n != "" {
			return []string{n}
		}
	}
	return nil
}

func (o *Message) To() []string       { return addresses(o.m.GetToRecipients()) }
func (o *Message) Cc() []string       { return addresses(o.m.GetCcRecipients()) }
func (o *Message) Subject() string    { return deref(o.m.GetSubject()) }
func (o *Message) Labels() []string   { return o.m.GetCategories() }
func (o *Message) IsRead() bool       { return o.m.GetIsRead() != nil && *o.m.GetIsRead() }
func (o *Message) RawContent() string { return o.Content() }

func (o *Message) Content() string {
	if body := o.m.GetBody(); body != nil {
		return deref(body.GetContent())
	}
	return ""
}

func (o *Message) Date() (time.Time, error) {
	if t := o.m.GetReceivedDateTime(); t != nil {
		return t.UTC(), nil
	}
	return time.Time{}, message.ErrEmptyDate
}

// Attachments are resolved by the client, Graph does not inline them.
func (o *Message) Attachments() []message.Attachment { return nil }

func (o *Message) sender() models.EmailAddressable {
	r := o.m.GetSender()
	if r == nil {
		r = o.m.GetFrom()
	}
	if r == nil {
		return nil
	}
	return r.GetEmailAddress()
}

func addresses(rs []models.Recipientable) []string {
	var out []string
	for _, r := range rs {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		if a := deref(r.GetEmailAddress().GetAddress()); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
