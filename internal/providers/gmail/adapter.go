package gmail

import (
	"slices"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailbrain/internal/message"
)

// Message adapts a full-format Gmail API message to message.Message.
type Message struct {
	m *gmail.Message
}

var _ message.Message = (*Message)(nil)

// Wrap returns the adapter for m. A nil m yields an adapter whose accessors
// all return zero values.
func Wrap(m *gmail.Message) *Message {
	if m == nil {
		m = &gmail.Message{}
	}
	return &Message{m: m}
}

func (g *Message) Provider() message.Provider { return message.ProviderGmail }
func (g *Message) ID() string                 { return g.m.Id }
func (g *Message) ThreadID() string           { return g.m.ThreadId }
func (g *Message) Snippet() string            { return g.m.Snippet }
func (g *Message) Labels() []string           { return g.m.LabelIds }

func (g *Message) From() []string     { return splitAddresses(g.header("From")) }
func (g *Message) FromName() []string { return splitNames(g.header("From")) }
func (g *Message) To() []string       { return splitAddresses(g.header("To")) }
func (g *Message) Cc() []string       { return splitAddresses(g.header("Cc")) }
func (g *Message) Subject() string    { return g.header("Subject") }

// IsRead is false only while the UNREAD label is present.
func (g *Message) IsRead() bool {
	return !slices.Contains(g.m.LabelIds, "UNREAD")
}

func (g *Message) Date() (time.Time, error) {
	return message.ParseDate(g.header("Date"))
}

// Content is the best plain-text rendering of the body.
func (g *Message) Content() string {
	return Extract(g.bodyParts(), Rendered)
}

// RawContent is the decoded body, HTML preferred, markup untouched.
func (g *Message) RawContent() string {
	return Extract(g.bodyParts(), Raw)
}

// Attachments walks the whole part tree, payload included.
func (g *Message) Attachments() []message.Attachment {
	if g.m.Payload == nil {
		return nil
	}
	var out []message.Attachment
	collectAttachments(g.m.Payload, &out)
	return out
}

func (g *Message) bodyParts() []*gmail.MessagePart {
	p := g.m.Payload
	if p == nil {
		return nil
	}
	if len(p.Parts) > 0 {
		return p.Parts
	}
	return []*gmail.MessagePart{p}
}

// header returns the first header named name, ignoring case.
func (g *Message) header(name string) string {
	if g.m.Payload == nil {
		return ""
	}
	for _, h := range g.m.Payload.Headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func collectAttachments(p *gmail.MessagePart, out *[]message.Attachment) {
	for _, child := range p.Parts {
		if child != nil {
			collectAttachments(child, out)
		}
	}
	if p.Body != nil && p.Body.AttachmentId != "" {
		*out = append(*out, message.Attachment{
			ID:          p.Body.AttachmentId,
			Filename:    p.Filename,
			ContentType: p.MimeType,
			Size:        p.Body.Size,
		})
	}
}

// splitAddresses turns `"A" <a@x.com>, b@x.com` into lowercase addresses.
func splitAddresses(v string) []string {
	var out []string
	for _, tok := range strings.Split(v, ", ") {
		if !strings.Contains(tok, "@") {
			continue
		}
		if _, rest, ok := strings.Cut(tok, "<"); ok {
			addr, _, _ := strings.Cut(rest, ">")
			out = append(out, strings.ToLower(addr))
			continue
		}
		out = append(out, strings.ToLower(tok))
	}
	return out
}

// splitNames returns display names of the bracketed entries only.
func splitNames(v string) []string {
	var out []string
	for _, tok := range strings.Split(v, ", ") {
		if !strings.Contains(tok, "@") {
			continue
		}
		if name, _, ok := strings.Cut(tok, "<"); ok {
			out = append(out, strings.TrimSpace(name))
		}
	}
	return out
}
