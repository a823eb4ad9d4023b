package outlook

import (
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/nalgeon/be"

	"github.com/Martian-dev/mailbrain/internal/message"
)

func recipient(addr, name string) models.Recipientable {
	e := models.NewEmailAddress()
	e.SetAddress(&addr)
	if name != "" {
		e.SetName(&name)
	}
	r := models.NewRecipient()
	r.SetEmailAddress(e)
	return r
}

func TestAdapterProjections(t *testing.T) {
	id, subject, content := "o1", "Quarterly", "<p>numbers</p>"
	received := time.Date(2024, 1, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	read := true

	body := models.NewItemBody()
	body.SetContent(&content)

	m := models.NewMessage()
	m.SetId(&id)
	m.SetSubject(&subject)
	m.SetBody(body)
	m.SetReceivedDateTime(&received)
	m.SetIsRead(&read)
	m.SetSender(recipient("Boss@Corp.com", "The Boss"))
	m.SetToRecipients([]models.Recipientable{recipient("a@x.com", ""), recipient("b@x.com", "")})
	m.SetCcRecipients([]models.Recipientable{recipient("c@x.com", "")})
	m.SetCategories([]string{"Blue"})

	o := Wrap(m)
	be.Equal(t, o.Provider(), message.ProviderOutlook)
	be.Equal(t, o.ID(), "o1")
	be.Equal(t, o.ThreadID(), "")
	be.Equal(t, o.Snippet(), "")
	be.Equal(t, o.From(), []string{"boss@corp.com"})
	be.Equal(t, o.FromName(), []string{"The Boss"})
	be.Equal(t, o.To(), []string{"a@x.com", "b@x.com"})
	be.Equal(t, o.Cc(), []string{"c@x.com"})
	be.Equal(t, o.Subject(), "Quarterly")
	be.Equal(t, o.Content(), content)
	be.Equal(t, o.RawContent(), content)
	be.Equal(t, o.Labels(), []string{"Blue"})
	be.True(t, o.IsRead())

	d, err := o.Date()
	be.Err(t, err, nil)
	be.True(t, d.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
}

func TestAdapterEmpty(t *testing.T) {
	o := Wrap(models.NewMessage())
	be.Equal(t, o.ID(), "")
	be.Equal(t, len(o.From()), 0)
	be.Equal(t, len(o.To()), 0)
	be.Equal(t, o.Content(), "")
	be.True(t, !o.IsRead())

	_, err := o.Date()
	be.Err(t, err, message.ErrEmptyDate)

	e, err := message.Canonical(o)
	be.Err(t, err, nil)
	be.True(t, e.Date == nil)
}

func TestAdapterFallsBackToFrom(t *testing.T) {
	m := models.NewMessage()
	m.SetFrom(recipient("from@x.com", ""))
	be.Equal(t, Wrap(m).From(), []string{"from@x.com"})
	be.Equal(t, len(Wrap(m).FromName()), 0)
}
