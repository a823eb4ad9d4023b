package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/actions"
	"github.com/Martian-dev/mailbrain/internal/auth"
	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
	mailsync "github.com/Martian-dev/mailbrain/internal/sync"
)

type fakeScheduler struct {
	mu       sync.Mutex
	triggers []string
	busy     map[string]bool
}

func (s *fakeScheduler) Trigger(accountID string, ingest bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[accountID] {
		return mailsync.ErrBusy
	}
	kind := "sync"
	if ingest {
		kind = "ingest"
	}
	s.triggers = append(s.triggers, kind+" "+accountID)
	return nil
}

func (s *fakeScheduler) IsRunning(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[accountID]
}

func (s *fakeScheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, busy := range s.busy {
		if busy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type fakeMailbox struct{ calls []string }

func (m *fakeMailbox) SetRead(_ context.Context, id string, read bool) error {
	m.calls = append(m.calls, "read "+id)
	return nil
}

func (m *fakeMailbox) Archive(_ context.Context, id string) error {
	m.calls = append(m.calls, "archive "+id)
	return nil
}

func (m *fakeMailbox) Move(_ context.Context, id string, folder message.Folder) error {
	m.calls = append(m.calls, "move "+id+" "+string(folder))
	return nil
}

func (m *fakeMailbox) FetchAttachment(_ context.Context, _, _ string) ([]byte, error) {
	return []byte("hello"), nil
}

type server struct {
	router *gin.Engine
	store  *store.Store
	sched  *fakeScheduler
	mb     *fakeMailbox
}

func newServer(t *testing.T, verifier Verifier) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	be.Err(t, err, nil)
	t.Cleanup(func() { _ = st.Close() })
	be.Err(t, st.Migrate(ctx), nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mb := &fakeMailbox{}
	act := actions.NewService(st, func(context.Context, store.Account, *oauth2.Token) (actions.Mailbox, error) {
		return mb, nil
	}, logger)
	sched := &fakeScheduler{busy: map[string]bool{}}
	return &server{router: NewRouter(st, sched, act, verifier, logger), store: st, sched: sched, mb: mb}
}

func (s *server) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	be.Err(t, json.Unmarshal(w.Body.Bytes(), v), nil)
}

func TestHealth(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(t, http.MethodGet, "/healthz", "", "")
	be.Equal(t, w.Code, http.StatusOK)
	var got healthResponse
	decode(t, w, &got)
	be.Equal(t, got.Status, "ok")
	be.Equal(t, got.Syncing, []string{})
	be.Equal(t, got.PendingJobs, 0)

	ctx := context.Background()
	be.Err(t, s.store.EnqueueOutbox(ctx, "jobs.embed.emails", "embed_new_emails", []byte(`{}`), "msg-1"), nil)
	s.sched.busy["acct-2"] = true
	s.sched.busy["acct-1"] = true

	w = s.do(t, http.MethodGet, "/healthz", "", "")
	be.Equal(t, w.Code, http.StatusOK)
	decode(t, w, &got)
	be.Equal(t, got.Syncing, []string{"acct-1", "acct-2"})
	be.Equal(t, got.PendingJobs, 1)
}

func TestCreateAccountStartsIngest(t *testing.T) {
	s := newServer(t, nil)
	body := `{"user_id":"user-1","provider":"GMAIL","email":"me@example.com",
		"token":{"access_token":"a","refresh_token":"r"}}`

	w := s.do(t, http.MethodPost, "/accounts", body, "")
	be.Equal(t, w.Code, http.StatusCreated)
	var resp struct {
		Account   store.Account `json:"account"`
		Created   bool          `json:"created"`
		Ingesting bool          `json:"ingesting"`
	}
	decode(t, w, &resp)
	be.True(t, resp.Created)
	be.True(t, resp.Ingesting)
	be.Equal(t, s.sched.triggers, []string{"ingest " + resp.Account.ID})

	tok, err := s.store.GetToken(context.Background(), resp.Account.ID)
	be.Err(t, err, nil)
	be.Equal(t, tok.RefreshToken, "r")

	// Same mailbox again is not a new account.
	w = s.do(t, http.MethodPost, "/accounts", body, "")
	be.Equal(t, w.Code, http.StatusOK)
}

func TestCreateAccountValidation(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(t, http.MethodPost, "/accounts", `{"provider":"GMAIL","email":"me@example.com"}`, "")
	be.Equal(t, w.Code, http.StatusBadRequest)

	w = s.do(t, http.MethodPost, "/accounts", `{"user_id":"u","provider":"YAHOO","email":"me@example.com"}`, "")
	be.Equal(t, w.Code, http.StatusBadRequest)

	w = s.do(t, http.MethodPost, "/accounts", `{"user_id":"u","provider":"GMAIL","email":"not-an-email"}`, "")
	be.Equal(t, w.Code, http.StatusBadRequest)
}

func TestAccountEndpoints(t *testing.T) {
	s := newServer(t, nil)
	ctx := context.Background()
	acct, _, err := s.store.GetOrCreateAccount(ctx, "user-1", message.ProviderOutlook, "me@example.com")
	be.Err(t, err, nil)

	w := s.do(t, http.MethodGet, "/accounts/"+acct.ID, "", "")
	be.Equal(t, w.Code, http.StatusOK)
	var got accountResponse
	decode(t, w, &got)
	be.Equal(t, got.Status, store.StatusNotStarted)
	be.Equal(t, got.Emails, 0)

	w = s.do(t, http.MethodGet, "/accounts/missing", "", "")
	be.Equal(t, w.Code, http.StatusNotFound)

	w = s.do(t, http.MethodPost, "/accounts/"+acct.ID+"/sync", "", "")
	be.Equal(t, w.Code, http.StatusAccepted)

	w = s.do(t, http.MethodPut, "/accounts/"+acct.ID+"/settings", `{"email_list":{"spam":["spam@x.com"]}}`, "")
	be.Equal(t, w.Code, http.StatusOK)
	lists, err := s.store.GetOrCreateSettings(ctx, acct.ID)
	be.Err(t, err, nil)
	be.Equal(t, lists.Spam, []string{"spam@x.com"})

	s.sched.busy[acct.ID] = true
	w = s.do(t, http.MethodPost, "/accounts/"+acct.ID+"/ingest", "", "")
	be.Equal(t, w.Code, http.StatusConflict)
	w = s.do(t, http.MethodDelete, "/accounts/"+acct.ID, "", "")
	be.Equal(t, w.Code, http.StatusConflict)

	s.sched.busy[acct.ID] = false
	be.Err(t, s.store.SetAccountStatus(ctx, acct.ID, store.StatusSuccess), nil)
	w = s.do(t, http.MethodPost, "/accounts/"+acct.ID+"/ingest", "", "")
	be.Equal(t, w.Code, http.StatusConflict)

	w = s.do(t, http.MethodDelete, "/accounts/"+acct.ID, "", "")
	be.Equal(t, w.Code, http.StatusNoContent)
}

func seedEmail(t *testing.T, st *store.Store, userID string) store.Email {
	t.Helper()
	ctx := context.Background()
	acct, _, err := st.GetOrCreateAccount(ctx, userID, message.ProviderGmail, userID+"@example.com")
	be.Err(t, err, nil)
	be.Err(t, st.SaveToken(ctx, acct.ID, &oauth2.Token{AccessToken: "a"}), nil)
	date := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	e := store.NewEmail(acct.ID, message.Email{ID: "g-1", Subject: "hi", Date: &date}, message.FolderInbox)
	e.AddAttachments([]message.Attachment{{ID: "remote", Filename: "a.txt", ContentType: "text/plain", Size: 5}})
	be.Err(t, st.InsertBatch(ctx, []store.Email{e}), nil)
	return e
}

func TestEmailEndpoints(t *testing.T) {
	s := newServer(t, nil)
	e := seedEmail(t, s.store, "user-1")

	w := s.do(t, http.MethodGet, "/emails/"+e.ID, "", "")
	be.Equal(t, w.Code, http.StatusOK)

	w = s.do(t, http.MethodPost, "/emails/"+e.ID+"/spam", "", "")
	be.Equal(t, w.Code, http.StatusOK)
	be.Equal(t, s.mb.calls, []string{"move g-1 spam"})

	w = s.do(t, http.MethodPost, "/emails/"+e.ID+"/star", "", "")
	be.Equal(t, w.Code, http.StatusBadRequest)

	w = s.do(t, http.MethodGet, "/accounts/"+e.AccountID+"/emails?folder=spam", "", "")
	be.Equal(t, w.Code, http.StatusOK)
	var list struct {
		Emails []store.Email `json:"emails"`
	}
	decode(t, w, &list)
	be.Equal(t, len(list.Emails), 1)

	w = s.do(t, http.MethodGet, "/accounts/"+e.AccountID+"/emails?limit=0", "", "")
	be.Equal(t, w.Code, http.StatusBadRequest)

	w = s.do(t, http.MethodGet, "/emails/"+e.ID+"/attachments/"+e.Attachments[0].ID, "", "")
	be.Equal(t, w.Code, http.StatusOK)
	be.Equal(t, w.Body.String(), "hello")
	be.Equal(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestAuth(t *testing.T) {
	v := auth.NewSecretVerifier("s3cret")
	s := newServer(t, v)
	e := seedEmail(t, s.store, "user-1")

	w := s.do(t, http.MethodGet, "/emails/"+e.ID, "", "")
	be.Equal(t, w.Code, http.StatusUnauthorized)

	// Health stays public.
	w = s.do(t, http.MethodGet, "/healthz", "", "")
	be.Equal(t, w.Code, http.StatusOK)

	owner, err := v.Sign(auth.User{ID: "user-1"}, time.Hour)
	be.Err(t, err, nil)
	w = s.do(t, http.MethodGet, "/emails/"+e.ID, "", owner)
	be.Equal(t, w.Code, http.StatusOK)

	stranger, err := v.Sign(auth.User{ID: "user-2"}, time.Hour)
	be.Err(t, err, nil)
	w = s.do(t, http.MethodGet, "/emails/"+e.ID, "", stranger)
	be.Equal(t, w.Code, http.StatusNotFound)
	w = s.do(t, http.MethodPost, "/emails/"+e.ID+"/read", "", stranger)
	be.Equal(t, w.Code, http.StatusNotFound)
	w = s.do(t, http.MethodGet, "/accounts/"+e.AccountID, "", stranger)
	be.Equal(t, w.Code, http.StatusNotFound)

	// The token decides the owner, not the body.
	w = s.do(t, http.MethodPost, "/accounts",
		`{"user_id":"user-1","provider":"OUTLOOK","email":"x@example.com"}`, stranger)
	be.Equal(t, w.Code, http.StatusCreated)
	accounts, err := s.store.ListAccounts(context.Background(), "user-2")
	be.Err(t, err, nil)
	be.Equal(t, len(accounts), 1)
}
