package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// memOutbox fakes email_outbox with the same attempt accounting as the
// SQL CASE in MarkEmailFailed.
type memOutbox struct {
	mu    sync.Mutex
	rows  map[string]*db.EmailMessage
	order []string
}

func newMemOutbox() *memOutbox {
	return &memOutbox{rows: make(map[string]*db.EmailMessage)}
}

func (m *memOutbox) add(id, to, template string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = &db.EmailMessage{
		ID: id, Recipient: to, Template: template, Payload: payload,
		Status: db.EmailPending, CreatedAt: time.Now(),
	}
	m.order = append(m.order, id)
}

func (m *memOutbox) EnqueueEmail(_ context.Context, msg *db.EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	c.Status = db.EmailPending
	c.CreatedAt = time.Now()
	m.rows[c.ID] = &c
	m.order = append(m.order, c.ID)
	return nil
}

func (m *memOutbox) PendingEmails(_ context.Context, limit int) ([]db.EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.EmailMessage
	for _, id := range m.order {
		if len(out) == limit {
			break
		}
		if row := m.rows[id]; row.Status == db.EmailPending {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memOutbox) MarkEmailSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.Status = db.EmailSent
	row.Attempts++
	row.SentAt = &at
	return nil
}

func (m *memOutbox) MarkEmailFailed(_ context.Context, id, reason string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.Attempts++
	row.LastError = reason
	if row.Attempts >= maxAttempts {
		row.Status = db.EmailFailed
	}
	return nil
}

func (m *memOutbox) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

// fakeSender records deliveries; errFor scripts per-recipient failures.
type fakeSender struct {
	mu     sync.Mutex
	msgs   []Message
	err    error
	errFor map[string]error
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errFor[msg.To]; ok {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.To)
	}
	return out
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newSvc(store Store, sender Sender) *Service {
	return NewService(store, sender, NewRegistry(), testLogger(), Config{From: "core@nexusmeme.io", MaxAttempts: 3})
}

func emailJob(t *testing.T, payload any) *db.Job {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	return &db.Job{ID: "job-m", Type: jobs.TypeSendEmail, Payload: raw}
}

func TestHandleSendEmailDirect(t *testing.T) {
	sender := &fakeSender{}
	svc := newSvc(newMemOutbox(), sender)

	res, err := svc.HandleSendEmail(context.Background(), emailJob(t, SendPayload{
		To:       "user@example.com",
		Template: "bot_suspended",
		Data:     map[string]any{"bot_name": "grid-7", "reason": "nightly maintenance"},
	}))
	if err != nil {
		t.Fatalf("HandleSendEmail: %v", err)
	}
	if res.Data["sent"] != 1 {
		t.Fatalf("result = %v", res.Data)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(sender.msgs))
	}
	msg := sender.msgs[0]
	if msg.Subject != "Bot grid-7 suspended" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "nightly maintenance") {
		t.Fatalf("body = %q, reason not rendered", msg.Body)
	}
	if msg.From != "core@nexusmeme.io" {
		t.Fatalf("from = %q", msg.From)
	}
}

func TestHandleSendEmailValidation(t *testing.T) {
	svc := newSvc(newMemOutbox(), &fakeSender{})

	cases := []struct {
		name    string
		payload SendPayload
	}{
		{"missing recipient", SendPayload{Template: "bot_resumed"}},
		{"missing template", SendPayload{To: "user@example.com"}},
		{"unknown template", SendPayload{To: "user@example.com", Template: "season_greetings"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.HandleSendEmail(context.Background(), emailJob(t, tc.payload))
			if err == nil || !jobs.IsTerminal(err) {
				t.Fatalf("want terminal error, got %v", err)
			}
		})
	}
}

func TestHandleSendEmailProviderErrors(t *testing.T) {
	sender := &fakeSender{}
	svc := newSvc(newMemOutbox(), sender)
	payload := SendPayload{To: "user@example.com", Template: "bot_resumed", Data: map[string]any{"bot_name": "x"}}

	sender.err = &SendError{Status: 422, Detail: "invalid recipient"}
	_, err := svc.HandleSendEmail(context.Background(), emailJob(t, payload))
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("422 should be terminal, got %v", err)
	}

	sender.err = &SendError{Status: 503, Detail: "upstream down"}
	_, err = svc.HandleSendEmail(context.Background(), emailJob(t, payload))
	if err == nil || jobs.IsTerminal(err) {
		t.Fatalf("503 should stay retryable, got %v", err)
	}

	sender.err = ErrNotConfigured
	_, err = svc.HandleSendEmail(context.Background(), emailJob(t, payload))
	if err == nil || !jobs.IsTerminal(err) {
		t.Fatalf("unconfigured provider should be terminal, got %v", err)
	}
}

func TestDrainOutbox(t *testing.T) {
	store := newMemOutbox()
	good, _ := json.Marshal(map[string]any{"bot_name": "grid-7"})
	store.add("m-1", "a@example.com", "bot_resumed", good)
	store.add("m-2", "b@example.com", "no_such_template", good)
	store.add("m-3", "c@example.com", "bot_resumed", good)

	sender := &fakeSender{errFor: map[string]error{
		"c@example.com": &SendError{Status: 500, Detail: "flaky"},
	}}
	svc := newSvc(store, sender)

	res, err := svc.HandleSendEmail(context.Background(), emailJob(t, nil))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Data["drained"] != 3 || res.Data["sent"] != 1 || res.Data["failed"] != 2 {
		t.Fatalf("drain result = %v", res.Data)
	}
	if got := sender.sentTo(); len(got) != 1 || got[0] != "a@example.com" {
		t.Fatalf("deliveries = %v", got)
	}
	if store.status("m-1") != db.EmailSent {
		t.Fatalf("m-1 status = %q", store.status("m-1"))
	}
	// Unknown template is unfixable: parked after one attempt.
	if store.status("m-2") != db.EmailFailed {
		t.Fatalf("m-2 status = %q", store.status("m-2"))
	}
	// Provider hiccup stays pending within the attempt cap.
	if store.status("m-3") != db.EmailPending {
		t.Fatalf("m-3 status = %q", store.status("m-3"))
	}

	// Two more failing drains exhaust m-3's attempts.
	for i := 0; i < 2; i++ {
		if _, err := svc.HandleSendEmail(context.Background(), emailJob(t, nil)); err != nil {
			t.Fatalf("drain %d: %v", i+2, err)
		}
	}
	if store.status("m-3") != db.EmailFailed {
		t.Fatalf("m-3 status after cap = %q", store.status("m-3"))
	}
}

func TestQueueWritesOutbox(t *testing.T) {
	store := newMemOutbox()
	svc := newSvc(store, &fakeSender{})

	if err := svc.Queue(context.Background(), "user@example.com", "job_failed", map[string]any{"job_id": "j-1"}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	pending, err := store.PendingEmails(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingEmails: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Recipient != "user@example.com" || pending[0].Template != "job_failed" {
		t.Fatalf("queued row = %+v", pending[0])
	}
	if pending[0].ID == "" {
		t.Fatal("queued row has no id")
	}
}

func TestHTTPSender(t *testing.T) {
	var (
		mu       sync.Mutex
		gotAuth  string
		gotBody  Message
		respCode int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(respCode)
	}))
	defer srv.Close()

	sender := NewHTTPSender(srv.URL, "secret-token")
	msg := Message{From: "core@nexusmeme.io", To: "user@example.com", Subject: "hi", Body: "there", Template: "bot_resumed"}

	respCode = http.StatusOK
	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.To != msg.To || gotBody.Subject != msg.Subject {
		t.Fatalf("provider saw %+v", gotBody)
	}
	mu.Unlock()

	respCode = http.StatusTooManyRequests
	err := sender.Send(context.Background(), msg)
	var se *SendError
	if !errors.As(err, &se) || !se.Temporary() {
		t.Fatalf("429 should be a temporary SendError, got %v", err)
	}

	respCode = http.StatusBadRequest
	err = sender.Send(context.Background(), msg)
	if !errors.As(err, &se) || se.Temporary() {
		t.Fatalf("400 should be a permanent SendError, got %v", err)
	}
}

func TestRegistryUnknownTemplate(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.Render("definitely_not_registered", nil)
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("err = %v, want ErrUnknownTemplate", err)
	}
}
