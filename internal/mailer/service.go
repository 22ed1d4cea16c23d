package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// SendPayload is the send_email job payload. An empty payload turns the
// job into an outbox drain instead of a direct send.
type SendPayload struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// Store is the outbox surface; *db.Database satisfies it.
type Store interface {
	EnqueueEmail(ctx context.Context, m *db.EmailMessage) error
	PendingEmails(ctx context.Context, limit int) ([]db.EmailMessage, error)
	MarkEmailSent(ctx context.Context, id string, at time.Time) error
	MarkEmailFailed(ctx context.Context, id, reason string, maxAttempts int) error
}

// Config tunes the mailer.
type Config struct {
	// From is the sender address stamped on every message.
	From string
	// BatchSize bounds one outbox drain.
	BatchSize int
	// MaxAttempts is the outbox delivery cap; after that a message is
	// parked as failed.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Service runs send_email jobs.
type Service struct {
	store     Store
	sender    Sender
	templates *Registry
	log       *logrus.Entry
	cfg       Config

	clock func() time.Time
}

// NewService wires the mailer.
func NewService(store Store, sender Sender, templates *Registry, log *logrus.Entry, cfg Config) *Service {
	if templates == nil {
		templates = NewRegistry()
	}
	return &Service{
		store:     store,
		sender:    sender,
		templates: templates,
		log:       log,
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
	}
}

// Queue parks a notification in the outbox for the recurring drain to
// deliver. It is the fallback path when enqueueing a send_email job is
// not possible.
func (s *Service) Queue(ctx context.Context, to, templateName string, data map[string]any) error {
	if to == "" || templateName == "" {
		return errors.New("recipient and template are required")
	}
	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}
	return s.store.EnqueueEmail(ctx, &db.EmailMessage{
		ID:        uuid.NewString(),
		Recipient: to,
		Template:  templateName,
		Payload:   payload,
	})
}

// HandleSendEmail delivers one notification, or drains the outbox when
// the payload is empty. Render failures and provider rejections that a
// retry cannot fix are terminal; provider-side trouble rides the job's
// retry budget.
func (s *Service) HandleSendEmail(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	if emptyPayload(job.Payload) {
		return s.drainOutbox(ctx)
	}

	var p SendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if p.To == "" || p.Template == "" {
		return nil, jobs.Terminal(errors.New("to and template are required"))
	}

	subject, body, err := s.templates.Render(p.Template, p.Data)
	if err != nil {
		return nil, jobs.Terminal(fmt.Errorf("render %s: %w", p.Template, err))
	}

	if err := s.sender.Send(ctx, Message{
		From: s.cfg.From, To: p.To, Subject: subject, Body: body, Template: p.Template,
	}); err != nil {
		return nil, classifySendError(err)
	}

	s.log.WithFields(logrus.Fields{"to": p.To, "template": p.Template}).Info("email sent")
	return &jobs.Result{Data: map[string]any{
		"sent":     1,
		"to":       p.To,
		"template": p.Template,
	}}, nil
}

// drainOutbox walks the oldest pending messages. Per-message failures
// are recorded on the row, never bubbled: the drain itself succeeds
// with counts, and the next drain picks up whatever is still pending.
func (s *Service) drainOutbox(ctx context.Context) (*jobs.Result, error) {
	msgs, err := s.store.PendingEmails(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}

	var sent, failed int
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}

		var data map[string]any
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &data); err != nil {
				// Undecodable payloads can never render; park immediately.
				failed++
				s.markFailed(ctx, m.ID, fmt.Sprintf("decode payload: %v", err), 1)
				continue
			}
		}
		subject, body, err := s.templates.Render(m.Template, data)
		if err != nil {
			failed++
			s.markFailed(ctx, m.ID, err.Error(), 1)
			continue
		}

		if err := s.sender.Send(ctx, Message{
			From: s.cfg.From, To: m.Recipient, Subject: subject, Body: body, Template: m.Template,
		}); err != nil {
			failed++
			s.markFailed(ctx, m.ID, err.Error(), s.cfg.MaxAttempts)
			continue
		}

		sent++
		if err := s.store.MarkEmailSent(ctx, m.ID, s.clock()); err != nil {
			s.log.WithError(err).WithField("email", m.ID).Error("mark email sent")
		}
	}

	if len(msgs) > 0 {
		s.log.WithFields(logrus.Fields{
			"drained": len(msgs), "sent": sent, "failed": failed,
		}).Info("email outbox drained")
	}
	return &jobs.Result{Data: map[string]any{
		"drained": len(msgs),
		"sent":    sent,
		"failed":  failed,
	}}, nil
}

func (s *Service) markFailed(ctx context.Context, id, reason string, maxAttempts int) {
	if err := s.store.MarkEmailFailed(ctx, id, reason, maxAttempts); err != nil {
		s.log.WithError(err).WithField("email", id).Error("mark email failed")
	}
}

func classifySendError(err error) error {
	if errors.Is(err, ErrNotConfigured) {
		return jobs.Terminal(err)
	}
	var se *SendError
	if errors.As(err, &se) && !se.Temporary() {
		return jobs.Terminal(err)
	}
	return err
}

func emptyPayload(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "{}" || s == "null"
}
