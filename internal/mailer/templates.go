// Package mailer implements the send_email handler: template
// rendering, webhook delivery, and the email_outbox drain.
package mailer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// ErrUnknownTemplate is returned for template names the registry has
// never seen. Jobs carrying one are unfixable by retry.
var ErrUnknownTemplate = errors.New("unknown email template")

// builtins are the notification templates shipped with the service.
// Keys are referenced by job payloads and outbox rows.
var builtins = map[string][2]string{
	"bot_suspended": {
		"Bot {{.bot_name}} suspended",
		"Your bot {{.bot_name}} was suspended.\nReason: {{.reason}}\n",
	},
	"bot_resumed": {
		"Bot {{.bot_name}} resumed",
		"Your bot {{.bot_name}} is running again.\n",
	},
	"validation_failed": {
		"Action needed: {{.exchange}} credentials rejected",
		"The API keys for your bot {{.bot_name}} were rejected by {{.exchange}}.\n" +
			"The bot has been stopped until you update them.\nDetails: {{.reason}}\n",
	},
	"trade_executed": {
		"Trade executed: {{.side}} {{.amount}} {{.pair}}",
		"{{.side}} {{.amount}} {{.pair}} at {{.price}}.\nOrder: {{.order_id}}\n",
	},
	"job_failed": {
		"Background job failed: {{.job_type}}",
		"Job {{.job_id}} ({{.job_type}}) exhausted its retries.\nLast error: {{.error}}\n",
	},
	"breaker_opened": {
		"Circuit breaker opened: {{.breaker}}",
		"Calls through {{.breaker}} are suspended until the venue recovers.\n",
	},
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Registry maps template names to a subject line and a plain-text body,
// both rendered with text/template against the payload data.
type Registry struct {
	mu   sync.RWMutex
	tmpl map[string]compiled
}

// NewRegistry builds a registry preloaded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{tmpl: make(map[string]compiled, len(builtins))}
	for name, src := range builtins {
		if err := r.Register(name, src[0], src[1]); err != nil {
			panic(fmt.Sprintf("builtin template %s: %v", name, err))
		}
	}
	return r
}

// Register compiles and stores a template under name, replacing any
// previous definition.
func (r *Registry) Register(name, subject, body string) error {
	subj, err := template.New(name + ".subject").Parse(subject)
	if err != nil {
		return fmt.Errorf("parse subject: %w", err)
	}
	bod, err := template.New(name + ".body").Parse(body)
	if err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	r.mu.Lock()
	r.tmpl[name] = compiled{subject: subj, body: bod}
	r.mu.Unlock()
	return nil
}

// Render executes the named template against data.
func (r *Registry) Render(name string, data any) (subject, body string, err error) {
	r.mu.RLock()
	t, ok := r.tmpl[name]
	r.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	var subjBuf, bodyBuf strings.Builder
	if err := t.subject.Execute(&subjBuf, data); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := t.body.Execute(&bodyBuf, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(subjBuf.String()), bodyBuf.String(), nil
}
