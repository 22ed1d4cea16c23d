// Package bots implements the bot lifecycle handlers: credential
// validation probes and (optionally scheduled) suspend/resume.
package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/retry"
	"github.com/grichardomi/nexusmeme-sub003/pkg/crypto"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// Audit actions written to bot_events.
const (
	ActionSuspended        = "suspended"
	ActionResumed          = "resumed"
	ActionValidated        = "validation_succeeded"
	ActionValidationFailed = "validation_failed"
)

// ValidatePayload is the validate_connection job payload.
type ValidatePayload struct {
	BotInstanceID string `json:"bot_instance_id"`
}

// LifecyclePayload is the suspend_bot / resume_bot job payload.
// ScheduledFor is informational only: delayed execution happens at
// enqueue time by mapping it onto the job's run_after.
type LifecyclePayload struct {
	BotInstanceID string     `json:"bot_instance_id"`
	Reason        string     `json:"reason,omitempty"`
	Actor         string     `json:"actor,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
}

// Store is the persistence surface the handlers need; *db.Database
// satisfies it.
type Store interface {
	GetBot(ctx context.Context, id string) (*db.BotInstance, error)
	GetCredentials(ctx context.Context, userID, exchange string) (*db.ExchangeCredential, error)
	TransitionBotStatus(ctx context.Context, id, target string, from ...string) (bool, error)
	MarkConnectionValidated(ctx context.Context, id string, ok bool, at time.Time) error
	InsertBotEvent(ctx context.Context, botID, action, reason, actor string) error
}

// CredentialChecker is the slice of the venue surface validation needs
// (satisfied by *gateway.Venue).
type CredentialChecker interface {
	Name() string
	ValidateCredentials(ctx context.Context, creds common.Credentials) error
}

// Service runs the bot lifecycle jobs.
type Service struct {
	store  Store
	vault  *crypto.Vault
	venues func(name string) (CredentialChecker, error)
	bus    *events.Bus
	log    *logrus.Entry

	clock func() time.Time
}

// NewService wires the bot handlers.
func NewService(
	store Store,
	vault *crypto.Vault,
	venues func(name string) (CredentialChecker, error),
	bus *events.Bus,
	log *logrus.Entry,
) *Service {
	return &Service{
		store:  store,
		vault:  vault,
		venues: venues,
		bus:    bus,
		log:    log,
		clock:  time.Now,
	}
}

// HandleValidateConnection probes a bot's stored credentials against
// its venue and records the outcome. Transient venue trouble rides the
// job's retry budget; when the budget is gone (or the rejection is
// permanent) the bot is parked in error so it stops trading on dead
// keys.
func (s *Service) HandleValidateConnection(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	var p ValidatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if p.BotInstanceID == "" {
		return nil, jobs.Terminal(errors.New("bot_instance_id is required"))
	}

	bot, err := s.store.GetBot(ctx, p.BotInstanceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, jobs.Terminal(fmt.Errorf("bot %s not found", p.BotInstanceID))
		}
		return nil, fmt.Errorf("load bot: %w", err)
	}

	log := s.log.WithFields(logrus.Fields{"bot": bot.ID, "venue": bot.Exchange})

	if err := s.probe(ctx, bot); err != nil {
		lastAttempt := job.Retries >= job.MaxRetries
		if jobs.IsTerminal(err) || lastAttempt {
			s.recordValidationFailure(ctx, bot, err, log)
		} else {
			log.WithError(err).Warn("credential probe failed, leaving retry to the queue")
		}
		return nil, err
	}

	now := s.clock()
	if err := s.store.MarkConnectionValidated(ctx, bot.ID, true, now); err != nil {
		return nil, fmt.Errorf("mark connection validated: %w", err)
	}
	s.audit(ctx, bot.ID, ActionValidated, "", "system", log)
	log.Info("credentials validated")
	s.bus.Publish(events.EventBotValidated, events.BotPayload{BotID: bot.ID, Action: ActionValidated})

	return &jobs.Result{Data: map[string]any{
		"bot_id":       bot.ID,
		"venue":        bot.Exchange,
		"validated_at": now.UTC().Format(time.RFC3339),
	}}, nil
}

// probe decrypts the stored keys and runs the venue's authenticated
// check. Missing or undecryptable credentials can never heal on retry.
func (s *Service) probe(ctx context.Context, bot *db.BotInstance) error {
	cred, err := s.store.GetCredentials(ctx, bot.UserID, bot.Exchange)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return jobs.Terminal(fmt.Errorf("no %s credentials for user", bot.Exchange))
		}
		return fmt.Errorf("load credentials: %w", err)
	}
	apiKey, apiSecret, err := s.vault.OpenPair(cred.APIKeyEnc, cred.APISecretEnc)
	if err != nil {
		return jobs.Terminal(fmt.Errorf("decrypt credentials: %w", err))
	}
	venue, err := s.venues(bot.Exchange)
	if err != nil {
		return jobs.Terminal(err)
	}
	if err := venue.ValidateCredentials(ctx, common.Credentials{APIKey: apiKey, APISecret: apiSecret}); err != nil {
		if !retry.DefaultClassifier(err) {
			// Bad or revoked key: the venue will reject it every time.
			return jobs.Terminal(fmt.Errorf("credentials rejected by %s: %w", bot.Exchange, err))
		}
		return fmt.Errorf("probe %s: %w", bot.Exchange, err)
	}
	return nil
}

func (s *Service) recordValidationFailure(ctx context.Context, bot *db.BotInstance, cause error, log *logrus.Entry) {
	now := s.clock()
	if err := s.store.MarkConnectionValidated(ctx, bot.ID, false, now); err != nil {
		log.WithError(err).Error("record failed validation")
	}
	moved, err := s.store.TransitionBotStatus(ctx, bot.ID, db.BotError, db.BotRunning, db.BotSuspended)
	if err != nil {
		log.WithError(err).Error("park bot in error state")
	}
	s.audit(ctx, bot.ID, ActionValidationFailed, cause.Error(), "system", log)
	log.WithError(cause).WithField("parked", moved).Error("credential validation failed permanently")
	s.bus.Publish(events.EventBotValidated, events.BotPayload{
		BotID: bot.ID, Action: ActionValidationFailed, Reason: cause.Error(),
	})
}

// HandleSuspendBot flips a running bot to suspended. A bot in any other
// state makes the job a success no-op, so replays and races with manual
// changes stay harmless.
func (s *Service) HandleSuspendBot(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	return s.transition(ctx, job, db.BotSuspended, ActionSuspended, events.EventBotSuspended, db.BotRunning)
}

// HandleResumeBot flips a suspended bot back to running.
func (s *Service) HandleResumeBot(ctx context.Context, job *db.Job) (*jobs.Result, error) {
	return s.transition(ctx, job, db.BotRunning, ActionResumed, events.EventBotResumed, db.BotSuspended)
}

func (s *Service) transition(ctx context.Context, job *db.Job, target, action string, event events.Event, from ...string) (*jobs.Result, error) {
	var p LifecyclePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, jobs.Terminal(fmt.Errorf("decode payload: %w", err))
	}
	if p.BotInstanceID == "" {
		return nil, jobs.Terminal(errors.New("bot_instance_id is required"))
	}
	actor := p.Actor
	if actor == "" {
		actor = "system"
	}

	log := s.log.WithFields(logrus.Fields{"bot": p.BotInstanceID, "action": action})

	moved, err := s.store.TransitionBotStatus(ctx, p.BotInstanceID, target, from...)
	if err != nil {
		return nil, fmt.Errorf("transition bot to %s: %w", target, err)
	}
	if !moved {
		bot, getErr := s.store.GetBot(ctx, p.BotInstanceID)
		if getErr != nil {
			if errors.Is(getErr, db.ErrNotFound) {
				return nil, jobs.Terminal(fmt.Errorf("bot %s not found", p.BotInstanceID))
			}
			return nil, fmt.Errorf("load bot: %w", getErr)
		}
		log.WithField("status", bot.Status).Info("bot already past the requested transition")
		return &jobs.Result{Data: map[string]any{
			"bot_id":  p.BotInstanceID,
			"status":  bot.Status,
			"changed": false,
		}}, nil
	}

	s.audit(ctx, p.BotInstanceID, action, p.Reason, actor, log)
	log.WithField("reason", p.Reason).Info("bot " + action)
	s.bus.Publish(event, events.BotPayload{BotID: p.BotInstanceID, Action: action, Reason: p.Reason})

	return &jobs.Result{Data: map[string]any{
		"bot_id":  p.BotInstanceID,
		"status":  target,
		"changed": true,
	}}, nil
}

// audit appends a bot_events row. The state flip has already landed, so
// a failed audit write is logged and swallowed rather than triggering a
// retry that would no-op on the flip.
func (s *Service) audit(ctx context.Context, botID, action, reason, actor string, log *logrus.Entry) {
	if err := s.store.InsertBotEvent(ctx, botID, action, reason, actor); err != nil {
		log.WithError(err).Warn("write bot audit event")
	}
}
