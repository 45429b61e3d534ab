package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/session"
	"github.com/luxbot/vipgate/internal/store"
)

// Deep-link and callback identifiers.
const (
	startPrefix     = "creator_"
	callbackAgeOK   = "age_ok"
	callbackAgeNo   = "age_no"
	callbackRulesOK = "rules_ok"
)

// Gateway texts. Copy is deliberately plain.
const (
	textUnknownLink  = "This link is not active. Ask the creator for a current one."
	textAgePrompt    = "Before you continue: are you 18 or older?"
	textAgeRefused   = "Sorry, this group is 18+ only."
	textRulesPrompt  = "Group rules: be respectful, no reposting paid content. Do you agree?"
	textInvitePrefix = "Here is your personal invite link. It works once and expires, so use it soon:\n"
	textNoInvite     = "Could not create your invite link right now. Try again in a minute."
)

// Gateway maps incoming Bot API updates to engine operations: /start deep
// links open the onboarding flow, consent callbacks advance it, join
// requests run through the invite validator.
type Gateway struct {
	client      *Client
	validator   *membership.Validator
	ledger      *membership.Ledger
	memberships store.MembershipStore
	creators    store.CreatorStore
	sessions    *session.Store
	logger      *slog.Logger
	now         func() time.Time
}

func NewGateway(client *Client, validator *membership.Validator, ledger *membership.Ledger, memberships store.MembershipStore, creators store.CreatorStore, sessions *session.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:      client,
		validator:   validator,
		ledger:      ledger,
		memberships: memberships,
		creators:    creators,
		sessions:    sessions,
		logger:      logutil.NoopIfNil(logger),
		now:         time.Now,
	}
}

// WithClock overrides the time source, used by tests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// HandleUpdate dispatches one update. Errors are for the caller's log; the
// webhook must still acknowledge the update so Telegram does not redeliver
// it forever.
func (g *Gateway) HandleUpdate(ctx context.Context, upd *Update) error {
	switch {
	case upd.ChatJoinRequest != nil:
		return g.handleJoinRequest(ctx, upd.ChatJoinRequest)
	case upd.CallbackQuery != nil:
		return g.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		return g.handleMessage(ctx, upd.Message)
	default:
		return nil
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg *Message) error {
	if msg.From == nil || !strings.HasPrefix(msg.Text, "/start") {
		return nil
	}

	arg := strings.TrimSpace(strings.TrimPrefix(msg.Text, "/start"))
	if !strings.HasPrefix(arg, startPrefix) {
		return nil
	}
	creatorID := strings.TrimPrefix(arg, startPrefix)
	subscriberID := strconv.FormatInt(msg.From.ID, 10)

	creator, err := g.creators.GetCreator(ctx, creatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.logger.Warn("start with unknown creator", "creator_id", creatorID, "subscriber_id", subscriberID)
			return g.client.SendDirect(ctx, subscriberID, textUnknownLink)
		}
		return fmt.Errorf("creator lookup failed: %w", err)
	}
	creator.ApplyDefaults()

	if err := g.ensureRecord(ctx, creator, subscriberID, msg.From.Username); err != nil {
		return err
	}

	if creator.RequireConsent {
		if _, err := g.sessions.Start(ctx, subscriberID, creator.CreatorID, creator.GroupID, g.now().Unix()); err != nil {
			return err
		}
		return g.client.SendWithKeyboard(ctx, subscriberID, textAgePrompt, &InlineKeyboardMarkup{
			InlineKeyboard: [][]InlineKeyboardButton{{
				{Text: "Yes", CallbackData: callbackAgeOK},
				{Text: "No", CallbackData: callbackAgeNo},
			}},
		})
	}

	return g.sendInvite(ctx, creator, subscriberID)
}

func (g *Gateway) handleCallback(ctx context.Context, cb *CallbackQuery) error {
	subscriberID := strconv.FormatInt(cb.From.ID, 10)

	// Ack first; every branch below is allowed to fail without leaving
	// the client spinning.
	if err := g.client.AnswerCallback(ctx, cb.ID, ""); err != nil {
		g.logger.Warn("answerCallbackQuery failed", "error", err)
	}

	switch cb.Data {
	case callbackAgeOK:
		if _, err := g.sessions.Advance(ctx, subscriberID, session.StageAge, session.StageRules); err != nil {
			return g.consentError(ctx, subscriberID, err)
		}
		return g.client.SendWithKeyboard(ctx, subscriberID, textRulesPrompt, &InlineKeyboardMarkup{
			InlineKeyboard: [][]InlineKeyboardButton{{
				{Text: "I agree", CallbackData: callbackRulesOK},
			}},
		})

	case callbackAgeNo:
		if err := g.sessions.End(ctx, subscriberID); err != nil {
			g.logger.Warn("failed to end consent session", "subscriber_id", subscriberID, "error", err)
		}
		return g.client.SendDirect(ctx, subscriberID, textAgeRefused)

	case callbackRulesOK:
		sess, err := g.sessions.Advance(ctx, subscriberID, session.StageRules, session.StageDone)
		if err != nil {
			return g.consentError(ctx, subscriberID, err)
		}
		if err := g.sessions.End(ctx, subscriberID); err != nil {
			g.logger.Warn("failed to end consent session", "subscriber_id", subscriberID, "error", err)
		}

		creator, err := g.creators.GetCreator(ctx, sess.CreatorID)
		if err != nil {
			return fmt.Errorf("creator lookup failed: %w", err)
		}
		creator.ApplyDefaults()
		return g.sendInvite(ctx, creator, subscriberID)

	default:
		return nil
	}
}

func (g *Gateway) handleJoinRequest(ctx context.Context, req *ChatJoinRequest) error {
	groupID := strconv.FormatInt(req.Chat.ID, 10)
	subscriberID := strconv.FormatInt(req.From.ID, 10)

	token := ""
	if req.InviteLink != nil {
		token = TokenFromLink(req.InviteLink.InviteLink)
	}

	_, err := g.validator.Validate(ctx, groupID, subscriberID, token)
	if err != nil {
		g.logger.Info("join declined",
			"group_id", groupID,
			"subscriber_id", subscriberID,
			"reason", err)
		if declineErr := g.client.DeclineJoin(ctx, groupID, subscriberID); declineErr != nil {
			return fmt.Errorf("failed to decline join: %w", declineErr)
		}
		return nil
	}

	if err := g.client.ApproveJoin(ctx, groupID, subscriberID); err != nil {
		return fmt.Errorf("failed to approve join: %w", err)
	}

	if creator, err := g.creators.GetCreatorByGroup(ctx, groupID); err == nil && creator.WelcomeText != "" {
		if err := g.client.SendDirect(ctx, subscriberID, creator.WelcomeText); err != nil {
			g.logger.Warn("welcome message failed", "subscriber_id", subscriberID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) ensureRecord(ctx context.Context, creator *store.CreatorConfig, subscriberID, username string) error {
	rec, err := g.memberships.GetMembership(ctx, creator.GroupID, subscriberID)
	if err == nil {
		// Keep the handle current for group mentions.
		if username != "" && rec.Username != username {
			rec.Username = username
			rec.UpdatedAt = g.now().Unix()
			if err := g.memberships.UpdateMembership(ctx, rec); err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := g.now().Unix()
	rec = &store.MembershipRecord{
		GroupID:          creator.GroupID,
		SubscriberID:     subscriberID,
		Username:         username,
		CreatorID:        creator.CreatorID,
		LastReminderKind: store.ReminderNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := g.memberships.CreateMembership(ctx, rec); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	return nil
}

func (g *Gateway) sendInvite(ctx context.Context, creator *store.CreatorConfig, subscriberID string) error {
	ticket, err := g.ledger.Issue(ctx, creator.GroupID, subscriberID)
	if err != nil {
		g.logger.Warn("invite issue failed",
			"group_id", creator.GroupID,
			"subscriber_id", subscriberID,
			"error", err)
		return g.client.SendDirect(ctx, subscriberID, textNoInvite)
	}
	return g.client.SendDirect(ctx, subscriberID, textInvitePrefix+ticket.URL)
}

// consentError answers an out-of-order or expired consent callback by
// restarting nothing: the subscriber just gets told to /start again.
func (g *Gateway) consentError(ctx context.Context, subscriberID string, err error) error {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrWrongStage) {
		g.logger.Info("stale consent callback", "subscriber_id", subscriberID, "reason", err)
		return g.client.SendDirect(ctx, subscriberID, textUnknownLink)
	}
	return err
}
