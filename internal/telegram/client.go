package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/luxbot/vipgate/internal/httpclient"
	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/membership"
)

// APIError is a Bot API method failure (ok=false in the envelope).
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %d %s", e.Method, e.Code, e.Description)
}

// Client calls Bot API methods through the bounded outbound HTTP client.
// It implements membership.GroupTransport.
type Client struct {
	http   *httpclient.Client
	origin string
	token  string
	logger *slog.Logger
}

func NewClient(http *httpclient.Client, origin, token string, logger *slog.Logger) *Client {
	origin = strings.TrimSuffix(origin, "/")
	return &Client{
		http:   http,
		origin: origin,
		token:  token,
		logger: logutil.NoopIfNil(logger),
	}
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.origin, c.token, method)

	body, resp, err := c.http.PostJSON(ctx, url, payload)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("telegram %s: bad response (status %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram %s: bad result: %w", method, err)
		}
	}
	return nil
}

// TokenFromLink extracts the opaque invite token from a t.me invite link.
// Join requests carry the full link back; the token is the last path
// segment with the leading "+" trimmed.
func TokenFromLink(link string) string {
	link = strings.TrimSuffix(link, "/")
	if idx := strings.LastIndex(link, "/"); idx >= 0 {
		link = link[idx+1:]
	}
	return strings.TrimPrefix(link, "+")
}

// CreateSingleUseInvite creates an invite link limited to one member.
func (c *Client) CreateSingleUseInvite(ctx context.Context, groupID string, expiresAt int64) (*membership.InviteLink, error) {
	var link ChatInviteLink
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      groupID,
		"member_limit": 1,
		"expire_date":  expiresAt,
		// Joins go through chat_join_request so the engine can validate
		// them before anyone enters.
		"creates_join_request": true,
	}, &link)
	if err != nil {
		return nil, err
	}
	return &membership.InviteLink{
		Token:     TokenFromLink(link.InviteLink),
		URL:       link.InviteLink,
		ExpiresAt: expiresAt,
	}, nil
}

// userID converts a subscriber id to the numeric form user_id fields
// require. chat_id fields accept strings, user_id fields do not.
func userID(subscriberID string) (int64, error) {
	id, err := strconv.ParseInt(subscriberID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subscriber id %q: %w", subscriberID, err)
	}
	return id, nil
}

func (c *Client) RevokeAccess(ctx context.Context, groupID, subscriberID string) error {
	id, err := userID(subscriberID)
	if err != nil {
		return err
	}
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id": groupID,
		"user_id": id,
	}, nil)
}

func (c *Client) RestoreEligibility(ctx context.Context, groupID, subscriberID string) error {
	id, err := userID(subscriberID)
	if err != nil {
		return err
	}
	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        groupID,
		"user_id":        id,
		"only_if_banned": true,
	}, nil)
}

func (c *Client) SendDirect(ctx context.Context, subscriberID, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": subscriberID,
		"text":    text,
	}, nil)
}

func (c *Client) SendToGroup(ctx context.Context, groupID, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": groupID,
		"text":    text,
	}, nil)
}

func (c *Client) ApproveJoin(ctx context.Context, groupID, subscriberID string) error {
	id, err := userID(subscriberID)
	if err != nil {
		return err
	}
	return c.call(ctx, "approveChatJoinRequest", map[string]any{
		"chat_id": groupID,
		"user_id": id,
	}, nil)
}

func (c *Client) DeclineJoin(ctx context.Context, groupID, subscriberID string) error {
	id, err := userID(subscriberID)
	if err != nil {
		return err
	}
	return c.call(ctx, "declineChatJoinRequest", map[string]any{
		"chat_id": groupID,
		"user_id": id,
	}, nil)
}

// SendWithKeyboard sends a message with an inline keyboard.
func (c *Client) SendWithKeyboard(ctx context.Context, chatID, text string, keyboard *InlineKeyboardMarkup) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      chatID,
		"text":         text,
		"reply_markup": keyboard,
	}, nil)
}

// AnswerCallback acknowledges a callback query so the client stops its
// loading spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// RegisterWebhook points the bot's webhook at url. Telegram echoes secret
// back in the X-Telegram-Bot-Api-Secret-Token header of every delivery.
// Only the update kinds we handle are subscribed.
func (c *Client) RegisterWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query", "chat_join_request"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// IsAPIError reports whether err is a Bot API method failure, as opposed to
// a transport problem.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

var _ membership.GroupTransport = (*Client)(nil)
