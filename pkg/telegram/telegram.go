// Package telegram wraps the Telegram Bot API calls the service makes:
// sending messages, minting single-use invite links, and removing users
// from the paid group.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger is the slice of the Bot API used by the access manager, the
// sweeper, and the conversation handler. Fakes implement it in tests.
type Messenger interface {
	// SendMessage delivers a plain-text direct message to a chat.
	SendMessage(ctx context.Context, chatID int64, text string) error

	// CreateInviteLink mints a single-use invite link for the group that
	// expires at the given time.
	CreateInviteLink(ctx context.Context, chatID int64, expireAt time.Time) (string, error)

	// Kick removes a user from the group. The user is banned and then
	// immediately unbanned so they can be re-invited after a new payment.
	Kick(ctx context.Context, chatID, userID int64) error
}

// Client implements Messenger against the real Bot API.
type Client struct {
	bot *tgbotapi.BotAPI
}

// New authenticates the bot token against the Bot API.
func New(token string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// NewWithEndpoint authenticates against a custom API endpoint (used by
// tests).
func NewWithEndpoint(token, endpoint string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate bot: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Bot exposes the underlying API client for the update dispatcher, which
// needs richer send options than the Messenger interface carries.
func (c *Client) Bot() *tgbotapi.BotAPI {
	return c.bot
}

// Username returns the authenticated bot's username.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// SendMessage delivers a plain-text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send message to chat %d: %w", chatID, err)
	}
	return nil
}

// CreateInviteLink mints a member_limit=1 invite link so a forwarded
// link cannot admit anyone but the payer.
func (c *Client) CreateInviteLink(ctx context.Context, chatID int64, expireAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: chatID},
		MemberLimit: 1,
	}
	if !expireAt.IsZero() {
		cfg.ExpireDate = int(expireAt.Unix())
	}

	resp, err := c.bot.Request(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create invite link for chat %d: %w", chatID, err)
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("failed to decode invite link response: %w", err)
	}
	if link.InviteLink == "" {
		return "", fmt.Errorf("invite link response was empty")
	}
	return link.InviteLink, nil
}

// Kick bans and immediately unbans the user, which removes them from the
// group without blocking a future rejoin.
func (c *Client) Kick(ctx context.Context, chatID, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ban := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
	}
	if _, err := c.bot.Request(ban); err != nil {
		return fmt.Errorf("failed to ban user %d in chat %d: %w", userID, chatID, err)
	}

	unban := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: chatID,
			UserID: userID,
		},
		OnlyIfBanned: true,
	}
	if _, err := c.bot.Request(unban); err != nil {
		return fmt.Errorf("failed to unban user %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

// RegisterWebhook points the Bot API at the service's update endpoint.
func (c *Client) RegisterWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if _, err := c.bot.Request(wh); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes the webhook registration, used when switching to
// long polling.
func (c *Client) DeleteWebhook() error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}
