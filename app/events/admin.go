package events

import (
	"context"
	"fmt"
	"log"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
	"github.com/mkrasnov/tg-guard/app/storage"
)

// admin command responses
const (
	respReloadOK      = "settings reloaded"
	respReloadFailed  = "reload failed"
	respNoReply       = "must reply to a message"
	respNoID          = "no id found"
	respNotAuthorized = "not authorized for this chat"
	respUnbanFailed   = "unban failed"
	respUnbanOK       = "unbanned successfully"
)

// admin handles commands issued in the designated admin chat: "/reload"
// to re-read the settings snapshot and "unban" sent as a reply to a
// forwarded spam notice. Responses go to the admin chat of the current
// snapshot, a reload moving the admin chat takes effect immediately.
type admin struct {
	tbAPI    TbAPI
	trust    *bot.TrustCache
	settings func() *config.Settings         // current snapshot
	reload   func(ctx context.Context) error // swaps the snapshot, keeps the old one on failure
}

// onMessage dispatches a single message from the admin chat
func (a *admin) onMessage(ctx context.Context, update tbapi.Update) error {
	msg := update.Message
	switch {
	case strings.EqualFold(strings.TrimSpace(msg.Text), "/reload"):
		return a.reloadSettings(ctx)
	case strings.EqualFold(strings.TrimSpace(msg.Text), "unban"):
		return a.unban(ctx, msg)
	}
	return nil
}

func (a *admin) reloadSettings(ctx context.Context) error {
	if err := a.reload(ctx); err != nil {
		log.Printf("[WARN] reload failed, keeping current settings: %v", err)
		return a.respond(respReloadFailed)
	}
	log.Printf("[INFO] settings reloaded")
	return a.respond(respReloadOK)
}

// unban lifts a ban made on a spam verdict. The command must be a reply
// to a forwarded spam notice whose text ends with a chatID_userID line.
func (a *admin) unban(ctx context.Context, msg *tbapi.Message) error {
	if msg.ReplyToMessage == nil {
		return a.respond(respNoReply)
	}

	key, found := trailingUserKey(msg.ReplyToMessage.Text)
	if !found {
		return a.respond(respNoID)
	}

	group, err := a.settings().Group(key.ChatID)
	if err != nil {
		log.Printf("[WARN] unban for unconfigured chat %d: %v", key.ChatID, err)
		return a.respond(respNotAuthorized)
	}
	if msg.From == nil || msg.From.ID != group.AdminUserID {
		return a.respond(respNotAuthorized)
	}

	resp, err := a.tbAPI.Request(tbapi.UnbanChatMemberConfig{
		ChatMemberConfig: tbapi.ChatMemberConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: key.ChatID},
			UserID:     key.UserID,
		},
		OnlyIfBanned: true,
	})
	if err != nil || !resp.Ok {
		log.Printf("[WARN] failed to unban %s: %v", key, err)
		return a.respond(respUnbanFailed)
	}

	rec := storage.UserRecord{ChatID: key.ChatID, UserID: key.UserID}
	if err := a.trust.MarkLegal(ctx, rec); err != nil {
		log.Printf("[WARN] failed to restore trust for %s after unban: %v", key, err)
	}
	log.Printf("[INFO] user %s unbanned by admin", key)
	return a.respond(respUnbanOK)
}

func (a *admin) respond(text string) error {
	if err := send(tbapi.NewMessage(a.settings().AdminChatID, text), a.tbAPI); err != nil {
		return fmt.Errorf("failed to respond to admin command: %w", err)
	}
	return nil
}

// trailingUserKey extracts the chatID_userID key from the last non-empty
// line of a forwarded spam notice
func trailingUserKey(text string) (storage.UserKey, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 {
		return storage.UserKey{}, false
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	key, err := storage.ParseUserKey(last)
	if err != nil {
		return storage.UserKey{}, false
	}
	return key, true
}
