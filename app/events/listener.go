// Package events provides event handlers for the telegram bot: it parses
// updates, runs join requests through the captcha flow, checks messages
// from untrusted users with the spam classifier and handles the results.
// It also handles the admin chat commands for settings reload and unban.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/go-multierror"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
	"github.com/mkrasnov/tg-guard/app/storage"
)

//go:generate moq --out mocks/spam_logger.go --pkg mocks --with-resets --skip-ensure . SpamLogger

// SpamLogger is an interface for spam verdicts logger
type SpamLogger interface {
	Save(msg *bot.Message, verdict bot.Verdict)
}

// SpamLoggerFunc is a function that implements SpamLogger interface
type SpamLoggerFunc func(msg *bot.Message, verdict bot.Verdict)

// Save is a function that implements SpamLogger interface
func (f SpamLoggerFunc) Save(msg *bot.Message, verdict bot.Verdict) {
	f(msg, verdict)
}

// TelegramListener listens to tg updates and runs the moderation pipeline.
// Not thread safe, Do should be called once.
type TelegramListener struct {
	TbAPI             TbAPI
	Store             *config.Store
	Users             *storage.Users
	Trust             *bot.TrustCache
	Patterns          *bot.Patterns
	Stats             *StatsTracker
	SpamLogger        SpamLogger
	Settings          *config.Settings // initial snapshot, reloaded on /reload
	ExtraPatternsFile string           // optional, watched for changes
	BotUserID         int64            // bot's own account, never classified

	captcha      *Captcha
	classifier   *bot.Classifier
	adminHandler *admin

	lock     sync.RWMutex
	settings *config.Settings
}

// Do process all events, blocked call
func (l *TelegramListener) Do(ctx context.Context) error {
	if l.Settings == nil {
		return fmt.Errorf("no settings provided")
	}
	l.lock.Lock()
	l.settings = l.Settings
	l.lock.Unlock()

	l.captcha = NewCaptcha(l.TbAPI, l.Trust)
	l.classifier = bot.NewClassifier(l.Patterns)
	l.adminHandler = &admin{tbAPI: l.TbAPI, trust: l.Trust, settings: l.current, reload: l.reload}

	log.Printf("[INFO] start telegram listener, admin chat %d", l.Settings.AdminChatID)

	if l.ExtraPatternsFile != "" {
		go func() {
			err := bot.WatchPatternsFile(ctx, l.ExtraPatternsFile, func(extra []string) error {
				raw := append(append([]string{}, l.current().Patterns...), extra...)
				if err := l.Patterns.Reload(raw, l.Stats.PatternHits()); err != nil {
					return err
				}
				log.Printf("[INFO] extra patterns reloaded from %s, %d total", l.ExtraPatternsFile, l.Patterns.Len())
				return nil
			})
			if err != nil {
				log.Printf("[WARN] failed to watch %s: %v", l.ExtraPatternsFile, err)
			}
		}()
	}

	u := tbapi.NewUpdate(0)
	u.Timeout = 60

	updates := l.TbAPI.GetUpdatesChan(u)

	for {
		select {

		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update chan closed")
			}

			if update.CallbackQuery != nil {
				if err := l.captcha.OnCallback(update.CallbackQuery); err != nil {
					log.Printf("[WARN] failed to process callback: %v", err)
				}
				continue
			}

			if update.ChatJoinRequest != nil {
				if err := l.procJoinRequest(ctx, update.ChatJoinRequest); err != nil {
					log.Printf("[WARN] failed to process join request: %v", err)
				}
				continue
			}

			if update.ChatMember != nil {
				if err := l.procChatMember(ctx, update.ChatMember); err != nil {
					log.Printf("[WARN] failed to process chat member update: %v", err)
				}
				continue
			}

			if msg := pickMessage(update); msg != nil {
				settings := l.current()

				// the admin chat is for commands, never moderated and never left
				if msg.Chat.ID == settings.AdminChatID {
					if update.Message == nil {
						continue // edits and posts carry no commands
					}
					if err := l.adminHandler.onMessage(ctx, update); err != nil {
						log.Printf("[WARN] failed to process admin chat message: %v", err)
					}
					continue
				}

				// the log chat only receives the bot's own notices
				if settings.LogChatID != 0 && msg.Chat.ID == settings.LogChatID {
					continue
				}

				if err := l.procMessage(ctx, msg); err != nil {
					log.Printf("[WARN] failed to process update: %v", err)
				}
			}
		}
	}
}

// procJoinRequest starts a captcha session for the join request. Requests
// for chats without a config are declined by leaving the chat.
func (l *TelegramListener) procJoinRequest(ctx context.Context, req *tbapi.ChatJoinRequest) error {
	group, err := l.current().Group(req.Chat.ID)
	if errors.Is(err, config.ErrNotConfigured) {
		log.Printf("[WARN] join request for unconfigured chat %d (%q), leaving", req.Chat.ID, req.Chat.Title)
		return l.leaveChat(req.Chat.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve config for chat %d: %w", req.Chat.ID, err)
	}
	return l.captcha.OnJoinRequest(ctx, req, group)
}

// procChatMember seeds the trust state on a join transition for chats with
// forced spam-check. A returning user keeps the prior legal value.
func (l *TelegramListener) procChatMember(ctx context.Context, cm *tbapi.ChatMemberUpdated) error {
	if !isJoinTransition(cm) {
		return nil
	}

	group, err := l.current().Group(cm.Chat.ID)
	if errors.Is(err, config.ErrNotConfigured) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve config for chat %d: %w", cm.Chat.ID, err)
	}
	if !group.ForceSpamcheck {
		return nil
	}

	user := cm.NewChatMember.User
	if user == nil {
		return nil
	}
	rec := storage.UserRecord{ChatID: cm.Chat.ID, UserID: user.ID, Username: user.UserName,
		FirstName: user.FirstName, LastName: user.LastName, ChatTitle: cm.Chat.Title, Legal: false}
	if err := l.Trust.Seed(ctx, rec, true); err != nil {
		return fmt.Errorf("failed to seed trust for joined user %d in chat %d: %w", user.ID, cm.Chat.ID, err)
	}
	log.Printf("[INFO] user %d joined chat %d, trust seeded", user.ID, cm.Chat.ID)
	return nil
}

func (l *TelegramListener) procMessage(ctx context.Context, tbMsg *tbapi.Message) error {
	msgJSON, errJSON := json.Marshal(tbMsg)
	if errJSON != nil {
		return fmt.Errorf("failed to marshal update message to json: %w", errJSON)
	}
	log.Printf("[DEBUG] %s", string(msgJSON))

	if tbMsg.Chat.Type == "private" {
		return nil
	}

	group, err := l.current().Group(tbMsg.Chat.ID)
	if errors.Is(err, config.ErrNotConfigured) {
		log.Printf("[WARN] message in unconfigured chat %d (%q), leaving", tbMsg.Chat.ID, tbMsg.Chat.Title)
		return l.leaveChat(tbMsg.Chat.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve config for chat %d: %w", tbMsg.Chat.ID, err)
	}

	// service message about new members
	if len(tbMsg.NewChatMembers) > 0 {
		if group.DeleteJoinMessages {
			return l.deleteMessage(tbMsg.Chat.ID, tbMsg.MessageID)
		}
		return nil
	}

	msg := transform(tbMsg)

	// no self-moderation for the bot and the chat's admin
	if msg.From.ID != 0 && (msg.From.ID == l.BotUserID || msg.From.ID == group.AdminUserID) {
		return nil
	}

	// anonymous posts carry a sender chat identity instead of a user
	if msg.SenderChat.ID != 0 {
		if group.DeleteAnonymousPosts {
			log.Printf("[INFO] deleting anonymous post %d from %d in chat %d", msg.ID, msg.SenderChat.ID, msg.ChatID)
			return l.deleteMessage(msg.ChatID, msg.ID)
		}
		return nil
	}

	// inert messages are neither spam nor trust-promoting
	if msg.Text == "" && !msg.WithMarkup && msg.Entities == nil {
		return nil
	}

	rec := storage.UserRecord{ChatID: msg.ChatID, UserID: msg.From.ID, Username: msg.From.Username,
		FirstName: msg.From.DisplayName, ChatTitle: msg.ChatTitle}

	legal, err := l.Trust.IsLegal(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to check trust for %d in chat %d: %w", msg.From.ID, msg.ChatID, err)
	}
	if legal {
		return nil
	}

	verdict := l.classifier.Check(*msg)
	if !verdict.Spam {
		if err := l.Trust.MarkLegal(ctx, rec); err != nil {
			return fmt.Errorf("failed to promote %d in chat %d: %w", msg.From.ID, msg.ChatID, err)
		}
		log.Printf("[INFO] user %s promoted to legal in chat %d", bot.DisplayName(*msg), msg.ChatID)
		return nil
	}

	return l.banSpammer(ctx, msg, verdict, group)
}

// banSpammer executes the spam verdict: forwards the evidence to the log
// chat, bans the user, deletes the message, drops the trust record and
// updates the counters for pattern verdicts.
func (l *TelegramListener) banSpammer(ctx context.Context, msg *bot.Message, verdict bot.Verdict, group config.GroupConfig) error {
	key := storage.NewUserKey(msg.ChatID, msg.From.ID)
	log.Printf("[INFO] spam from %s in chat %d, reason %q pattern %q", key, msg.ChatID, verdict.Reason, verdict.Pattern)

	l.SpamLogger.Save(msg, verdict)

	errs := new(multierror.Error)

	// forward before delete, markup-only spam has no forwardable content
	if verdict.Reason != bot.ReasonMarkup {
		if _, err := l.TbAPI.Send(tbapi.NewForward(group.LogChatID, msg.ChatID, msg.ID)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to forward spam message %d: %w", msg.ID, err))
		}
		notice := fmt.Sprintf("banned %s in %s\n%s", escapeMarkDownV1Text(bot.DisplayName(*msg)),
			escapeMarkDownV1Text(msg.ChatTitle), key.String())
		if err := send(tbapi.NewMessage(group.LogChatID, notice), l.TbAPI); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to send spam notice: %w", err))
		}
	}

	if err := banUser(l.TbAPI, msg.ChatID, msg.From.ID, bot.DisplayName(*msg), bot.PermanentBanDuration); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to ban %s: %w", key, err))
	}

	if err := l.deleteMessage(msg.ChatID, msg.ID); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := l.Trust.Evict(ctx, key); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to evict %s: %w", key, err))
	}

	if verdict.Reason == bot.ReasonPattern {
		if err := l.Stats.RecordViolation(ctx, msg.ChatID); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := l.Stats.RecordPatternHit(ctx, verdict.Pattern); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// reload re-reads the settings and stat documents and swaps the process
// snapshot. On any failure the previous snapshot stays active.
func (l *TelegramListener) reload(ctx context.Context) error {
	settings, err := l.Store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	stat, err := l.Store.LoadStat(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stat: %w", err)
	}

	raw := append([]string{}, settings.Patterns...)
	if l.ExtraPatternsFile != "" {
		extra, err := bot.ReadPatternsFile(l.ExtraPatternsFile)
		if err != nil {
			log.Printf("[WARN] failed to read extra patterns from %s: %v", l.ExtraPatternsFile, err)
		} else {
			raw = append(raw, extra...)
		}
	}
	if err := l.Patterns.Reload(raw, stat.Regex); err != nil {
		return fmt.Errorf("failed to compile patterns: %w", err)
	}

	l.Stats.Reload(stat)
	l.lock.Lock()
	l.settings = settings
	l.lock.Unlock()
	log.Printf("[INFO] settings snapshot swapped, %d patterns, %d groups", l.Patterns.Len(), len(settings.Groups))
	return nil
}

func (l *TelegramListener) current() *config.Settings {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.settings
}

func (l *TelegramListener) deleteMessage(chatID int64, msgID int) error {
	_, err := l.TbAPI.Request(tbapi.DeleteMessageConfig{BaseChatMessage: tbapi.BaseChatMessage{
		ChatConfig: tbapi.ChatConfig{ChatID: chatID}, MessageID: msgID}})
	if err != nil {
		return fmt.Errorf("failed to delete message %d in chat %d: %w", msgID, chatID, err)
	}
	return nil
}

func (l *TelegramListener) leaveChat(chatID int64) error {
	if _, err := l.TbAPI.Request(tbapi.LeaveChatConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}}); err != nil {
		return fmt.Errorf("failed to leave chat %d: %w", chatID, err)
	}
	return nil
}

// pickMessage returns the message-like payload of the update, if any
func pickMessage(update tbapi.Update) *tbapi.Message {
	switch {
	case update.Message != nil:
		return update.Message
	case update.EditedMessage != nil:
		return update.EditedMessage
	case update.ChannelPost != nil:
		return update.ChannelPost
	case update.EditedChannelPost != nil:
		return update.EditedChannelPost
	}
	return nil
}

// isJoinTransition reports if the member update is a join, i.e. the user
// was out of the chat and became a member
func isJoinTransition(cm *tbapi.ChatMemberUpdated) bool {
	wasOut := cm.OldChatMember.Status == "left" || cm.OldChatMember.Status == "kicked" || cm.OldChatMember.Status == ""
	return wasOut && cm.NewChatMember.Status == "member"
}
