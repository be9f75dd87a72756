package events

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
	"github.com/mkrasnov/tg-guard/app/storage"
)

// captcha session outcomes, all terminal
const (
	outcomeAdmitted          = "admitted"
	outcomeDeclinedByUser    = "declined by user"
	outcomeDeclinedByTimeout = "declined by timeout"
)

// Captcha runs the emoji challenge for chat join requests. Each join
// request gets its own session owned by a single goroutine which waits for
// either the user's button press or the timeout and performs exactly one
// terminal action (approve or decline). Button presses are delivered to
// the owner via the session's answer channel, a press after resolution
// finds no session and is a no-op.
type Captcha struct {
	TbAPI TbAPI
	Trust *bot.TrustCache

	lock     sync.Mutex
	sessions map[string]*captchaSession
}

type captchaSession struct {
	key          storage.UserKey
	user         bot.User
	userChatID   int64 // private chat with the user, holds the challenge message
	challengeID  int   // challenge message id
	chatTitle    string
	chatUsername string
	group        config.GroupConfig
	answer       chan string // emoji picked by the user
}

// NewCaptcha makes a captcha flow using the given telegram api and trust cache
func NewCaptcha(tbAPI TbAPI, trust *bot.TrustCache) *Captcha {
	return &Captcha{TbAPI: tbAPI, Trust: trust, sessions: map[string]*captchaSession{}}
}

// OnJoinRequest issues a challenge for the join request and starts the
// session owner. The group config is resolved by the caller and stays
// fixed for the session's lifetime.
func (c *Captcha) OnJoinRequest(ctx context.Context, req *tbapi.ChatJoinRequest, group config.GroupConfig) error {
	user := bot.User{ID: req.From.ID, Username: req.From.UserName,
		DisplayName: strings.TrimSpace(req.From.FirstName + " " + req.From.LastName)}
	key := storage.NewUserKey(req.Chat.ID, req.From.ID)
	log.Printf("[INFO] join request from %s (%q) to chat %q", key, user.DisplayName, req.Chat.Title)

	msg := tbapi.NewMessage(req.UserChatID, fmt.Sprintf(group.WelcomeText, req.Chat.Title))
	msg.ReplyMarkup = challengeKeyboard(group.EmojiList, group.EmojiPerRow, req.Chat.ID, req.Chat.UserName)
	sent, err := c.TbAPI.Send(msg)
	if err != nil {
		return fmt.Errorf("failed to send challenge to user %d: %w", req.From.ID, err)
	}

	notice := fmt.Sprintf("%s wants to join %s", escapeMarkDownV1Text(displayOrID(user)), escapeMarkDownV1Text(req.Chat.Title))
	if err := send(tbapi.NewMessage(group.LogChatID, notice), c.TbAPI); err != nil {
		log.Printf("[WARN] failed to notify log chat about join request: %v", err)
	}

	session := &captchaSession{
		key:          key,
		user:         user,
		userChatID:   req.UserChatID,
		challengeID:  sent.MessageID,
		chatTitle:    req.Chat.Title,
		chatUsername: req.Chat.UserName,
		group:        group,
		answer:       make(chan string, 1),
	}

	c.lock.Lock()
	c.sessions[key.String()] = session
	c.lock.Unlock()

	go c.run(ctx, session)
	return nil
}

// OnCallback routes a button press to the owning session. The payload is
// "emoji#chatID#chatUsername". Presses for already resolved sessions are
// acknowledged and dropped.
func (c *Captcha) OnCallback(query *tbapi.CallbackQuery) error {
	if _, err := c.TbAPI.Request(tbapi.NewCallback(query.ID, "")); err != nil {
		log.Printf("[WARN] failed to answer callback query: %v", err)
	}

	parts := strings.Split(query.Data, "#")
	if len(parts) != 3 {
		return fmt.Errorf("unexpected callback payload %q", query.Data)
	}
	emoji := parts[0]
	chatID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse chat id from callback payload %q: %w", query.Data, err)
	}

	key := storage.NewUserKey(chatID, query.From.ID)
	c.lock.Lock()
	session, found := c.sessions[key.String()]
	c.lock.Unlock()
	if !found {
		log.Printf("[DEBUG] callback for resolved or unknown session %s ignored", key)
		return nil
	}

	select {
	case session.answer <- emoji:
	default: // owner already took an answer
	}
	return nil
}

// run owns the session from issue to resolution
func (c *Captcha) run(ctx context.Context, session *captchaSession) {
	defer func() {
		c.lock.Lock()
		delete(c.sessions, session.key.String())
		c.lock.Unlock()
	}()

	select {
	case <-ctx.Done():
		log.Printf("[INFO] session %s abandoned, %v", session.key, ctx.Err())
		return

	case emoji := <-session.answer:
		if emoji == session.group.EmojiList[0] {
			c.admit(ctx, session)
			return
		}
		c.decline(session, outcomeDeclinedByUser)

	case <-time.After(session.group.CaptchaTimeout):
		c.decline(session, outcomeDeclinedByTimeout)
	}
}

func (c *Captcha) admit(ctx context.Context, session *captchaSession) {
	resp, err := c.TbAPI.Request(tbapi.ApproveChatJoinRequestConfig{
		ChatConfig: tbapi.ChatConfig{ChatID: session.key.ChatID},
		UserID:     session.key.UserID,
	})
	if err != nil || !resp.Ok {
		// the request may be resolved upstream already, nothing to admit
		log.Printf("[WARN] failed to approve join request for %s: %v", session.key, err)
		c.editChallenge(session, session.group.ErrorText, nil)
		return
	}

	log.Printf("[INFO] session %s resolved: %s", session.key, outcomeAdmitted)
	var markup *tbapi.InlineKeyboardMarkup
	if session.chatUsername != "" {
		m := tbapi.NewInlineKeyboardMarkup(tbapi.NewInlineKeyboardRow(
			tbapi.NewInlineKeyboardButtonURL(session.chatTitle, "https://t.me/"+session.chatUsername)))
		markup = &m
	}
	c.editChallenge(session, session.group.SuccessText, markup)

	notice := fmt.Sprintf("%s succeeded to join %s", escapeMarkDownV1Text(displayOrID(session.user)),
		escapeMarkDownV1Text(session.chatTitle))
	if err := send(tbapi.NewMessage(session.group.LogChatID, notice), c.TbAPI); err != nil {
		log.Printf("[WARN] failed to notify log chat: %v", err)
	}

	if session.group.ForceSpamcheck {
		rec := storage.UserRecord{ChatID: session.key.ChatID, UserID: session.key.UserID,
			Username: session.user.Username, FirstName: session.user.DisplayName, ChatTitle: session.chatTitle}
		if err := c.Trust.MarkLegal(ctx, rec); err != nil {
			log.Printf("[WARN] failed to promote %s after captcha: %v", session.key, err)
		}
	}
}

func (c *Captcha) decline(session *captchaSession, outcome string) {
	resp, err := c.TbAPI.Request(tbapi.DeclineChatJoinRequest{
		ChatConfig: tbapi.ChatConfig{ChatID: session.key.ChatID},
		UserID:     session.key.UserID,
	})
	if err != nil || !resp.Ok {
		// already resolved upstream, the late decline loses the race
		log.Printf("[DEBUG] decline for %s failed, request already resolved: %v", session.key, err)
		return
	}

	log.Printf("[INFO] session %s resolved: %s", session.key, outcome)
	text := session.group.FailText
	if outcome == outcomeDeclinedByTimeout {
		text = session.group.TimeoutText
	}
	c.editChallenge(session, text, nil)

	notice := fmt.Sprintf("%s failed to join %s", escapeMarkDownV1Text(displayOrID(session.user)),
		escapeMarkDownV1Text(session.chatTitle))
	if err := send(tbapi.NewMessage(session.group.LogChatID, notice), c.TbAPI); err != nil {
		log.Printf("[WARN] failed to notify log chat: %v", err)
	}
}

func (c *Captcha) editChallenge(session *captchaSession, text string, markup *tbapi.InlineKeyboardMarkup) {
	var edit tbapi.EditMessageTextConfig
	if markup != nil {
		edit = tbapi.NewEditMessageTextAndMarkup(session.userChatID, session.challengeID, text, *markup)
	} else {
		edit = tbapi.NewEditMessageText(session.userChatID, session.challengeID, text)
	}
	if err := send(edit, c.TbAPI); err != nil {
		log.Printf("[WARN] failed to edit challenge message for %s: %v", session.key, err)
	}
}

// challengeKeyboard shuffles the emoji set and lays it out in rows,
// callback data is "emoji#chatID#chatUsername"
func challengeKeyboard(emojis []string, perRow int, chatID int64, chatUsername string) tbapi.InlineKeyboardMarkup {
	shuffled := make([]string, len(emojis))
	copy(shuffled, emojis)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var rows [][]tbapi.InlineKeyboardButton
	var row []tbapi.InlineKeyboardButton
	for _, emoji := range shuffled {
		data := fmt.Sprintf("%s#%d#%s", emoji, chatID, chatUsername)
		row = append(row, tbapi.NewInlineKeyboardButtonData(emoji, data))
		if len(row) == perRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tbapi.NewInlineKeyboardMarkup(rows...)
}

func displayOrID(user bot.User) string {
	if user.DisplayName != "" {
		return user.DisplayName
	}
	if user.Username != "" {
		return user.Username
	}
	return strconv.FormatInt(user.ID, 10)
}
