package events

import (
	"fmt"
	"log"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/mkrasnov/tg-guard/app/bot"
)

//go:generate moq --out mocks/tb_api.go --pkg mocks --with-resets --skip-ensure . TbAPI

// TbAPI is an interface for telegram bot API, only subset of methods used
type TbAPI interface {
	GetUpdatesChan(config tbapi.UpdateConfig) tbapi.UpdatesChannel
	Send(c tbapi.Chattable) (tbapi.Message, error)
	Request(c tbapi.Chattable) (*tbapi.APIResponse, error)
}

func escapeMarkDownV1Text(text string) string {
	escSymbols := []string{"_", "*", "`", "["}
	for _, esc := range escSymbols {
		text = strings.ReplaceAll(text, esc, "\\"+esc)
	}
	return text
}

// send a message to the telegram as markdown first and if failed - as plain text
func send(tbMsg tbapi.Chattable, tbAPI TbAPI) error {
	withParseMode := func(tbMsg tbapi.Chattable, parseMode string) tbapi.Chattable {
		switch msg := tbMsg.(type) {
		case tbapi.MessageConfig:
			msg.ParseMode = parseMode
			msg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
			return msg
		case tbapi.EditMessageTextConfig:
			msg.ParseMode = parseMode
			msg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
			return msg
		case tbapi.EditMessageReplyMarkupConfig:
			return msg
		}
		return tbMsg // don't touch other types
	}

	msg := withParseMode(tbMsg, tbapi.ModeMarkdown) // try markdown first
	if _, err := tbAPI.Send(msg); err != nil {
		log.Printf("[WARN] failed to send message as markdown, %v", err)
		msg = withParseMode(tbMsg, "") // try plain text
		if _, err := tbAPI.Send(msg); err != nil {
			return fmt.Errorf("can't send message to telegram: %w", err)
		}
	}
	return nil
}

// The bot must be an administrator in the supergroup for this to work
// and must have the appropriate admin rights.
func banUser(tbAPI TbAPI, chatID, userID int64, userName string, duration time.Duration) error {
	// From Telegram Bot API documentation:
	// > If user is restricted for more than 366 days or less than 30 seconds from the current time,
	// > they are considered to be restricted forever
	if duration < 30*time.Second {
		duration = 1 * time.Minute
	}

	resp, err := tbAPI.Request(tbapi.BanChatMemberConfig{
		ChatMemberConfig: tbapi.ChatMemberConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		UntilDate: time.Now().Add(duration).Unix(),
	})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("response is not Ok: %v", string(resp.Result))
	}

	log.Printf("[INFO] user %s banned by bot for %v", userName, duration)
	return nil
}

func transform(msg *tbapi.Message) *bot.Message {
	transformEntities := func(entities []tbapi.MessageEntity) *[]bot.Entity {
		if len(entities) == 0 {
			return nil
		}

		result := make([]bot.Entity, 0, len(entities))
		for _, entity := range entities {
			e := bot.Entity{
				Type:   entity.Type,
				Offset: entity.Offset,
				Length: entity.Length,
				URL:    entity.URL,
			}
			if entity.User != nil {
				e.User = &bot.User{
					ID:          entity.User.ID,
					Username:    entity.User.UserName,
					DisplayName: entity.User.FirstName + " " + entity.User.LastName,
				}
			}
			result = append(result, e)
		}

		return &result
	}

	message := bot.Message{
		ID:   msg.MessageID,
		Sent: msg.Time(),
		Text: msg.Text,
	}

	message.ChatID = msg.Chat.ID
	message.ChatTitle = msg.Chat.Title

	if msg.From != nil {
		message.From = bot.User{
			ID:       msg.From.ID,
			Username: msg.From.UserName,
		}
	}

	if msg.From != nil && strings.TrimSpace(msg.From.FirstName) != "" {
		message.From.DisplayName = msg.From.FirstName
	}
	if msg.From != nil && strings.TrimSpace(msg.From.LastName) != "" {
		message.From.DisplayName += " " + msg.From.LastName
	}

	if msg.SenderChat != nil {
		message.SenderChat = bot.SenderChat{
			ID:       msg.SenderChat.ID,
			UserName: msg.SenderChat.UserName,
		}
	}

	if msg.ReplyMarkup != nil && len(msg.ReplyMarkup.InlineKeyboard) > 0 {
		message.WithMarkup = true
	}

	switch {
	case len(msg.Entities) > 0:
		message.Entities = transformEntities(msg.Entities)
	case len(msg.CaptionEntities) > 0:
		message.Entities = transformEntities(msg.CaptionEntities)
	}

	if msg.ReplyToMessage != nil {
		message.ReplyTo.Text = msg.ReplyToMessage.Text
		message.ReplyTo.Sent = msg.ReplyToMessage.Time()
		if msg.ReplyToMessage.From != nil {
			message.ReplyTo.From = bot.User{
				ID:          msg.ReplyToMessage.From.ID,
				Username:    msg.ReplyToMessage.From.UserName,
				DisplayName: msg.ReplyToMessage.From.FirstName + " " + msg.ReplyToMessage.From.LastName,
			}
		}
	}

	if msg.Caption != "" {
		if message.Text == "" {
			log.Printf("[DEBUG] caption only message: %q", msg.Caption)
			message.Text = msg.Caption
		} else {
			log.Printf("[DEBUG] caption appended to message: %q", msg.Caption)
			message.Text += "\n" + msg.Caption
		}
	}
	return &message
}
