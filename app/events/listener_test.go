package events

import (
	"context"
	"strings"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
	"github.com/mkrasnov/tg-guard/app/events/mocks"
	"github.com/mkrasnov/tg-guard/app/storage"
	"github.com/mkrasnov/tg-guard/app/storage/engine"
)

func makeListenerSettings() *config.Settings {
	return &config.Settings{
		Token:       "token",
		AdminUserID: 777,
		AdminChatID: 999,
		EmojiList:   []string{"✅", "❌"},
		Patterns:    []string{"работа", "crypto"},
		Groups: map[string]config.GroupSettings{
			"-100123": {},
			"-100200": {ForceSpamcheck: true, DeleteJoinMessages: true, DeleteAnonymousPosts: true},
		},
	}
}

// prepListener builds a listener over an in-memory db and initializes its
// handlers by draining a closed updates channel
func prepListener(t *testing.T) (*TelegramListener, *mocks.TbAPIMock, *storage.Users, *mocks.SpamLoggerMock) {
	ctx := context.Background()

	db, err := engine.NewSqlite(":memory:", "gr1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := storage.NewUsers(ctx, db)
	require.NoError(t, err)
	store, err := config.NewStore(ctx, db)
	require.NoError(t, err)

	settings := makeListenerSettings()
	require.NoError(t, store.SaveSettings(ctx, settings))
	stat, err := store.LoadStat(ctx)
	require.NoError(t, err)

	patterns, err := bot.NewPatterns(settings.Patterns, nil)
	require.NoError(t, err)
	trust := bot.NewTrustCache(users)

	mockAPI := &mocks.TbAPIMock{
		SendFunc:    func(c tbapi.Chattable) (tbapi.Message, error) { return tbapi.Message{MessageID: 42}, nil },
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) { return &tbapi.APIResponse{Ok: true}, nil },
		GetUpdatesChanFunc: func(config tbapi.UpdateConfig) tbapi.UpdatesChannel {
			ch := make(chan tbapi.Update)
			close(ch)
			return ch
		},
	}
	spamLog := &mocks.SpamLoggerMock{SaveFunc: func(msg *bot.Message, verdict bot.Verdict) {}}

	l := &TelegramListener{
		TbAPI:      mockAPI,
		Store:      store,
		Users:      users,
		Trust:      trust,
		Patterns:   patterns,
		Stats:      NewStatsTracker(store, stat, patterns),
		SpamLogger: spamLog,
		Settings:   settings,
		BotUserID:  101,
	}
	require.EqualError(t, l.Do(ctx), "telegram update chan closed")
	mockAPI.ResetCalls()
	return l, mockAPI, users, spamLog
}

func seedUntrusted(t *testing.T, l *TelegramListener, chatID, userID int64) {
	rec := storage.UserRecord{ChatID: chatID, UserID: userID, Username: "spammer", Legal: false}
	require.NoError(t, l.Trust.Seed(context.Background(), rec, false))
}

func makeChatMessage(chatID int64, userID int64, text string) *tbapi.Message {
	return &tbapi.Message{
		MessageID: 77,
		From:      &tbapi.User{ID: userID, UserName: "spammer", FirstName: "John"},
		Chat:      tbapi.Chat{ID: chatID, Title: "test chat", Type: "supergroup"},
		Text:      text,
		Date:      int(time.Now().Unix()),
	}
}

func TestListener_PatternSpam(t *testing.T) {
	l, mockAPI, users, spamLog := prepListener(t)
	ctx := context.Background()
	seedUntrusted(t, l, -100123, 456)

	err := l.procMessage(ctx, makeChatMessage(-100123, 456, "рaбota в интернете, пиши в лс"))
	require.NoError(t, err)

	// evidence forwarded to the log chat before anything else
	require.GreaterOrEqual(t, len(mockAPI.SendCalls()), 2)
	_, isForward := mockAPI.SendCalls()[0].C.(tbapi.ForwardConfig)
	assert.True(t, isForward, "first send is the forward, got %T", mockAPI.SendCalls()[0].C)

	notice, ok := mockAPI.SendCalls()[1].C.(tbapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(999), notice.ChatID, "notice goes to the admin chat")
	assert.True(t, strings.HasSuffix(notice.Text, "\n-100123_456"), "notice ends with the user key, got %q", notice.Text)

	var banned, deleted bool
	for _, c := range mockAPI.RequestCalls() {
		switch req := c.C.(type) {
		case tbapi.BanChatMemberConfig:
			banned = true
			assert.Equal(t, int64(-100123), req.ChatConfig.ChatID)
			assert.Equal(t, int64(456), req.UserID)
			assert.InDelta(t, time.Now().Add(bot.PermanentBanDuration).Unix(), req.UntilDate, 60)
		case tbapi.DeleteMessageConfig:
			deleted = true
			assert.Equal(t, int64(-100123), req.BaseChatMessage.ChatConfig.ChatID)
			assert.Equal(t, 77, req.BaseChatMessage.MessageID)
		}
	}
	assert.True(t, banned)
	assert.True(t, deleted)

	// trust record evicted
	_, found, err := users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	assert.False(t, found)

	// verdict logged and counters updated for the matched pattern
	require.Len(t, spamLog.SaveCalls(), 1)
	assert.Equal(t, bot.ReasonPattern, spamLog.SaveCalls()[0].Verdict.Reason)
	assert.Equal(t, "работа", spamLog.SaveCalls()[0].Verdict.Pattern)
	assert.Equal(t, 1, l.Stats.PatternHits()["работа"])
	day := time.Now().Format("2006-01-02")
	assert.Equal(t, 1, l.Stats.Daily()["-100123"][day])

	// counters survived the round-trip to the store
	stat, err := l.Store.LoadStat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stat.Regex["работа"])
	assert.Equal(t, 1, stat.Daily["-100123"][day])
}

func TestListener_EntitySpam(t *testing.T) {
	l, mockAPI, users, spamLog := prepListener(t)
	ctx := context.Background()
	seedUntrusted(t, l, -100123, 456)

	// markup attached too, the entity verdict wins and keeps the evidence forwardable
	msg := makeChatMessage(-100123, 456, "check this out")
	msg.Entities = []tbapi.MessageEntity{{Type: "url", Offset: 0, Length: 5}}
	msg.ReplyMarkup = &tbapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tbapi.InlineKeyboardButton{{tbapi.NewInlineKeyboardButtonData("press", "data")}},
	}
	require.NoError(t, l.procMessage(ctx, msg))

	require.Len(t, spamLog.SaveCalls(), 1)
	assert.Equal(t, bot.ReasonEntity, spamLog.SaveCalls()[0].Verdict.Reason)

	require.NotEmpty(t, mockAPI.SendCalls())
	_, isForward := mockAPI.SendCalls()[0].C.(tbapi.ForwardConfig)
	assert.True(t, isForward, "entity evidence forwarded to the log chat")

	var banned bool
	for _, c := range mockAPI.RequestCalls() {
		if _, ok := c.C.(tbapi.BanChatMemberConfig); ok {
			banned = true
		}
	}
	assert.True(t, banned)

	_, found, err := users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	assert.False(t, found)

	// entity verdicts don't touch the pattern counters
	assert.Empty(t, l.Stats.PatternHits())
	assert.Empty(t, l.Stats.Daily())
}

func TestListener_MarkupSpamSkipsForward(t *testing.T) {
	l, mockAPI, _, spamLog := prepListener(t)
	ctx := context.Background()
	seedUntrusted(t, l, -100123, 456)

	msg := makeChatMessage(-100123, 456, "")
	msg.ReplyMarkup = &tbapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tbapi.InlineKeyboardButton{{tbapi.NewInlineKeyboardButtonData("press", "data")}},
	}
	require.NoError(t, l.procMessage(ctx, msg))

	require.Len(t, spamLog.SaveCalls(), 1)
	assert.Equal(t, bot.ReasonMarkup, spamLog.SaveCalls()[0].Verdict.Reason)
	assert.Empty(t, mockAPI.SendCalls(), "nothing to forward for markup-only spam")

	var banned, deleted bool
	for _, c := range mockAPI.RequestCalls() {
		switch c.C.(type) {
		case tbapi.BanChatMemberConfig:
			banned = true
		case tbapi.DeleteMessageConfig:
			deleted = true
		}
	}
	assert.True(t, banned)
	assert.True(t, deleted)
}

func TestListener_CleanMessagePromotes(t *testing.T) {
	l, mockAPI, users, spamLog := prepListener(t)
	ctx := context.Background()
	seedUntrusted(t, l, -100123, 456)

	require.NoError(t, l.procMessage(ctx, makeChatMessage(-100123, 456, "hello everyone, glad to be here")))

	rec, found, err := users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Legal)
	assert.Empty(t, spamLog.SaveCalls())
	assert.Empty(t, mockAPI.RequestCalls())

	// trusted now, further messages bypass the classifier entirely
	require.NoError(t, l.procMessage(ctx, makeChatMessage(-100123, 456, "рaбota в интернете")))
	assert.Empty(t, spamLog.SaveCalls())
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_FirstContactTrusted(t *testing.T) {
	l, mockAPI, users, spamLog := prepListener(t)
	ctx := context.Background()

	// no prior record, no join seed: trusted by default, not classified
	require.NoError(t, l.procMessage(ctx, makeChatMessage(-100123, 456, "рaбota в интернете")))

	rec, found, err := users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Legal)
	assert.Empty(t, spamLog.SaveCalls())
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_InertMessageSkipped(t *testing.T) {
	l, mockAPI, users, _ := prepListener(t)
	ctx := context.Background()

	msg := makeChatMessage(-100123, 456, "")
	msg.Sticker = &tbapi.Sticker{FileID: "sticker-1"}
	require.NoError(t, l.procMessage(ctx, msg))

	// no text, no markup, no entities: not even a trust lookup
	_, found, err := users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_UnconfiguredChat(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	require.NoError(t, l.procMessage(ctx, makeChatMessage(-100999, 456, "hello")))

	require.Len(t, mockAPI.RequestCalls(), 1)
	leave, ok := mockAPI.RequestCalls()[0].C.(tbapi.LeaveChatConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100999), leave.ChatConfig.ChatID)
}

func TestListener_PrivateChatIgnored(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	msg := makeChatMessage(456, 456, "hi bot")
	msg.Chat.Type = "private"
	require.NoError(t, l.procMessage(ctx, msg))
	assert.Empty(t, mockAPI.RequestCalls())
	assert.Empty(t, mockAPI.SendCalls())
}

func TestListener_AdminAndBotExempt(t *testing.T) {
	l, mockAPI, _, spamLog := prepListener(t)
	ctx := context.Background()

	for _, id := range []int64{101, 777} { // bot's own account and the chat admin
		seedUntrusted(t, l, -100123, id)
		require.NoError(t, l.procMessage(ctx, makeChatMessage(-100123, id, "рaбota в интернете")))
	}
	assert.Empty(t, spamLog.SaveCalls())
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_AnonymousPost(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	msg := makeChatMessage(-100200, 0, "anonymous channel post")
	msg.From = &tbapi.User{ID: 1087968824, UserName: "GroupAnonymousBot"}
	msg.SenderChat = &tbapi.Chat{ID: -100555, Title: "some channel"}
	require.NoError(t, l.procMessage(ctx, msg))

	require.Len(t, mockAPI.RequestCalls(), 1)
	del, ok := mockAPI.RequestCalls()[0].C.(tbapi.DeleteMessageConfig)
	require.True(t, ok)
	assert.Equal(t, 77, del.BaseChatMessage.MessageID)

	// same post in a chat without the delete option is kept
	mockAPI.ResetCalls()
	msg.Chat.ID = -100123
	require.NoError(t, l.procMessage(ctx, msg))
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_JoinServiceMessage(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	msg := makeChatMessage(-100200, 456, "")
	msg.NewChatMembers = []tbapi.User{{ID: 456, UserName: "newcomer"}}
	require.NoError(t, l.procMessage(ctx, msg))

	require.Len(t, mockAPI.RequestCalls(), 1)
	_, ok := mockAPI.RequestCalls()[0].C.(tbapi.DeleteMessageConfig)
	assert.True(t, ok)

	// kept in chats without the delete option
	mockAPI.ResetCalls()
	msg.Chat.ID = -100123
	require.NoError(t, l.procMessage(ctx, msg))
	assert.Empty(t, mockAPI.RequestCalls())
}

func TestListener_ChatMemberSeeding(t *testing.T) {
	l, _, users, _ := prepListener(t)
	ctx := context.Background()

	joinUpdate := func(chatID int64, old string) *tbapi.ChatMemberUpdated {
		return &tbapi.ChatMemberUpdated{
			Chat:          tbapi.Chat{ID: chatID, Title: "test chat"},
			OldChatMember: tbapi.ChatMember{Status: old},
			NewChatMember: tbapi.ChatMember{Status: "member", User: &tbapi.User{ID: 456, UserName: "newcomer"}},
		}
	}

	// forced spam-check chat seeds the joiner untrusted
	require.NoError(t, l.procChatMember(ctx, joinUpdate(-100200, "left")))
	rec, found, err := users.Get(ctx, storage.NewUserKey(-100200, 456))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Legal)

	// a returning user keeps the earned trust
	require.NoError(t, l.Trust.MarkLegal(ctx, rec))
	require.NoError(t, l.procChatMember(ctx, joinUpdate(-100200, "kicked")))
	rec, found, err = users.Get(ctx, storage.NewUserKey(-100200, 456))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Legal)

	// chats without forced spam-check don't seed
	require.NoError(t, l.procChatMember(ctx, joinUpdate(-100123, "left")))
	_, found, err = users.Get(ctx, storage.NewUserKey(-100123, 456))
	require.NoError(t, err)
	assert.False(t, found)

	// non-join transitions ignored
	promo := joinUpdate(-100200, "member")
	promo.NewChatMember.Status = "administrator"
	require.NoError(t, l.procChatMember(ctx, promo))
}

func TestListener_AdminChatNeverModerated(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	// the admin chat has no group entry, these must not reach the
	// moderation path where an unconfigured chat means leaving it
	edited := tbapi.Update{EditedMessage: &tbapi.Message{MessageID: 5, From: &tbapi.User{ID: 777},
		Chat: tbapi.Chat{ID: 999, Title: "admin chat", Type: "supergroup"}, Text: "edited note"}}
	chatter := tbapi.Update{Message: &tbapi.Message{MessageID: 6, From: &tbapi.User{ID: 777},
		Chat: tbapi.Chat{ID: 999, Title: "admin chat", Type: "supergroup"}, Text: "hello"}}
	mockAPI.GetUpdatesChanFunc = func(config tbapi.UpdateConfig) tbapi.UpdatesChannel {
		ch := make(chan tbapi.Update, 2)
		ch <- edited
		ch <- chatter
		close(ch)
		return ch
	}
	require.EqualError(t, l.Do(ctx), "telegram update chan closed")

	for _, c := range mockAPI.RequestCalls() {
		_, leave := c.C.(tbapi.LeaveChatConfig)
		assert.False(t, leave, "bot must never leave its admin chat, got %T", c.C)
	}
	assert.Empty(t, mockAPI.SendCalls(), "plain chatter in the admin chat gets no response")
}

func TestListener_LogChatPostsIgnored(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	l.Settings.LogChatID = 998
	post := tbapi.Update{ChannelPost: &tbapi.Message{MessageID: 7,
		Chat: tbapi.Chat{ID: 998, Title: "log channel", Type: "channel"}, Text: "banned someone in test chat"}}
	mockAPI.GetUpdatesChanFunc = func(config tbapi.UpdateConfig) tbapi.UpdatesChannel {
		ch := make(chan tbapi.Update, 1)
		ch <- post
		close(ch)
		return ch
	}
	require.EqualError(t, l.Do(ctx), "telegram update chan closed")
	assert.Empty(t, mockAPI.RequestCalls(), "log channel posts are not moderated")
}

func TestListener_Reload(t *testing.T) {
	l, _, _, _ := prepListener(t)
	ctx := context.Background()

	// update the stored document and reload
	updated := makeListenerSettings()
	updated.Patterns = append(updated.Patterns, "казино")
	updated.Groups["-100300"] = config.GroupSettings{}
	require.NoError(t, l.Store.SaveSettings(ctx, updated))
	require.NoError(t, l.reload(ctx))

	assert.Equal(t, 3, l.Patterns.Len())
	_, err := l.current().Group(-100300)
	assert.NoError(t, err)

	// a broken document leaves the current snapshot in place
	broken := makeListenerSettings()
	broken.Token = ""
	require.NoError(t, l.Store.SaveSettings(ctx, broken))
	require.Error(t, l.reload(ctx))
	assert.Equal(t, 3, l.Patterns.Len())
	_, err = l.current().Group(-100300)
	assert.NoError(t, err, "previous snapshot still active")
}

func TestListener_JoinRequestUnconfigured(t *testing.T) {
	l, mockAPI, _, _ := prepListener(t)
	ctx := context.Background()

	req := &tbapi.ChatJoinRequest{
		Chat:       tbapi.Chat{ID: -100999, Title: "strange chat"},
		From:       tbapi.User{ID: 456},
		UserChatID: 456,
	}
	require.NoError(t, l.procJoinRequest(ctx, req))

	require.Len(t, mockAPI.RequestCalls(), 1)
	leave, ok := mockAPI.RequestCalls()[0].C.(tbapi.LeaveChatConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-100999), leave.ChatConfig.ChatID)
	assert.Empty(t, mockAPI.SendCalls(), "no challenge issued")
}

func TestPickMessage(t *testing.T) {
	msg := &tbapi.Message{MessageID: 1}
	assert.Equal(t, msg, pickMessage(tbapi.Update{Message: msg}))
	assert.Equal(t, msg, pickMessage(tbapi.Update{EditedMessage: msg}))
	assert.Equal(t, msg, pickMessage(tbapi.Update{ChannelPost: msg}))
	assert.Equal(t, msg, pickMessage(tbapi.Update{EditedChannelPost: msg}))
	assert.Nil(t, pickMessage(tbapi.Update{}))
}
