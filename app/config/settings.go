// Package config provides typed application settings loaded from the
// persistent document store and per-chat resolution of the effective
// moderation parameters. The settings document is operator-edited and the
// pipeline only reads it; the stat document next to it is the only one
// the pipeline writes back.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/forPelevin/gomoji"
)

// ErrNotConfigured returned for chats missing from the groups table.
// Callers must treat such chats as disallowed.
var ErrNotConfigured = errors.New("chat is not configured")

// default texts used when neither the group entry nor the global settings provide them
const (
	defWelcomeText = `to join %q pick the emoji matching the topic of the chat`
	defSuccessText = "correct, welcome!"
	defFailText    = "wrong answer, the join request is declined"
	defErrorText   = "can't approve the join request, it probably expired"
	defTimeoutText = "no answer in time, the join request is declined"
)

// Settings represents the process-wide configuration snapshot loaded from
// the "settings" document. Immutable once loaded; reload swaps the whole thing.
type Settings struct {
	Token       string `json:"token"`
	AdminUserID int64  `json:"admin_user_id"`
	AdminChatID int64  `json:"admin_chat_id"`
	LogChatID   int64  `json:"log_chat_id"` // falls back to AdminChatID

	EmojiList         []string `json:"emoji_list"` // first element is the correct answer
	EmojiPerRow       int      `json:"emoji_per_row"`
	CaptchaTimeoutSec int      `json:"captcha_timeout_sec"`

	WelcomeText string `json:"welcome_text"`
	SuccessText string `json:"success_text"`
	FailText    string `json:"fail_text"`
	ErrorText   string `json:"error_text"`
	TimeoutText string `json:"timeout_text"`

	Patterns []string `json:"regex_list"`

	// Groups is the table of moderated chats keyed by chat id. Keys are
	// decimal strings because the document is json and json keys are strings.
	Groups map[string]GroupSettings `json:"groups"`
}

// GroupSettings is a per-chat entry in the groups table. Empty fields
// inherit the global values on resolution.
type GroupSettings struct {
	EmojiList         []string `json:"emoji_list,omitempty"`
	EmojiPerRow       int      `json:"emoji_per_row,omitempty"`
	CaptchaTimeoutSec int      `json:"captcha_timeout_sec,omitempty"`
	LogChatID         int64    `json:"log_chat_id,omitempty"`
	AdminUserID       int64    `json:"admin_user_id,omitempty"`

	WelcomeText string `json:"welcome_text,omitempty"`
	SuccessText string `json:"success_text,omitempty"`
	FailText    string `json:"fail_text,omitempty"`
	ErrorText   string `json:"error_text,omitempty"`
	TimeoutText string `json:"timeout_text,omitempty"`

	ForceSpamcheck       bool `json:"force_spamcheck,omitempty"`
	DeleteJoinMessages   bool `json:"delete_join_messages,omitempty"`
	DeleteAnonymousPosts bool `json:"delete_anonymous_posts,omitempty"`
}

// GroupConfig is the effective per-chat configuration with all fallbacks
// applied, safe to use for the lifetime of one event
type GroupConfig struct {
	ChatID         int64
	EmojiList      []string // first element is the correct answer
	EmojiPerRow    int
	CaptchaTimeout time.Duration
	LogChatID      int64
	AdminUserID    int64

	WelcomeText string
	SuccessText string
	FailText    string
	ErrorText   string
	TimeoutText string

	ForceSpamcheck       bool
	DeleteJoinMessages   bool
	DeleteAnonymousPosts bool
}

// Group resolves the effective configuration for a chat, merging the group
// entry over the global defaults. Returns ErrNotConfigured for unknown chats.
func (s *Settings) Group(chatID int64) (GroupConfig, error) {
	g, ok := s.Groups[strconv.FormatInt(chatID, 10)]
	if !ok {
		return GroupConfig{}, fmt.Errorf("chat %d: %w", chatID, ErrNotConfigured)
	}

	pickStr := func(vals ...string) string {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
		return ""
	}
	pickInt64 := func(vals ...int64) int64 {
		for _, v := range vals {
			if v != 0 {
				return v
			}
		}
		return 0
	}
	pickInt := func(vals ...int) int {
		for _, v := range vals {
			if v != 0 {
				return v
			}
		}
		return 0
	}

	res := GroupConfig{
		ChatID:      chatID,
		EmojiList:   g.EmojiList,
		EmojiPerRow: pickInt(g.EmojiPerRow, s.EmojiPerRow, 4),
		LogChatID:   pickInt64(g.LogChatID, s.LogChatID, s.AdminChatID),
		AdminUserID: pickInt64(g.AdminUserID, s.AdminUserID),

		WelcomeText: pickStr(g.WelcomeText, s.WelcomeText, defWelcomeText),
		SuccessText: pickStr(g.SuccessText, s.SuccessText, defSuccessText),
		FailText:    pickStr(g.FailText, s.FailText, defFailText),
		ErrorText:   pickStr(g.ErrorText, s.ErrorText, defErrorText),
		TimeoutText: pickStr(g.TimeoutText, s.TimeoutText, defTimeoutText),

		ForceSpamcheck:       g.ForceSpamcheck,
		DeleteJoinMessages:   g.DeleteJoinMessages,
		DeleteAnonymousPosts: g.DeleteAnonymousPosts,
	}
	if len(res.EmojiList) == 0 {
		res.EmojiList = s.EmojiList
	}

	timeoutSec := pickInt(g.CaptchaTimeoutSec, s.CaptchaTimeoutSec, 60)
	res.CaptchaTimeout = time.Duration(timeoutSec) * time.Second

	return res, nil
}

// Validate checks the loaded settings. Failing validation on startup is
// fatal; on reload it keeps the previous snapshot active.
func (s *Settings) Validate() error {
	if s.Token == "" {
		return fmt.Errorf("token is empty")
	}
	if s.AdminChatID == 0 {
		return fmt.Errorf("admin chat id is not set")
	}
	if len(s.EmojiList) < 2 {
		return fmt.Errorf("emoji list needs at least two entries, got %d", len(s.EmojiList))
	}
	for _, e := range s.EmojiList {
		if !gomoji.ContainsEmoji(e) {
			return fmt.Errorf("emoji list entry %q is not an emoji", e)
		}
	}
	for key, g := range s.Groups {
		if _, err := strconv.ParseInt(key, 10, 64); err != nil {
			return fmt.Errorf("group key %q is not a chat id: %w", key, err)
		}
		if len(g.EmojiList) == 1 {
			return fmt.Errorf("group %s: emoji list needs at least two entries", key)
		}
		for _, e := range g.EmojiList {
			if !gomoji.ContainsEmoji(e) {
				return fmt.Errorf("group %s: emoji list entry %q is not an emoji", key, e)
			}
		}
	}
	return nil
}
