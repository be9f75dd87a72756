package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-pkgz/repeater"

	"github.com/mkrasnov/tg-guard/app/bot"
	"github.com/mkrasnov/tg-guard/app/config"
)

//go:generate moq --out mocks/stat_store.go --pkg mocks --with-resets --skip-ensure . StatStore

// StatStore persists the stat document
type StatStore interface {
	SaveStat(ctx context.Context, stat *config.Stat) error
}

// StatsTracker keeps the violation counters and pattern hit counts,
// persisting the stat document on every update. Counters only grow.
type StatsTracker struct {
	store    StatStore
	patterns *bot.Patterns

	lock sync.Mutex
	stat *config.Stat
}

// NewStatsTracker makes a tracker over the loaded stat snapshot
func NewStatsTracker(store StatStore, stat *config.Stat, patterns *bot.Patterns) *StatsTracker {
	return &StatsTracker{store: store, stat: stat, patterns: patterns}
}

// RecordViolation increments today's violation count for the chat and persists
func (s *StatsTracker) RecordViolation(ctx context.Context, chatID int64) error {
	s.lock.Lock()
	chat := strconv.FormatInt(chatID, 10)
	day := time.Now().Format("2006-01-02")
	if s.stat.Daily[chat] == nil {
		s.stat.Daily[chat] = map[string]int{}
	}
	s.stat.Daily[chat][day]++
	s.lock.Unlock()

	return s.persist(ctx)
}

// RecordPatternHit bumps the pattern's hit count, re-ranks the matcher
// list and persists the new count
func (s *StatsTracker) RecordPatternHit(ctx context.Context, pattern string) error {
	count := s.patterns.Rerank(pattern)
	if count == 0 {
		log.Printf("[WARN] hit recorded for unknown pattern %q", pattern)
		return nil
	}

	s.lock.Lock()
	s.stat.Regex[pattern] = count
	s.lock.Unlock()

	return s.persist(ctx)
}

// Reload swaps in a freshly loaded stat snapshot
func (s *StatsTracker) Reload(stat *config.Stat) {
	s.lock.Lock()
	s.stat = stat
	s.lock.Unlock()
}

// Daily returns a copy of per-chat daily violation counts
func (s *StatsTracker) Daily() map[string]map[string]int {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := make(map[string]map[string]int, len(s.stat.Daily))
	for chat, days := range s.stat.Daily {
		res[chat] = make(map[string]int, len(days))
		for day, count := range days {
			res[chat][day] = count
		}
	}
	return res
}

// PatternHits returns a copy of per-pattern hit counts
func (s *StatsTracker) PatternHits() map[string]int {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := make(map[string]int, len(s.stat.Regex))
	for pattern, count := range s.stat.Regex {
		res[pattern] = count
	}
	return res
}

func (s *StatsTracker) persist(ctx context.Context) error {
	err := repeater.NewDefault(3, 50*time.Millisecond).Do(ctx, func() error {
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.store.SaveStat(ctx, s.stat)
	})
	if err != nil {
		return fmt.Errorf("failed to persist stat document: %w", err)
	}
	return nil
}
