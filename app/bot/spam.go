package bot

import (
	"log"
)

// Reason is the kind of evidence a verdict is based on
type Reason string

// verdict reasons
const (
	ReasonPattern Reason = "pattern"  // message text matched a spam pattern
	ReasonEntity  Reason = "entity"   // message carries a forbidden entity
	ReasonMarkup  Reason = "markup"   // message arrived with sender-attached keyboard
	ReasonNone    Reason = ""         // not spam
)

// forbiddenEntities are entity types not allowed from untrusted users
var forbiddenEntities = map[string]struct{}{
	"url":          {},
	"text_link":    {},
	"mention":      {},
	"text_mention": {},
	"custom_emoji": {},
}

// Verdict is the classification result for a single message
type Verdict struct {
	Spam    bool
	Reason  Reason
	Pattern string // raw pattern for ReasonPattern verdicts
}

// Classifier checks messages from untrusted users against structural
// signals first and the pattern set second: forbidden entities, then
// sender-attached markup, then patterns. The first positive signal wins.
type Classifier struct {
	patterns *Patterns
}

// NewClassifier makes a classifier using the given pattern set
func NewClassifier(patterns *Patterns) *Classifier {
	return &Classifier{patterns: patterns}
}

// Check classifies a message. Messages with no text, no entities and no
// markup are inert and never spam.
func (c *Classifier) Check(msg Message) Verdict {
	if msg.Text == "" && !msg.WithMarkup && (msg.Entities == nil || len(*msg.Entities) == 0) {
		return Verdict{}
	}

	// entities checked ahead of markup, an entity verdict carries
	// forwardable evidence while a markup one doesn't
	if msg.Entities != nil {
		for _, e := range *msg.Entities {
			if _, ok := forbiddenEntities[e.Type]; ok {
				log.Printf("[DEBUG] message %d from %s has forbidden entity %q", msg.ID, DisplayName(msg), e.Type)
				return Verdict{Spam: true, Reason: ReasonEntity}
			}
		}
	}

	if msg.WithMarkup {
		log.Printf("[DEBUG] message %d from %s has sender-attached markup", msg.ID, DisplayName(msg))
		return Verdict{Spam: true, Reason: ReasonMarkup}
	}

	if msg.Text != "" {
		if pattern, found := c.patterns.Match(msg.Text); found {
			log.Printf("[DEBUG] message %d from %s matched pattern %q", msg.ID, DisplayName(msg), pattern)
			return Verdict{Spam: true, Reason: ReasonPattern, Pattern: pattern}
		}
	}

	return Verdict{}
}
