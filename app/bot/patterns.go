package bot

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// homoglyphs maps cyrillic letters to their latin (and digit) lookalikes.
// Each occurrence of a key in a pattern is widened to a character class
// matching the letter and all of its substitutes, so "работа" catches
// "рaбota" and friends.
var homoglyphs = map[rune]string{
	'а': "a",
	'в': "b",
	'е': "ёe",
	'з': "3",
	'и': "u",
	'к': "k",
	'н': "h",
	'о': "o0",
	'р': "p",
	'с': "c",
	'т': "t",
	'у': "y",
	'х': "x",
}

// rawClassPrefix marks patterns written as explicit unicode classes,
// those are compiled as-is without homoglyph widening
const rawClassPrefix = `[\u`

type rankedPattern struct {
	raw  string
	re   *regexp.Regexp
	hits int
	pos  int // position in the source list, tie-breaker for equal hits
}

// Patterns holds compiled spam patterns ordered by hit count, most
// frequently matched first. The compiled set is immutable, Reload and
// Rerank swap it wholesale under the lock.
type Patterns struct {
	lock   sync.RWMutex
	ranked []rankedPattern
}

// NewPatterns compiles the raw patterns with the given hit counts and
// returns the ranked set. Fails if any pattern doesn't compile.
func NewPatterns(raw []string, hits map[string]int) (*Patterns, error) {
	ranked, err := compilePatterns(raw, hits)
	if err != nil {
		return nil, err
	}
	return &Patterns{ranked: ranked}, nil
}

// Match checks the text against all patterns in rank order and returns
// the first matching pattern's raw form. Only the first match is reported
// even if multiple patterns would hit.
func (p *Patterns) Match(text string) (pattern string, found bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	for _, rp := range p.ranked {
		if rp.re.MatchString(text) {
			return rp.raw, true
		}
	}
	return "", false
}

// Rerank bumps the hit count of the given pattern and re-sorts the set.
// Returns the new count, or 0 if the pattern is not in the set.
func (p *Patterns) Rerank(pattern string) int {
	p.lock.Lock()
	defer p.lock.Unlock()

	res := 0
	for i := range p.ranked {
		if p.ranked[i].raw == pattern {
			p.ranked[i].hits++
			res = p.ranked[i].hits
			break
		}
	}
	if res == 0 {
		return 0
	}
	sortRanked(p.ranked)
	return res
}

// Reload compiles a new raw set and swaps it in atomically. On compile
// failure the current set is kept untouched.
func (p *Patterns) Reload(raw []string, hits map[string]int) error {
	ranked, err := compilePatterns(raw, hits)
	if err != nil {
		return err
	}
	p.lock.Lock()
	p.ranked = ranked
	p.lock.Unlock()
	return nil
}

// Ranked returns raw patterns with their hit counts, in match order
func (p *Patterns) Ranked() map[string]int {
	p.lock.RLock()
	defer p.lock.RUnlock()

	res := make(map[string]int, len(p.ranked))
	for _, rp := range p.ranked {
		res[rp.raw] = rp.hits
	}
	return res
}

// Len returns the number of compiled patterns
func (p *Patterns) Len() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.ranked)
}

func compilePatterns(raw []string, hits map[string]int) ([]rankedPattern, error) {
	res := make([]rankedPattern, 0, len(raw))
	var merr *multierror.Error
	for i, r := range raw {
		re, err := compilePattern(r)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("pattern %q: %w", r, err))
			continue
		}
		res = append(res, rankedPattern{raw: r, re: re, hits: hits[r], pos: i})
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	sortRanked(res)
	return res, nil
}

func compilePattern(raw string) (*regexp.Regexp, error) {
	expr := translateEscapes(raw)
	if !strings.HasPrefix(raw, rawClassPrefix) {
		expr = widenHomoglyphs(expr)
	}
	return regexp.Compile("(?i)" + expr)
}

// translateEscapes converts \uXXXX escapes to Go's \x{XXXX} form
func translateEscapes(raw string) string {
	var sb strings.Builder
	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+5 < len(runes) && runes[i+1] == 'u' && isHex(runes[i+2:i+6]) {
			sb.WriteString(`\x{`)
			sb.WriteString(string(runes[i+2 : i+6]))
			sb.WriteString(`}`)
			i += 5
			continue
		}
		sb.WriteRune(runes[i])
	}
	return sb.String()
}

// widenHomoglyphs replaces each substitutable letter with a class of its
// lookalikes. Inside an existing character class the alternates are
// appended without extra brackets.
func widenHomoglyphs(expr string) string {
	var sb strings.Builder
	inClass := false
	escaped := false
	for _, r := range expr {
		if escaped {
			sb.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\':
			sb.WriteRune(r)
			escaped = true
		case r == '[' && !inClass:
			sb.WriteRune(r)
			inClass = true
		case r == ']' && inClass:
			sb.WriteRune(r)
			inClass = false
		default:
			subs, ok := homoglyphs[r]
			if !ok {
				sb.WriteRune(r)
				continue
			}
			if inClass {
				sb.WriteRune(r)
				sb.WriteString(subs)
				continue
			}
			sb.WriteRune('[')
			sb.WriteRune(r)
			sb.WriteString(subs)
			sb.WriteRune(']')
		}
	}
	return sb.String()
}

func isHex(runes []rune) bool {
	for _, r := range runes {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func sortRanked(ranked []rankedPattern) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		return ranked[i].pos < ranked[j].pos
	})
}
