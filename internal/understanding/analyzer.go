// Package understanding turns a free-text request into search keywords, an
// intent label and hard constraints. It is rule based and needs no model or
// network access.
package understanding

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// Intent labels produced by the analyzer.
const (
	IntentContinue  = "continue"
	IntentDialogue  = "dialogue"
	IntentDescribe  = "describe"
	IntentSummarize = "summarize"
	IntentOutline   = "outline"
	IntentRewrite   = "rewrite"
	IntentGeneric   = "generic"
)

// Metadata keys set on every result.
const (
	MetaQueryLength  = "query_length"
	MetaLanguageHint = "language_hint"
	MetaKeywordCap   = "keyword_cap"
)

// minQueryRunes is the shortest query that gets intent and keyword analysis.
const minQueryRunes = 2

var (
	quotedPattern = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|「([^」]+)」`)
	avoidPattern  = regexp.MustCompile(`(?i)\b(?:avoid|without|don't mention|do not mention)\s+([^.,;:!?\n]+)`)
)

// intentRule maps trigger words to an intent. Rules are tried in order, so
// the more specific editing intents win over "continue".
type intentRule struct {
	intent string
	words  []string
	cjk    []string
}

var intentRules = []intentRule{
	{IntentRewrite, []string{"rewrite", "revise", "polish", "edit"}, []string{"改写", "润色", "重写"}},
	{IntentSummarize, []string{"summarize", "summarise", "summary", "recap"}, []string{"总结", "概括", "摘要"}},
	{IntentOutline, []string{"outline", "outlines", "beats"}, []string{"大纲", "提纲"}},
	{IntentDialogue, []string{"dialogue", "dialog", "conversation", "argue", "talk"}, []string{"对话", "对白"}},
	{IntentDescribe, []string{"describe", "description", "depict", "portray"}, []string{"描写", "描述"}},
	{IntentContinue, []string{"continue", "next", "resume", "proceed", "happens"}, []string{"续写", "继续", "接下来"}},
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by can could do does for from
		had has have he her him his how i if in into is it its me my of on or our she so that the
		their them then there these they this to was we were what when where which who why will
		with would you your please write make give let us about some any more chapter scene story
		avoid without mention don't not no just also`) {
		stopwords[w] = struct{}{}
	}
}

// Config caps the number of keywords per tier.
type Config struct {
	MaxKeywordsRegular int `koanf:"max_keywords_regular"`
	MaxKeywordsVIP     int `koanf:"max_keywords_vip"`
}

// DefaultConfig returns the default keyword caps.
func DefaultConfig() Config {
	return Config{
		MaxKeywordsRegular: 8,
		MaxKeywordsVIP:     16,
	}
}

// Analyzer implements engine.QueryUnderstanding.
type Analyzer struct {
	config Config
}

// NewAnalyzer creates an analyzer. Non-positive caps fall back to defaults.
func NewAnalyzer(config Config) *Analyzer {
	defaults := DefaultConfig()
	if config.MaxKeywordsRegular <= 0 {
		config.MaxKeywordsRegular = defaults.MaxKeywordsRegular
	}
	if config.MaxKeywordsVIP <= 0 {
		config.MaxKeywordsVIP = defaults.MaxKeywordsVIP
	}
	return &Analyzer{config: config}
}

// Understand analyzes the request. It only fails when ctx is done.
func (a *Analyzer) Understand(ctx context.Context, req *engine.EngineRequest, tier engine.UserTier) (engine.QueryUnderstandingResult, error) {
	if err := ctx.Err(); err != nil {
		return engine.QueryUnderstandingResult{}, fmt.Errorf("%w: %w", engine.ErrUnderstandingFailed, err)
	}
	if req == nil {
		return engine.QueryUnderstandingResult{}, fmt.Errorf("%w: request is required", engine.ErrUnderstandingFailed)
	}

	query := strings.TrimSpace(req.UserQuery())
	reqCtx := req.Context()
	keywordCap := a.config.MaxKeywordsRegular
	if tier.IsVIP() {
		keywordCap = a.config.MaxKeywordsVIP
	}

	result := engine.QueryUnderstandingResult{
		SearchIntent: IntentGeneric,
		Keywords:     []string{},
		Metadata: map[string]any{
			MetaQueryLength:  utf8.RuneCountInString(query),
			MetaLanguageHint: languageHint(query),
			MetaKeywordCap:   keywordCap,
		},
	}

	var include, avoid []string
	if utf8.RuneCountInString(query) >= minQueryRunes {
		include, avoid = extractConstraints(query)
		tokens := tokenize(query)
		result.SearchIntent = detectIntent(query, tokens)
		result.Keywords = keywords(tokens, avoid, keywordCap)
	}

	result.MustInclude = mergeUnique(include, engine.StringListValue(reqCtx, engine.ContextMustInclude))
	result.MustAvoid = mergeUnique(avoid, engine.StringListValue(reqCtx, engine.ContextMustAvoid))
	return result, nil
}

// extractConstraints pulls quoted phrases (required) and phrases following
// avoid/without/don't mention (forbidden) out of the query. A quoted phrase
// inside an avoid clause is forbidden, not required.
func extractConstraints(query string) (include, avoid []string) {
	var avoidSpans [][2]int
	for _, m := range avoidPattern.FindAllStringSubmatchIndex(query, -1) {
		phrase := trimPhrase(query[m[2]:m[3]])
		if phrase == "" {
			continue
		}
		avoid = append(avoid, phrase)
		avoidSpans = append(avoidSpans, [2]int{m[0], m[1]})
	}

	for _, m := range quotedPattern.FindAllStringSubmatchIndex(query, -1) {
		if within(m[0], avoidSpans) {
			continue
		}
		for g := 1; g < len(m)/2; g++ {
			if m[2*g] >= 0 {
				if phrase := strings.TrimSpace(query[m[2*g]:m[2*g+1]]); phrase != "" {
					include = append(include, phrase)
				}
				break
			}
		}
	}
	return include, avoid
}

func within(pos int, spans [][2]int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

func trimPhrase(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'“”「」`)
	s = strings.TrimSpace(s)
	for _, article := range []string{"any ", "the mention of ", "mentioning "} {
		if strings.HasPrefix(strings.ToLower(s), article) {
			s = strings.TrimSpace(s[len(article):])
		}
	}
	return s
}

// tokenize lowercases the query and splits it on anything that is not a
// letter, digit or apostrophe. Runs of Han characters stay together.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func detectIntent(query string, tokens []string) string {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	for _, rule := range intentRules {
		for _, w := range rule.words {
			if _, ok := set[w]; ok {
				return rule.intent
			}
		}
		for _, w := range rule.cjk {
			if strings.Contains(query, w) {
				return rule.intent
			}
		}
	}
	return IntentGeneric
}

// keywords keeps non-stopword tokens in order of first appearance, minus
// words that only appear in forbidden phrases, up to limit.
func keywords(tokens, avoid []string, limit int) []string {
	banned := make(map[string]struct{})
	for _, phrase := range avoid {
		for _, t := range tokenize(phrase) {
			banned[t] = struct{}{}
		}
	}

	out := []string{}
	seen := make(map[string]struct{})
	for _, t := range tokens {
		if len(out) >= limit {
			break
		}
		if _, ok := stopwords[t]; ok {
			continue
		}
		if _, ok := banned[t]; ok {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		if utf8.RuneCountInString(t) < 2 && !hasHan(t) {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// mergeUnique concatenates lists, dropping blanks and case-insensitive repeats.
func mergeUnique(lists ...[]string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			key := strings.ToLower(s)
			if s == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func languageHint(s string) string {
	if hasHan(s) {
		return "cjk"
	}
	return "latin"
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
