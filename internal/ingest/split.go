package ingest

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// passageNamespace seeds the name-based UUIDs used as passage IDs.
var passageNamespace = uuid.MustParse("6f0c1c52-8c1d-4f55-a8a2-1f3f4d2b7a10")

// PassageID returns the stable ID of the passage at position in source.
func PassageID(source string, position int) string {
	return uuid.NewSHA1(passageNamespace, []byte(fmt.Sprintf("%s#%d", source, position))).String()
}

// Split breaks a manuscript into passages on blank lines. Markdown headings
// are not passages; they set the chapter label of what follows.
func Split(source, content string, opts Options) []Passage {
	opts = opts.withDefaults()
	chapter := chapterFromPath(source)

	var passages []Passage
	emit := func(text string) {
		for _, piece := range chunk(text, opts.MaxChars) {
			if utf8.RuneCountInString(piece) < opts.MinChars {
				continue
			}
			position := len(passages)
			passages = append(passages, Passage{
				ID:       PassageID(source, position),
				Text:     piece,
				Source:   source,
				Chapter:  chapter,
				Position: position,
			})
		}
	}

	var para []string
	flush := func() {
		if len(para) > 0 {
			emit(strings.Join(para, " "))
			para = para[:0]
		}
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
			flush()
			if title := strings.TrimSpace(strings.TrimLeft(line, "#")); title != "" {
				chapter = title
			}
		default:
			para = append(para, line)
		}
	}
	flush()
	return passages
}

// chunk cuts text into pieces of at most limit runes, preferring whitespace.
func chunk(text string, limit int) []string {
	runes := []rune(text)
	var pieces []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		pieces = append(pieces, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		pieces = append(pieces, rest)
	}
	return pieces
}

func chapterFromPath(p string) string {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}
