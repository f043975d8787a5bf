// Package ingest loads manuscript files from a local directory or a git
// repository and splits them into passages for indexing.
package ingest

import (
	"errors"
	"strings"
)

// Common errors for ingest operations
var (
	ErrNoManuscripts = errors.New("no manuscript files found")
	ErrInvalidTarget = errors.New("invalid ingest target")
)

// Passage is one paragraph-sized unit of manuscript text.
type Passage struct {
	ID       string `json:"id"` // stable across runs for the same source and position
	Text     string `json:"text"`
	Source   string `json:"source"`   // file path relative to the manuscript root
	Chapter  string `json:"chapter"`  // nearest markdown heading, else the file name
	Position int    `json:"position"` // paragraph index within the source
}

// Manuscript is one loaded file.
type Manuscript struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is everything loaded from one target.
type Result struct {
	Target      string       `json:"target"`
	Revision    string       `json:"revision,omitempty"` // HEAD commit when loaded from git
	Manuscripts []Manuscript `json:"manuscripts"`
	Passages    []Passage    `json:"passages"`
}

// Options controls which files are read and how they are split.
type Options struct {
	// Extensions lists file extensions to load, with the leading dot.
	Extensions []string
	// MaxChars caps passage length in runes; longer paragraphs are split at whitespace.
	MaxChars int
	// MinChars drops passages shorter than this, in runes.
	MinChars int
}

// DefaultOptions returns defaults for markdown and plain-text manuscripts.
func DefaultOptions() Options {
	return Options{
		Extensions: []string{".md", ".txt"},
		MaxChars:   1200,
		MinChars:   1,
	}
}

func (o Options) accepts(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range o.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if len(o.Extensions) == 0 {
		o.Extensions = defaults.Extensions
	}
	if o.MaxChars <= 0 {
		o.MaxChars = defaults.MaxChars
	}
	if o.MinChars <= 0 {
		o.MinChars = defaults.MinChars
	}
	return o
}
