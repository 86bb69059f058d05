package transform

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBold      = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	mdItalic    = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	mdCode      = regexp.MustCompile("`{1,3}([^`]*)`{1,3}")
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdListItem  = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdBlockquot = regexp.MustCompile(`(?m)^>\s?`)
)

// StripMarkdown removes markdown syntax while keeping the visible text:
// headings, emphasis, inline code, links (keeping the label), list bullets,
// and blockquote markers.
func StripMarkdown(s string) string {
	s = mdHeading.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdBold.ReplaceAllString(s, "$1$2")
	s = mdItalic.ReplaceAllString(s, "$1$2")
	s = mdCode.ReplaceAllString(s, "$1")
	s = mdListItem.ReplaceAllString(s, "")
	s = mdBlockquot.ReplaceAllString(s, "")
	return s
}

// StripEmoji drops emoji and pictographic runes; TTS engines either skip
// them with a glitch or read out code-point names.
func StripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F300 && r <= 0x1FAFF, // pictographs, emoticons, symbols
			r >= 0x2600 && r <= 0x27BF, // misc symbols, dingbats
			r == 0xFE0F, r == 0x200D,   // variation selector, ZWJ
			r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
			return -1
		}
		return r
	}, s)
}

// ssmlTags are the angle-bracket tags passed through untouched so callers
// can hand SSML fragments to providers that understand them.
var ssmlTags = []string{
	"speak", "break", "phoneme", "prosody", "say-as", "voice", "emphasis", "sub", "lang",
}

var angleTag = regexp.MustCompile(`<[^<>]*>`)

// FilterAngleBrackets removes angle-bracket runs (model artifacts like
// <thinking>…) but preserves SSML-like tags.
func FilterAngleBrackets(s string) string {
	return angleTag.ReplaceAllStringFunc(s, func(tag string) string {
		inner := strings.TrimPrefix(strings.TrimPrefix(tag, "<"), "/")
		for _, t := range ssmlTags {
			if strings.HasPrefix(inner, t) {
				return tag
			}
		}
		return ""
	})
}

var multiNewline = regexp.MustCompile(`\n{2,}`)

// NormalizeNewlines folds paragraph breaks into sentence pauses and single
// newlines into spaces, so synthesis does not read unnatural gaps.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiNewline.ReplaceAllString(s, ". ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// SplitWords splits text into words. withPunctuation splits on whitespace
// only and keeps every token as it is, so a standalone punctuation token
// counts as a word; without it, words are also split at dashes and leading
// and trailing punctuation is trimmed. It never produces empty tokens. This
// is the word counter behind the interruption gate.
func SplitWords(text string, withPunctuation bool) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || (!withPunctuation && unicode.Is(unicode.Pd, r))
	})
	if withPunctuation {
		return fields
	}
	var out []string
	for _, f := range fields {
		trimmed := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
