// Package transform implements the ordered text-transform pipeline applied
// to TTS-bound text: language-agnostic cleanups (markdown, emoji, newlines,
// angle brackets) and, for English and German, verbalizers for emails,
// times, numbers, currency, percentages, units, and dates, plus phone
// numbers for English. Email, phone, and time verbalization runs only in
// the English and German pipelines; other languages get the cleanups alone.
//
// A transform is a stream function: it consumes a lazy string stream and
// yields another. The sentence-buffering helper accumulates input to a
// sentence boundary before applying patterns, so a transform never sees a
// token split across two chunks.
package transform

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/cadenza-ai/cadenza/pkg/streams"
)

// Transform rewrites a text stream.
type Transform func(streams.Reader[string]) streams.Reader[string]

// Chain composes transforms left to right into one.
func Chain(ts ...Transform) Transform {
	return func(r streams.Reader[string]) streams.Reader[string] {
		for _, t := range ts {
			r = t(r)
		}
		return r
	}
}

// Map applies fn to every item as-is. Use only downstream of a sentence
// buffer (or when fn is chunk-safe); a pattern-based fn belongs in
// SentenceBuffered.
func Map(fn func(string) string) Transform {
	return func(r streams.Reader[string]) streams.Reader[string] {
		out := streams.NewStreamChannel[string](8)
		go func() {
			defer out.Close()
			for {
				s, err := r.Next(context.Background())
				if err != nil {
					if !errors.Is(err, io.EOF) {
						out.Abort(err)
					}
					return
				}
				if v := fn(s); v != "" {
					if out.Write(context.Background(), v) != nil {
						return
					}
				}
			}
		}()
		return out.Stream()
	}
}

// SentenceBuffered accumulates input to a sentence boundary, applies fn to
// each complete sentence, and flushes the remainder through fn at end of
// stream. Pattern transforms built on it never split mid-token.
func SentenceBuffered(fn func(string) string) Transform {
	return func(r streams.Reader[string]) streams.Reader[string] {
		out := streams.NewStreamChannel[string](8)
		go func() {
			defer out.Close()
			var buf strings.Builder
			emit := func(s string) bool {
				if v := fn(s); v != "" {
					return out.Write(context.Background(), v) == nil
				}
				return true
			}
			for {
				s, err := r.Next(context.Background())
				if err != nil {
					if rest := buf.String(); rest != "" {
						emit(rest)
					}
					if !errors.Is(err, io.EOF) {
						out.Abort(err)
					}
					return
				}
				buf.WriteString(s)
				for {
					idx := sentenceBoundary(buf.String())
					if idx < 0 {
						break
					}
					// Keep the boundary whitespace with the sentence so the
					// concatenation of all emitted chunks equals the input.
					sentence := buf.String()[:idx+2]
					rest := buf.String()[idx+2:]
					buf.Reset()
					buf.WriteString(rest)
					if !emit(sentence) {
						return
					}
				}
			}
		}()
		return out.Stream()
	}
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// Apply runs text through t as a single-item stream and returns the
// concatenated output. Convenience for one-shot synthesis and tests.
func Apply(t Transform, text string) string {
	src := streams.NewStreamChannel[string](1)
	_ = src.Write(context.Background(), text)
	src.Close()

	var sb strings.Builder
	r := t(src.Stream())
	for {
		s, err := r.Next(context.Background())
		if err != nil {
			return sb.String()
		}
		sb.WriteString(s)
	}
}

// ForLanguage returns the default pipeline for a BCP-47 language tag:
// language-agnostic cleanups followed by the language's verbalizers.
// Unknown languages get the agnostic cleanups only.
func ForLanguage(lang string) Transform {
	base := []Transform{
		SentenceBuffered(StripMarkdown),
		Map(StripEmoji),
		Map(FilterAngleBrackets),
		Map(NormalizeNewlines),
	}
	switch primaryLanguage(lang) {
	case "en":
		base = append(base,
			SentenceBuffered(VerbalizeEmailsEN),
			SentenceBuffered(VerbalizePhoneEN),
			SentenceBuffered(VerbalizeTimesEN),
			SentenceBuffered(VerbalizeCurrencyEN),
			SentenceBuffered(VerbalizePercentEN),
			SentenceBuffered(VerbalizeUnitsEN),
			SentenceBuffered(VerbalizeDatesEN),
			SentenceBuffered(VerbalizeNumbersEN),
		)
	case "de":
		base = append(base,
			SentenceBuffered(VerbalizeEmailsDE),
			SentenceBuffered(VerbalizeTimesDE),
			SentenceBuffered(VerbalizeCurrencyDE),
			SentenceBuffered(VerbalizePercentDE),
			SentenceBuffered(VerbalizeUnitsDE),
			SentenceBuffered(VerbalizeDatesDE),
			SentenceBuffered(VerbalizeNumbersDE),
		)
	}
	return Chain(base...)
}

func primaryLanguage(lang string) string {
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		return strings.ToLower(lang[:i])
	}
	return strings.ToLower(lang)
}
