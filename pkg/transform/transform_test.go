package transform

import (
	"context"
	"testing"

	"github.com/cadenza-ai/cadenza/pkg/streams"
)

func TestStripMarkdown(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"# Heading\ntext", "Heading\ntext"},
		{"this is **bold** and *italic*", "this is bold and italic"},
		{"see [the docs](https://example.com) now", "see the docs now"},
		{"run `go test` please", "run go test please"},
		{"- item one\n- item two", "item one\nitem two"},
	}
	for _, c := range cases {
		if got := StripMarkdown(c.in); got != c.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFilterAngleBracketsPreservesSSML(t *testing.T) {
	t.Parallel()

	in := `hello <thinking>hmm</thinking> <break time="200ms"/> world`
	got := FilterAngleBrackets(in)
	want := `hello hmm <break time="200ms"/> world`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStripEmoji(t *testing.T) {
	t.Parallel()

	if got := StripEmoji("hi 👋 there 🎉!"); got != "hi  there !" {
		t.Fatalf("got %q", got)
	}
}

func TestNumberToWordsEN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int64
		want string
	}{
		{0, "zero"},
		{7, "seven"},
		{13, "thirteen"},
		{42, "forty-two"},
		{100, "one hundred"},
		{101, "one hundred one"},
		{999, "nine hundred ninety-nine"},
		{1_000, "one thousand"},
		{1_234_567, "one million two hundred thirty-four thousand five hundred sixty-seven"},
		{-5, "minus five"},
	}
	for _, c := range cases {
		if got := NumberToWordsEN(c.n); got != c.want {
			t.Errorf("NumberToWordsEN(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestNumberToWordsDE(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int64
		want string
	}{
		{0, "null"},
		{1, "eins"},
		{21, "einundzwanzig"},
		{42, "zweiundvierzig"},
		{100, "einhundert"},
		{117, "einhundertsiebzehn"},
		{1_000, "eintausend"},
		{2_024, "zweitausendvierundzwanzig"},
	}
	for _, c := range cases {
		if got := NumberToWordsDE(c.n); got != c.want {
			t.Errorf("NumberToWordsDE(%d) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestVerbalizersEN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"currency", VerbalizeCurrencyEN, "that costs $12.50 total", "that costs twelve dollars and fifty cents total"},
		{"percent", VerbalizePercentEN, "up 42%", "up forty-two percent"},
		{"units", VerbalizeUnitsEN, "walk 5km north", "walk five kilometers north"},
		{"unit singular", VerbalizeUnitsEN, "just 1km left", "just one kilometer left"},
		{"date", VerbalizeDatesEN, "due 2024-05-01 sharp", "due May first, twenty twenty-four sharp"},
		{"time", VerbalizeTimesEN, "meet at 14:30 today", "meet at fourteen thirty today"},
		{"time am", VerbalizeTimesEN, "at 2:05 pm", "at two oh five pm"},
		{"email", VerbalizeEmailsEN, "mail sam@example.com now", "mail sam at example dot com now"},
		{"numbers", VerbalizeNumbersEN, "I saw 3 cats", "I saw three cats"},
		{"decimal", VerbalizeNumbersEN, "pi is 3.14", "pi is three point one four"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := c.fn(c.in); got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestVerbalizersDE(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"currency", VerbalizeCurrencyDE, "kostet 12,50 € heute", "kostet zwölf Euro fünfzig heute"},
		{"percent", VerbalizePercentDE, "plus 42 %", "plus zweiundvierzig Prozent"},
		{"units", VerbalizeUnitsDE, "noch 5 km bis dahin", "noch fünf Kilometer bis dahin"},
		{"date", VerbalizeDatesDE, "am 01.05.2024 fertig", "am erste Mai zweitausendvierundzwanzig fertig"},
		{"time", VerbalizeTimesDE, "um 14:30 Uhr", "um vierzehn Uhr dreißig"},
		{"numbers", VerbalizeNumbersDE, "ich sehe 3 Katzen", "ich sehe drei Katzen"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := c.fn(c.in); got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestSentenceBufferedNeverSplitsTokens(t *testing.T) {
	t.Parallel()

	// "$12" arrives split across two chunks; the buffered transform must
	// see the sentence whole.
	src := streams.NewStreamChannel[string](4)
	ctx := context.Background()
	_ = src.Write(ctx, "it costs $1")
	_ = src.Write(ctx, "2.50 total. next")
	src.Close()

	out := SentenceBuffered(VerbalizeCurrencyEN)(src.Stream())
	first, err := out.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first != "it costs twelve dollars and fifty cents total. " {
		t.Fatalf("token split across chunks: %q", first)
	}
	rest, err := out.Next(ctx)
	if err != nil || rest != "next" {
		t.Fatalf("want trailing remainder, got (%q, %v)", rest, err)
	}
}

func TestForLanguagePipeline(t *testing.T) {
	t.Parallel()

	p := ForLanguage("en-US")
	got := Apply(p, "**Total:** $5. Done!")
	want := "Total: five dollars. Done!"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplitWords(t *testing.T) {
	t.Parallel()

	if n := len(SplitWords("please stop that", true)); n != 3 {
		t.Fatalf("want 3 words, got %d", n)
	}
	if n := len(SplitWords("uh", true)); n != 1 {
		t.Fatalf("want 1 word, got %d", n)
	}
	if n := len(SplitWords("", true)); n != 0 {
		t.Fatalf("empty text must have 0 words, got %d", n)
	}
	if got := SplitWords("well—no, stop!", false); len(got) != 3 {
		t.Fatalf("punctuation-stripped split wrong: %v", got)
	}
}
