package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var onesDE = []string{
	"null", "eins", "zwei", "drei", "vier", "fünf", "sechs", "sieben", "acht", "neun",
	"zehn", "elf", "zwölf", "dreizehn", "vierzehn", "fünfzehn", "sechzehn",
	"siebzehn", "achtzehn", "neunzehn",
}

var tensDE = []string{
	"", "", "zwanzig", "dreißig", "vierzig", "fünfzig", "sechzig", "siebzig", "achtzig", "neunzig",
}

// unitDE is the form of 1–9 used inside compounds ("einundzwanzig").
func unitDE(n int64) string {
	if n == 1 {
		return "ein"
	}
	return onesDE[n]
}

// NumberToWordsDE spells out n in German, up to the millions.
func NumberToWordsDE(n int64) string {
	if n < 0 {
		return "minus " + NumberToWordsDE(-n)
	}
	switch {
	case n < 20:
		return onesDE[n]
	case n < 100:
		if n%10 == 0 {
			return tensDE[n/10]
		}
		return unitDE(n%10) + "und" + tensDE[n/10]
	case n < 1_000:
		s := unitDE(n/100) + "hundert"
		if n%100 != 0 {
			s += NumberToWordsDE(n % 100)
		}
		return s
	case n < 1_000_000:
		s := "tausend"
		if n/1_000 > 1 {
			s = NumberToWordsDE(n/1_000) + "tausend"
		} else {
			s = "eintausend"
		}
		if n%1_000 != 0 {
			s += NumberToWordsDE(n % 1_000)
		}
		return s
	default:
		millions := n / 1_000_000
		var s string
		if millions == 1 {
			s = "eine Million"
		} else {
			s = NumberToWordsDE(millions) + " Millionen"
		}
		if n%1_000_000 != 0 {
			s += " " + NumberToWordsDE(n%1_000_000)
		}
		return s
	}
}

var ordinalIrregularDE = map[int64]string{
	1: "erste", 3: "dritte", 7: "siebte", 8: "achte",
}

// OrdinalToWordsDE spells out the ordinal form of n (1 → "erste").
func OrdinalToWordsDE(n int64) string {
	if w, ok := ordinalIrregularDE[n]; ok {
		return w
	}
	if n < 20 {
		return onesDE[n] + "te"
	}
	return NumberToWordsDE(n) + "ste"
}

// VerbalizeNumbersDE spells out bare integers and decimals ("3,5" →
// "drei Komma fünf"). Runs last in the German pipeline.
func VerbalizeNumbersDE(s string) string {
	reNum := regexp.MustCompile(`\b\d+(?:,\d+)?\b`)
	return reNum.ReplaceAllStringFunc(s, func(m string) string {
		if comma := strings.IndexByte(m, ','); comma >= 0 {
			whole, _ := strconv.ParseInt(m[:comma], 10, 64)
			var digits []string
			for _, r := range m[comma+1:] {
				digits = append(digits, onesDE[r-'0'])
			}
			return NumberToWordsDE(whole) + " Komma " + strings.Join(digits, " ")
		}
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return m
		}
		return NumberToWordsDE(n)
	})
}

var reCurrencyDE = regexp.MustCompile(`(\d+)(?:,(\d{2}))?\s?€|€\s?(\d+)(?:,(\d{2}))?`)

// VerbalizeCurrencyDE rewrites 12,50 € into "zwölf Euro fünfzig".
func VerbalizeCurrencyDE(s string) string {
	return reCurrencyDE.ReplaceAllStringFunc(s, func(m string) string {
		parts := reCurrencyDE.FindStringSubmatch(m)
		whole, cents := parts[1], parts[2]
		if whole == "" {
			whole, cents = parts[3], parts[4]
		}
		n, _ := strconv.ParseInt(whole, 10, 64)
		out := NumberToWordsDE(n) + " Euro"
		if cents != "" {
			c, _ := strconv.ParseInt(cents, 10, 64)
			if c > 0 {
				out += " " + NumberToWordsDE(c)
			}
		}
		return out
	})
}

var rePercentDE = regexp.MustCompile(`(\d+(?:,\d+)?)\s?%`)

// VerbalizePercentDE rewrites 42 % into "zweiundvierzig Prozent".
func VerbalizePercentDE(s string) string {
	return rePercentDE.ReplaceAllStringFunc(s, func(m string) string {
		num := rePercentDE.FindStringSubmatch(m)[1]
		return VerbalizeNumbersDE(num) + " Prozent"
	})
}

var reUnitDE = regexp.MustCompile(`(\d+(?:,\d+)?)\s?(km|cm|mm|kg|mg|ml|m|g|l)\b`)

var unitNamesDE = map[string]string{
	"km": "Kilometer",
	"m":  "Meter",
	"cm": "Zentimeter",
	"mm": "Millimeter",
	"kg": "Kilogramm",
	"g":  "Gramm",
	"mg": "Milligramm",
	"l":  "Liter",
	"ml": "Milliliter",
}

// VerbalizeUnitsDE rewrites 5 km into "fünf Kilometer".
func VerbalizeUnitsDE(s string) string {
	return reUnitDE.ReplaceAllStringFunc(s, func(m string) string {
		parts := reUnitDE.FindStringSubmatch(m)
		return VerbalizeNumbersDE(parts[1]) + " " + unitNamesDE[parts[2]]
	})
}

var monthsDE = []string{
	"Januar", "Februar", "März", "April", "Mai", "Juni",
	"Juli", "August", "September", "Oktober", "November", "Dezember",
}

var reDateDE = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)

// VerbalizeDatesDE rewrites 01.05.2024 into
// "erste Mai zweitausendvierundzwanzig".
func VerbalizeDatesDE(s string) string {
	return reDateDE.ReplaceAllStringFunc(s, func(m string) string {
		parts := reDateDE.FindStringSubmatch(m)
		day, _ := strconv.ParseInt(parts[1], 10, 64)
		month, _ := strconv.Atoi(parts[2])
		year, _ := strconv.ParseInt(parts[3], 10, 64)
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return m
		}
		return fmt.Sprintf("%s %s %s", OrdinalToWordsDE(day), monthsDE[month-1], NumberToWordsDE(year))
	})
}

var reTimeDE = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?:\s?Uhr)?\b`)

// VerbalizeTimesDE rewrites 14:30 into "vierzehn Uhr dreißig".
func VerbalizeTimesDE(s string) string {
	return reTimeDE.ReplaceAllStringFunc(s, func(m string) string {
		parts := reTimeDE.FindStringSubmatch(m)
		hour, _ := strconv.ParseInt(parts[1], 10, 64)
		minute, _ := strconv.ParseInt(parts[2], 10, 64)
		if hour > 23 || minute > 59 {
			return m
		}
		out := NumberToWordsDE(hour) + " Uhr"
		if minute > 0 {
			out += " " + NumberToWordsDE(minute)
		}
		return out
	})
}

// VerbalizeEmailsDE rewrites user@example.com into
// "user at example Punkt com".
func VerbalizeEmailsDE(s string) string {
	return reEmail.ReplaceAllStringFunc(s, func(m string) string {
		parts := reEmail.FindStringSubmatch(m)
		domain := strings.ReplaceAll(parts[2], ".", " Punkt ")
		return parts[1] + " at " + domain
	})
}
