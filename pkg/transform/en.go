package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var onesEN = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tensEN = []string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

// NumberToWordsEN spells out n in English, up to the billions.
func NumberToWordsEN(n int64) string {
	if n < 0 {
		return "minus " + NumberToWordsEN(-n)
	}
	switch {
	case n < 20:
		return onesEN[n]
	case n < 100:
		s := tensEN[n/10]
		if n%10 != 0 {
			s += "-" + onesEN[n%10]
		}
		return s
	case n < 1_000:
		s := onesEN[n/100] + " hundred"
		if n%100 != 0 {
			s += " " + NumberToWordsEN(n%100)
		}
		return s
	case n < 1_000_000:
		s := NumberToWordsEN(n/1_000) + " thousand"
		if n%1_000 != 0 {
			s += " " + NumberToWordsEN(n%1_000)
		}
		return s
	case n < 1_000_000_000:
		s := NumberToWordsEN(n/1_000_000) + " million"
		if n%1_000_000 != 0 {
			s += " " + NumberToWordsEN(n%1_000_000)
		}
		return s
	default:
		s := NumberToWordsEN(n/1_000_000_000) + " billion"
		if n%1_000_000_000 != 0 {
			s += " " + NumberToWordsEN(n%1_000_000_000)
		}
		return s
	}
}

var ordinalIrregularEN = map[int64]string{
	1: "first", 2: "second", 3: "third", 5: "fifth", 8: "eighth", 9: "ninth", 12: "twelfth",
}

// OrdinalToWordsEN spells out the ordinal form of n (1 → "first").
func OrdinalToWordsEN(n int64) string {
	if w, ok := ordinalIrregularEN[n]; ok {
		return w
	}
	if n < 20 {
		return onesEN[n] + "th"
	}
	if n < 100 && n%10 == 0 {
		base := tensEN[n/10]
		return strings.TrimSuffix(base, "y") + "ieth"
	}
	if n < 100 {
		return tensEN[n/10] + "-" + OrdinalToWordsEN(n%10)
	}
	return NumberToWordsEN(n) + "th"
}

func digitsToWordsEN(digits string) string {
	var parts []string
	for _, r := range digits {
		if r >= '0' && r <= '9' {
			parts = append(parts, onesEN[r-'0'])
		}
	}
	return strings.Join(parts, " ")
}

var reNumber = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

// VerbalizeNumbersEN spells out bare integers and decimals. Runs last in the
// pipeline so currency, dates, and units have already consumed their digits.
func VerbalizeNumbersEN(s string) string {
	return reNumber.ReplaceAllStringFunc(s, func(m string) string {
		if dot := strings.IndexByte(m, '.'); dot >= 0 {
			whole, _ := strconv.ParseInt(m[:dot], 10, 64)
			return NumberToWordsEN(whole) + " point " + digitsToWordsEN(m[dot+1:])
		}
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return m
		}
		return NumberToWordsEN(n)
	})
}

var reCurrencyEN = regexp.MustCompile(`([$€£])(\d+)(?:\.(\d{2}))?`)

var currencyNamesEN = map[string][2]string{
	"$": {"dollar", "cent"},
	"€": {"euro", "cent"},
	"£": {"pound", "penny"},
}

// VerbalizeCurrencyEN rewrites $12.50 into "twelve dollars and fifty cents".
func VerbalizeCurrencyEN(s string) string {
	return reCurrencyEN.ReplaceAllStringFunc(s, func(m string) string {
		parts := reCurrencyEN.FindStringSubmatch(m)
		names := currencyNamesEN[parts[1]]
		whole, _ := strconv.ParseInt(parts[2], 10, 64)
		out := NumberToWordsEN(whole) + " " + pluralEN(names[0], whole)
		if parts[3] != "" {
			cents, _ := strconv.ParseInt(parts[3], 10, 64)
			if cents > 0 {
				centName := pluralEN(names[1], cents)
				if names[1] == "penny" && cents != 1 {
					centName = "pence"
				}
				out += " and " + NumberToWordsEN(cents) + " " + centName
			}
		}
		return out
	})
}

func pluralEN(word string, n int64) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

var rePercentEN = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?%`)

// VerbalizePercentEN rewrites 42% into "forty-two percent".
func VerbalizePercentEN(s string) string {
	return rePercentEN.ReplaceAllStringFunc(s, func(m string) string {
		num := rePercentEN.FindStringSubmatch(m)[1]
		return VerbalizeNumbersEN(num) + " percent"
	})
}

var reUnitEN = regexp.MustCompile(`(\d+(?:\.\d+)?)\s?(km|cm|mm|mi|kg|mg|ml|m|g|l)\b`)

var unitNamesEN = map[string][2]string{
	"km": {"kilometer", "kilometers"},
	"m":  {"meter", "meters"},
	"cm": {"centimeter", "centimeters"},
	"mm": {"millimeter", "millimeters"},
	"mi": {"mile", "miles"},
	"kg": {"kilogram", "kilograms"},
	"g":  {"gram", "grams"},
	"mg": {"milligram", "milligrams"},
	"l":  {"liter", "liters"},
	"ml": {"milliliter", "milliliters"},
}

// VerbalizeUnitsEN rewrites 5km into "five kilometers"; covers distances,
// weights, and volumes.
func VerbalizeUnitsEN(s string) string {
	return reUnitEN.ReplaceAllStringFunc(s, func(m string) string {
		parts := reUnitEN.FindStringSubmatch(m)
		names := unitNamesEN[parts[2]]
		name := names[1]
		if parts[1] == "1" {
			name = names[0]
		}
		return VerbalizeNumbersEN(parts[1]) + " " + name
	})
}

var monthsEN = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var reISODate = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

// VerbalizeDatesEN rewrites ISO dates (2024-05-01) into
// "May first, twenty twenty-four".
func VerbalizeDatesEN(s string) string {
	return reISODate.ReplaceAllStringFunc(s, func(m string) string {
		parts := reISODate.FindStringSubmatch(m)
		year, _ := strconv.ParseInt(parts[1], 10, 64)
		month, _ := strconv.Atoi(parts[2])
		day, _ := strconv.ParseInt(parts[3], 10, 64)
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return m
		}
		return fmt.Sprintf("%s %s, %s", monthsEN[month-1], OrdinalToWordsEN(day), yearToWordsEN(year))
	})
}

// yearToWordsEN reads years the way people say them: 2024 → "twenty
// twenty-four", 1900 → "nineteen hundred", 2000 → "two thousand".
func yearToWordsEN(y int64) string {
	if y < 1000 || y >= 10000 {
		return NumberToWordsEN(y)
	}
	hi, lo := y/100, y%100
	switch {
	case lo == 0 && hi%10 == 0:
		return NumberToWordsEN(y)
	case lo == 0:
		return NumberToWordsEN(hi) + " hundred"
	case hi%10 == 0 && hi != 10 && lo < 10:
		// 2005 → "two thousand five"
		return NumberToWordsEN(y)
	default:
		return NumberToWordsEN(hi) + " " + NumberToWordsEN(lo)
	}
}

var reTimeEN = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?:\s?(am|pm|AM|PM))?\b`)

// VerbalizeTimesEN rewrites 14:30 into "fourteen thirty" and 2:05pm into
// "two oh five pm".
func VerbalizeTimesEN(s string) string {
	return reTimeEN.ReplaceAllStringFunc(s, func(m string) string {
		parts := reTimeEN.FindStringSubmatch(m)
		hour, _ := strconv.ParseInt(parts[1], 10, 64)
		minute, _ := strconv.ParseInt(parts[2], 10, 64)
		if hour > 23 || minute > 59 {
			return m
		}
		out := NumberToWordsEN(hour)
		switch {
		case minute == 0:
			out += " o'clock"
		case minute < 10:
			out += " oh " + NumberToWordsEN(minute)
		default:
			out += " " + NumberToWordsEN(minute)
		}
		if parts[3] != "" {
			out += " " + strings.ToLower(parts[3])
		}
		return out
	})
}

var reEmail = regexp.MustCompile(`\b([\w.+-]+)@([\w-]+(?:\.[\w-]+)+)\b`)

// VerbalizeEmailsEN rewrites user@example.com into
// "user at example dot com".
func VerbalizeEmailsEN(s string) string {
	return reEmail.ReplaceAllStringFunc(s, func(m string) string {
		parts := reEmail.FindStringSubmatch(m)
		domain := strings.ReplaceAll(parts[2], ".", " dot ")
		return parts[1] + " at " + domain
	})
}

var rePhoneEN = regexp.MustCompile(`\+?\d[\d\s()-]{6,}\d`)

// VerbalizePhoneEN reads phone-like digit runs digit by digit, grouping
// with short pauses at separators.
func VerbalizePhoneEN(s string) string {
	return rePhoneEN.ReplaceAllStringFunc(s, func(m string) string {
		var sb strings.Builder
		if strings.HasPrefix(m, "+") {
			sb.WriteString("plus ")
		}
		for _, r := range m {
			switch {
			case r >= '0' && r <= '9':
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), " ") {
					sb.WriteByte(' ')
				}
				sb.WriteString(onesEN[r-'0'])
			case r == '-' || r == ' ' || r == '(' || r == ')':
				if !strings.HasSuffix(sb.String(), ", ") && sb.Len() > 0 {
					sb.WriteString(", ")
				}
			}
		}
		return strings.TrimSuffix(sb.String(), ", ")
	})
}
