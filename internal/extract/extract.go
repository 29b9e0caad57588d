package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no name or birth date was recognized in the text.
	ErrNotFound = errors.New("not found in text")
	// ErrImplausibleDate indicates a syntactically valid date that fails the
	// sanity bounds (future birth, age over 120, impossible calendar day).
	ErrImplausibleDate = errors.New("implausible birth date")
)

const maxAgeYears = 120

var (
	nameTokenRegex   = regexp.MustCompile(`^[\p{L}\-']+$`)
	numericDateRegex = regexp.MustCompile(`(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})`)
	spelledDateRegex = regexp.MustCompile(`(?i)(\d{1,2})\s*(?:de\s+)?([\p{L}ç]+)\s*(?:de\s+)?(\d{4})`)
)

var monthNames = map[string]time.Month{
	"janeiro":   time.January,
	"fevereiro": time.February,
	"março":     time.March,
	"marco":     time.March,
	"abril":     time.April,
	"maio":      time.May,
	"junho":     time.June,
	"julho":     time.July,
	"agosto":    time.August,
	"setembro":  time.September,
	"outubro":   time.October,
	"novembro":  time.November,
	"dezembro":  time.December,
}

// Prefixes people commonly put before their own name. Stripped before
// token validation.
var namePrefixes = []string{
	"meu nome é", "meu nome e", "me chamo", "sou o", "sou a", "sou", "nome:",
}

// NameAndBirthDate splits a free-text message into a full name and a date
// of birth. The name needs at least two word tokens of letters, diacritics,
// hyphens or apostrophes. The date is recognized in numeric day/month/year
// form (2- or 4-digit year) or with a spelled month. The parser's verdict
// is authoritative; callers must not accept an unvalidated claim that
// identity was collected.
func NameAndBirthDate(text string) (string, time.Time, error) {
	birth, dateSpan, err := findBirthDate(text)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", time.Time{}, err
	}

	nameText := text
	if dateSpan != "" {
		nameText = strings.Replace(nameText, dateSpan, " ", 1)
	}
	name := extractName(nameText)

	if name == "" && birth.IsZero() {
		return "", time.Time{}, ErrNotFound
	}
	return name, birth, nil
}

// findNamePrefix locates a "meu nome é" style prefix on a word boundary.
// Returns the index right after the prefix, or -1.
func findNamePrefix(text string) int {
	lowered := strings.ToLower(text)
	for _, p := range namePrefixes {
		idx := strings.Index(lowered, p)
		if idx < 0 {
			continue
		}
		if idx > 0 && lowered[idx-1] != ' ' {
			continue
		}
		end := idx + len(p)
		if end < len(lowered) && lowered[end] != ' ' {
			continue
		}
		return end
	}
	return -1
}

// hasNamePrefix reports whether the text announces a name explicitly.
func hasNamePrefix(text string) bool {
	return findNamePrefix(text) >= 0
}

// extractName strips common prefixes and keeps the leading run of valid
// name tokens. Returns "" unless at least two tokens remain.
func extractName(text string) string {
	if idx := findNamePrefix(text); idx >= 0 {
		text = text[idx:]
	}

	var tokens []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ",.;:!?")
		if tok == "" || !nameTokenRegex.MatchString(tok) {
			if len(tokens) >= 2 {
				break
			}
			tokens = tokens[:0]
			continue
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) < 2 {
		return ""
	}
	return strings.Join(tokens, " ")
}

// findBirthDate returns the parsed date and the matched span so the caller
// can cut it out of the name text.
func findBirthDate(text string) (time.Time, string, error) {
	if m := numericDateRegex.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			year += 1900
			if year < time.Now().Year()-maxAgeYears {
				year += 100
			}
		}
		t, err := buildBirthDate(year, time.Month(month), day)
		if err != nil {
			return time.Time{}, "", err
		}
		return t, m[0], nil
	}

	if m := spelledDateRegex.FindStringSubmatch(text); m != nil {
		month, ok := monthNames[strings.ToLower(m[2])]
		if ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			t, err := buildBirthDate(year, month, day)
			if err != nil {
				return time.Time{}, "", err
			}
			return t, m[0], nil
		}
	}

	return time.Time{}, "", ErrNotFound
}

// buildBirthDate validates calendar plausibility. Rejection here must be
// consistent across input formats.
func buildBirthDate(year int, month time.Month, day int) (time.Time, error) {
	if month < time.January || month > time.December || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrImplausibleDate, year, month, day)
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.Local)
	// time.Date normalizes; a shifted result means an impossible day
	// like 31/02.
	if t.Day() != day || t.Month() != month {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrImplausibleDate, year, month, day)
	}
	now := time.Now()
	if t.After(now) || now.Year()-year > maxAgeYears {
		return time.Time{}, fmt.Errorf("%w: %s", ErrImplausibleDate, t.Format("2006-01-02"))
	}
	return t, nil
}

// NormalizePhone strips a sender identifier down to digits with the Brazil
// country prefix. Identifiers longer than 15 digits are returned as-is
// after digit filtering.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, "55") && len(digits) <= 11 {
		digits = "55" + digits
	}
	if len(digits) > 15 {
		digits = digits[:15]
	}
	return digits
}
