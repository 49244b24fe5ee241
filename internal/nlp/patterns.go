package nlp

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	minRooms  = 1
	maxRooms  = 10
	minBudget = 10.0
	maxBudget = 10000.0
)

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

const (
	monthAlt  = `(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept|sep|oct|nov|dec)`
	countAlt  = `(\d{1,3}|one|two|three|four|five|six|seven|eight|nine|ten)`
	amountAlt = `(\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{1,2})?`
)

// Date patterns, tried family by family
var (
	isoDatePattern      = regexp.MustCompile(`\b(\d{4})[/-](\d{1,2})[/-](\d{1,2})\b`)
	numericDatePattern  = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})\b`)
	monthDayDatePattern = regexp.MustCompile(`\b` + monthAlt + `\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	dayMonthDatePattern = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthAlt + `\b\.?(?:,?\s+(\d{4})\b)?`)
)

// Room count patterns, most specific first
var roomPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b` + countAlt + `\s+(?:[a-z-]+\s+)?(?:rooms?|bedrooms?)\b`),
	regexp.MustCompile(`\b(?:need|want|looking\s+for|require|book|reserve)\s+` + countAlt + `\s+(?:rooms?|units?)\b`),
	regexp.MustCompile(`\b` + countAlt + `\s+(?:singles?|doubles?|twins?|suites?|kings?|queens?)\b`),
	regexp.MustCompile(`\bparty\s+of\s+` + countAlt + `\b`),
}

// singleRoomPattern matches "a room", "an ocean-view room"
var singleRoomPattern = regexp.MustCompile(`\b(?:a|an)\s+(?:[a-z-]+\s+)?room\b`)

// Budget patterns
var budgetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$€£]\s?` + amountAlt),
	regexp.MustCompile(`\b` + amountAlt + `\s*(?:dollars?|usd|eur|euros?|bucks)\b`),
	regexp.MustCompile(`\bbudget\s*(?:is|of|:|around|about|under|below|up\s+to|max(?:imum)?)?\s*(?:of\s+)?(?:around\s+|about\s+)?[$€£]?\s?` + amountAlt),
	regexp.MustCompile(`\b(?:under|below|up\s+to|less\s+than|max(?:imum)?(?:\s+of)?)\s*[$€£]\s?` + amountAlt),
}

// ExtractPatterns runs the deterministic pass over subject and body.
// Only date, room count and budget are attempted.
func ExtractPatterns(email EmailMessage, today Date) RoomRequest {
	text := strings.ToLower(email.Text())

	var req RoomRequest
	if d, ok := findDate(text, today); ok {
		req.Date = &d
	}
	if n, ok := findRoomCount(text); ok {
		req.RoomCount = &n
	}
	if b, ok := findBudget(text); ok {
		req.Budget = &b
	}
	return req
}

// findDate returns the first date on or after today, trying each family in order
func findDate(text string, today Date) (Date, bool) {
	families := []func(string, Date) []Date{
		isoDates, numericDates, monthDayDates, dayMonthDates,
	}
	for _, family := range families {
		for _, d := range family(text, today) {
			if !d.Before(today) {
				return d, true
			}
		}
	}
	return Date{}, false
}

func isoDates(text string, _ Date) []Date {
	var out []Date
	for _, m := range isoDatePattern.FindAllStringSubmatch(text, -1) {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if validDate(y, time.Month(mo), d) {
			out = append(out, Date{Year: y, Month: time.Month(mo), Day: d})
		}
	}
	return out
}

// numericDates reads MM/DD/YYYY, falling back to DD/MM/YYYY when the first
// number cannot be a month
func numericDates(text string, _ Date) []Date {
	var out []Date
	for _, m := range numericDatePattern.FindAllStringSubmatch(text, -1) {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			y += 2000
		}
		month, day := a, b
		if a > 12 && b <= 12 {
			month, day = b, a
		}
		if validDate(y, time.Month(month), day) {
			out = append(out, Date{Year: y, Month: time.Month(month), Day: day})
		}
	}
	return out
}

func monthDayDates(text string, today Date) []Date {
	var out []Date
	for _, m := range monthDayDatePattern.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[2])
		if d, ok := resolveDate(monthNames[m[1]], day, m[3], today); ok {
			out = append(out, d)
		}
	}
	return out
}

func dayMonthDates(text string, today Date) []Date {
	var out []Date
	for _, m := range dayMonthDatePattern.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		if d, ok := resolveDate(monthNames[m[2]], day, m[3], today); ok {
			out = append(out, d)
		}
	}
	return out
}

// resolveDate builds a date from a month name match. Without an explicit
// year the next occurrence on or after today is used.
func resolveDate(month time.Month, day int, year string, today Date) (Date, bool) {
	if year != "" {
		y, _ := strconv.Atoi(year)
		if !validDate(y, month, day) {
			return Date{}, false
		}
		return Date{Year: y, Month: month, Day: day}, true
	}

	for y := today.Year; y <= today.Year+1; y++ {
		if !validDate(y, month, day) {
			continue // Feb 29 outside a leap year
		}
		d := Date{Year: y, Month: month, Day: day}
		if !d.Before(today) {
			return d, true
		}
	}
	return Date{}, false
}

// parseLooseDate reads a date string from the model pass. ISO is expected
// but the pattern families are accepted too.
func parseLooseDate(s string, today Date) (Date, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 10 {
		if d, err := ParseDate(s[:10]); err == nil {
			return d, true
		}
	}
	lower := strings.ToLower(s)
	for _, family := range []func(string, Date) []Date{isoDates, numericDates, monthDayDates, dayMonthDates} {
		if found := family(lower, today); len(found) > 0 {
			return found[0], true
		}
	}
	return Date{}, false
}

func findRoomCount(text string) (int, bool) {
	for _, p := range roomPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if n, ok := parseCount(m[1]); ok && n >= minRooms && n <= maxRooms {
				return n, true
			}
		}
	}
	if singleRoomPattern.MatchString(text) {
		return 1, true
	}
	return 0, false
}

func parseCount(s string) (int, bool) {
	if n, ok := numberWords[s]; ok {
		return n, true
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func findBudget(text string) (float64, bool) {
	for _, p := range budgetPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if v, ok := parseAmount(m[0]); ok && v >= minBudget && v <= maxBudget {
				return v, true
			}
		}
	}
	return 0, false
}

var amountPattern = regexp.MustCompile(amountAlt)

// parseAmount pulls the number out of a matched budget phrase
func parseAmount(match string) (float64, bool) {
	raw := amountPattern.FindString(match)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	return v, err == nil
}
