package nlp

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Patterns that start quoted or forwarded content. Everything from the
// matching line onwards is dropped.
var quoteHeaderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^on\s.+\swrote:$`),
	regexp.MustCompile(`(?i)^-{2,}\s*original\s+message\s*-{2,}$`),
	regexp.MustCompile(`(?i)^-{2,}\s*forwarded\s+message\s*-{2,}$`),
	regexp.MustCompile(`(?i)^begin\s+forwarded\s+message:?$`),
	regexp.MustCompile(`^_{10,}$`), // Outlook separator above the reply header
}

var (
	outlookFromLine = regexp.MustCompile(`(?i)^from:\s*\S`)
	outlookSentLine = regexp.MustCompile(`(?i)^(sent|date):\s*\S`)
	wroteSuffix     = regexp.MustCompile(`(?i)\swrote:$`)
	onPrefix        = regexp.MustCompile(`(?i)^on\s`)
)

// Lines that open a signature block
var signaturePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^--\s*$`),
	regexp.MustCompile(`(?i)^((best|kind|warm|warmest)\s+)?regards[,.!]?$`),
	regexp.MustCompile(`(?i)^(sincerely|cheers|respectfully)(\s+yours)?[,.!]?$`),
	regexp.MustCompile(`(?i)^(many\s+)?thanks?(\s+you)?(\s+in\s+advance)?[,.!]?$`),
	regexp.MustCompile(`(?i)^sent\s+from\s+my\b`),
	regexp.MustCompile(`(?i)^get\s+outlook\s+for\b`),
	regexp.MustCompile(`(?i)^this\s+e-?mail\s+was\s+sent\b`),
}

var (
	quotedLine    = regexp.MustCompile(`^\s*>`)
	horizontalWS  = regexp.MustCompile(`[ \t\f\v\x{00a0}\x{200b}]+`)
	reScript      = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle       = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reBlockBreak  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	reTags        = regexp.MustCompile(`<[^>]+>`)
	htmlSelectors = "script, style, head, title, noscript, blockquote, .gmail_quote, .yahoo_quoted"
	blockElements = "p, div, li, tr, h1, h2, h3, h4, h5, h6, table"
)

// Normalize turns a raw email body into plain text: markup is converted,
// quoted replies and signatures are cut, whitespace is squeezed and a
// leading echo of the subject line is dropped. It never fails; if a step
// panics, the text cleaned up to that point is returned.
func Normalize(subject, body string, isHTML bool) (cleaned string) {
	cleaned = body
	defer func() {
		if r := recover(); r != nil {
			cleaned = strings.TrimSpace(cleaned)
		}
	}()

	text := strings.ReplaceAll(body, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if isHTML {
		text = htmlToText(text)
		cleaned = text
	}

	lines := strings.Split(text, "\n")
	lines = cutQuoted(lines)
	cleaned = strings.Join(lines, "\n")

	lines = cutSignature(lines)
	cleaned = strings.Join(lines, "\n")

	lines = squeeze(lines)
	lines = dropSubjectEcho(lines, subject)
	cleaned = strings.Join(lines, "\n")

	return cleaned
}

// htmlToText converts HTML to text with goquery, falling back to regex
// stripping when the document cannot be parsed
func htmlToText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return stripHTML(raw)
	}

	doc.Find(htmlSelectors).Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return doc.Text()
}

// stripHTML removes tags and decodes entities without a DOM
func stripHTML(raw string) string {
	raw = reScript.ReplaceAllString(raw, "")
	raw = reStyle.ReplaceAllString(raw, "")
	raw = reBlockBreak.ReplaceAllString(raw, "\n")
	raw = reTags.ReplaceAllString(raw, " ")
	return html.UnescapeString(raw)
}

// cutQuoted drops ">"-quoted lines and truncates at the first reply or
// forward header
func cutQuoted(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if quotedLine.MatchString(lines[i]) {
			continue
		}
		if isQuoteHeader(lines, i, trimmed) {
			break
		}
		out = append(out, lines[i])
	}
	return out
}

func isQuoteHeader(lines []string, i int, trimmed string) bool {
	for _, p := range quoteHeaderPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}

	// "On Mon, Jan 1, 2024 at 10:00 AM John <john@x.com>\nwrote:" wrapped by the client
	if onPrefix.MatchString(trimmed) && i+1 < len(lines) {
		next := strings.TrimSpace(lines[i+1])
		if strings.EqualFold(next, "wrote:") || wroteSuffix.MatchString(next) {
			return true
		}
	}

	// Outlook style header block: From: ... followed shortly by Sent: or Date:
	if outlookFromLine.MatchString(trimmed) {
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			if outlookSentLine.MatchString(strings.TrimSpace(lines[j])) {
				return true
			}
		}
	}
	return false
}

// cutSignature truncates at the first signature line that follows real
// content. A signature-like line at the very top is kept so the body is
// never emptied by this step.
func cutSignature(lines []string) []string {
	seenContent := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if seenContent && isSignatureLine(trimmed) {
			return lines[:i]
		}
		if trimmed != "" {
			seenContent = true
		}
	}
	return lines
}

func isSignatureLine(trimmed string) bool {
	for _, p := range signaturePatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// squeeze collapses horizontal whitespace, trims every line and keeps at
// most one blank line in a row
func squeeze(lines []string) []string {
	out := make([]string, 0, len(lines))
	blank := true // suppresses leading blank lines
	for _, line := range lines {
		line = strings.TrimSpace(horizontalWS.ReplaceAllString(line, " "))
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// dropSubjectEcho removes leading lines that repeat the subject
func dropSubjectEcho(lines []string, subject string) []string {
	subject = strings.TrimSpace(horizontalWS.ReplaceAllString(subject, " "))
	if subject == "" {
		return lines
	}
	i := 0
	for i < len(lines) && (lines[i] == "" || strings.EqualFold(lines[i], subject)) {
		i++
	}
	if i == len(lines) {
		return lines
	}
	return lines[i:]
}
