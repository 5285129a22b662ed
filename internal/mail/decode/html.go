package decode

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlPolicy  = bluemonday.UGCPolicy()
	brRe        = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseRe    = regexp.MustCompile(`(?i)</p\s*>`)
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// renderHTMLText flattens an HTML payload to readable plain text. Paragraph
// and line-break tags become newlines before the DOM text is extracted so the
// result keeps the message's line structure.
func renderHTMLText(payload string) string {
	payload = brRe.ReplaceAllString(payload, "\n")
	payload = pCloseRe.ReplaceAllString(payload, "\n\n")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(payload))
	if err != nil {
		return strings.TrimSpace(payload)
	}
	text := doc.Text()
	text = blankLineRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// extractBodyText pulls the text of the <body> element out of a raw message,
// used as a last resort when no decodable text part was found.
func extractBodyText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(body.Text())
}

// sanitizeHTML strips scripts and unsafe markup and wraps bare fragments in a
// complete document so the stored copy renders on its own.
func sanitizeHTML(payload string) string {
	payload = htmlPolicy.Sanitize(payload)
	if !strings.Contains(strings.ToLower(payload), "<body") {
		payload = "<body>" + payload + "</body>"
	}
	if !strings.Contains(strings.ToLower(payload), "<html") {
		payload = "<html>" + payload + "</html>"
	}
	return payload
}
