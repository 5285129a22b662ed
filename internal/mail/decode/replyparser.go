package decode

import (
	"regexp"
	"strings"
)

// Fragment is a contiguous block of lines in a plain-text email body: the
// latest reply, a quoted block, or a trailing signature.
type Fragment struct {
	Content   string
	Quoted    bool
	Signature bool
	Hidden    bool
}

var (
	quoteHeaderRe = regexp.MustCompile(`(?i)^(On\s.{0,500}wrote:\s*|-{2,}\s*Original Message\s*-{2,}.*|-{2,}\s*Forwarded message\s*-{2,}.*)$`)
	signatureRe   = regexp.MustCompile(`(?i)^(\s*--\s*|\s*__\s*|-\w.*|Sent from my .{1,60})$`)
)

// Fragments splits a plain-text body into reply fragments. Trailing quoted
// blocks and signatures are marked hidden; anything above the last line of
// fresh content stays visible.
func Fragments(text string) []Fragment {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var frags []fragmentBuilder
	cur := &fragmentBuilder{}
	for _, line := range lines {
		switch {
		case isQuoteHeader(line):
			if !cur.empty() {
				frags = append(frags, *cur)
			}
			cur = &fragmentBuilder{quoted: true, headerQuote: true}
			cur.lines = append(cur.lines, line)
		case isQuoteLine(line):
			if !cur.quoted && !cur.blank() {
				frags = append(frags, *cur)
				cur = &fragmentBuilder{quoted: true}
			}
			cur.quoted = true
			cur.lines = append(cur.lines, line)
		case isSignatureStart(line) && !cur.quoted && !cur.signature:
			if !cur.empty() {
				frags = append(frags, *cur)
			}
			cur = &fragmentBuilder{signature: true}
			cur.lines = append(cur.lines, line)
		case strings.TrimSpace(line) == "":
			cur.lines = append(cur.lines, line)
		default:
			// Lines under an "On ... wrote:" or "Original Message" header
			// belong to the quoted block; lines under plain ">" quotes start
			// fresh content.
			if cur.quoted && !cur.headerQuote {
				frags = append(frags, *cur)
				cur = &fragmentBuilder{}
			}
			cur.lines = append(cur.lines, line)
		}
	}
	if !cur.empty() {
		frags = append(frags, *cur)
	}

	out := make([]Fragment, len(frags))
	for i, fb := range frags {
		out[i] = Fragment{
			Content:   strings.Join(fb.lines, "\n"),
			Quoted:    fb.quoted,
			Signature: fb.signature,
		}
	}

	// Working up from the bottom, quoted blocks, signatures and blank
	// fragments are hidden until fresh content is seen.
	foundVisible := false
	for i := len(out) - 1; i >= 0; i-- {
		f := &out[i]
		if !foundVisible {
			if f.Quoted || f.Signature || strings.TrimSpace(f.Content) == "" {
				f.Hidden = true
				continue
			}
			foundVisible = true
		}
	}
	return out
}

// ParseReply returns the visible portion of a plain-text body with trailing
// quotes and signatures stripped.
func ParseReply(text string) string {
	var parts []string
	for _, f := range Fragments(text) {
		if !f.Hidden {
			parts = append(parts, f.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// FullContent joins every fragment, visible or hidden, preserving forwarded
// material and quoted history.
func FullContent(text string) string {
	frags := Fragments(text)
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Content)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

type fragmentBuilder struct {
	lines       []string
	quoted      bool
	headerQuote bool
	signature   bool
}

func (fb *fragmentBuilder) empty() bool { return len(fb.lines) == 0 }

func (fb *fragmentBuilder) blank() bool {
	for _, l := range fb.lines {
		if strings.TrimSpace(l) != "" {
			return false
		}
	}
	return true
}

func isQuoteLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")
}

func isQuoteHeader(line string) bool {
	return quoteHeaderRe.MatchString(strings.TrimSpace(line))
}

func isSignatureStart(line string) bool {
	return signatureRe.MatchString(line)
}
