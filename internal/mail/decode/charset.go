package decode

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

func init() {
	// Unknown charset labels fall through to the raw bytes; DecodeText then
	// applies the ordered fallback instead of failing the whole part.
	gomessage.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		r, err := htmlcharset.NewReaderLabel(label, input)
		if err != nil {
			return input, nil
		}
		return r, nil
	}
}

// DecodeText converts raw bytes to a UTF-8 string using an explicit ordered
// fallback: the declared charset label, then UTF-8 with invalid sequences
// replaced, then ISO-8859-1 (which cannot fail). It returns the decoded text
// and the charset that was actually applied.
func DecodeText(raw []byte, label string) (string, string) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label != "" {
		if r, err := htmlcharset.NewReaderLabel(label, bytes.NewReader(raw)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil && utf8.Valid(decoded) {
				return string(decoded), label
			}
		}
	}
	if utf8.Valid(raw) {
		return string(raw), "utf-8"
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		// ISO-8859-1 maps every byte; keep the replacement path anyway.
		return strings.ToValidUTF8(string(raw), "�"), "utf-8"
	}
	return string(decoded), "iso-8859-1"
}

// EnsureUTF8 repairs a string that may carry undecoded legacy bytes.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	decoded, _ := DecodeText([]byte(s), "")
	return decoded
}
