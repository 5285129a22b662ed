package decode

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/maildesk-io/maildesk/internal/models"
)

// Subject prefixes stripped before tracking tags and keywords are matched.
var strippedSubjectPrefixes = []string{
	"Re: ",
	"Fw: ",
	"RE: ",
	"FW: ",
	"Automatic reply: ",
}

// Header is a snapshot of the message's top-level header fields, keyed by
// canonical MIME header name.
type Header map[string][]string

// Get returns the first value for the named header, or "".
func (h Header) Get(name string) string {
	vs := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Address is a parsed mailbox with an optional display name.
type Address struct {
	Name  string
	Email string
}

// Attachment is a decoded MIME part destined for storage.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is the decoded form of a raw inbound email.
type Message struct {
	Subject     string
	Sender      Address
	To          []Address
	Cc          []Address
	Body        string
	FullBody    string
	Priority    int
	MessageID   string
	InReplyTo   string
	Attachments []Attachment
	Header      Header
}

// CollapseFullBody discards quoted history so only the latest reply is kept.
// Applied to every message that is not the first of a new thread.
func (m *Message) CollapseFullBody() { m.FullBody = m.Body }

// Decoder turns raw RFC 5322 bytes into a Message.
type Decoder struct {
	logger             *log.Logger
	maxAttachmentBytes int64
	archiveOriginal    bool
	now                func() time.Time
	addrParser         *mail.AddressParser
	wordDecoder        *mime.WordDecoder
}

// DecoderOption customises a Decoder.
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger used for per-part diagnostics.
func WithDecoderLogger(l *log.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// WithAttachmentLimit drops attachment parts larger than n bytes. Zero means
// no limit.
func WithAttachmentLimit(n int64) DecoderOption {
	return func(d *Decoder) { d.maxAttachmentBytes = n }
}

// WithArchiveOriginal appends the raw message as a timestamped .eml
// attachment to every decoded message.
func WithArchiveOriginal(enabled bool) DecoderOption {
	return func(d *Decoder) { d.archiveOriginal = enabled }
}

// WithDecoderClock overrides the time source for archive filenames.
func WithDecoderClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = now }
}

// NewDecoder builds a Decoder with the given options.
func NewDecoder(opts ...DecoderOption) *Decoder {
	wd := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			r, err := htmlcharset.NewReaderLabel(charset, input)
			if err != nil {
				return input, nil
			}
			return r, nil
		},
	}
	d := &Decoder{
		now:         time.Now,
		wordDecoder: wd,
		addrParser:  &mail.AddressParser{WordDecoder: wd},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses raw message bytes. It is deliberately tolerant: malformed
// headers or undecodable parts degrade to empty fields rather than failing
// the whole message.
func (d *Decoder) Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode: empty message")
	}

	msg := &Message{
		Priority: models.PriorityNormal,
		Header:   Header{},
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		d.logf("header parse failed, continuing with empty headers: %v", err)
	} else {
		for k, vs := range parsed.Header {
			msg.Header[textproto.CanonicalMIMEHeaderKey(k)] = vs
		}
	}

	msg.Subject = StripSubjectPrefixes(d.decodeHeader(msg.Header.Get("Subject")))
	msg.Sender = d.parseAddress(msg.Header.Get("From"))
	msg.To = d.parseAddressList(msg.Header.Get("To"))
	msg.Cc = d.parseAddressList(msg.Header.Get("Cc"))
	msg.MessageID = normalizeMessageID(msg.Header.Get("Message-Id"))
	msg.InReplyTo = normalizeMessageID(msg.Header.Get("In-Reply-To"))
	msg.Priority = headerPriority(msg.Header)

	d.walkParts(raw, msg)

	if msg.Body == "" {
		// No decodable text part; fall back to the rendered <body> of the
		// whole raw message.
		msg.Body = extractBodyText(EnsureUTF8(string(raw)))
		msg.FullBody = msg.Body
	}

	if d.archiveOriginal {
		name := "original_message_" + d.now().Format("02-01-2006_15:04") + ".eml"
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    name,
			ContentType: "text/plain",
			Content:     raw,
		})
	}

	return msg, nil
}

func (d *Decoder) walkParts(raw []byte, msg *Message) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		d.logf("mime reader failed, treating payload as flat text: %v", err)
		d.decodeFlat(raw, msg)
		return
	}
	defer mr.Close()

	counter := 0
	htmlText := ""
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			d.logf("skipping unreadable part: %v", err)
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			counter++
			content, err := io.ReadAll(part.Body)
			if err != nil {
				d.logf("skipping part %d: %v", counter, err)
				continue
			}
			ct, _, _ := h.ContentType()
			switch {
			case ct == "text/plain":
				if msg.Body == "" {
					text := EnsureUTF8(string(content))
					msg.Body = ParseReply(text)
					msg.FullBody = FullContent(text)
				}
			case strings.HasPrefix(ct, "text/"):
				text := EnsureUTF8(string(content))
				msg.Attachments = append(msg.Attachments, Attachment{
					Filename:    "email_html_body.html",
					ContentType: "text/html",
					Content:     []byte(sanitizeHTML(text)),
				})
				if htmlText == "" {
					htmlText = renderHTMLText(text)
				}
			default:
				d.addAttachment(msg, "", ct, content, counter)
			}
		case *gomail.AttachmentHeader:
			counter++
			content, err := io.ReadAll(part.Body)
			if err != nil {
				d.logf("skipping attachment %d: %v", counter, err)
				continue
			}
			name, _ := h.Filename()
			ct, _, _ := h.ContentType()
			d.addAttachment(msg, name, ct, content, counter)
		}
	}

	// HTML-only messages get the rendered text as body; a plain part anywhere
	// in the message still wins.
	if msg.Body == "" && htmlText != "" {
		msg.Body = htmlText
		msg.FullBody = htmlText
	}
}

// decodeFlat handles non-MIME messages: the payload after the headers is the
// body, typed by the top-level Content-Type.
func (d *Decoder) decodeFlat(raw []byte, msg *Message) {
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return
	}
	content, err := io.ReadAll(parsed.Body)
	if err != nil {
		d.logf("payload read failed: %v", err)
		return
	}
	text := EnsureUTF8(string(content))
	ct := msg.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/html") {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    "email_html_body.html",
			ContentType: "text/html",
			Content:     []byte(sanitizeHTML(text)),
		})
		msg.Body = renderHTMLText(text)
		msg.FullBody = msg.Body
		return
	}
	msg.Body = ParseReply(text)
	msg.FullBody = FullContent(text)
}

func (d *Decoder) addAttachment(msg *Message, name, ct string, content []byte, counter int) {
	if d.maxAttachmentBytes > 0 && int64(len(content)) > d.maxAttachmentBytes {
		d.logf("dropping attachment %q: %d bytes exceeds limit of %d", name, len(content), d.maxAttachmentBytes)
		return
	}
	if name == "" {
		name = fmt.Sprintf("part-%d%s", counter, extensionFor(ct))
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	msg.Attachments = append(msg.Attachments, Attachment{
		Filename:    name,
		ContentType: ct,
		Content:     content,
	})
}

func (d *Decoder) decodeHeader(v string) string {
	if v == "" {
		return ""
	}
	decoded, err := d.wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func (d *Decoder) parseAddress(v string) Address {
	if v == "" {
		return Address{}
	}
	addr, err := d.addrParser.Parse(v)
	if err != nil {
		if list := d.parseAddressList(v); len(list) > 0 {
			return list[0]
		}
		return Address{}
	}
	return Address{Name: addr.Name, Email: addr.Address}
}

func (d *Decoder) parseAddressList(v string) []Address {
	if v == "" {
		return nil
	}
	addrs, err := d.addrParser.ParseList(v)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

func (d *Decoder) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// StripSubjectPrefixes removes reply, forward and auto-reply markers from a
// subject line wherever they occur.
func StripSubjectPrefixes(subject string) string {
	for _, p := range strippedSubjectPrefixes {
		subject = strings.ReplaceAll(subject, p, "")
	}
	return strings.TrimSpace(subject)
}

// normalizeMessageID strips angle brackets and whitespace from a Message-Id
// style header value.
func normalizeMessageID(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}

// headerPriority maps Priority and Importance header values onto ticket
// priorities. Matching is case sensitive, mirroring common MUA output.
func headerPriority(h Header) int {
	for _, name := range []string{"Priority", "Importance"} {
		switch strings.TrimSpace(h.Get(name)) {
		case "high", "important", "1", "urgent":
			return models.PriorityHigh
		}
	}
	return models.PriorityNormal
}

func extensionFor(ct string) string {
	if ct == "" {
		return ".bin"
	}
	exts, err := mime.ExtensionsByType(ct)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
