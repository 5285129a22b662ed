// Package attachments persists decoded email attachments: file content on
// disk, metadata in the store. Attachment failures never fail the message
// that carried them.
package attachments

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/store"
)

// Processor writes attachment files and records their metadata.
type Processor struct {
	store   *store.Store
	baseDir string
	logger  *log.Logger
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger for per-file failures.
func WithProcessorLogger(l *log.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor builds a Processor rooted at baseDir.
func NewProcessor(st *store.Store, baseDir string, opts ...ProcessorOption) *Processor {
	p := &Processor{store: st, baseDir: baseDir}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach stores each file under the ticket's directory and links it to the
// followup. A file that cannot be written or recorded is logged and skipped;
// the successfully stored metadata is returned.
func (p *Processor) Attach(ctx context.Context, ticketID, followUpID int64, files []decode.Attachment) []models.Attachment {
	if len(files) == 0 {
		return nil
	}
	dir := filepath.Join(p.baseDir, fmt.Sprintf("ticket-%d", ticketID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		p.logf("attachments for ticket %d: %v", ticketID, err)
		return nil
	}

	var stored []models.Attachment
	for _, f := range files {
		name := SanitizeFilename(f.Filename)
		path := filepath.Join(dir, uuid.NewString()+"_"+name)
		if err := os.WriteFile(path, f.Content, 0o640); err != nil {
			p.logf("write %s: %v", path, err)
			continue
		}
		a := models.Attachment{
			FollowUpID:  followUpID,
			Filename:    name,
			ContentType: f.ContentType,
			Size:        int64(len(f.Content)),
			StoragePath: path,
		}
		if err := p.store.CreateAttachment(ctx, &a); err != nil {
			p.logf("record %s: %v", name, err)
			os.Remove(path)
			continue
		}
		stored = append(stored, a)
	}
	return stored
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// SanitizeFilename strips path components and characters that are unsafe in
// a filename, falling back to "attachment" for empty results.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "attachment"
	}
	return out
}
