// Package notifications sends ticket activity emails to submitters, assigned
// owners and CC subscribers. Delivery is best effort: a failed send is
// logged, never surfaced to the import pipeline.
package notifications

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/maildesk-io/maildesk/internal/mail/guard"
	"github.com/maildesk-io/maildesk/internal/mail/route"
	"github.com/maildesk-io/maildesk/internal/metrics"
	"github.com/maildesk-io/maildesk/internal/models"
)

// Event kinds rendered by the dispatcher.
const (
	KindTicketOpened   = "ticket_opened"
	KindTicketUpdated  = "ticket_updated"
	KindTicketReopened = "ticket_reopened"
)

// Event describes one piece of ticket activity to announce.
type Event struct {
	Kind     string
	Ticket   models.Ticket
	Queue    models.Queue
	FollowUp models.FollowUp
	// Recipients is the deduplicated list of addresses to notify. The
	// queue's own address must never appear here.
	Recipients []string
}

// Dispatcher fans ticket events out as email.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// EmailDispatcher renders events as plain-text email and hands them to an
// EmailProvider. Outbound messages carry the delivery marker and auto-reply
// suppression headers so a bounced copy is recognised on the way back in.
type EmailDispatcher struct {
	provider EmailProvider
	logger   *log.Logger
}

// DispatcherOption customises an EmailDispatcher.
type DispatcherOption func(*EmailDispatcher)

// WithDispatcherLogger sets the logger for delivery failures.
func WithDispatcherLogger(l *log.Logger) DispatcherOption {
	return func(d *EmailDispatcher) { d.logger = l }
}

// NewEmailDispatcher builds a dispatcher over the given provider.
func NewEmailDispatcher(provider EmailProvider, opts ...DispatcherOption) *EmailDispatcher {
	d := &EmailDispatcher{provider: provider}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, ev Event) {
	recipients := filterRecipients(ev.Recipients, ev.Queue.EmailAddress)
	if len(recipients) == 0 {
		return
	}

	msg := EmailMessage{
		To:      recipients,
		Subject: fmt.Sprintf("%s %s", route.TrackingTag(ev.Queue.Slug, ev.Ticket.ID), ev.Ticket.Title),
		Body:    renderBody(ev),
		Headers: map[string]string{
			guard.LoopHeader:           strings.Join(recipients, ", "),
			"Auto-Submitted":           "auto-replied",
			"X-Auto-Response-Suppress": "All",
			"Precedence":               "auto_reply",
		},
	}
	if ev.FollowUp.MessageID != "" {
		msg.Headers["In-Reply-To"] = "<" + ev.FollowUp.MessageID + ">"
	}

	if err := d.provider.Send(ctx, msg); err != nil {
		d.logf("notify %s for ticket %d: %v", ev.Kind, ev.Ticket.ID, err)
		return
	}
	metrics.NotificationsSent.WithLabelValues(ev.Kind).Inc()
}

func (d *EmailDispatcher) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

func renderBody(ev Event) string {
	var b strings.Builder
	switch ev.Kind {
	case KindTicketOpened:
		fmt.Fprintf(&b, "A new ticket has been opened in queue %q.\n\n", ev.Queue.Title)
	case KindTicketReopened:
		fmt.Fprintf(&b, "Ticket %d has been reopened.\n\n", ev.Ticket.ID)
	default:
		fmt.Fprintf(&b, "Ticket %d has been updated.\n\n", ev.Ticket.ID)
	}
	fmt.Fprintf(&b, "Ticket: %s %s\n", route.TrackingTag(ev.Queue.Slug, ev.Ticket.ID), ev.Ticket.Title)
	fmt.Fprintf(&b, "Status: %s\n", models.StatusName(ev.Ticket.Status))
	if ev.FollowUp.Comment != "" {
		fmt.Fprintf(&b, "\n%s\n", ev.FollowUp.Comment)
	}
	b.WriteString("\nReply to this email to add a comment; keep the subject tag intact.\n")
	return b.String()
}

// filterRecipients drops empty entries, duplicates and the queue's own
// address, which would immediately loop.
func filterRecipients(recipients []string, queueAddress string) []string {
	seen := make(map[string]struct{}, len(recipients))
	var out []string
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" || strings.EqualFold(r, queueAddress) {
			continue
		}
		key := strings.ToLower(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
