package guard

import (
	"log"
	"strings"

	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/models"
)

// LoopHeader marks outbound notifications so a bounced copy is recognised if
// it comes back in. The value lists the addresses the notification went to.
const LoopHeader = "X-MailDesk-Delivered"

// Verdict is the guard's decision for one message.
type Verdict struct {
	// Proceed is false when the message must be dropped without a ticket.
	Proceed bool
	// Outcome tells the transport how to acknowledge a dropped message.
	Outcome connector.Outcome
	// SuppressNotify keeps the ticket but silences outbound notifications.
	SuppressNotify bool
	// ScrubCC lists addresses to remove from the ticket's CC subscriptions
	// when a delivery loop was detected on a tagged message.
	ScrubCC       []string
	ScrubTicketID int64
	Reason        string
}

// Guard applies ignore rules, loop detection and auto-reply policy to a
// decoded message before any ticket work happens.
type Guard struct {
	logger *log.Logger
}

// GuardOption customises a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger for drop decisions.
func WithGuardLogger(l *log.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard builds a Guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect decides whether the message may become ticket activity.
// taggedTicketID is the ticket recognised from the subject's tracking tag,
// or zero; loop self-healing only applies when it is known.
func (g *Guard) Inspect(msg *decode.Message, queue models.Queue, ignores []models.IgnoreEmail, taggedTicketID int64) Verdict {
	sender := strings.TrimSpace(msg.Sender.Email)

	// Ignore rules cover every address on the message, not just the sender;
	// a watched address in To or Cc is enough to drop it.
	addresses := make([]string, 0, 1+len(msg.To)+len(msg.Cc))
	if sender != "" {
		addresses = append(addresses, sender)
	}
	for _, a := range msg.To {
		if a.Email != "" {
			addresses = append(addresses, a.Email)
		}
	}
	for _, a := range msg.Cc {
		if a.Email != "" {
			addresses = append(addresses, a.Email)
		}
	}
	for _, rule := range ignores {
		for _, addr := range addresses {
			if !rule.Matches(addr) {
				continue
			}
			outcome := connector.OutcomeConsume
			if rule.KeepInMailbox {
				outcome = connector.OutcomeRetain
			}
			g.logf("dropping message from %s: address %s matches ignore rule %q", sender, addr, rule.Pattern)
			return Verdict{Outcome: outcome, Reason: "address matches ignore rule"}
		}
	}

	if v, looped := g.inspectLoop(msg, queue, taggedTicketID); looped {
		return v
	}

	if sender == "" {
		g.logf("dropping message %q: no parsable sender address", msg.Subject)
		return Verdict{Outcome: connector.OutcomeConsume, Reason: "unparsable sender address"}
	}

	v := Verdict{Proceed: true}
	if IsAutoReply(msg.Header) {
		v.SuppressNotify = true
		v.Reason = "auto-reply detected"
		g.logf("message from %s detected as auto-reply, notifications suppressed", sender)
	}
	return v
}

// inspectLoop checks for our own notifications coming back in. A message is a
// loop when it carries the delivery marker header, or when its sender is the
// queue's own address. On a tagged message the addresses the copy was
// delivered to are reported for CC scrubbing so the loop cannot repeat.
func (g *Guard) inspectLoop(msg *decode.Message, queue models.Queue, taggedTicketID int64) (Verdict, bool) {
	sender := strings.TrimSpace(msg.Sender.Email)

	var forwarded []string
	looped := false
	if raw := msg.Header.Get(LoopHeader); raw != "" {
		looped = true
		for _, addr := range strings.Split(raw, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				forwarded = append(forwarded, addr)
			}
		}
	} else if queue.EmailAddress != "" && strings.EqualFold(sender, queue.EmailAddress) {
		looped = true
		for _, to := range msg.To {
			if to.Email != "" {
				forwarded = append(forwarded, to.Email)
			}
		}
	}
	if !looped {
		return Verdict{}, false
	}

	v := Verdict{Outcome: connector.OutcomeConsume, Reason: "delivery loop detected"}
	if taggedTicketID > 0 {
		v.ScrubCC = forwarded
		v.ScrubTicketID = taggedTicketID
	}
	g.logf("dropping looped message %q (ticket %d, %d forwarded addresses)", msg.Subject, taggedTicketID, len(forwarded))
	return v, true
}

// IsAutoReply reports whether the headers mark the message as automatic:
// Auto-Submitted with any value other than "no", an X-Auto-Response-Suppress
// token of DR, AutoReply or All, or mailing-list headers.
func IsAutoReply(h decode.Header) bool {
	if v := strings.TrimSpace(h.Get("Auto-Submitted")); v != "" && !strings.EqualFold(v, "no") {
		return true
	}
	for _, token := range strings.Split(h.Get("X-Auto-Response-Suppress"), ",") {
		switch strings.TrimSpace(token) {
		case "DR", "AutoReply", "All":
			return true
		}
	}
	if h.Get("List-Id") != "" || h.Get("List-Unsubscribe") != "" {
		return true
	}
	return false
}

func (g *Guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}
