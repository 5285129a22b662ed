package route

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/maildesk-io/maildesk/internal/models"
)

// Reason records which rule picked the queue.
type Reason string

const (
	ReasonTrackingTag   Reason = "tracking-tag"
	ReasonSubjectMatch  Reason = "subject-match"
	ReasonSenderMatch   Reason = "sender-match"
	ReasonDefaultQueue  Reason = "default-queue"
)

// Result is a routing decision: the queue the message belongs to and, when a
// tracking tag was recognised, the ticket it refers to.
type Result struct {
	QueueID  int64
	TicketID int64
	Reason   Reason
}

// Classifier routes a decoded message to a queue. Rules are evaluated in a
// fixed order and the first hit wins: tracking tag in the subject, queue
// keyword in the subject, sender address match, then the importer's default
// queue.
type Classifier struct {
	logger *log.Logger
}

// ClassifierOption customises a Classifier.
type ClassifierOption func(*Classifier)

// WithClassifierLogger sets the logger for routing decisions.
func WithClassifierLogger(l *log.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = l }
}

// NewClassifier builds a Classifier.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify picks a queue for the message. queues is the candidate set for the
// importer that received it; defaultQueueID is used when no rule matches.
func (c *Classifier) Classify(subject, senderEmail string, queues []models.Queue, defaultQueueID int64) Result {
	if r, ok := c.matchTrackingTag(subject, queues); ok {
		return r
	}
	if r, ok := c.matchSubject(subject, queues); ok {
		return r
	}
	if r, ok := c.matchSender(senderEmail, queues); ok {
		return r
	}
	c.logf("no routing rule matched, using default queue %d", defaultQueueID)
	return Result{QueueID: defaultQueueID, Reason: ReasonDefaultQueue}
}

// matchTrackingTag looks for "[<slug>-<id>]" in the subject. A recognised tag
// binds both the queue and the ticket; nothing later may override it.
func (c *Classifier) matchTrackingTag(subject string, queues []models.Queue) (Result, bool) {
	for _, q := range queues {
		if q.Slug == "" {
			continue
		}
		re, err := regexp.Compile(`.*\[` + regexp.QuoteMeta(q.Slug) + `-(\d+)\]`)
		if err != nil {
			c.logf("queue %d: bad slug %q: %v", q.ID, q.Slug, err)
			continue
		}
		m := re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		c.logf("subject %q matched tracking tag for queue %q, ticket %d", subject, q.Slug, id)
		return Result{QueueID: q.ID, TicketID: id, Reason: ReasonTrackingTag}, true
	}
	return Result{}, false
}

// matchSubject checks each queue's keywords as whole words, case insensitive.
func (c *Classifier) matchSubject(subject string, queues []models.Queue) (Result, bool) {
	for _, q := range queues {
		for _, kw := range q.MatchOn {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				continue
			}
			if re.MatchString(subject) {
				c.logf("subject %q matched keyword %q for queue %d", subject, kw, q.ID)
				return Result{QueueID: q.ID, Reason: ReasonSubjectMatch}, true
			}
		}
	}
	return Result{}, false
}

// matchSender checks each queue's address patterns as case-insensitive
// substrings of the sender address.
func (c *Classifier) matchSender(senderEmail string, queues []models.Queue) (Result, bool) {
	sender := strings.ToLower(strings.TrimSpace(senderEmail))
	if sender == "" {
		return Result{}, false
	}
	for _, q := range queues {
		for _, pattern := range q.MatchOnAddresses {
			pattern = strings.ToLower(strings.TrimSpace(pattern))
			if pattern == "" {
				continue
			}
			if strings.Contains(sender, pattern) {
				c.logf("sender %q matched pattern %q for queue %d", senderEmail, pattern, q.ID)
				return Result{QueueID: q.ID, Reason: ReasonSenderMatch}, true
			}
		}
	}
	return Result{}, false
}

func (c *Classifier) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// TrackingTag renders the tag appended to outbound subjects for a ticket.
func TrackingTag(slug string, ticketID int64) string {
	return fmt.Sprintf("[%s-%d]", slug, ticketID)
}
