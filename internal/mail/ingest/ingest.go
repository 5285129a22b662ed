// Package ingest turns decoded, routed, policy-cleared messages into ticket
// activity: new tickets, followups, status transitions, CC subscriptions,
// attachments and notifications.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/maildesk-io/maildesk/internal/attachments"
	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/mail/route"
	"github.com/maildesk-io/maildesk/internal/metrics"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/notifications"
	"github.com/maildesk-io/maildesk/internal/store"
)

// titleLimit caps ticket titles at the column width.
const titleLimit = 200

// Result reports what one message became.
type Result struct {
	Ticket   *models.Ticket
	FollowUp *models.FollowUp
	// New is true when the message opened a ticket rather than updating one.
	New bool
	// Replayed is true when the message had already been ingested; nothing
	// was written.
	Replayed bool
}

// Engine applies one message's ticket semantics inside a transaction.
type Engine struct {
	store       *store.Store
	dispatcher  notifications.Dispatcher
	attachments *attachments.Processor
	logger      *log.Logger
	now         func() time.Time

	updateOnly       bool
	fullFirstMessage bool
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for ingest decisions.
func WithEngineLogger(l *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithDispatcher wires outbound notifications. Without one the engine stays
// silent.
func WithDispatcher(d notifications.Dispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = d }
}

// WithAttachmentProcessor wires attachment storage. Without one attachments
// are discarded.
func WithAttachmentProcessor(p *attachments.Processor) EngineOption {
	return func(e *Engine) { e.attachments = p }
}

// WithUpdateOnly drops messages that do not belong to an existing ticket
// instead of opening new ones.
func WithUpdateOnly(enabled bool) EngineOption {
	return func(e *Engine) { e.updateOnly = enabled }
}

// WithFullFirstMessage keeps quoted and forwarded material in the ticket
// description when the message opens a new ticket.
func WithFullFirstMessage(enabled bool) EngineOption {
	return func(e *Engine) { e.fullFirstMessage = enabled }
}

// NewEngine builds an Engine over the store.
func NewEngine(st *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{store: st, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest applies the message to the ticket database. A nil Result with a nil
// error means the message was deliberately dropped (update-only mode); the
// caller may still acknowledge it as handled.
func (e *Engine) Ingest(ctx context.Context, msg *decode.Message, routed route.Result, queue models.Queue, suppressNotify bool) (*Result, error) {
	// A Message-Id we already ingested means the mailbox replayed a message
	// we failed to acknowledge. Nothing to write.
	if prior, err := e.store.FollowUpByMessageID(ctx, msg.MessageID); err == nil {
		ticket, terr := e.store.TicketByID(ctx, prior.TicketID)
		if terr != nil {
			return nil, terr
		}
		e.logf("message %s already ingested as followup %d, skipping", msg.MessageID, prior.ID)
		return &Result{Ticket: ticket, FollowUp: prior, Replayed: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ticket, err := e.resolveTicket(ctx, msg, routed)
	if err != nil {
		return nil, err
	}

	if ticket == nil {
		if e.updateOnly {
			e.logf("update-only mode: dropping unmatched message %q from %s", msg.Subject, msg.Sender.Email)
			return nil, nil
		}
	} else {
		// Replies to existing tickets never keep quoted history.
		msg.CollapseFullBody()
	}
	if ticket == nil && !e.fullFirstMessage {
		msg.CollapseFullBody()
	}

	var res Result
	err = e.store.WithTx(ctx, func(tx *store.Store) error {
		if ticket == nil {
			created, fu, err := e.openTicket(ctx, tx, msg, routed, queue)
			if err != nil {
				return err
			}
			res = Result{Ticket: created, FollowUp: fu, New: true}
			return nil
		}
		updated, fu, err := e.appendToTicket(ctx, tx, msg, ticket)
		if err != nil {
			return err
		}
		res = Result{Ticket: updated, FollowUp: fu}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.attachments != nil && len(msg.Attachments) > 0 {
		e.attachments.Attach(ctx, res.Ticket.ID, res.FollowUp.ID, msg.Attachments)
	}

	if res.New {
		metrics.TicketsCreated.Inc()
	} else {
		metrics.FollowUpsCreated.Inc()
	}

	if !suppressNotify {
		e.notify(ctx, &res, queue)
	}
	return &res, nil
}

// resolveTicket finds the ticket this message belongs to: the thread of the
// In-Reply-To header first, then the subject's tracking tag. Merged tickets
// redirect to their merge target. Nil means a new ticket is needed.
func (e *Engine) resolveTicket(ctx context.Context, msg *decode.Message, routed route.Result) (*models.Ticket, error) {
	if msg.InReplyTo != "" {
		prior, err := e.store.FollowUpByMessageID(ctx, msg.InReplyTo)
		switch {
		case err == nil:
			t, err := e.store.ResolveTicket(ctx, prior.TicketID)
			if err == nil {
				return t, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if routed.TicketID > 0 {
		t, err := e.store.ResolveTicket(ctx, routed.TicketID)
		switch {
		case err == nil:
			return t, nil
		case errors.Is(err, store.ErrNotFound):
			e.logf("subject referenced ticket %d which does not exist", routed.TicketID)
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (e *Engine) openTicket(ctx context.Context, tx *store.Store, msg *decode.Message, routed route.Result, queue models.Queue) (*models.Ticket, *models.FollowUp, error) {
	now := e.now()
	ticket := &models.Ticket{
		Title:          ticketTitle(msg),
		QueueID:        routed.QueueID,
		Status:         models.StatusOpen,
		Priority:       msg.Priority,
		SubmitterEmail: msg.Sender.Email,
		ContactName:    truncate(msg.Sender.Name, titleLimit),
		ContactEmail:   truncate(msg.Sender.Email, titleLimit),
		// The visible reply is the description; quoted history stays in the
		// followup comment only.
		Description:  msg.Body,
		AssignedToID: queue.DefaultOwnerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.CreateTicket(ctx, ticket); err != nil {
		return nil, nil, err
	}

	fu := &models.FollowUp{
		TicketID:  ticket.ID,
		Title:     followUpTitle(msg),
		Date:      now,
		Public:    true,
		Comment:   msg.FullBody,
		MessageID: msg.MessageID,
	}
	if err := tx.CreateFollowUp(ctx, fu); err != nil {
		return nil, nil, err
	}

	if err := e.subscribeCCs(ctx, tx, msg, ticket.ID, queue); err != nil {
		return nil, nil, err
	}
	e.logf("opened ticket %d %q in queue %d from %s", ticket.ID, ticket.Title, ticket.QueueID, msg.Sender.Email)
	return ticket, fu, nil
}

func (e *Engine) appendToTicket(ctx context.Context, tx *store.Store, msg *decode.Message, ticket *models.Ticket) (*models.Ticket, *models.FollowUp, error) {
	now := e.now()
	sender := msg.Sender.Email

	updater, err := e.userByEmail(ctx, tx, sender)
	if err != nil {
		return nil, nil, err
	}
	submitter, err := e.userByEmail(ctx, tx, ticket.SubmitterEmail)
	if err != nil {
		return nil, nil, err
	}

	newStatus, changed := nextStatus(ticket.Status, updater, submitter, ticket.AssignedToID)

	fu := &models.FollowUp{
		TicketID:  ticket.ID,
		Title:     followUpTitle(msg),
		Date:      now,
		Public:    true,
		Comment:   msg.FullBody,
		MessageID: msg.MessageID,
	}
	if changed {
		status := newStatus
		fu.NewStatus = &status
		if status == models.StatusReopened {
			by := sender
			if updater != nil && updater.IsStaff {
				by = updater.FullName()
			}
			fu.Title = truncate(fmt.Sprintf("Ticket Re-Opened by E-Mail Received from %s", by), titleLimit)
		}
	}
	if err := tx.CreateFollowUp(ctx, fu); err != nil {
		return nil, nil, err
	}

	if changed {
		if err := tx.UpdateTicketStatus(ctx, ticket.ID, newStatus, now); err != nil {
			return nil, nil, err
		}
		ticket.Status = newStatus
	} else if err := tx.TouchTicket(ctx, ticket.ID, now); err != nil {
		return nil, nil, err
	}
	ticket.UpdatedAt = now

	queue, err := tx.QueueByID(ctx, ticket.QueueID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	if queue != nil {
		if err := e.subscribeCCs(ctx, tx, msg, ticket.ID, *queue); err != nil {
			return nil, nil, err
		}
	}

	e.logf("appended followup %d to ticket %d (status %s)", fu.ID, ticket.ID, models.StatusName(ticket.Status))
	return ticket, fu, nil
}

// subscribeCCs adds every To and Cc mailbox to the ticket's subscription
// list, linking known user accounts. The queue's own address is skipped.
func (e *Engine) subscribeCCs(ctx context.Context, tx *store.Store, msg *decode.Message, ticketID int64, queue models.Queue) error {
	for _, addr := range append(append([]decode.Address{}, msg.To...), msg.Cc...) {
		email := strings.TrimSpace(addr.Email)
		if email == "" || !strings.Contains(email, "@") {
			continue
		}
		if strings.EqualFold(email, queue.EmailAddress) {
			continue
		}
		var userID *int64
		u, err := tx.UserByEmail(ctx, email)
		switch {
		case err == nil:
			userID = &u.ID
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.SubscribeCC(ctx, ticketID, email, userID); err != nil {
			return err
		}
	}
	return nil
}

// notify fans the event out to the submitter, the assigned owner and CC
// subscribers. CCs linked to a user account always hear about updates;
// public CC addresses only do when the queue's email-event toggle is on.
// New tickets notify everyone.
func (e *Engine) notify(ctx context.Context, res *Result, queue models.Queue) {
	if e.dispatcher == nil || res.Ticket == nil {
		return
	}

	recipients := []string{res.Ticket.SubmitterEmail}
	if res.Ticket.AssignedToID != nil {
		if owner, err := e.store.UserByID(ctx, *res.Ticket.AssignedToID); err == nil {
			recipients = append(recipients, owner.Email)
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logf("resolving owner of ticket %d: %v", res.Ticket.ID, err)
		}
	}
	if ccs, err := e.store.TicketCCs(ctx, res.Ticket.ID); err == nil {
		for _, cc := range ccs {
			if cc.UserID == nil && !res.New && !queue.EnableNotificationsOnEmailEvents {
				continue
			}
			recipients = append(recipients, cc.Email)
		}
	} else {
		e.logf("listing ccs for ticket %d: %v", res.Ticket.ID, err)
	}

	kind := notifications.KindTicketUpdated
	switch {
	case res.New:
		kind = notifications.KindTicketOpened
	case res.Ticket.Status == models.StatusReopened:
		kind = notifications.KindTicketReopened
	}

	e.dispatcher.Dispatch(ctx, notifications.Event{
		Kind:       kind,
		Ticket:     *res.Ticket,
		Queue:      queue,
		FollowUp:   *res.FollowUp,
		Recipients: recipients,
	})
}

// nextStatus applies the transition table for an inbound email. The update
// counts as public when the updater is not staff, or when the ticket was
// submitted by staff and someone other than the assignee writes in: public
// updates reopen settled tickets and reopen the conversation after a staff
// reply. A staff reply into a non-staff ticket marks it replied unless it is
// already settled.
func nextStatus(current int, updater, submitter *models.User, assignedToID *int64) (int, bool) {
	updaterIsStaff := updater != nil && updater.IsStaff
	submitterIsStaff := submitter != nil && submitter.IsStaff
	updaterIsAssignee := updater != nil && assignedToID != nil && updater.ID == *assignedToID

	if (submitterIsStaff && !updaterIsAssignee) || !updaterIsStaff {
		switch current {
		case models.StatusClosed, models.StatusResolved, models.StatusDuplicate:
			return models.StatusReopened, true
		case models.StatusReplied:
			return models.StatusOpen, true
		default:
			return current, false
		}
	}

	switch current {
	case models.StatusClosed, models.StatusResolved, models.StatusDuplicate:
		return current, false
	default:
		return models.StatusReplied, true
	}
}

// userByEmail resolves an account for an address; an unknown address is not
// an error, it just means a public participant.
func (e *Engine) userByEmail(ctx context.Context, tx *store.Store, email string) (*models.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	u, err := tx.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit])
	}
	return s
}

func ticketTitle(msg *decode.Message) string {
	title := strings.TrimSpace(msg.Subject)
	if title == "" {
		title = "(no subject)"
	}
	return truncate(title, titleLimit)
}

func followUpTitle(msg *decode.Message) string {
	sender := msg.Sender.Email
	if sender == "" {
		sender = "(unknown sender)"
	}
	return truncate(fmt.Sprintf("E-Mail Received from %s", sender), titleLimit)
}
