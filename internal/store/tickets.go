package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maildesk-io/maildesk/internal/models"
)

// mergeChaseLimit caps how many merge hops ResolveTicket follows before
// giving up on a cyclic chain.
const mergeChaseLimit = 10

const ticketColumns = `id, title, queue_id, status, priority, submitter_email,
	contact_name, contact_email, description, assigned_to_id, merged_to_id,
	created_at, updated_at`

// TicketByID fetches one ticket without following merges.
func (s *Store) TicketByID(ctx context.Context, id int64) (*models.Ticket, error) {
	var t models.Ticket
	query := s.rebind(`SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.ext, &t, query, id); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ResolveTicket fetches a ticket, following merge pointers to the ticket that
// actually receives new activity.
func (s *Store) ResolveTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	for i := 0; i < mergeChaseLimit; i++ {
		t, err := s.TicketByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.MergedToID == nil || *t.MergedToID == t.ID {
			return t, nil
		}
		id = *t.MergedToID
	}
	return nil, fmt.Errorf("store: ticket %d: merge chain too deep", id)
}

// CreateTicket inserts a ticket and fills in its ID.
func (s *Store) CreateTicket(ctx context.Context, t *models.Ticket) error {
	id, err := s.insertID(ctx, `INSERT INTO tickets
		(title, queue_id, status, priority, submitter_email, contact_name, contact_email,
		 description, assigned_to_id, merged_to_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.QueueID, t.Status, t.Priority, t.SubmitterEmail, t.ContactName,
		t.ContactEmail, t.Description, t.AssignedToID, t.MergedToID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create ticket: %w", err)
	}
	t.ID = id
	return nil
}

// MergeTicket marks one ticket as merged into another. Future activity on
// the source is redirected to the target by ResolveTicket.
func (s *Store) MergeTicket(ctx context.Context, id, targetID int64) error {
	_, err := s.ext.ExecContext(ctx,
		s.rebind(`UPDATE tickets SET merged_to_id = ?, status = ? WHERE id = ?`),
		targetID, models.StatusDuplicate, id)
	if err != nil {
		return fmt.Errorf("store: merge ticket %d into %d: %w", id, targetID, err)
	}
	return nil
}

// UpdateTicketStatus moves a ticket to a new status and touches updated_at.
func (s *Store) UpdateTicketStatus(ctx context.Context, id int64, status int, at time.Time) error {
	_, err := s.ext.ExecContext(ctx,
		s.rebind(`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`), status, at, id)
	if err != nil {
		return fmt.Errorf("store: update ticket %d status: %w", id, err)
	}
	return nil
}

// TouchTicket bumps updated_at without changing anything else.
func (s *Store) TouchTicket(ctx context.Context, id int64, at time.Time) error {
	_, err := s.ext.ExecContext(ctx, s.rebind(`UPDATE tickets SET updated_at = ? WHERE id = ?`), at, id)
	if err != nil {
		return fmt.Errorf("store: touch ticket %d: %w", id, err)
	}
	return nil
}

// FollowUpByMessageID finds the followup created for a given inbound
// Message-Id, used to thread replies and to spot replayed messages.
func (s *Store) FollowUpByMessageID(ctx context.Context, messageID string) (*models.FollowUp, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	var f models.FollowUp
	query := s.rebind(`SELECT id, ticket_id, title, date, public, comment, message_id, new_status
		FROM followups WHERE message_id = ? ORDER BY id LIMIT 1`)
	if err := sqlx.GetContext(ctx, s.ext, &f, query, messageID); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

// CreateFollowUp inserts a followup and fills in its ID.
func (s *Store) CreateFollowUp(ctx context.Context, f *models.FollowUp) error {
	id, err := s.insertID(ctx, `INSERT INTO followups
		(ticket_id, title, date, public, comment, message_id, new_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.TicketID, f.Title, f.Date, f.Public, f.Comment, f.MessageID, f.NewStatus)
	if err != nil {
		return fmt.Errorf("store: create followup: %w", err)
	}
	f.ID = id
	return nil
}

// TicketCCs lists the subscriptions on a ticket.
func (s *Store) TicketCCs(ctx context.Context, ticketID int64) ([]models.TicketCC, error) {
	var out []models.TicketCC
	query := s.rebind(`SELECT id, ticket_id, user_id, email FROM ticket_ccs WHERE ticket_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.ext, &out, query, ticketID); err != nil {
		return nil, fmt.Errorf("store: ticket %d ccs: %w", ticketID, err)
	}
	return out, nil
}

// SubscribeCC adds an address (and optional user) to a ticket's CC list,
// skipping duplicates case-insensitively.
func (s *Store) SubscribeCC(ctx context.Context, ticketID int64, email string, userID *int64) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	var count int
	query := s.rebind(`SELECT COUNT(*) FROM ticket_ccs WHERE ticket_id = ? AND LOWER(email) = LOWER(?)`)
	if err := sqlx.GetContext(ctx, s.ext, &count, query, ticketID, email); err != nil {
		return fmt.Errorf("store: check cc: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.insertID(ctx, `INSERT INTO ticket_ccs (ticket_id, user_id, email) VALUES (?, ?, ?)`,
		ticketID, userID, email)
	if err != nil {
		return fmt.Errorf("store: subscribe cc: %w", err)
	}
	return nil
}

// RemoveTicketCCs deletes the given addresses from a ticket's CC list.
func (s *Store) RemoveTicketCCs(ctx context.Context, ticketID int64, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	lowered := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lowered = append(lowered, a)
		}
	}
	if len(lowered) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM ticket_ccs WHERE ticket_id = ? AND LOWER(email) IN (?)`, ticketID, lowered)
	if err != nil {
		return fmt.Errorf("store: remove ccs: %w", err)
	}
	if _, err := s.ext.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("store: remove ccs: %w", err)
	}
	return nil
}

// CreateAttachment inserts attachment metadata and fills in its ID.
func (s *Store) CreateAttachment(ctx context.Context, a *models.Attachment) error {
	id, err := s.insertID(ctx, `INSERT INTO attachments
		(followup_id, filename, content_type, size, storage_path)
		VALUES (?, ?, ?, ?, ?)`,
		a.FollowUpID, a.Filename, a.ContentType, a.Size, a.StoragePath)
	if err != nil {
		return fmt.Errorf("store: create attachment: %w", err)
	}
	a.ID = id
	return nil
}

// AttachmentsForFollowUp lists stored attachment metadata for a followup.
func (s *Store) AttachmentsForFollowUp(ctx context.Context, followUpID int64) ([]models.Attachment, error) {
	var out []models.Attachment
	query := s.rebind(`SELECT id, followup_id, filename, content_type, size, storage_path
		FROM attachments WHERE followup_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.ext, &out, query, followUpID); err != nil {
		return nil, fmt.Errorf("store: attachments for followup %d: %w", followUpID, err)
	}
	return out, nil
}
