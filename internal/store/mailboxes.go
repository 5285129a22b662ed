package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maildesk-io/maildesk/internal/models"
)

const importerColumns = `id, name, transport, host, port, username, password, use_ssl,
	imap_folder, local_dir, keep_mail, interval_mins, imports_enabled, last_check,
	default_queue_id, logging_level, logging_dir, socks_proxy_type, socks_proxy_host,
	socks_proxy_port, oauth2_access_token, oauth2_refresh_token, oauth2_token_expiry`

// EnabledImporters returns every importer with imports switched on.
func (s *Store) EnabledImporters(ctx context.Context) ([]models.Importer, error) {
	var out []models.Importer
	query := s.rebind(`SELECT ` + importerColumns + ` FROM importers WHERE imports_enabled = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.ext, &out, query, true); err != nil {
		return nil, fmt.Errorf("store: enabled importers: %w", err)
	}
	return out, nil
}

// ImporterByID fetches one importer.
func (s *Store) ImporterByID(ctx context.Context, id int64) (*models.Importer, error) {
	var imp models.Importer
	query := s.rebind(`SELECT ` + importerColumns + ` FROM importers WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.ext, &imp, query, id); err != nil {
		return nil, notFound(err)
	}
	return &imp, nil
}

// CreateImporter inserts an importer and fills in its ID.
func (s *Store) CreateImporter(ctx context.Context, imp *models.Importer) error {
	id, err := s.insertID(ctx, `INSERT INTO importers
		(name, transport, host, port, username, password, use_ssl, imap_folder, local_dir,
		 keep_mail, interval_mins, imports_enabled, last_check, default_queue_id,
		 logging_level, logging_dir, socks_proxy_type, socks_proxy_host, socks_proxy_port,
		 oauth2_access_token, oauth2_refresh_token, oauth2_token_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		imp.Name, imp.Transport, imp.Host, imp.Port, imp.Username, imp.Password, imp.UseSSL,
		imp.IMAPFolder, imp.LocalDir, imp.KeepMail, imp.IntervalMins, imp.ImportsEnabled,
		imp.LastCheck, imp.DefaultQueueID, imp.LoggingLevel, imp.LoggingDir,
		imp.SocksProxyType, imp.SocksProxyHost, imp.SocksProxyPort,
		imp.OAuth2AccessToken, imp.OAuth2RefreshToken, imp.OAuth2TokenExpiry)
	if err != nil {
		return fmt.Errorf("store: create importer: %w", err)
	}
	imp.ID = id
	return nil
}

// UpdateImporterLastCheck stamps the time of the last successful poll.
func (s *Store) UpdateImporterLastCheck(ctx context.Context, id int64, t time.Time) error {
	_, err := s.ext.ExecContext(ctx, s.rebind(`UPDATE importers SET last_check = ? WHERE id = ?`), t, id)
	if err != nil {
		return fmt.Errorf("store: update last_check: %w", err)
	}
	return nil
}

// UpdateImporterOAuthToken persists a refreshed access token and its expiry.
func (s *Store) UpdateImporterOAuthToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error {
	_, err := s.ext.ExecContext(ctx,
		s.rebind(`UPDATE importers SET oauth2_access_token = ?, oauth2_token_expiry = ? WHERE id = ?`),
		accessToken, expiry, id)
	if err != nil {
		return fmt.Errorf("store: update oauth token: %w", err)
	}
	return nil
}

type queueRow struct {
	models.Queue
	MatchOnJSON          string `db:"match_on"`
	MatchOnAddressesJSON string `db:"match_on_addresses"`
}

func (r queueRow) queue() models.Queue {
	q := r.Queue
	if r.MatchOnJSON != "" {
		_ = json.Unmarshal([]byte(r.MatchOnJSON), &q.MatchOn)
	}
	if r.MatchOnAddressesJSON != "" {
		_ = json.Unmarshal([]byte(r.MatchOnAddressesJSON), &q.MatchOnAddresses)
	}
	return q
}

const queueColumns = `id, slug, title, email_address, importer_id, match_on,
	match_on_addresses, default_owner_id, notify_email_events`

// QueuesForImporter lists the routing candidates for an importer: its own
// queues plus queues not bound to any importer.
func (s *Store) QueuesForImporter(ctx context.Context, importerID int64) ([]models.Queue, error) {
	var rows []queueRow
	query := s.rebind(`SELECT ` + queueColumns + ` FROM queues
		WHERE importer_id = ? OR importer_id IS NULL ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.ext, &rows, query, importerID); err != nil {
		return nil, fmt.Errorf("store: queues for importer %d: %w", importerID, err)
	}
	out := make([]models.Queue, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.queue())
	}
	return out, nil
}

// QueueByID fetches one queue.
func (s *Store) QueueByID(ctx context.Context, id int64) (*models.Queue, error) {
	var row queueRow
	query := s.rebind(`SELECT ` + queueColumns + ` FROM queues WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.ext, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	q := row.queue()
	return &q, nil
}

// CreateQueue inserts a queue and fills in its ID.
func (s *Store) CreateQueue(ctx context.Context, q *models.Queue) error {
	matchOn, err := json.Marshal(orEmpty(q.MatchOn))
	if err != nil {
		return fmt.Errorf("store: marshal match_on: %w", err)
	}
	matchOnAddresses, err := json.Marshal(orEmpty(q.MatchOnAddresses))
	if err != nil {
		return fmt.Errorf("store: marshal match_on_addresses: %w", err)
	}
	id, err := s.insertID(ctx, `INSERT INTO queues
		(slug, title, email_address, importer_id, match_on, match_on_addresses,
		 default_owner_id, notify_email_events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Slug, q.Title, q.EmailAddress, q.ImporterID, string(matchOn), string(matchOnAddresses),
		q.DefaultOwnerID, q.EnableNotificationsOnEmailEvents)
	if err != nil {
		return fmt.Errorf("store: create queue: %w", err)
	}
	q.ID = id
	return nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// IgnoreRulesForImporter lists global rules plus rules scoped to the importer.
func (s *Store) IgnoreRulesForImporter(ctx context.Context, importerID int64) ([]models.IgnoreEmail, error) {
	var out []models.IgnoreEmail
	query := s.rebind(`SELECT id, name, pattern, importer_id, keep_in_mailbox FROM ignore_emails
		WHERE importer_id IS NULL OR importer_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.ext, &out, query, importerID); err != nil {
		return nil, fmt.Errorf("store: ignore rules: %w", err)
	}
	return out, nil
}

// CreateIgnoreRule inserts an ignore rule and fills in its ID.
func (s *Store) CreateIgnoreRule(ctx context.Context, rule *models.IgnoreEmail) error {
	id, err := s.insertID(ctx, `INSERT INTO ignore_emails (name, pattern, importer_id, keep_in_mailbox)
		VALUES (?, ?, ?, ?)`,
		rule.Name, rule.Pattern, rule.ImporterID, rule.KeepInMailbox)
	if err != nil {
		return fmt.Errorf("store: create ignore rule: %w", err)
	}
	rule.ID = id
	return nil
}

// UserByEmail finds an account by address, case-insensitively.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	query := s.rebind(`SELECT id, email, display_name, is_staff FROM users WHERE LOWER(email) = LOWER(?)`)
	if err := sqlx.GetContext(ctx, s.ext, &u, query, email); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// UserByID fetches one account.
func (s *Store) UserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	query := s.rebind(`SELECT id, email, display_name, is_staff FROM users WHERE id = ?`)
	if err := sqlx.GetContext(ctx, s.ext, &u, query, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateUser inserts an account and fills in its ID.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	id, err := s.insertID(ctx, `INSERT INTO users (email, display_name, is_staff) VALUES (?, ?, ?)`,
		u.Email, u.DisplayName, u.IsStaff)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	u.ID = id
	return nil
}
