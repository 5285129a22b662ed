package store

import (
	"context"
	"fmt"
	"strings"
)

// Bootstrap creates the schema if it does not exist. Idempotent; every
// statement uses IF NOT EXISTS.
func (s *Store) Bootstrap(ctx context.Context) error {
	driver := s.ext.DriverName()
	pk := primaryKey(driver)
	for _, stmt := range schemaStatements {
		ddl := strings.ReplaceAll(stmt, "{{pk}}", pk)
		if _, err := s.ext.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	if driver != "mysql" {
		// MySQL has no CREATE INDEX IF NOT EXISTS; it indexes message_id via
		// the migration tooling instead.
		if _, err := s.ext.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_followups_message_id ON followups (message_id)`); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	return nil
}

func primaryKey(driver string) string {
	switch driver {
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	case "mysql":
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS importers (
		id {{pk}},
		name VARCHAR(255) NOT NULL,
		transport VARCHAR(32) NOT NULL,
		host VARCHAR(255) NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		username VARCHAR(255) NOT NULL DEFAULT '',
		password VARCHAR(255) NOT NULL DEFAULT '',
		use_ssl BOOLEAN NOT NULL DEFAULT FALSE,
		imap_folder VARCHAR(255) NOT NULL DEFAULT '',
		local_dir VARCHAR(255) NOT NULL DEFAULT '',
		keep_mail BOOLEAN NOT NULL DEFAULT FALSE,
		interval_mins INTEGER NOT NULL DEFAULT 5,
		imports_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_check TIMESTAMP NULL,
		default_queue_id BIGINT NULL,
		logging_level VARCHAR(16) NOT NULL DEFAULT '',
		logging_dir VARCHAR(255) NOT NULL DEFAULT '',
		socks_proxy_type VARCHAR(16) NOT NULL DEFAULT '',
		socks_proxy_host VARCHAR(255) NOT NULL DEFAULT '',
		socks_proxy_port INTEGER NOT NULL DEFAULT 0,
		oauth2_access_token TEXT NOT NULL,
		oauth2_refresh_token TEXT NOT NULL,
		oauth2_token_expiry TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS queues (
		id {{pk}},
		slug VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL DEFAULT '',
		email_address VARCHAR(255) NOT NULL DEFAULT '',
		importer_id BIGINT NULL,
		match_on TEXT NOT NULL,
		match_on_addresses TEXT NOT NULL,
		default_owner_id BIGINT NULL,
		notify_email_events BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id {{pk}},
		title VARCHAR(200) NOT NULL,
		queue_id BIGINT NOT NULL,
		status INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		submitter_email VARCHAR(255) NOT NULL DEFAULT '',
		contact_name VARCHAR(255) NOT NULL DEFAULT '',
		contact_email VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		assigned_to_id BIGINT NULL,
		merged_to_id BIGINT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS followups (
		id {{pk}},
		ticket_id BIGINT NOT NULL,
		title VARCHAR(255) NOT NULL DEFAULT '',
		date TIMESTAMP NOT NULL,
		public BOOLEAN NOT NULL DEFAULT TRUE,
		comment TEXT NOT NULL,
		message_id VARCHAR(255) NOT NULL DEFAULT '',
		new_status INTEGER NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_ccs (
		id {{pk}},
		ticket_id BIGINT NOT NULL,
		user_id BIGINT NULL,
		email VARCHAR(255) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id {{pk}},
		followup_id BIGINT NOT NULL,
		filename VARCHAR(255) NOT NULL,
		content_type VARCHAR(255) NOT NULL DEFAULT 'application/octet-stream',
		size BIGINT NOT NULL DEFAULT 0,
		storage_path VARCHAR(512) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id {{pk}},
		email VARCHAR(255) NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		is_staff BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS ignore_emails (
		id {{pk}},
		name VARCHAR(255) NOT NULL DEFAULT '',
		pattern VARCHAR(255) NOT NULL,
		importer_id BIGINT NULL,
		keep_in_mailbox BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}
