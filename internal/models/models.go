package models

import (
	"strings"
	"time"
)

// Ticket status values. The set is fixed; the ingestion engine only ever
// moves tickets between these states.
const (
	StatusOpen      = 1
	StatusReopened  = 2
	StatusResolved  = 3
	StatusClosed    = 4
	StatusDuplicate = 5
	StatusReplied   = 6
)

// StatusName returns the display name for a ticket status.
func StatusName(status int) string {
	switch status {
	case StatusOpen:
		return "Open"
	case StatusReopened:
		return "Reopened"
	case StatusResolved:
		return "Resolved"
	case StatusClosed:
		return "Closed"
	case StatusDuplicate:
		return "Duplicate"
	case StatusReplied:
		return "Replied"
	default:
		return "Unknown"
	}
}

// Ticket priorities carried over from inbound SMTP priority headers.
const (
	PriorityHigh   = 2
	PriorityNormal = 3
)

// Transport kinds understood by the connector factory.
const (
	TransportPOP3  = "pop3"
	TransportIMAP  = "imap"
	TransportLocal = "local"
)

// Importer is one configured mailbox polling source. Importers are created
// and edited by operators; this core only advances LastCheck and refreshes
// OAuth2 tokens.
type Importer struct {
	ID             int64  `json:"id" db:"id"`
	Name           string `json:"name" db:"name"`
	Transport      string `json:"transport" db:"transport"`
	Host           string `json:"host" db:"host"`
	Port           int    `json:"port" db:"port"`
	Username       string `json:"username" db:"username"`
	Password       string `json:"-" db:"password"`
	UseSSL         bool   `json:"use_ssl" db:"use_ssl"`
	IMAPFolder     string `json:"imap_folder" db:"imap_folder"`
	LocalDir       string `json:"local_dir" db:"local_dir"`
	KeepMail       bool   `json:"keep_mail" db:"keep_mail"`
	IntervalMins   int    `json:"interval_mins" db:"interval_mins"`
	ImportsEnabled bool   `json:"imports_enabled" db:"imports_enabled"`

	LastCheck *time.Time `json:"last_check,omitempty" db:"last_check"`

	DefaultQueueID *int64 `json:"default_queue_id,omitempty" db:"default_queue_id"`

	LoggingLevel string `json:"logging_level" db:"logging_level"` // none, debug, info, warn, error, crit
	LoggingDir   string `json:"logging_dir" db:"logging_dir"`

	SocksProxyType string `json:"socks_proxy_type" db:"socks_proxy_type"` // socks4, socks5, empty
	SocksProxyHost string `json:"socks_proxy_host" db:"socks_proxy_host"`
	SocksProxyPort int    `json:"socks_proxy_port" db:"socks_proxy_port"`

	OAuth2AccessToken  string     `json:"-" db:"oauth2_access_token"`
	OAuth2RefreshToken string     `json:"-" db:"oauth2_refresh_token"`
	OAuth2TokenExpiry  *time.Time `json:"oauth2_token_expiry,omitempty" db:"oauth2_token_expiry"`
}

// Queue is a named routing destination for inbound mail. Read-only from the
// ingestion core's perspective.
type Queue struct {
	ID           int64  `json:"id" db:"id"`
	Slug         string `json:"slug" db:"slug"`
	Title        string `json:"title" db:"title"`
	EmailAddress string `json:"email_address" db:"email_address"`
	ImporterID   *int64 `json:"importer_id,omitempty" db:"importer_id"`

	// MatchOn holds subject keywords, MatchOnAddresses sender substrings.
	// Both are persisted as JSON text columns by the store.
	MatchOn          []string `json:"match_on" db:"-"`
	MatchOnAddresses []string `json:"match_on_addresses" db:"-"`

	DefaultOwnerID *int64 `json:"default_owner_id,omitempty" db:"default_owner_id"`

	EnableNotificationsOnEmailEvents bool `json:"enable_notifications_on_email_events" db:"notify_email_events"`
}

// Ticket is the persistent unit of work. A ticket whose MergedToID is set is
// never mutated; operations chase the merge target instead.
type Ticket struct {
	ID             int64     `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	QueueID        int64     `json:"queue_id" db:"queue_id"`
	Status         int       `json:"status" db:"status"`
	Priority       int       `json:"priority" db:"priority"`
	SubmitterEmail string    `json:"submitter_email" db:"submitter_email"`
	ContactName    string    `json:"contact_name" db:"contact_name"`
	ContactEmail   string    `json:"contact_email" db:"contact_email"`
	Description    string    `json:"description" db:"description"`
	AssignedToID   *int64    `json:"assigned_to_id,omitempty" db:"assigned_to_id"`
	MergedToID     *int64    `json:"merged_to_id,omitempty" db:"merged_to_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// FollowUp is one append-only event on a ticket. MessageID threads future
// replies back to the ticket.
type FollowUp struct {
	ID        int64     `json:"id" db:"id"`
	TicketID  int64     `json:"ticket_id" db:"ticket_id"`
	Title     string    `json:"title" db:"title"`
	Date      time.Time `json:"date" db:"date"`
	Public    bool      `json:"public" db:"public"`
	Comment   string    `json:"comment" db:"comment"`
	MessageID string    `json:"message_id" db:"message_id"`
	NewStatus *int      `json:"new_status,omitempty" db:"new_status"`
}

// TicketCC subscribes a user or bare email address to ticket notifications.
type TicketCC struct {
	ID       int64  `json:"id" db:"id"`
	TicketID int64  `json:"ticket_id" db:"ticket_id"`
	UserID   *int64 `json:"user_id,omitempty" db:"user_id"`
	Email    string `json:"email" db:"email"`
}

// Attachment records one stored file linked to a followup. Content lives on
// disk under StoragePath; only metadata is kept here.
type Attachment struct {
	ID          int64  `json:"id" db:"id"`
	FollowUpID  int64  `json:"followup_id" db:"followup_id"`
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"content_type" db:"content_type"`
	Size        int64  `json:"size" db:"size"`
	StoragePath string `json:"storage_path" db:"storage_path"`
}

// User is the minimal account record the ingestion core needs: staff
// membership drives the status transition table.
type User struct {
	ID          int64  `json:"id" db:"id"`
	Email       string `json:"email" db:"email"`
	DisplayName string `json:"display_name" db:"display_name"`
	IsStaff     bool   `json:"is_staff" db:"is_staff"`
}

// FullName returns the display name, falling back to the email address.
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	return u.Email
}

// IgnoreEmail is a policy rule evaluated against sender/To/Cc addresses.
// A nil ImporterID means the rule applies to every importer.
type IgnoreEmail struct {
	ID            int64  `json:"id" db:"id"`
	Name          string `json:"name" db:"name"`
	Pattern       string `json:"pattern" db:"pattern"`
	ImporterID    *int64 `json:"importer_id,omitempty" db:"importer_id"`
	KeepInMailbox bool   `json:"keep_in_mailbox" db:"keep_in_mailbox"`
}

// Matches reports whether an address matches the rule pattern. Patterns are
// matched case-insensitively and support a wildcard on either side of the
// "@": "*@example.com" matches any sender at that domain, "bounce@*" matches
// that mailbox at any domain.
func (r IgnoreEmail) Matches(address string) bool {
	pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	address = strings.ToLower(strings.TrimSpace(address))
	if pattern == "" || address == "" {
		return false
	}
	if pattern == address {
		return true
	}
	pLocal, pDomain, pOK := strings.Cut(pattern, "@")
	aLocal, aDomain, aOK := strings.Cut(address, "@")
	if !pOK || !aOK {
		return false
	}
	if pLocal == "*" && pDomain == aDomain {
		return true
	}
	if pDomain == "*" && pLocal == aLocal {
		return true
	}
	return false
}
