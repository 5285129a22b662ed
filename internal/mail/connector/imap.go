package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/maildesk-io/maildesk/internal/models"
)

// GmailHost is the IMAP endpoint that requires XOAUTH2 authentication.
const GmailHost = "imap.gmail.com"

// TokenProvider supplies a valid OAuth2 access token for an importer,
// refreshing it if expired. The orchestrator wires a store-backed provider.
type TokenProvider interface {
	AccessToken(ctx context.Context, imp models.Importer) (string, error)
}

type imapClient interface {
	Login(username, password string) commandWaiter
	Authenticate(saslClient sasl.Client) error
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPDialer opens IMAP/IMAPS mailboxes. Plain-mode connections attempt
// STARTTLS first and fall back to an unencrypted session with a warning.
type IMAPDialer struct {
	cfg       transportConfig
	newClient func(ctx context.Context, imp models.Importer) (imapClient, error)
}

// NewIMAPDialer returns an IMAP transport ready for polling.
func NewIMAPDialer(opts ...TransportOption) *IMAPDialer {
	d := &IMAPDialer{cfg: newTransportConfig(opts...)}
	d.newClient = d.defaultClientFactory
	return d
}

// Name returns the transport identifier.
func (d *IMAPDialer) Name() string {
	return models.TransportIMAP
}

// Dial connects, authenticates, and selects the importer's mailbox folder.
func (d *IMAPDialer) Dial(ctx context.Context, imp models.Importer) (Session, error) {
	client, err := d.newClient(ctx, imp)
	if err != nil {
		return nil, fmt.Errorf("%w: imap connect %s: %v", ErrConnection, imp.Host, err)
	}
	if err := d.authenticate(ctx, client, imp); err != nil {
		_ = client.Close()
		return nil, err
	}
	folder := imp.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: imap select %s: %v", ErrConnection, folder, err)
	}
	return &imapSession{cfg: d.cfg, client: client, keepMail: imp.KeepMail, uids: make(map[string]imap.UID)}, nil
}

func (d *IMAPDialer) authenticate(ctx context.Context, client imapClient, imp models.Importer) error {
	if imp.Host == GmailHost {
		if d.cfg.tokens == nil {
			return fmt.Errorf("%w: importer %d requires XOAUTH2 but no token provider is configured", ErrConfiguration, imp.ID)
		}
		token, err := d.cfg.tokens.AccessToken(ctx, imp)
		if err != nil {
			return fmt.Errorf("%w: imap xoauth2 token for %s: %v", ErrConnection, imp.Username, err)
		}
		if err := client.Authenticate(NewXOAuth2Client(imp.Username, token)); err != nil {
			return fmt.Errorf("%w: imap xoauth2 auth for %s: %v", ErrConnection, imp.Username, err)
		}
		return nil
	}
	if imp.Username == "" || imp.Password == "" {
		return fmt.Errorf("%w: imap importer %d missing credentials", ErrConfiguration, imp.ID)
	}
	if err := client.Login(imp.Username, imp.Password).Wait(); err != nil {
		return fmt.Errorf("%w: imap auth for %s: %v", ErrConnection, imp.Username, err)
	}
	return nil
}

func (d *IMAPDialer) defaultClientFactory(ctx context.Context, imp models.Importer) (imapClient, error) {
	if imp.Host == "" {
		return nil, fmt.Errorf("imap importer %d missing host", imp.ID)
	}
	port := imp.Port
	if port == 0 {
		if imp.UseSSL {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(imp.Host, strconv.Itoa(port))
	dialer, err := dialerFor(imp, d.cfg.dialTimeout)
	if err != nil {
		return nil, err
	}

	proxied := imp.SocksProxyType != ""
	opts := &imapclient.Options{}
	if !proxied {
		opts.Dialer = &net.Dialer{Timeout: d.cfg.dialTimeout}
	}

	if imp.UseSSL {
		if !proxied {
			client, err := imapclient.DialTLS(addr, opts)
			if err != nil {
				return nil, err
			}
			return &imapClientWrapper{Client: client}, nil
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: imp.Host})
		return &imapClientWrapper{Client: imapclient.New(tlsConn, opts)}, nil
	}

	if !proxied {
		client, err := imapclient.DialStartTLS(addr, opts)
		if err == nil {
			return &imapClientWrapper{Client: client}, nil
		}
		d.cfg.logf("imap: starttls unavailable for %s, falling back to plaintext: %v", addr, err)
		client, err = imapclient.DialInsecure(addr, opts)
		if err != nil {
			return nil, err
		}
		return &imapClientWrapper{Client: client}, nil
	}

	d.cfg.logf("imap: proxied connection to %s is unencrypted", addr)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: imapclient.New(conn, opts)}, nil
}

type imapSession struct {
	cfg      transportConfig
	client   imapClient
	keepMail bool
	uids     map[string]imap.UID
	expunge  bool
}

// List excludes messages already flagged Deleted, or Answered when the
// importer's retention mode keeps mail on the server.
func (s *imapSession) List(ctx context.Context) ([]MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exclude := imap.FlagDeleted
	if s.keepMail {
		exclude = imap.FlagAnswered
	}
	criteria := &imap.SearchCriteria{
		Not: []imap.SearchCriteria{{Flag: []imap.Flag{exclude}}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: imap search: %v", ErrConnection, err)
	}
	uids := data.AllUIDs()
	refs := make([]MessageRef, 0, len(uids))
	for _, uid := range uids {
		id := strconv.FormatUint(uint64(uid), 10)
		s.uids[id] = uid
		refs = append(refs, MessageRef{ID: id, SeqNum: int(uid)})
	}
	return refs, nil
}

func (s *imapSession) Fetch(ctx context.Context, ref MessageRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uid, ok := s.uids[ref.ID]
	if !ok {
		return nil, fmt.Errorf("imap fetch: unknown message %s", ref.ID)
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: imap fetch %s: %v", ErrConnection, ref.ID, err)
	}
	for _, buf := range buffers {
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body != nil {
			return append([]byte(nil), body...), nil
		}
	}
	return nil, fmt.Errorf("imap fetch %s: empty body section", ref.ID)
}

// Ack flags the message Deleted, or Answered in keep mode. The actual
// expunge is deferred to Close so acknowledgment order tracks processing
// order.
func (s *imapSession) Ack(ctx context.Context, ref MessageRef, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if outcome != OutcomeConsume {
		return nil
	}
	uid, ok := s.uids[ref.ID]
	if !ok {
		return fmt.Errorf("imap ack: unknown message %s", ref.ID)
	}
	flag := imap.FlagDeleted
	if s.keepMail {
		flag = imap.FlagAnswered
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{flag}}
	if err := s.client.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		return fmt.Errorf("%w: imap store %s: %v", ErrConnection, ref.ID, err)
	}
	if flag == imap.FlagDeleted {
		s.expunge = true
	}
	return nil
}

func (s *imapSession) Close(ctx context.Context) error {
	if s.expunge {
		if err := s.client.Expunge().Close(); err != nil {
			s.cfg.logf("imap: expunge error: %v", err)
		}
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.cfg.logf("imap: logout error: %v", err)
	}
	return s.client.Close()
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Expunge() expungeWaiter {
	return w.Client.Expunge()
}
