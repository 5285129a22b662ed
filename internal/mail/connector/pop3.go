package connector

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/knadh/go-pop3"

	"github.com/maildesk-io/maildesk/internal/models"
)

type pop3Conn interface {
	Auth(user, password string) error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
	Quit() error
}

// POP3Dialer opens POP3/POP3S mailboxes. POP3 has no mark-seen flag, so the
// only retention choice is delete-on-consume versus leave-on-retain.
type POP3Dialer struct {
	cfg     transportConfig
	newConn func(models.Importer) (pop3Conn, error)
}

// NewPOP3Dialer returns a POP3 transport ready for polling.
func NewPOP3Dialer(opts ...TransportOption) *POP3Dialer {
	d := &POP3Dialer{cfg: newTransportConfig(opts...)}
	d.newConn = d.defaultConnFactory
	return d
}

// Name returns the transport identifier.
func (d *POP3Dialer) Name() string {
	return models.TransportPOP3
}

// Dial connects and authenticates against the importer's POP3 server.
func (d *POP3Dialer) Dial(ctx context.Context, imp models.Importer) (Session, error) {
	if imp.Username == "" || imp.Password == "" {
		return nil, fmt.Errorf("%w: pop3 importer %d missing credentials", ErrConfiguration, imp.ID)
	}
	if !imp.UseSSL {
		d.cfg.logf("pop3: importer %d connects without TLS, traffic is unencrypted", imp.ID)
	}
	conn, err := d.newConn(imp)
	if err != nil {
		return nil, fmt.Errorf("%w: pop3 connect %s: %v", ErrConnection, imp.Host, err)
	}
	if err := conn.Auth(imp.Username, imp.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: pop3 auth for %s: %v", ErrConnection, imp.Username, err)
	}
	return &pop3Session{cfg: d.cfg, conn: conn}, nil
}

func (d *POP3Dialer) defaultConnFactory(imp models.Importer) (pop3Conn, error) {
	if imp.Host == "" {
		return nil, fmt.Errorf("pop3 importer %d missing host", imp.ID)
	}
	port := imp.Port
	if port == 0 {
		if imp.UseSSL {
			port = 995
		} else {
			port = 110
		}
	}
	dialer, err := dialerFor(imp, d.cfg.dialTimeout)
	if err != nil {
		return nil, err
	}
	client := pop3.New(pop3.Opt{
		Host:        imp.Host,
		Port:        port,
		DialTimeout: d.cfg.dialTimeout,
		Dialer:      dialer,
		TLSEnabled:  imp.UseSSL,
	})
	return client.NewConn()
}

type pop3Session struct {
	cfg  transportConfig
	conn pop3Conn
}

func (s *pop3Session) List(ctx context.Context) ([]MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("%w: pop3 uidl: %v", ErrConnection, err)
	}
	refs := make([]MessageRef, 0, len(msgs))
	for _, m := range msgs {
		uid := m.UID
		if uid == "" {
			uid = strconv.Itoa(m.ID)
		}
		refs = append(refs, MessageRef{ID: uid, SeqNum: m.ID})
	}
	return refs, nil
}

func (s *pop3Session) Fetch(ctx context.Context, ref MessageRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := s.conn.RetrRaw(ref.SeqNum)
	if err != nil {
		return nil, fmt.Errorf("%w: pop3 retr %d: %v", ErrConnection, ref.SeqNum, err)
	}
	return append([]byte(nil), payload.Bytes()...), nil
}

func (s *pop3Session) Ack(ctx context.Context, ref MessageRef, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if outcome != OutcomeConsume {
		return nil
	}
	if err := s.conn.Dele(ref.SeqNum); err != nil {
		return fmt.Errorf("%w: pop3 dele %d: %v", ErrConnection, ref.SeqNum, err)
	}
	return nil
}

func (s *pop3Session) Close(ctx context.Context) error {
	if err := s.conn.Quit(); err != nil {
		s.cfg.logf("pop3: quit error: %v", err)
		return err
	}
	return nil
}
