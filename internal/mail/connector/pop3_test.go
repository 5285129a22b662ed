package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"

	"github.com/maildesk-io/maildesk/internal/models"
)

func pop3Importer() models.Importer {
	return models.Importer{
		ID:        7,
		Transport: models.TransportPOP3,
		Host:      "mail.example",
		Port:      995,
		Username:  "agent",
		Password:  "secret",
		UseSSL:    true,
	}
}

func TestPOP3SessionListsAndFetches(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "uid-1", Size: 123},
			{ID: 2, UID: "", Size: 456},
		},
		raw: map[int][]byte{
			1: []byte("first"),
			2: []byte("second"),
		},
	}
	d := NewPOP3Dialer()
	d.newConn = func(models.Importer) (pop3Conn, error) { return conn, nil }

	sess, err := d.Dial(context.Background(), pop3Importer())
	require.NoError(t, err)

	refs, err := sess.List(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "uid-1", refs[0].ID)
	// Sequence number stands in when the server reports no UIDL.
	require.Equal(t, "2", refs[1].ID)

	raw, err := sess.Fetch(context.Background(), refs[0])
	require.NoError(t, err)
	require.Equal(t, []byte("first"), raw)

	require.NoError(t, sess.Close(context.Background()))
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3SessionAckConsumeDeletes(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{{ID: 1, UID: "uid-1"}, {ID: 2, UID: "uid-2"}},
		raw:  map[int][]byte{1: []byte("a"), 2: []byte("b")},
	}
	d := NewPOP3Dialer()
	d.newConn = func(models.Importer) (pop3Conn, error) { return conn, nil }

	sess, err := d.Dial(context.Background(), pop3Importer())
	require.NoError(t, err)
	refs, err := sess.List(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.Ack(context.Background(), refs[0], OutcomeConsume))
	require.NoError(t, sess.Ack(context.Background(), refs[1], OutcomeRetain))
	require.Equal(t, []int{1}, conn.deleted)
}

func TestPOP3DialerReturnsAuthError(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("bad creds")}
	d := NewPOP3Dialer()
	d.newConn = func(models.Importer) (pop3Conn, error) { return conn, nil }

	_, err := d.Dial(context.Background(), pop3Importer())
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorContains(t, err, "pop3 auth")
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3DialerRejectsMissingCredentials(t *testing.T) {
	d := NewPOP3Dialer()
	imp := pop3Importer()
	imp.Password = ""
	_, err := d.Dial(context.Background(), imp)
	require.ErrorIs(t, err, ErrConfiguration)
}

type fakePOP3Conn struct {
	uidl      []pop3.MessageID
	raw       map[int][]byte
	deleted   []int
	quitCalls int

	authErr error
	uidlErr error
	deleErr error
}

func (f *fakePOP3Conn) Auth(_, _ string) error {
	return f.authErr
}

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	return nil
}

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	payload, ok := f.raw[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %d", id)
	}
	return bytes.NewBuffer(payload), nil
}

func (f *fakePOP3Conn) Dele(ids ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}
