package importer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/ingest"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/store"
)

type fakeSession struct {
	refs     []connector.MessageRef
	payloads map[string][]byte
	fetchErr map[string]error
	acks     map[string]connector.Outcome
	closed   bool
}

func (s *fakeSession) List(context.Context) ([]connector.MessageRef, error) {
	return s.refs, nil
}

func (s *fakeSession) Fetch(_ context.Context, ref connector.MessageRef) ([]byte, error) {
	if err := s.fetchErr[ref.ID]; err != nil {
		return nil, err
	}
	return s.payloads[ref.ID], nil
}

func (s *fakeSession) Ack(_ context.Context, ref connector.MessageRef, outcome connector.Outcome) error {
	s.acks[ref.ID] = outcome
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.closed = true
	return nil
}

type fakeDialer struct {
	session *fakeSession
	dialed  int
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(context.Context, models.Importer) (connector.Session, error) {
	d.dialed++
	return d.session, nil
}

type fakeFactory struct {
	dialer *fakeDialer
}

func (f *fakeFactory) DialerFor(models.Importer) (connector.Dialer, error) {
	return f.dialer, nil
}

func newSession(payloads map[string][]byte) *fakeSession {
	s := &fakeSession{
		payloads: payloads,
		fetchErr: map[string]error{},
		acks:     map[string]connector.Outcome{},
	}
	i := 0
	for id := range payloads {
		i++
		s.refs = append(s.refs, connector.MessageRef{ID: id, SeqNum: i})
	}
	return s
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	require.NoError(t, s.Bootstrap(context.Background()))
	return s
}

func seed(t *testing.T, st *store.Store) (models.Queue, models.Importer) {
	t.Helper()
	ctx := context.Background()

	q := &models.Queue{Slug: "desk", Title: "Desk", EmailAddress: "desk@example.com", EnableNotificationsOnEmailEvents: true}
	require.NoError(t, st.CreateQueue(ctx, q))

	imp := &models.Importer{
		Name:           "inbox",
		Transport:      models.TransportIMAP,
		IntervalMins:   5,
		ImportsEnabled: true,
		DefaultQueueID: &q.ID,
	}
	require.NoError(t, st.CreateImporter(ctx, imp))
	return *q, *imp
}

func rawMail(from, subject, messageID, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: desk@example.com\r\nSubject: %s\r\nMessage-Id: <%s>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from, subject, messageID, body))
}

func newOrchestrator(st *store.Store, f connector.Factory, opts ...Option) *Orchestrator {
	return New(st, f, ingest.NewEngine(st), opts...)
}

func TestRunImportsMessagesIntoTickets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, imp := seed(t, st)

	session := newSession(map[string][]byte{
		"m1": rawMail("alice@example.com", "Printer broken", "m1@example.com", "It will not print."),
	})
	dialer := &fakeDialer{session: session}

	o := newOrchestrator(st, &fakeFactory{dialer: dialer})
	require.NoError(t, o.Run(ctx))

	require.Equal(t, 1, dialer.dialed)
	require.True(t, session.closed)
	require.Equal(t, connector.OutcomeConsume, session.acks["m1"])

	tk, err := st.TicketByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Printer broken", tk.Title)

	after, err := st.ImporterByID(ctx, imp.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastCheck)
}

func TestRunSkipsImporterNotDue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, imp := seed(t, st)
	require.NoError(t, st.UpdateImporterLastCheck(ctx, imp.ID, time.Now()))

	dialer := &fakeDialer{session: newSession(nil)}
	o := newOrchestrator(st, &fakeFactory{dialer: dialer})
	require.NoError(t, o.Run(ctx))
	require.Zero(t, dialer.dialed)
}

func TestDebugPollsImmediatelyAndRetains(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, imp := seed(t, st)
	require.NoError(t, st.UpdateImporterLastCheck(ctx, imp.ID, time.Now()))

	session := newSession(map[string][]byte{
		"m1": rawMail("alice@example.com", "Hello", "d1@example.com", "body"),
	})
	dialer := &fakeDialer{session: session}

	o := newOrchestrator(st, &fakeFactory{dialer: dialer}, WithDebug(true))
	require.NoError(t, o.Run(ctx))

	require.Equal(t, 1, dialer.dialed)
	require.Equal(t, connector.OutcomeRetain, session.acks["m1"])

	// The ticket is still created; only the mailbox is left untouched.
	_, err := st.TicketByID(ctx, 1)
	require.NoError(t, err)
}

func TestConnectionErrorAbortsBatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)

	session := newSession(nil)
	session.refs = []connector.MessageRef{{ID: "m1", SeqNum: 1}, {ID: "m2", SeqNum: 2}}
	session.payloads = map[string][]byte{
		"m2": rawMail("alice@example.com", "Later", "c2@example.com", "body"),
	}
	session.fetchErr["m1"] = fmt.Errorf("socket gone: %w", connector.ErrConnection)

	o := newOrchestrator(st, &fakeFactory{dialer: &fakeDialer{session: session}})
	err := o.Run(ctx)
	require.Error(t, err)

	// The second message was never touched and the ticket was not created.
	require.Empty(t, session.acks)
	_, terr := st.TicketByID(ctx, 1)
	require.ErrorIs(t, terr, store.ErrNotFound)
}

func TestUndecodableMessageIsRetainedAndBatchContinues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)

	session := &fakeSession{
		refs: []connector.MessageRef{{ID: "bad", SeqNum: 1}, {ID: "good", SeqNum: 2}},
		payloads: map[string][]byte{
			"bad":  nil,
			"good": rawMail("alice@example.com", "Works", "g1@example.com", "body"),
		},
		fetchErr: map[string]error{},
		acks:     map[string]connector.Outcome{},
	}

	o := newOrchestrator(st, &fakeFactory{dialer: &fakeDialer{session: session}})
	require.NoError(t, o.Run(ctx))

	require.Equal(t, connector.OutcomeRetain, session.acks["bad"])
	require.Equal(t, connector.OutcomeConsume, session.acks["good"])

	tk, err := st.TicketByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Works", tk.Title)
}

func TestIgnoredSenderIsConsumedWithoutTicket(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st)
	require.NoError(t, st.CreateIgnoreRule(ctx, &models.IgnoreEmail{Name: "spam", Pattern: "*@spam.example.com"}))

	session := newSession(map[string][]byte{
		"m1": rawMail("bot@spam.example.com", "Buy things", "s1@example.com", "spam"),
	})

	o := newOrchestrator(st, &fakeFactory{dialer: &fakeDialer{session: session}})
	require.NoError(t, o.Run(ctx))

	require.Equal(t, connector.OutcomeConsume, session.acks["m1"])
	_, err := st.TicketByID(ctx, 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoopedMessageScrubsCCs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q, _ := seed(t, st)

	now := time.Now().UTC()
	tk := &models.Ticket{Title: "t", QueueID: q.ID, Status: models.StatusOpen, Priority: models.PriorityNormal, SubmitterEmail: "alice@example.com", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateTicket(ctx, tk))
	require.NoError(t, st.SubscribeCC(ctx, tk.ID, "bob@example.com", nil))

	raw := []byte(fmt.Sprintf(
		"From: someone@example.com\r\nTo: desk@example.com\r\nSubject: Re: t [desk-%d]\r\nMessage-Id: <loop@example.com>\r\nX-MailDesk-Delivered: bob@example.com\r\nContent-Type: text/plain\r\n\r\nbody\r\n",
		tk.ID))
	session := newSession(map[string][]byte{"m1": raw})

	o := newOrchestrator(st, &fakeFactory{dialer: &fakeDialer{session: session}})
	require.NoError(t, o.Run(ctx))

	require.Equal(t, connector.OutcomeConsume, session.acks["m1"])
	ccs, err := st.TicketCCs(ctx, tk.ID)
	require.NoError(t, err)
	require.Empty(t, ccs)

	// No followup was appended to the ticket.
	_, err = st.FollowUpByMessageID(ctx, "loop@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDueHonoursLookbackForNewImporters(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	o := New(nil, nil, nil, WithClock(func() time.Time { return now }))

	// Never checked: treated as checked 30 minutes ago.
	require.True(t, o.due(models.Importer{IntervalMins: 5}))
	require.False(t, o.due(models.Importer{IntervalMins: 60}))

	recent := now.Add(-2 * time.Minute)
	require.False(t, o.due(models.Importer{IntervalMins: 5, LastCheck: &recent}))

	stale := now.Add(-10 * time.Minute)
	require.True(t, o.due(models.Importer{IntervalMins: 5, LastCheck: &stale}))
}

func TestApplyDefaultsFillsEmptyFields(t *testing.T) {
	o := New(nil, nil, nil, WithMailboxDefaults(models.Importer{
		Transport: models.TransportIMAP,
		Host:      "mail.example.com",
		Username:  "desk",
		Password:  "secret",
		UseSSL:    true,
	}))

	merged := o.applyDefaults(models.Importer{Name: "support"})
	require.Equal(t, models.TransportIMAP, merged.Transport)
	require.Equal(t, "mail.example.com", merged.Host)
	require.Equal(t, "desk", merged.Username)
	require.Equal(t, "secret", merged.Password)
	require.True(t, merged.UseSSL)

	// Explicit importer settings win over the global fallbacks.
	explicit := o.applyDefaults(models.Importer{
		Transport: models.TransportPOP3,
		Host:      "pop.example.com",
		Username:  "other",
		Password:  "pw",
	})
	require.Equal(t, models.TransportPOP3, explicit.Transport)
	require.Equal(t, "pop.example.com", explicit.Host)
	require.Equal(t, "other", explicit.Username)
	require.Equal(t, "pw", explicit.Password)
}
