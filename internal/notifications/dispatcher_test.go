package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maildesk-io/maildesk/internal/models"
)

type fakeProvider struct {
	sent []EmailMessage
	err  error
}

func (f *fakeProvider) Send(_ context.Context, msg EmailMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func openedEvent() Event {
	return Event{
		Kind:   KindTicketOpened,
		Ticket: models.Ticket{ID: 42, Title: "Printer is broken", Status: models.StatusOpen},
		Queue: models.Queue{
			ID:                               1,
			Slug:                             "desk",
			Title:                            "Service Desk",
			EmailAddress:                     "desk@example.com",
			EnableNotificationsOnEmailEvents: true,
		},
		FollowUp:   models.FollowUp{MessageID: "abc@example.com", Comment: "It will not print."},
		Recipients: []string{"alice@example.com", "carol@example.com"},
	}
}

func TestDispatchSendsTaggedSubjectAndLoopHeaders(t *testing.T) {
	p := &fakeProvider{}
	d := NewEmailDispatcher(p)

	d.Dispatch(context.Background(), openedEvent())
	require.Len(t, p.sent, 1)

	msg := p.sent[0]
	require.Equal(t, "[desk-42] Printer is broken", msg.Subject)
	require.Equal(t, []string{"alice@example.com", "carol@example.com"}, msg.To)
	require.Equal(t, "alice@example.com, carol@example.com", msg.Headers["X-MailDesk-Delivered"])
	require.Equal(t, "auto-replied", msg.Headers["Auto-Submitted"])
	require.Equal(t, "All", msg.Headers["X-Auto-Response-Suppress"])
	require.Equal(t, "<abc@example.com>", msg.Headers["In-Reply-To"])
	require.Contains(t, msg.Body, "It will not print.")
	require.Contains(t, msg.Body, "Status: Open")
}

func TestDispatchExcludesQueueAddressAndDuplicates(t *testing.T) {
	p := &fakeProvider{}
	d := NewEmailDispatcher(p)

	ev := openedEvent()
	ev.Recipients = []string{"desk@example.com", "alice@example.com", "ALICE@example.com", ""}
	d.Dispatch(context.Background(), ev)

	require.Len(t, p.sent, 1)
	require.Equal(t, []string{"alice@example.com"}, p.sent[0].To)
}

func TestDispatchNoRecipientsIsSilent(t *testing.T) {
	p := &fakeProvider{}
	d := NewEmailDispatcher(p)

	ev := openedEvent()
	ev.Recipients = []string{"desk@example.com"}
	d.Dispatch(context.Background(), ev)
	require.Empty(t, p.sent)
}

func TestDispatchSendsUpdatesRegardlessOfQueueToggle(t *testing.T) {
	p := &fakeProvider{}
	d := NewEmailDispatcher(p)

	// Recipient selection happens upstream; once an event arrives with
	// recipients, the queue's email-event toggle must not silence it.
	ev := openedEvent()
	ev.Kind = KindTicketUpdated
	ev.Queue.EnableNotificationsOnEmailEvents = false
	d.Dispatch(context.Background(), ev)
	require.Len(t, p.sent, 1)
}

func TestDispatchSwallowsProviderErrors(t *testing.T) {
	p := &fakeProvider{err: errors.New("relay down")}
	d := NewEmailDispatcher(p)

	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), openedEvent())
	})
}
