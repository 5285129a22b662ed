package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/mail/route"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/notifications"
	"github.com/maildesk-io/maildesk/internal/store"
)

type fakeDispatcher struct {
	events []notifications.Event
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev notifications.Event) {
	f.events = append(f.events, ev)
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

func seedQueue(t *testing.T, st *store.Store) models.Queue {
	t.Helper()
	q := &models.Queue{
		Slug:                             "desk",
		Title:                            "Service Desk",
		EmailAddress:                     "desk@example.com",
		EnableNotificationsOnEmailEvents: true,
	}
	require.NoError(t, st.CreateQueue(context.Background(), q))
	return *q
}

func seedTicket(t *testing.T, st *store.Store, queueID int64, status int, submitter string) *models.Ticket {
	t.Helper()
	now := time.Now().UTC()
	tk := &models.Ticket{
		Title:          "existing issue",
		QueueID:        queueID,
		Status:         status,
		Priority:       models.PriorityNormal,
		SubmitterEmail: submitter,
		ContactEmail:   submitter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateTicket(context.Background(), tk))
	return tk
}

func inboundMessage(subject, sender, messageID string) *decode.Message {
	return &decode.Message{
		Subject:   subject,
		Sender:    decode.Address{Name: "Alice Jensen", Email: sender},
		Body:      "latest reply",
		FullBody:  "latest reply\n\n> quoted history",
		Priority:  models.PriorityNormal,
		MessageID: messageID,
		Header:    decode.Header{},
	}
}

func TestIngestOpensNewTicket(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	disp := &fakeDispatcher{}

	e := NewEngine(st, WithDispatcher(disp))
	msg := inboundMessage("Printer is broken", "alice@example.com", "m1@example.com")
	msg.To = []decode.Address{{Email: "desk@example.com"}}
	msg.Cc = []decode.Address{{Email: "carol@example.com"}}

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.True(t, res.New)
	require.Equal(t, "Printer is broken", res.Ticket.Title)
	require.Equal(t, models.StatusOpen, res.Ticket.Status)
	require.Equal(t, "alice@example.com", res.Ticket.SubmitterEmail)
	require.Equal(t, "Alice Jensen", res.Ticket.ContactName)
	// Without the full-first-message flag quoted history is dropped.
	require.Equal(t, "latest reply", res.Ticket.Description)

	require.Equal(t, "E-Mail Received from alice@example.com", res.FollowUp.Title)
	require.Equal(t, "m1@example.com", res.FollowUp.MessageID)

	// The queue's own address never becomes a CC.
	ccs, err := st.TicketCCs(ctx, res.Ticket.ID)
	require.NoError(t, err)
	require.Len(t, ccs, 1)
	require.Equal(t, "carol@example.com", ccs[0].Email)

	require.Len(t, disp.events, 1)
	require.Equal(t, notifications.KindTicketOpened, disp.events[0].Kind)
	require.Contains(t, disp.events[0].Recipients, "alice@example.com")
	require.Contains(t, disp.events[0].Recipients, "carol@example.com")
}

func TestIngestFullFirstMessageKeepsHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)

	e := NewEngine(st, WithFullFirstMessage(true))
	msg := inboundMessage("Forwarded problem", "alice@example.com", "m2@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	// The description stays the visible reply; the quoted history survives
	// only in the opening followup's comment.
	require.Equal(t, "latest reply", res.Ticket.Description)
	require.Contains(t, res.FollowUp.Comment, "quoted history")
}

func TestIngestReopensResolvedTicket(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusResolved, "alice@example.com")
	disp := &fakeDispatcher{}

	e := NewEngine(st, WithDispatcher(disp))
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m3@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.False(t, res.New)
	require.Equal(t, models.StatusReopened, res.Ticket.Status)
	require.NotNil(t, res.FollowUp.NewStatus)
	require.Equal(t, models.StatusReopened, *res.FollowUp.NewStatus)
	require.Contains(t, res.FollowUp.Title, "Ticket Re-Opened by E-Mail Received from")

	require.Len(t, disp.events, 1)
	require.Equal(t, notifications.KindTicketReopened, disp.events[0].Kind)
}

func TestIngestRepliedMovesToOpen(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusReplied, "alice@example.com")

	e := NewEngine(st)
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m4@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, res.Ticket.Status)
}

func TestIngestStaffReplyMarksReplied(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")

	staff := &models.User{Email: "agent@example.com", DisplayName: "Agent Smith", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, staff))

	e := NewEngine(st)
	msg := inboundMessage("Re: existing issue", "agent@example.com", "m5@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusReplied, res.Ticket.Status)
}

func TestIngestStaffReplyLeavesSettledTickets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)

	staff := &models.User{Email: "agent@example.com", DisplayName: "Agent Smith", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, staff))

	e := NewEngine(st)
	for i, status := range []int{models.StatusResolved, models.StatusClosed, models.StatusDuplicate} {
		tk := seedTicket(t, st, q.ID, status, "alice@example.com")
		msg := inboundMessage("Re: existing issue", "agent@example.com", fmt.Sprintf("settled-%d@example.com", i))

		res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
		require.NoError(t, err)
		require.Equal(t, status, res.Ticket.Status)
		require.Nil(t, res.FollowUp.NewStatus)
	}
}

func TestIngestStaffReplyReopensStaffSubmittedTicket(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)

	owner := &models.User{Email: "owner@example.com", DisplayName: "Owen Owner", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, owner))
	lead := &models.User{Email: "lead@example.com", DisplayName: "Lena Lead", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, lead))
	agent := &models.User{Email: "agent@example.com", DisplayName: "Agent Smith", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, agent))

	now := time.Now().UTC()
	tk := &models.Ticket{
		Title:          "existing issue",
		QueueID:        q.ID,
		Status:         models.StatusClosed,
		Priority:       models.PriorityNormal,
		SubmitterEmail: "lead@example.com",
		ContactEmail:   "lead@example.com",
		AssignedToID:   &owner.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateTicket(ctx, tk))

	e := NewEngine(st)

	// A staff member who is not the assignee writes into a staff-submitted
	// closed ticket: that counts as a public update and reopens it.
	msg := inboundMessage("Re: existing issue", "agent@example.com", "m13@example.com")
	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusReopened, res.Ticket.Status)
	require.Contains(t, res.FollowUp.Title, "Agent Smith")

	// The assignee replying to the same staff-submitted ticket is an
	// internal update and marks it replied.
	msg = inboundMessage("Re: existing issue", "owner@example.com", "m14@example.com")
	res, err = e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusReplied, res.Ticket.Status)
}

func TestIngestOpenTicketStaysOpenOnSubmitterReply(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")

	e := NewEngine(st)
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m6@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, res.Ticket.Status)
	require.Nil(t, res.FollowUp.NewStatus)
}

func TestIngestFollowsMergeTarget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	target := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")
	merged := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")
	require.NoError(t, st.MergeTicket(ctx, merged.ID, target.ID))

	e := NewEngine(st)
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m7@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: merged.ID}, q, false)
	require.NoError(t, err)
	require.Equal(t, target.ID, res.Ticket.ID)
	require.Equal(t, target.ID, res.FollowUp.TicketID)
}

func TestIngestThreadsByInReplyTo(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")

	prior := &models.FollowUp{TicketID: tk.ID, Title: "first", Date: time.Now().UTC(), Public: true, MessageID: "first@example.com"}
	require.NoError(t, st.CreateFollowUp(ctx, prior))

	e := NewEngine(st)
	// Subject has no tag; only the In-Reply-To header links the thread.
	msg := inboundMessage("totally different subject", "alice@example.com", "m8@example.com")
	msg.InReplyTo = "first@example.com"

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.False(t, res.New)
	require.Equal(t, tk.ID, res.Ticket.ID)
}

func TestIngestUpdateOnlyDropsUnmatched(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)

	e := NewEngine(st, WithUpdateOnly(true))
	msg := inboundMessage("brand new problem", "alice@example.com", "m9@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestIngestUpdateOnlyStillUpdates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusOpen, "alice@example.com")

	e := NewEngine(st, WithUpdateOnly(true))
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m10@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, tk.ID, res.Ticket.ID)
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	disp := &fakeDispatcher{}

	e := NewEngine(st, WithDispatcher(disp))
	msg := inboundMessage("Printer is broken", "alice@example.com", "dup@example.com")

	first, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.True(t, first.New)

	replay := inboundMessage("Printer is broken", "alice@example.com", "dup@example.com")
	second, err := e.Ingest(ctx, replay, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Ticket.ID, second.Ticket.ID)
	require.Equal(t, first.FollowUp.ID, second.FollowUp.ID)

	// Only the first ingest notified.
	require.Len(t, disp.events, 1)
}

func TestIngestSuppressNotify(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	disp := &fakeDispatcher{}

	e := NewEngine(st, WithDispatcher(disp))
	msg := inboundMessage("Out of office", "alice@example.com", "m11@example.com")

	_, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, true)
	require.NoError(t, err)
	require.Empty(t, disp.events)
}

func TestIngestTruncatesLongTitles(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)

	long := make([]rune, 0, 300)
	for i := 0; i < 300; i++ {
		long = append(long, 'x')
	}

	e := NewEngine(st)
	msg := inboundMessage(string(long), "alice@example.com", "m12@example.com")

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID}, q, false)
	require.NoError(t, err)
	require.Len(t, []rune(res.Ticket.Title), 200)
}

func TestIngestTruncatesLongFollowUpTitles(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	q := seedQueue(t, st)
	tk := seedTicket(t, st, q.ID, models.StatusResolved, "alice@example.com")

	sender := strings.Repeat("a", 300) + "@example.com"

	e := NewEngine(st)
	msg := inboundMessage("Re: existing issue", sender, "m15@example.com")
	msg.Sender.Name = ""

	res, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, q, false)
	require.NoError(t, err)
	// The reopen title embeds the sender address and must still fit the
	// column.
	require.Len(t, []rune(res.FollowUp.Title), 200)
}

func TestIngestNotifiesAssigneeAndGatesPublicCCs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	q := &models.Queue{
		Slug:         "quiet",
		Title:        "Quiet Desk",
		EmailAddress: "quiet@example.com",
	}
	require.NoError(t, st.CreateQueue(ctx, q))

	owner := &models.User{Email: "owner@example.com", DisplayName: "Owen Owner", IsStaff: true}
	require.NoError(t, st.CreateUser(ctx, owner))
	watcher := &models.User{Email: "watcher@example.com", DisplayName: "Wendy Watcher"}
	require.NoError(t, st.CreateUser(ctx, watcher))

	now := time.Now().UTC()
	tk := &models.Ticket{
		Title:          "existing issue",
		QueueID:        q.ID,
		Status:         models.StatusOpen,
		Priority:       models.PriorityNormal,
		SubmitterEmail: "alice@example.com",
		ContactEmail:   "alice@example.com",
		AssignedToID:   &owner.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateTicket(ctx, tk))
	require.NoError(t, st.SubscribeCC(ctx, tk.ID, "watcher@example.com", &watcher.ID))
	require.NoError(t, st.SubscribeCC(ctx, tk.ID, "public@example.com", nil))

	disp := &fakeDispatcher{}
	e := NewEngine(st, WithDispatcher(disp))
	msg := inboundMessage("Re: existing issue", "alice@example.com", "m16@example.com")

	_, err := e.Ingest(ctx, msg, route.Result{QueueID: q.ID, TicketID: tk.ID}, *q, false)
	require.NoError(t, err)
	require.Len(t, disp.events, 1)

	// With email-event notifications off, updates still reach the
	// submitter, the assigned owner and user-linked CCs. Only public CC
	// addresses go quiet.
	got := disp.events[0].Recipients
	require.Contains(t, got, "alice@example.com")
	require.Contains(t, got, "owner@example.com")
	require.Contains(t, got, "watcher@example.com")
	require.NotContains(t, got, "public@example.com")
}
