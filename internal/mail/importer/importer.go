// Package importer polls configured mailboxes and drives each fetched
// message through decoding, routing, policy checks and ticket ingestion.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maildesk-io/maildesk/internal/mail/connector"
	"github.com/maildesk-io/maildesk/internal/mail/decode"
	"github.com/maildesk-io/maildesk/internal/mail/guard"
	"github.com/maildesk-io/maildesk/internal/mail/ingest"
	"github.com/maildesk-io/maildesk/internal/mail/route"
	"github.com/maildesk-io/maildesk/internal/metrics"
	"github.com/maildesk-io/maildesk/internal/models"
	"github.com/maildesk-io/maildesk/internal/store"
)

// defaultLookback stands in for the last-check time of an importer that has
// never been polled.
const defaultLookback = 30 * time.Minute

// defaultIntervalMins applies when an importer has no polling interval set.
const defaultIntervalMins = 5

// Orchestrator runs one import cycle over every enabled importer.
type Orchestrator struct {
	store      *store.Store
	factory    connector.Factory
	engine     *ingest.Engine
	decoder    *decode.Decoder
	classifier *route.Classifier
	guard      *guard.Guard
	logger     *log.Logger
	now        func() time.Time
	defaults   models.Importer

	// debug polls every importer regardless of interval and leaves
	// mailboxes untouched.
	debug bool
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's own logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source for interval checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDebug forces immediate polling and retains every message.
func WithDebug(enabled bool) Option {
	return func(o *Orchestrator) { o.debug = enabled }
}

// WithDecoder replaces the default message decoder.
func WithDecoder(d *decode.Decoder) Option {
	return func(o *Orchestrator) { o.decoder = d }
}

// WithClassifier replaces the default routing classifier.
func WithClassifier(c *route.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithGuard replaces the default policy guard.
func WithGuard(g *guard.Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithMailboxDefaults fills importer fields left empty by the operator from
// the global mailbox configuration.
func WithMailboxDefaults(defaults models.Importer) Option {
	return func(o *Orchestrator) { o.defaults = defaults }
}

// New builds an Orchestrator over the store, transport factory and ingestion
// engine.
func New(st *store.Store, factory connector.Factory, engine *ingest.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		factory: factory,
		engine:  engine,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.decoder == nil {
		o.decoder = decode.NewDecoder()
	}
	if o.classifier == nil {
		o.classifier = route.NewClassifier(route.WithClassifierLogger(o.logger))
	}
	if o.guard == nil {
		o.guard = guard.NewGuard(guard.WithGuardLogger(o.logger))
	}
	return o
}

// Run polls every enabled importer whose interval has elapsed. Importers run
// concurrently; messages within one importer are handled in order. The
// returned error aggregates per-importer failures.
func (o *Orchestrator) Run(ctx context.Context) error {
	importers, err := o.store.EnabledImporters(ctx)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, imp := range importers {
		if !o.due(imp) {
			o.logf("importer %q not due yet, skipping", imp.Name)
			continue
		}
		wg.Add(1)
		go func(imp models.Importer) {
			imp = o.applyDefaults(imp)
			defer wg.Done()
			if err := o.runImporter(ctx, imp); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("importer %q: %w", imp.Name, err))
				mu.Unlock()
			}
		}(imp)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// due reports whether the importer's polling interval has elapsed. An
// importer that has never run is treated as last checked a short while ago,
// so fresh configurations start polling promptly.
func (o *Orchestrator) due(imp models.Importer) bool {
	if o.debug {
		return true
	}
	now := o.now()
	last := now.Add(-defaultLookback)
	if imp.LastCheck != nil {
		last = *imp.LastCheck
	}
	interval := imp.IntervalMins
	if interval <= 0 {
		interval = defaultIntervalMins
	}
	return now.Sub(last) >= time.Duration(interval)*time.Minute
}

// applyDefaults fills importer fields the operator left empty from the
// global mailbox configuration.
func (o *Orchestrator) applyDefaults(imp models.Importer) models.Importer {
	if imp.Transport == "" {
		imp.Transport = o.defaults.Transport
	}
	if imp.Host == "" {
		imp.Host = o.defaults.Host
	}
	if imp.Username == "" {
		imp.Username = o.defaults.Username
	}
	if imp.Password == "" {
		imp.Password = o.defaults.Password
	}
	if !imp.UseSSL {
		imp.UseSSL = o.defaults.UseSSL
	}
	return imp
}

func (o *Orchestrator) runImporter(ctx context.Context, imp models.Importer) error {
	started := o.now()
	implog, closeLog := o.importerLogger(imp)
	defer closeLog()

	err := o.pollMailbox(ctx, imp, implog)
	metrics.ImportDuration.WithLabelValues(imp.Name).Observe(o.now().Sub(started).Seconds())
	if err != nil {
		metrics.ImportRuns.WithLabelValues(imp.Name, "error").Inc()
		implog.Printf("import failed: %v", err)
		return err
	}
	metrics.ImportRuns.WithLabelValues(imp.Name, "ok").Inc()

	if uerr := o.store.UpdateImporterLastCheck(ctx, imp.ID, o.now()); uerr != nil {
		implog.Printf("recording last check: %v", uerr)
	}
	return nil
}

func (o *Orchestrator) pollMailbox(ctx context.Context, imp models.Importer, implog *log.Logger) error {
	queues, err := o.store.QueuesForImporter(ctx, imp.ID)
	if err != nil {
		return err
	}
	ignores, err := o.store.IgnoreRulesForImporter(ctx, imp.ID)
	if err != nil {
		return err
	}

	dialer, err := o.factory.DialerFor(imp)
	if err != nil {
		return err
	}
	session, err := dialer.Dial(ctx, imp)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			implog.Printf("closing mailbox: %v", cerr)
		}
	}()

	refs, err := session.List(ctx)
	if err != nil {
		return err
	}
	implog.Printf("mailbox has %d message(s)", len(refs))

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.handleMessage(ctx, session, ref, imp, queues, ignores, implog); err != nil {
			if errors.Is(err, connector.ErrConnection) {
				return err
			}
			// One byzantine message must not block the rest of the batch.
			implog.Printf("message %s: %v", ref.ID, err)
			metrics.MessagesProcessed.WithLabelValues(imp.Name, "error").Inc()
			o.ack(ctx, session, ref, connector.OutcomeRetain, implog)
		}
	}
	return nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, session connector.Session, ref connector.MessageRef, imp models.Importer, queues []models.Queue, ignores []models.IgnoreEmail, implog *log.Logger) error {
	raw, err := session.Fetch(ctx, ref)
	if err != nil {
		return err
	}

	msg, err := o.decoder.Decode(raw)
	if err != nil {
		return err
	}

	var defaultQueueID int64
	if imp.DefaultQueueID != nil {
		defaultQueueID = *imp.DefaultQueueID
	}
	routed := o.classifier.Classify(msg.Subject, msg.Sender.Email, queues, defaultQueueID)
	if routed.QueueID == 0 {
		return fmt.Errorf("no queue matched and importer has no default queue")
	}
	queue, err := o.queueFor(ctx, routed.QueueID, queues)
	if err != nil {
		return err
	}

	verdict := o.guard.Inspect(msg, queue, ignores, routed.TicketID)
	if !verdict.Proceed {
		if verdict.ScrubTicketID > 0 && len(verdict.ScrubCC) > 0 {
			if serr := o.store.RemoveTicketCCs(ctx, verdict.ScrubTicketID, verdict.ScrubCC); serr != nil {
				implog.Printf("scrubbing ccs on ticket %d: %v", verdict.ScrubTicketID, serr)
			}
		}
		implog.Printf("dropping message %s: %s", ref.ID, verdict.Reason)
		metrics.MessagesDropped.WithLabelValues(verdict.Reason).Inc()
		metrics.MessagesProcessed.WithLabelValues(imp.Name, "dropped").Inc()
		o.ack(ctx, session, ref, verdict.Outcome, implog)
		return nil
	}

	res, err := o.engine.Ingest(ctx, msg, routed, queue, verdict.SuppressNotify)
	if err != nil {
		return err
	}
	if res == nil {
		// Update-only mode dropped it; the message is handled regardless.
		metrics.MessagesProcessed.WithLabelValues(imp.Name, "dropped").Inc()
		o.ack(ctx, session, ref, connector.OutcomeConsume, implog)
		return nil
	}

	switch {
	case res.Replayed:
		implog.Printf("message %s replayed followup %d", ref.ID, res.FollowUp.ID)
	case res.New:
		implog.Printf("message %s opened ticket %d", ref.ID, res.Ticket.ID)
	default:
		implog.Printf("message %s updated ticket %d", ref.ID, res.Ticket.ID)
	}
	metrics.MessagesProcessed.WithLabelValues(imp.Name, "ok").Inc()
	o.ack(ctx, session, ref, connector.OutcomeConsume, implog)
	return nil
}

// ack acknowledges a message, downgrading to retain in debug mode so test
// runs leave the mailbox intact. Failures are logged; the message will come
// back next cycle and replay detection keeps that harmless.
func (o *Orchestrator) ack(ctx context.Context, session connector.Session, ref connector.MessageRef, outcome connector.Outcome, implog *log.Logger) {
	if o.debug {
		outcome = connector.OutcomeRetain
	}
	if err := session.Ack(ctx, ref, outcome); err != nil {
		implog.Printf("acknowledging message %s as %s: %v", ref.ID, outcome, err)
	}
}

func (o *Orchestrator) queueFor(ctx context.Context, id int64, queues []models.Queue) (models.Queue, error) {
	for _, q := range queues {
		if q.ID == id {
			return q, nil
		}
	}
	q, err := o.store.QueueByID(ctx, id)
	if err != nil {
		return models.Queue{}, fmt.Errorf("queue %d: %w", id, err)
	}
	return *q, nil
}

// importerLogger builds the per-importer logger. With file logging enabled
// on the importer it appends to <dir>/<name>.log, otherwise messages are
// discarded.
func (o *Orchestrator) importerLogger(imp models.Importer) (*log.Logger, func()) {
	level := strings.ToLower(strings.TrimSpace(imp.LoggingLevel))
	if level == "" || level == "none" {
		return log.New(io.Discard, "", 0), func() {}
	}

	dir := imp.LoggingDir
	if dir == "" {
		dir = "."
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, imp.Name)
	path := filepath.Join(dir, name+".log")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		o.logf("opening log file %s: %v, logging to stderr", path, err)
		return log.New(os.Stderr, "["+imp.Name+"] ", log.LstdFlags), func() {}
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
