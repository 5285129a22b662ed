package tasks

import (
	"context"
	"log"
	"os"
	"time"
)

const defaultImportTimeout = 10 * time.Minute

// mailImporter runs one import cycle over every due mailbox.
type mailImporter interface {
	Run(ctx context.Context) error
}

// MailImportTask polls configured mailboxes on a schedule.
type MailImportTask struct {
	importer mailImporter
	schedule string
	timeout  time.Duration
	logger   *log.Logger
}

// MailImportOption customizes a MailImportTask.
type MailImportOption func(*MailImportTask)

// WithMailImportTimeout caps how long one import cycle may run.
func WithMailImportTimeout(timeout time.Duration) MailImportOption {
	return func(t *MailImportTask) {
		t.timeout = timeout
	}
}

// WithMailImportLogger overrides the task's logger.
func WithMailImportLogger(logger *log.Logger) MailImportOption {
	return func(t *MailImportTask) {
		t.logger = logger
	}
}

// NewMailImportTask wraps an importer as a scheduled task.
func NewMailImportTask(importer mailImporter, schedule string, opts ...MailImportOption) *MailImportTask {
	t := &MailImportTask{
		importer: importer,
		schedule: schedule,
		timeout:  defaultImportTimeout,
		logger:   log.New(os.Stdout, "[mail-import] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements runner.Task.
func (t *MailImportTask) Name() string {
	return "mail-import"
}

// Schedule implements runner.Task.
func (t *MailImportTask) Schedule() string {
	return t.schedule
}

// Timeout implements runner.Task.
func (t *MailImportTask) Timeout() time.Duration {
	return t.timeout
}

// Run executes one import cycle.
func (t *MailImportTask) Run(ctx context.Context) error {
	if err := t.importer.Run(ctx); err != nil {
		t.logger.Printf("import cycle finished with errors: %v", err)
		return err
	}
	return nil
}
