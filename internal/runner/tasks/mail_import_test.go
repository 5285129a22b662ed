package tasks

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeImporter struct {
	runs int
	err  error
}

func (f *fakeImporter) Run(ctx context.Context) error {
	f.runs++
	return f.err
}

func TestMailImportTaskRun(t *testing.T) {
	imp := &fakeImporter{}
	task := NewMailImportTask(imp, "0 */5 * * * *",
		WithMailImportLogger(log.New(io.Discard, "", 0)))

	require.Equal(t, "mail-import", task.Name())
	require.Equal(t, "0 */5 * * * *", task.Schedule())
	require.Equal(t, defaultImportTimeout, task.Timeout())

	require.NoError(t, task.Run(context.Background()))
	require.Equal(t, 1, imp.runs)
}

func TestMailImportTaskPropagatesError(t *testing.T) {
	imp := &fakeImporter{err: errors.New("mailbox unreachable")}
	task := NewMailImportTask(imp, "@every 5m",
		WithMailImportLogger(log.New(io.Discard, "", 0)))

	err := task.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, imp.runs)
}

func TestMailImportTaskTimeoutOption(t *testing.T) {
	task := NewMailImportTask(&fakeImporter{}, "@every 5m",
		WithMailImportTimeout(time.Minute),
		WithMailImportLogger(log.New(io.Discard, "", 0)))

	require.Equal(t, time.Minute, task.Timeout())
}
