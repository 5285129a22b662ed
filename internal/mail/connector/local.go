package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maildesk-io/maildesk/internal/models"
)

// LocalDialer treats a filesystem drop directory as a mailbox: every regular
// file is one message, consuming a message deletes its file.
type LocalDialer struct {
	cfg transportConfig
}

// NewLocalDialer returns the local-directory transport.
func NewLocalDialer(opts ...TransportOption) *LocalDialer {
	return &LocalDialer{cfg: newTransportConfig(opts...)}
}

// Name returns the transport identifier.
func (d *LocalDialer) Name() string {
	return models.TransportLocal
}

// Dial validates the drop directory and opens a session over it.
func (d *LocalDialer) Dial(ctx context.Context, imp models.Importer) (Session, error) {
	dir := imp.LocalDir
	if dir == "" {
		return nil, fmt.Errorf("%w: local importer %d has no directory configured", ErrConfiguration, imp.ID)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: local dir %s: %v", ErrConnection, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: local path %s is not a directory", ErrConfiguration, dir)
	}
	return &localSession{cfg: d.cfg, dir: dir}, nil
}

type localSession struct {
	cfg transportConfig
	dir string
}

func (s *localSession) List(ctx context.Context) ([]MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrConnection, s.dir, err)
	}
	var refs []MessageRef
	seq := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		seq++
		refs = append(refs, MessageRef{ID: entry.Name(), SeqNum: seq})
	}
	return refs, nil
}

func (s *localSession) Fetch(ctx context.Context, ref MessageRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, ref.ID))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.ID, err)
	}
	return raw, nil
}

func (s *localSession) Ack(ctx context.Context, ref MessageRef, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if outcome != OutcomeConsume {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, ref.ID)); err != nil {
		s.cfg.logf("local: unable to delete %s: %v", ref.ID, err)
		return err
	}
	return nil
}

func (s *localSession) Close(ctx context.Context) error {
	return nil
}
