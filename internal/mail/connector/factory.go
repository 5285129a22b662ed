package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/maildesk-io/maildesk/internal/models"
)

// Dialer opens a Session for one importer. Implementations exist for POP3,
// IMAP and local drop directories.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, imp models.Importer) (Session, error)
}

// Factory resolves the dialer matching an importer's transport kind.
type Factory interface {
	DialerFor(imp models.Importer) (Dialer, error)
}

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{dialers: make(map[string]Dialer)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with the built-in transports.
func DefaultFactory(opts ...TransportOption) Factory {
	return NewFactory(
		WithDialer(NewPOP3Dialer(opts...), models.TransportPOP3, "pop3s"),
		WithDialer(NewIMAPDialer(opts...), models.TransportIMAP, "imaps"),
		WithDialer(NewLocalDialer(opts...), models.TransportLocal, "maildir"),
	)
}

// WithDialer registers a dialer for the provided transport kinds.
func WithDialer(d Dialer, kinds ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || d == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, k := range kinds {
			key := normalizeKind(k)
			if key == "" {
				continue
			}
			f.dialers[key] = d
		}
	}
}

func (f *simpleFactory) DialerFor(imp models.Importer) (Dialer, error) {
	key := normalizeKind(imp.Transport)
	f.mu.RLock()
	d, ok := f.dialers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no transport registered for kind %q", ErrConfiguration, imp.Transport)
	}
	return d, nil
}

func normalizeKind(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
