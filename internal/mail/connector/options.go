package connector

import (
	"log"
	"time"
)

const defaultDialTimeout = 30 * time.Second

// transportConfig carries the knobs shared by every built-in dialer.
type transportConfig struct {
	dialTimeout time.Duration
	logger      *log.Logger
	now         func() time.Time
	tokens      TokenProvider
}

func newTransportConfig(opts ...TransportOption) transportConfig {
	tc := transportConfig{
		dialTimeout: defaultDialTimeout,
		logger:      log.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&tc)
		}
	}
	return tc
}

// TransportOption customizes dialer behavior.
type TransportOption func(*transportConfig)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(tc *transportConfig) {
		if timeout > 0 {
			tc.dialTimeout = timeout
		}
	}
}

// WithLogger overrides the logger used for connector diagnostics.
func WithLogger(logger *log.Logger) TransportOption {
	return func(tc *transportConfig) {
		if logger != nil {
			tc.logger = logger
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) TransportOption {
	return func(tc *transportConfig) {
		if now != nil {
			tc.now = now
		}
	}
}

// WithTokenProvider wires the OAuth2 access-token source used by the IMAP
// XOAUTH2 path.
func WithTokenProvider(tokens TokenProvider) TransportOption {
	return func(tc *transportConfig) {
		if tokens != nil {
			tc.tokens = tokens
		}
	}
}

func (tc transportConfig) logf(format string, args ...any) {
	if tc.logger == nil {
		return
	}
	tc.logger.Printf(format, args...)
}
