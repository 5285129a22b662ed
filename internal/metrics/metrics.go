// Package metrics exposes Prometheus instrumentation for the mail import
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts messages fetched from a mailbox, labelled by
	// importer name and final result.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "messages_total",
		Help:      "Messages processed per importer and result.",
	}, []string{"importer", "result"})

	// MessagesDropped counts messages the policy guard refused, by reason.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped by the policy guard, by reason.",
	}, []string{"reason"})

	// TicketsCreated counts new tickets opened from email.
	TicketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "tickets_created_total",
		Help:      "Tickets created from inbound email.",
	})

	// FollowUpsCreated counts followups appended to existing tickets.
	FollowUpsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "followups_created_total",
		Help:      "Followups appended to tickets from inbound email.",
	})

	// ImportRuns tracks mailbox poll attempts per importer and outcome.
	ImportRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "runs_total",
		Help:      "Mailbox poll runs per importer and outcome.",
	}, []string{"importer", "outcome"})

	// ImportDuration observes how long one mailbox poll takes.
	ImportDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "maildesk",
		Subsystem: "import",
		Name:      "run_duration_seconds",
		Help:      "Duration of one mailbox poll.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"importer"})

	// NotificationsSent counts outbound notification emails by kind.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maildesk",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notification emails sent, by template kind.",
	}, []string{"kind"})
)
