// Package metrics exposes the server's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished counts frames fanned out to subscribers, by type.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "divvy_channel_messages_published_total",
		Help: "Messages fanned out to group subscribers, by message type.",
	}, []string{"type"})

	// MessagesDropped counts frames dropped because a subscriber could not
	// keep up. Delivery is best-effort; clients catch up via the feed.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "divvy_channel_messages_dropped_total",
		Help: "Messages dropped due to slow or disconnected subscribers.",
	})

	// ActiveSubscriptions tracks currently subscribed sessions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "divvy_channel_active_subscriptions",
		Help: "Currently subscribed realtime sessions.",
	})

	// EventsAppended counts activity feed appends, by action.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "divvy_feed_events_appended_total",
		Help: "Activity events appended, by action.",
	}, []string{"action"})

	// PresenceSwept counts presence entries removed by the sweeper.
	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "divvy_presence_swept_total",
		Help: "Presence entries removed for missing heartbeats.",
	})

	// ApprovalsDecided counts terminal approval transitions, by outcome.
	ApprovalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "divvy_approvals_decided_total",
		Help: "Approval requests settled, by terminal status.",
	}, []string{"status"})

	// CommitFailuresAfterApproval counts the operator-visible divergence
	// between an approval decision and its expense commit.
	CommitFailuresAfterApproval = promauto.NewCounter(prometheus.CounterOpts{
		Name: "divvy_approval_commit_failures_total",
		Help: "Approved requests whose expense commit failed and were reverted to pending.",
	})

	// OptimisticTimeouts counts updates expired past the reconciliation
	// deadline.
	OptimisticTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "divvy_optimistic_timeouts_total",
		Help: "Optimistic updates that expired without confirmation.",
	})

	// ConflictsResolved counts resolver invocations, by strategy.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "divvy_conflicts_resolved_total",
		Help: "Conflicts between optimistic and confirmed state, by strategy.",
	}, []string{"strategy"})
)
