package handlers

import (
	"fmt"
	"io"
	"net/http"

	"cardsync/internal/engine/remote"
	"cardsync/internal/engine/syncer"
	"cardsync/internal/engine/webhooks"
)

// MetricsSources are read on every scrape; nil sources are skipped.
type MetricsSources struct {
	Engine    func() syncer.EngineStats
	Webhooks  func() webhooks.Stats
	Remote    func() remote.Stats
	Exchanges func() int64
}

// MetricsHandler writes counters in the Prometheus text format.
type MetricsHandler struct {
	src MetricsSources
}

func NewMetricsHandler(src MetricsSources) *MetricsHandler {
	return &MetricsHandler{src: src}
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetric(w, "cardsync_up", "gauge", "Is the server up", 1)

	if h.src.Engine != nil {
		s := h.src.Engine()
		writeMetric(w, "cardsync_sync_passes_total", "counter", "Project sync passes started", s.Passes)
		writeMetric(w, "cardsync_sync_passes_failed_total", "counter", "Project sync passes that failed", s.PassesFailed)
		writeMetric(w, "cardsync_sync_passes_partial_total", "counter", "Project sync passes with entity errors", s.PassesPartial)
		writeMetric(w, "cardsync_sync_relink_required_total", "counter", "Syncs stopped for an invalid installation", s.Relinks)
		writeMetric(w, "cardsync_sync_conflicts_total", "counter", "Field conflicts resolved", s.Conflicts)
		writeMetric(w, "cardsync_issues_created_total", "counter", "Issues created for cards", s.IssuesCreated)
		writeMetric(w, "cardsync_cards_created_total", "counter", "Cards created from issues", s.CardsCreated)
		writeMetric(w, "cardsync_events_applied_total", "counter", "Webhook events applied", s.EventsApplied)
		writeMetric(w, "cardsync_events_stale_total", "counter", "Webhook events skipped as stale", s.EventsStale)
		writeMetric(w, "cardsync_project_locks_held", "gauge", "Project locks currently held", s.Locks.Held)
		writeMetric(w, "cardsync_project_locks_expired_total", "counter", "Project leases force released", s.Locks.Expired)
		writeMetric(w, "cardsync_project_locks_rejected_total", "counter", "Lock waits that timed out", s.Locks.Rejected)
	}
	if h.src.Webhooks != nil {
		s := h.src.Webhooks()
		writeMetric(w, "cardsync_webhooks_received_total", "counter", "Webhook deliveries persisted", s.Received)
		writeMetric(w, "cardsync_webhooks_duplicate_total", "counter", "Duplicate webhook deliveries", s.Duplicates)
		writeMetric(w, "cardsync_webhooks_rejected_total", "counter", "Webhooks with invalid signatures", s.Rejected)
		writeMetric(w, "cardsync_webhooks_processed_total", "counter", "Webhook deliveries processed", s.Processed)
		writeMetric(w, "cardsync_webhooks_failed_total", "counter", "Webhook processing failures", s.Failed)
		writeMetric(w, "cardsync_webhook_pool_backlog", "gauge", "Deliveries waiting for a worker", int64(s.Pool.Backlog))
		writeMetric(w, "cardsync_webhook_pool_dropped_total", "counter", "Deliveries left pending on a full pool", s.Pool.Dropped)
	}
	if h.src.Remote != nil {
		s := h.src.Remote()
		writeMetric(w, "cardsync_github_requests_total", "counter", "GitHub API calls", s.Requests)
		writeMetric(w, "cardsync_github_rate_limit_waits_total", "counter", "Waits for a rate limit reset", s.RateLimitWaits)
		writeMetric(w, "cardsync_github_retries_total", "counter", "Retried GitHub calls", s.Retries)
		writeMetric(w, "cardsync_github_failures_total", "counter", "Failed GitHub calls", s.Failures)
	}
	if h.src.Exchanges != nil {
		writeMetric(w, "cardsync_token_exchanges_total", "counter", "Installation token exchanges", h.src.Exchanges())
	}
}

func writeMetric(w io.Writer, name, kind, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
